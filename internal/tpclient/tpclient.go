// Package tpclient implements the remote CLI client: it uploads one or
// more ELF files to a running teleprobe server and reports pass/fail,
// and can list the server's configured targets. Grounded on
// original_source/teleprobe/src/client.rs.
package tpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"teleprobe/internal/api"
	"teleprobe/internal/elfinfo"
	"teleprobe/internal/logcapture"
)

var log = logcapture.New("tpclient")

// maxConcurrentPerTarget mirrors client.rs's buffer_unordered(2): jobs
// against the same target run two at a time so they don't contend too
// hard for one physical board's USB bus, while jobs against different
// targets all run concurrently.
const maxConcurrentPerTarget = 2

// Credentials identifies the caller to the server: a bearer token and the
// server's base URL (e.g. "http://localhost:8080").
type Credentials struct {
	Token string
	Host  string
}

// Job is one ELF file queued to run against a target.
type Job struct {
	Path   string
	Target string
	Elf    []byte
}

// RunOptions configures Run: an explicit target (overriding autodetection
// of every job's .teleprobe.target section), the set of files or
// directories to run, whether to recurse into directories, and whether
// to print captured logs for passing runs too.
type RunOptions struct {
	Target     string
	Files      []string
	Recursive  bool
	ShowOutput bool
}

// CollectJobs resolves RunOptions.Files (recursing into directories when
// Recursive is set) into Jobs, reading each ELF and resolving its target
// either from RunOptions.Target or its .teleprobe.target section,
// matching client.rs's run().
func CollectJobs(opts RunOptions) ([]Job, error) {
	paths, err := expandFiles(opts.Files, opts.Recursive)
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(paths))
	for _, path := range paths {
		elf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		target := opts.Target
		if target == "" {
			target, err = elfinfo.DetectTarget(elf)
			if err != nil {
				return nil, fmt.Errorf("detect target for %s: %w", path, err)
			}
		}

		jobs = append(jobs, Job{Path: path, Target: target, Elf: elf})
	}
	return jobs, nil
}

func expandFiles(files []string, recursive bool) ([]string, error) {
	if !recursive {
		out := make([]string, len(files))
		copy(out, files)
		return out, nil
	}

	var out []string
	for _, root := range files {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return out, nil
}

// Run posts every job to the server, bounding per-target concurrency to
// maxConcurrentPerTarget, and returns the number that succeeded and
// failed. It mirrors client.rs's run(): jobs are grouped by target first
// so the per-target concurrency cap applies independently to each group.
// Jobs the cache already recorded as passed are skipped and counted as
// succeeded; jobs that do run and succeed are recorded into cache, which
// the caller is responsible for saving. A nil cache disables this
// entirely.
func Run(ctx context.Context, creds Credentials, jobs []Job, showOutput bool, cache *Cache) (succeeded, failed int) {
	byTarget := map[string][]Job{}
	for _, j := range jobs {
		if cache != nil && cache.HasPassed(j) {
			log.Info(ctx, "=== %s %s: OK (cached)", j.Target, j.Path)
			succeeded++
			continue
		}
		byTarget[j.Target] = append(byTarget[j.Target], j)
	}

	client := &http.Client{}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, targetJobs := range byTarget {
		sem := make(chan struct{}, maxConcurrentPerTarget)
		for _, job := range targetJobs {
			wg.Add(1)
			sem <- struct{}{}
			go func(job Job) {
				defer wg.Done()
				defer func() { <-sem }()

				ok := runJob(ctx, client, creds, job, showOutput)

				mu.Lock()
				if ok {
					succeeded++
					if cache != nil {
						cache.MarkPassed(job)
					}
				} else {
					failed++
				}
				mu.Unlock()
			}(job)
		}
	}
	wg.Wait()

	return succeeded, failed
}

func runJob(ctx context.Context, client *http.Client, creds Credentials, job Job, showOutput bool) bool {
	url := fmt.Sprintf("%s/targets/%s/run", creds.Host, job.Target)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(job.Elf))
	if err != nil {
		log.Error(ctx, "=== %s %s: FAILED: build request: %v", job.Target, job.Path, err)
		return false
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := client.Do(req)
	if err != nil {
		log.Error(ctx, "=== %s %s: FAILED: %v", job.Target, job.Path, err)
		return false
	}
	defer resp.Body.Close()

	body, readErr := io.ReadAll(resp.Body)
	logs := "empty"
	if readErr == nil {
		logs = string(body)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		log.Info(ctx, "=== %s %s: OK", job.Target, job.Path)
		if showOutput {
			log.Info(ctx, "%s", logs)
		}
		return true
	}

	log.Error(ctx, "=== %s %s: FAILED: HTTP request failed with status code: %d: %s", job.Target, job.Path, resp.StatusCode, http.StatusText(resp.StatusCode))
	log.Error(ctx, "%s", logs)
	return false
}

// ListTargets fetches GET /targets and prints a name/chip/up table to w,
// matching client.rs's list_targets.
func ListTargets(ctx context.Context, w io.Writer, creds Credentials) error {
	url := creds.Host + "/targets"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+creds.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("list targets failed: status code %d: %s: %s", resp.StatusCode, http.StatusText(resp.StatusCode), string(body))
	}

	var list api.TargetList
	if err := json.Unmarshal(body, &list); err != nil {
		return fmt.Errorf("decode target list: %w", err)
	}

	fmt.Fprintln(w, "Teleprobe server supports the following targets:")
	fmt.Fprintf(w, "%-20s %-14s %-6s\n", "name", "chip", "up")
	for _, t := range list.Targets {
		fmt.Fprintf(w, "%-20s %-14s %-6t\n", t.Name, t.Chip, t.Up)
	}
	return nil
}

// ValidateHost matches client.rs's bail!("Host must start with `http`.").
func ValidateHost(host string) error {
	if !strings.HasPrefix(host, "http") {
		return fmt.Errorf("host must start with `http`")
	}
	return nil
}
