package tpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teleprobe/internal/api"
	"teleprobe/internal/elfinfo/elftest"
)

func testELF(target string) []byte {
	return elftest.Build(elftest.Options{
		VectorTableAddr: 0x2000_0000,
		InitialSP:       0x2002_0000,
		ResetHandler:    0x2000_0101,
		HardFaultAddr:   0x2000_0201,
		TeleprobeTarget: target,
		Symbols: []elftest.Symbol{
			{Name: "main", Value: 0x2000_0301},
			{Name: "_SEGGER_RTT", Value: 0x2000_1000},
		},
	})
}

func TestCollectJobsExplicitTarget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.elf")
	require.NoError(t, os.WriteFile(path, testELF(""), 0o644))

	jobs, err := CollectJobs(RunOptions{Target: "my-board", Files: []string{path}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "my-board", jobs[0].Target)
}

func TestCollectJobsDetectsTargetFromELF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fw.elf")
	require.NoError(t, os.WriteFile(path, testELF("nrf52-board"), 0o644))

	jobs, err := CollectJobs(RunOptions{Files: []string{path}})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "nrf52-board", jobs[0].Target)
}

func TestCollectJobsRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "a.elf"), testELF("board-a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.elf"), testELF("board-b"), 0o644))

	jobs, err := CollectJobs(RunOptions{Files: []string{dir}, Recursive: true})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestRunReportsSuccessAndFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/targets/good/run", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("INFO - all good\n"))
	})
	mux.HandleFunc("/targets/bad/run", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte("ERROR - crashed\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	jobs := []Job{
		{Path: "a.elf", Target: "good", Elf: []byte("elf-a")},
		{Path: "b.elf", Target: "bad", Elf: []byte("elf-b")},
	}

	succeeded, failed := Run(context.Background(), Credentials{Token: "tok", Host: srv.URL}, jobs, false, nil)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, failed)
}

func TestRunSkipsCachedJob(t *testing.T) {
	calls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/targets/good/run", func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("INFO - all good\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	job := Job{Path: "a.elf", Target: "good", Elf: []byte("elf-a")}
	cache, err := LoadCache("")
	require.NoError(t, err)
	cache.path = filepath.Join(t.TempDir(), "cache.json")
	cache.MarkPassed(job)

	succeeded, failed := Run(context.Background(), Credentials{Token: "tok", Host: srv.URL}, []Job{job}, false, cache)
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, calls)
}

func TestCacheRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.json")
	job := Job{Path: "a.elf", Target: "good", Elf: []byte("elf-a")}

	c1, err := LoadCache(path)
	require.NoError(t, err)
	assert.False(t, c1.HasPassed(job))
	c1.MarkPassed(job)
	require.NoError(t, c1.Save())

	c2, err := LoadCache(path)
	require.NoError(t, err)
	assert.True(t, c2.HasPassed(job))
}

func TestCacheMissingFileIsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist.json")
	c, err := LoadCache(path)
	require.NoError(t, err)
	assert.False(t, c.HasPassed(Job{Target: "x", Elf: []byte("y")}))
}

func TestListTargetsRendersTable(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/targets", func(w http.ResponseWriter, r *http.Request) {
		list := api.TargetList{Targets: []api.Target{{Name: "my-board", Chip: "STM32F407VGTx", Up: true}}}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"targets":[{"name":%q,"chip":%q,"probe":"","connect_under_reset":false,"up":%v,"power_reset":false}]}`,
			list.Targets[0].Name, list.Targets[0].Chip, list.Targets[0].Up)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	var buf strings.Builder
	err := ListTargets(context.Background(), &buf, Credentials{Token: "tok", Host: srv.URL})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "my-board")
	assert.Contains(t, buf.String(), "true")
}

func TestValidateHost(t *testing.T) {
	assert.NoError(t, ValidateHost("http://localhost:8080"))
	assert.Error(t, ValidateHost("localhost:8080"))
}
