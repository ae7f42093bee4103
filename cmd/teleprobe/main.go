// Command teleprobe is the entry point for all three of teleprobe's
// modes: "local" flashes+runs one ELF on a directly attached probe,
// "server" serves the HTTP API against a probe farm described by
// config.yaml, and "client" talks to a running server. Grounded on
// original_source/teleprobe/src/main.rs's Cli enum, and on
// guiperry-HASHER's flag-based cmd/driver/hasher-host/main.go for the
// flag/signal/graceful-shutdown wiring style.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"teleprobe/internal/auth"
	"teleprobe/internal/cli"
	"teleprobe/internal/config"
	"teleprobe/internal/dispatcher"
	"teleprobe/internal/logcapture"
	"teleprobe/internal/probe"
	"teleprobe/internal/runner"
	"teleprobe/internal/server"
	"teleprobe/internal/tpclient"
)

func main() {
	logcapture.Init()

	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: teleprobe <local|server|client> ...")
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "local":
		err = runLocal(os.Args[2:])
	case "server":
		err = runServer(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		err = fmt.Errorf("unknown command %q (want local, server, or client)", os.Args[1])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func notifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// --- local ---

func runLocal(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: teleprobe local <list-probes|run> ...")
	}

	lister := probe.NewUSBLister()
	defer lister.Close()

	switch args[0] {
	case "list-probes":
		return cli.ListProbes(os.Stdout, lister)
	case "run":
		return runLocalRun(lister, args[1:])
	default:
		return fmt.Errorf("unknown local subcommand %q", args[0])
	}
}

func runLocalRun(lister probe.Lister, args []string) error {
	fs := flag.NewFlagSet("local run", flag.ExitOnError)
	elfPath := fs.String("elf", "", "ELF file to flash+run")
	chip := fs.String("chip", "", "chip name")
	probeSel := fs.String("probe", os.Getenv("PROBE_RUN_PROBE"), "probe selector: VID:PID, VID:PID:Serial, or Serial")
	speed := fs.Uint("speed", 0, "probe clock frequency in kHz (0 = probe default)")
	connectUnderReset := fs.Bool("connect-under-reset", false, "connect to device when NRST is pressed")
	powerReset := fs.Bool("power-reset", false, "power cycle the target via USB before connecting")
	cycleDelay := fs.Float64("cycle-delay-seconds", 1, "seconds to hold power off during a power-reset cycle")
	maxSettleMillis := fs.Int("max-settle-time-millis", 2000, "milliseconds to retry connecting after a power reset")
	noFlash := fs.Bool("no-flash", false, "skip flashing; just reset and run what's already on the device")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *elfPath == "" {
		return fmt.Errorf("--elf is required")
	}
	if *chip == "" {
		return fmt.Errorf("--chip is required")
	}

	elfBytes, err := os.ReadFile(*elfPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", *elfPath, err)
	}

	opts := probe.DefaultOpts()
	opts.Chip = *chip
	opts.ConnectUnderReset = *connectUnderReset
	opts.PowerReset = *powerReset
	opts.CycleDelaySeconds = *cycleDelay
	opts.MaxSettleTimeMillis = *maxSettleMillis
	if *speed != 0 {
		s := uint32(*speed)
		opts.Speed = &s
	}
	if *probeSel != "" {
		sel, err := config.ParseProbeSelector(*probeSel)
		if err != nil {
			return fmt.Errorf("parse --probe: %w", err)
		}
		opts.Probe = sel
	}

	ctx, cancel := notifyContext()
	defer cancel()

	sess, err := runner.Connect(ctx, lister, opts)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer sess.Close()

	return cli.RunLocal(ctx, sess, *elfPath, *chip, elfBytes, runner.Options{DoFlash: !*noFlash})
}

// --- server ---

func runServer(args []string) error {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	port := fs.Int("port", 8080, "HTTP port to listen on")
	configPath := fs.String("config", "config.yaml", "path to the server config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", *configPath, err)
	}

	ctx, cancel := notifyContext()
	defer cancel()

	// TODO support none or multiple oidc issuers; only the first oidc auth
	// rule gets autodiscovered, matching server.rs's serve().
	var oidcClient *auth.OIDCClient
	for _, a := range cfg.Auths {
		if a.Oidc != nil {
			c, err := auth.NewOIDCClient(ctx, a.Oidc.Issuer)
			if err != nil {
				return fmt.Errorf("oidc autodiscover %s: %w", a.Oidc.Issuer, err)
			}
			oidcClient = c
			break
		}
	}

	lister := probe.NewUSBLister()
	defer lister.Close()

	disp := dispatcher.New(cfg, lister, 1)
	srv := server.New(cfg, disp, lister, oidcClient)

	addr := ":" + strconv.Itoa(*port)
	return srv.ListenAndServe(ctx, addr)
}

// --- client ---

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	token := fs.String("token", os.Getenv("TELEPROBE_TOKEN"), "bearer token (env TELEPROBE_TOKEN)")
	host := fs.String("host", os.Getenv("TELEPROBE_HOST"), "server base URL (env TELEPROBE_HOST)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: teleprobe client [--token T] [--host H] <list-targets|run> ...")
	}
	sub, subArgs := rest[0], rest[1:]

	if err := tpclient.ValidateHost(*host); err != nil {
		return err
	}
	creds := tpclient.Credentials{Token: *token, Host: *host}

	ctx, cancel := notifyContext()
	defer cancel()

	switch sub {
	case "list-targets":
		return tpclient.ListTargets(ctx, os.Stdout, creds)
	case "run":
		return runClientRun(ctx, creds, subArgs)
	default:
		return fmt.Errorf("unknown client subcommand %q", sub)
	}
}

func runClientRun(ctx context.Context, creds tpclient.Credentials, args []string) error {
	fs := flag.NewFlagSet("client run", flag.ExitOnError)
	target := fs.String("target", "", "target to run on (autodetected from .teleprobe.target if empty)")
	recursive := fs.Bool("r", false, "recursively run all files under the given directories")
	showOutput := fs.Bool("s", false, "show output logs for successes, not just failures")
	cachePath := fs.String("cache", os.Getenv("TELEPROBE_CACHE"), "path to a cache file recording ELFs that already passed (env TELEPROBE_CACHE)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	files := fs.Args()
	if len(files) == 0 {
		return fmt.Errorf("no ELF files given")
	}

	jobs, err := tpclient.CollectJobs(tpclient.RunOptions{
		Target:     *target,
		Files:      files,
		Recursive:  *recursive,
		ShowOutput: *showOutput,
	})
	if err != nil {
		return err
	}

	cache, err := tpclient.LoadCache(*cachePath)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}

	fmt.Printf("Running %d jobs...\n", len(jobs))
	succeeded, failed := tpclient.Run(ctx, creds, jobs, *showOutput, cache)
	if err := cache.Save(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: save cache: %v\n", err)
	}
	if failed != 0 {
		return fmt.Errorf("%d succeeded, %d failed", succeeded, failed)
	}
	fmt.Printf("all %d succeeded!\n", succeeded)
	return nil
}
