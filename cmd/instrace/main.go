// instrace runs a target under instrumentation and captures its execution
// as compact binary trace files, one per testcase.
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"instrace/internal/config"
	"instrace/internal/eventprocessor"
	"instrace/internal/eventstream"
	"instrace/internal/filter"
	"instrace/internal/heapprobe"
	"instrace/internal/hostev"
	"instrace/internal/image"
	"instrace/internal/telemetry"
	"instrace/internal/trace"
	"instrace/internal/tracewriter"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// setupFilter reads the rule table and builds the filter engine. An empty
// path yields an engine that records everything.
func setupFilter(path string) (*filter.Engine, error) {
	if path == "" {
		return filter.NewEngine(nil), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening filter file: %w", err)
	}
	defer f.Close()

	rules, err := filter.ParseRules(f)
	if err != nil {
		return nil, fmt.Errorf("parsing filter file %s: %w", path, err)
	}
	log.Printf("Set filter, size: %d", len(rules))
	for i, r := range rules {
		log.Printf("  rule %d: %s", i, r)
	}
	return filter.NewEngine(rules), nil
}

// setupTelemetry initializes the optional OTLP reporter. The returned
// hook is nil when no endpoint is configured.
func setupTelemetry(session string) (tracewriter.CompletionFunc, func(), error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, nil, err
	}
	if !otelCfg.Enabled() {
		return nil, func() {}, nil
	}

	tp, err := telemetry.InitProvider(otelCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize OTEL provider: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.ShutdownProvider(shutdownCtx, tp); err != nil {
			log.Printf("Error shutting down OTEL provider: %v", err)
		}
	}

	reporter, err := telemetry.NewReporter(tp.Tracer("instrace"), session)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return reporter.Completed, cleanup, nil
}

// setupHeapProbe loads and attaches the allocator probes to the target
// binary and starts the drain goroutine. The returned cleanup detaches
// the probes, waits for the drain to finish and flushes its tail.
func setupHeapProbe(objPath, binPath string, writer *tracewriter.Writer, capacity int) (func(), error) {
	probe, err := heapprobe.Load(objPath)
	if err != nil {
		return nil, err
	}
	if err := probe.Attach(binPath); err != nil {
		probe.Close()
		return nil, err
	}
	if _, err := probe.OpenRingBuffer(); err != nil {
		probe.Close()
		return nil, err
	}

	cur := trace.NewCursor(trace.NewBuffer(capacity))
	done := make(chan struct{})
	go func() {
		defer close(done)
		probe.Drain(writer, cur)
	}()
	log.Printf("Heap probe attached to %s", binPath)

	cleanup := func() {
		if err := probe.Close(); err != nil {
			log.Printf("Error closing heap probe: %v", err)
		}
		<-done
		writer.Flush(cur)
	}
	return cleanup, nil
}

// listenAgent opens the UNIX socket the agent dials back on. The socket
// lives in a private temporary directory.
func listenAgent() (*net.UnixListener, string, func(), error) {
	dir, err := os.MkdirTemp("", "instrace-*")
	if err != nil {
		return nil, "", nil, fmt.Errorf("creating socket directory: %w", err)
	}
	sockPath := filepath.Join(dir, "agent.sock")
	addr, err := net.ResolveUnixAddr("unix", sockPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", nil, fmt.Errorf("resolving socket address: %w", err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		os.RemoveAll(dir)
		return nil, "", nil, fmt.Errorf("listening on agent socket: %w", err)
	}
	cleanup := func() {
		ln.Close()
		os.RemoveAll(dir)
	}
	return ln, sockPath, cleanup, nil
}

// startCommand launches the target with the agent socket exported in its
// environment.
func startCommand(cfg *config.Config, sockPath string) (*exec.Cmd, error) {
	//nolint:gosec // Launching the traced command is the tool's purpose
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(), hostev.SocketEnv+"="+sockPath)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting command: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Tracing %s (PID %d)...\n", cfg.Command, cmd.Process.Pid)
	return cmd, nil
}

// waitCommand blocks until the child exits or a termination signal
// arrives, in which case the child is shut down first.
func waitCommand(cmd *exec.Cmd) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	childDone := make(chan error, 1)
	go func() {
		childDone <- cmd.Wait()
	}()

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, terminating child...", sig)
		_ = cmd.Process.Signal(syscall.SIGTERM) //nolint:errcheck // Best-effort graceful shutdown; Kill follows
		time.Sleep(100 * time.Millisecond)
		_ = cmd.Process.Kill() //nolint:errcheck // Best-effort cleanup during shutdown
		<-childDone
	case err := <-childDone:
		if err != nil {
			log.Printf("Child process exited with error: %v", err)
		}
	}
}

// waitStream waits for the event stream to drain, up to a grace period
// used when the child is already gone.
func waitStream(stream *eventstream.Stream, grace time.Duration) {
	select {
	case <-stream.Done():
	case <-time.After(grace):
		log.Printf("Event stream did not drain within %v", grace)
	}
}

func run() error {
	cfg, err := config.ParseArgs(os.Args)
	if err != nil {
		return err
	}
	if cfg.ShowVersion {
		fmt.Printf("instrace %s (commit: %s, built: %s)\n", version, commit, date)
		return nil
	}

	log.Printf("Starting instrace %s (commit: %s, built: %s)", version, commit, date)

	engine, err := setupFilter(cfg.FilterFile)
	if err != nil {
		return err
	}
	classifier, err := image.NewClassifier(cfg.InterestingExpr)
	if err != nil {
		return err
	}

	completionHook, cleanupOTEL, err := setupTelemetry(cfg.Session)
	if err != nil {
		return err
	}
	defer cleanupOTEL()

	writer := tracewriter.New(cfg.OutputPrefix, engine, os.Stdout)
	if completionHook != nil {
		writer.OnComplete(completionHook)
	}
	defer func() {
		if err := writer.Close(); err != nil {
			log.Printf("Error closing trace writer: %v", err)
		}
	}()

	processor := eventprocessor.NewProcessor(writer, image.NewRegistry(), classifier, cfg.BufferCapacity)

	if err := writer.StartPrefix(); err != nil {
		return err
	}

	if cfg.RawEventsFile != "" {
		return runFromFile(cfg, processor)
	}
	return runCommand(cfg, writer, processor)
}

// runFromFile replays a recorded agent stream.
func runFromFile(cfg *config.Config, processor *eventprocessor.Processor) error {
	f, err := os.Open(cfg.RawEventsFile)
	if err != nil {
		return fmt.Errorf("opening raw event stream: %w", err)
	}
	defer f.Close()

	stream := eventstream.New(f, processor)
	if err := stream.Start(context.Background()); err != nil {
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	defer stream.Stop()

	<-stream.Done()
	return processor.Close()
}

// runCommand traces a live target: socket first, then probes, then the
// child, because uprobe attachments only cover processes started after
// them.
func runCommand(cfg *config.Config, writer *tracewriter.Writer, processor *eventprocessor.Processor) error {
	ln, sockPath, cleanupSock, err := listenAgent()
	if err != nil {
		return err
	}
	defer cleanupSock()

	if cfg.HeapProbeObj != "" {
		cleanupProbe, err := setupHeapProbe(cfg.HeapProbeObj, cfg.Command, writer, cfg.BufferCapacity)
		if err != nil {
			return err
		}
		defer cleanupProbe()
	}

	cmd, err := startCommand(cfg, sockPath)
	if err != nil {
		return err
	}

	// The agent dials back as soon as its runtime initializes.
	if err := ln.SetDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return fmt.Errorf("arming accept deadline: %w", err)
	}
	conn, err := ln.Accept()
	if err != nil {
		_ = cmd.Process.Kill() //nolint:errcheck // Child is useless without a connected agent
		_ = cmd.Wait()         //nolint:errcheck // Reap the killed child
		return fmt.Errorf("agent did not connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream := eventstream.New(conn, processor)
	if err := stream.Start(ctx); err != nil {
		return fmt.Errorf("failed to start event stream: %w", err)
	}
	defer stream.Stop()

	waitCommand(cmd)

	// The agent closes its socket when the child exits; give the stream
	// a moment to drain the remaining frames.
	waitStream(stream, 2*time.Second)

	return processor.Close()
}
