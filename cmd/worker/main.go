// Command worker runs one instance of the outbound socket executor: it
// consumes rpc_queue at prefetch 1, dials the origin named in each
// decoded request, and publishes the response (or a synthetic error) back
// to the proxy's reply queue. It takes one positional argument, an integer
// worker id, used only to disambiguate this worker's log file from its
// siblings on the same host — run N of these to scale out.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/broker"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/config"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/dispatcher"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/executor"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/supervisor"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: worker <id:int>")
		os.Exit(1)
	}
	id, err := strconv.Atoi(os.Args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: invalid id %q: %v\n", os.Args[1], err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logFile, err := newWorkerLogger(cfg.LogDir, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transport := broker.NewWebSocketTransport(cfg.Broker.URL(), dispatcher.RPCQueue)
	session := broker.NewSession(transport, broker.SessionOptions{Logger: logger})

	ex := executor.New(session, executor.Options{
		Timeout: cfg.SocketTimeout,
		Logger:  logger,
		Metrics: telemetry.Global,
	})

	sup := supervisor.New(ctx, logger)
	sup.Track(supervisor.Task{Name: "broker", Run: session.Run})
	sup.Track(supervisor.Task{Name: "executor", Run: ex.Run})

	logger.Info(ctx, "worker: started", map[string]any{"id": id})
	<-ctx.Done()
	logger.Info(context.Background(), "worker: shutdown signal received", map[string]any{"id": id})
	sup.Shutdown()
}

// newWorkerLogger opens this worker's dedicated log file, named by its id
// so multiple workers on the same host never interleave into one file.
func newWorkerLogger(dir string, id int) (*telemetry.Logger, *os.File, error) {
	logDir := filepath.Join(dir, "ub-httpproxy-worker")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return telemetry.NewDefaultLogger(os.Stderr, "ub-httpproxy-worker"), nil, nil
	}
	path := filepath.Join(logDir, fmt.Sprintf("worker-%d.log", id))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return telemetry.NewDefaultLogger(os.Stderr, "ub-httpproxy-worker"), nil, nil
	}
	return telemetry.NewDefaultLogger(io.MultiWriter(f, os.Stderr), "ub-httpproxy-worker"), f, nil
}
