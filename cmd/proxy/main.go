// Command proxy runs the front-facing half of the system: it terminates
// HTTP, hands each request to the dispatcher, and serves a small
// gorilla/mux admin router exposing health, supervisor status, and the
// live correlation-registry depth. It takes no arguments; all
// configuration is read from the environment (see internal/config).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/broker"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/config"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/correlation"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/dispatcher"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/frontend"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/model"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/persistence"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/persistence/relational"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/internal/supervisor"
	uberrors "github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/errors"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/queue"
	"github.com/benteveo-kiwi/unicornbottle-httpproxy/pkg/telemetry"

	_ "github.com/lib/pq"
)

const listenAddr = ":8080"
const adminAddr = ":8081"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger, logFile, err := newProcessLogger(cfg.LogDir, "ub-httpproxy-proxy", strconv.Itoa(os.Getpid()))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg.Storage)
	if err != nil {
		logger.Error(ctx, "proxy: failed to open tenant store", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	connCache := persistence.NewConnCache(store)
	defer connCache.CloseAll()

	dropStore := queue.NewMemoryDLQStore(1000)
	counters := telemetry.Global

	pipeline := persistence.NewPipeline(connCache, persistence.Options{
		MaxBulkWrite:  cfg.MaxBulkWrite,
		FlushInterval: cfg.FlushInterval,
		MaxQueueDepth: cfg.MaxQueueDepth,
		FuzzerMode:    cfg.FuzzerMode,
		DropStore:     dropStore,
		Counters:      counters,
		Logger:        logger,
	})

	transport := broker.NewWebSocketTransport(cfg.Broker.URL(), "")
	session := broker.NewSession(transport, broker.SessionOptions{Logger: logger})

	registry := correlation.New(counters)

	sup := supervisor.New(ctx, logger)
	sup.Track(supervisor.Task{Name: "broker", Run: session.Run})
	sup.Track(supervisor.Task{Name: "persistence", Run: pipeline.Run})
	sup.Track(supervisor.Task{Name: "reply-router", Run: func(ctx context.Context) error {
		dispatcher.RunReplyRouter(ctx, session, registry)
		return ctx.Err()
	}})

	disp := dispatcher.NewWithRestarter(session, registry, pipeline, sup, dispatcher.Options{
		RequestTimeout: cfg.RequestTimeout,
		Logger:         logger,
		Metrics:        counters,
	})

	front := frontend.New(disp, frontend.Options{Logger: logger})
	frontSrv := &http.Server{
		Addr:              listenAddr,
		Handler:           front,
		ReadHeaderTimeout: 10 * time.Second,
	}

	adminSrv := &http.Server{
		Addr:              adminAddr,
		Handler:           newAdminRouter(sup, session, registry, counters, connCache, dropStore),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info(ctx, "proxy: listening", map[string]any{"addr": listenAddr})
		if err := frontSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("front-end server: %w", err)
		}
	}()
	go func() {
		logger.Info(ctx, "proxy: admin listening", map[string]any{"addr": adminAddr})
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "proxy: shutdown signal received", nil)
	case err := <-errCh:
		logger.Error(context.Background(), "proxy: server error", map[string]any{"error": err.Error()})
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = frontSrv.Shutdown(shutdownCtx)
	_ = adminSrv.Shutdown(shutdownCtx)
	sup.Shutdown()
}

// openStore constructs the relational backend selected by cfg.Backend,
// defaulting to the zero-configuration SQLite path.
func openStore(cfg config.StorageConfig) (persistence.Store, error) {
	switch cfg.Backend {
	case "", "sqlite":
		dir := cfg.SQLiteDir
		if dir == "" {
			dir = "/var/lib/ub-httpproxy/tenants"
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: prepare data dir: %w", err)
		}
		return relational.NewSQLiteStore(func(tenant model.TenantID) (string, error) {
			return filepath.Join(dir, tenant.String()+".db"), nil
		}), nil
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, errors.New("config: UB_POSTGRES_DSN required when UB_STORAGE_BACKEND=postgres")
		}
		db, err := sql.Open("postgres", cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: open: %w", err)
		}
		return relational.NewPostgresStore(db), nil
	default:
		return nil, fmt.Errorf("config: unknown storage backend %q", cfg.Backend)
	}
}

// newProcessLogger opens (or creates) a per-process JSON-lines log file
// under dir/name/ named by suffix, mirroring the original system's
// pid-disambiguated log files under /var/log.
func newProcessLogger(dir, name, suffix string) (*telemetry.Logger, *os.File, error) {
	logDir := filepath.Join(dir, name)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return telemetry.NewDefaultLogger(os.Stderr, name), nil, nil
	}
	path := filepath.Join(logDir, suffix+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return telemetry.NewDefaultLogger(os.Stderr, name), nil, nil
	}
	return telemetry.NewDefaultLogger(io.MultiWriter(f, os.Stderr), name), f, nil
}

// newAdminRouter wires the introspection endpoints the supervisor and
// dispatcher don't expose on their own: /health aggregates component
// status, /status surfaces broker state, counters, connection-cache stats
// and the drop-ledger size, /registry
// reports the live correlation-registry depth.
func newAdminRouter(sup *supervisor.Supervisor, session *broker.Session, registry *correlation.Registry, counters *telemetry.Counters, connCache *persistence.ConnCache, dlq *queue.MemoryDLQStore) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, req *http.Request) {
		brokerStatus := telemetry.StatusOK
		if session.State() != broker.StateReady {
			brokerStatus = telemetry.StatusDegraded
		}
		persistenceStatus := telemetry.StatusOK
		if !sup.Alive("persistence") {
			persistenceStatus = telemetry.StatusFatal
		}
		snapshot := telemetry.NewSnapshot("ub-httpproxy-proxy", []telemetry.ComponentStatus{
			{Name: "broker", Status: brokerStatus, Message: session.State().String()},
			{Name: "persistence", Status: persistenceStatus},
			{Name: "reply-router", Status: boolStatus(sup.Alive("reply-router"))},
		})
		status := http.StatusOK
		if snapshot.Status == telemetry.StatusFatal {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, snapshot)
	}).Methods(http.MethodGet)

	r.HandleFunc("/status", func(w http.ResponseWriter, req *http.Request) {
		stats := connCache.Stats()
		writeJSON(w, http.StatusOK, map[string]any{
			"broker_state":      session.State().String(),
			"counters":          counters.Snapshot(),
			"conn_cache":        stats,
			"dropped_in_ledger": dlq.Len(),
		})
	}).Methods(http.MethodGet)

	r.HandleFunc("/registry", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"pending": registry.Len()})
	}).Methods(http.MethodGet)

	// /errors documents the stable error-code taxonomy synthesized 502
	// bodies are drawn from (see internal/dispatcher's use of pkg/errors).
	r.HandleFunc("/errors", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(uberrors.ExportJSON())
	}).Methods(http.MethodGet)

	return r
}

func boolStatus(alive bool) telemetry.Status {
	if alive {
		return telemetry.StatusOK
	}
	return telemetry.StatusFatal
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
