// Command handoffbusd runs the handoff message bus daemon: it loads the
// routing snapshot, wires the queue gateway, dispatcher, and per-queue
// worker pools, and serves the ops HTTP surface until signaled to stop.
// Structured the way the teacher's cmd/goclaw/main.go boots its own
// daemon (config load, logger init, otel init, background services,
// signal-driven graceful shutdown), generalized from one chat agent
// process to an arbitrary number of queue workers.
//
// The processor registry this daemon starts with is empty: handoffbusd
// itself carries no business message handlers, only the bus plumbing.
// An embedding program registers its own envelope.Processor
// implementations against the *registry.Registry before calling Run, the
// same way the teacher's agent.Registry is populated by config-declared
// agents rather than by the daemon binary itself.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xpert-ai/handoffbus/internal/broker"
	"github.com/xpert-ai/handoffbus/internal/cancel"
	"github.com/xpert-ai/handoffbus/internal/config"
	"github.com/xpert-ai/handoffbus/internal/deadletter"
	"github.com/xpert-ai/handoffbus/internal/deadletter/sqlitesink"
	"github.com/xpert-ai/handoffbus/internal/dispatcher"
	"github.com/xpert-ai/handoffbus/internal/envelope"
	"github.com/xpert-ai/handoffbus/internal/handoff"
	"github.com/xpert-ai/handoffbus/internal/localtask"
	"github.com/xpert-ai/handoffbus/internal/metrics"
	otelPkg "github.com/xpert-ai/handoffbus/internal/otel"
	"github.com/xpert-ai/handoffbus/internal/opsserver"
	"github.com/xpert-ai/handoffbus/internal/pending"
	"github.com/xpert-ai/handoffbus/internal/policy"
	"github.com/xpert-ai/handoffbus/internal/queuegateway"
	"github.com/xpert-ai/handoffbus/internal/queuegateway/redisqueue"
	"github.com/xpert-ai/handoffbus/internal/queueprocessor"
	"github.com/xpert-ai/handoffbus/internal/registry"
	"github.com/xpert-ai/handoffbus/internal/routing"
	"github.com/xpert-ai/handoffbus/internal/stopcmd"
	"github.com/xpert-ai/handoffbus/internal/telemetry"

	"github.com/prometheus/client_golang/prometheus"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "config_fingerprint", cfg.Fingerprint())

	otelEnabled := cfg.OTelExporter != config.OTelExporterNone
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     otelEnabled,
		Exporter:    string(cfg.OTelExporter),
		Endpoint:    cfg.OTelEndpoint,
		ServiceName: "handoffbusd",
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.New(promReg)

	routingPath := cfg.RoutingConfigPath
	snap, err := routing.Load(logger, cfg.HomeDir, routingPath)
	if err != nil {
		fatalStartup(logger, "E_ROUTING_LOAD", err)
	}
	logger.Info("startup phase", "phase", "routing_loaded", "routing_version", snap.Version)

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	}

	var busBroker broker.Broker
	if redisClient != nil {
		busBroker = broker.NewRedisBroker(redisClient)
	} else {
		busBroker = broker.NewMemoryBroker(logger)
	}

	var gateway queuegateway.Gateway
	if redisClient != nil {
		gateway = redisqueue.New(redisClient, snap.QueueAliases(), logger)
	} else {
		gateway = queuegateway.NewMemoryGateway(logger)
	}

	deadLetterSQLitePath := cfg.DeadLetterSQLitePath
	if !filepath.IsAbs(deadLetterSQLitePath) {
		deadLetterSQLitePath = filepath.Join(cfg.HomeDir, deadLetterSQLitePath)
	}
	sqliteSink, err := sqlitesink.Open(deadLetterSQLitePath)
	if err != nil {
		fatalStartup(logger, "E_DEADLETTER_OPEN", err)
	}
	defer sqliteSink.Close()

	hub := opsserver.NewHub()
	loggingSink := deadletter.NewLoggingSink(logger)
	deadLetterSink := deadletter.Sink(opsserver.NewDeadLetterTap(hub, deadletter.NewMulti(logger, sqliteSink, loggingSink)))

	cancelSvc := cancel.New(logger, busBroker)
	if err := cancelSvc.Start(ctx); err != nil {
		fatalStartup(logger, "E_CANCEL_START", err)
	}
	defer cancelSvc.Stop()

	pendingTable := pending.New()
	localTasks := localtask.New()
	procRegistry := registry.New()

	tracer := otelProvider.Tracer

	disp := dispatcher.New(logger, procRegistry, cancelSvc, pendingTable).WithTracer(tracer)

	handoffSvc := handoff.New(logger, snap, gateway, pendingTable).WithMetrics(metricsReg)
	systemCaller := policy.NewCaller("handoffbusd.requeue", policy.OpEnqueue)
	enqueuer := handoffEnqueuer{svc: handoffSvc, caller: systemCaller}

	concurrency := cfg.DefaultConcurrency
	processors := make([]*queueprocessor.Processor, 0, len(snap.QueueAliases()))
	for _, queueName := range snap.QueueAliases() {
		proc := queueprocessor.New(logger, queueprocessor.Config{
			QueueName:   queueName,
			Concurrency: concurrency,
		}, gateway, disp, deadLetterSink, pendingTable, enqueuer).
			WithTracer(tracer).
			WithMetrics(metricsReg)
		proc.Start(ctx)
		processors = append(processors, proc)
		logger.Info("queue processor started", "queue", queueName, "concurrency", concurrency)
	}

	stopCommand := stopcmd.New(logger, gateway, cancelSvc, pendingTable, localTasks)

	// Trigger bootstrap recovery needs an external TargetLister (the
	// declarative graph store backing published triggers); handoffbusd
	// does not own that store, so recovery is the embedding program's
	// responsibility once it constructs a triggers.Publisher with its own
	// lister and this daemon's locker and handoffSvc.

	checks := map[string]opsserver.HealthChecker{}
	if redisClient != nil {
		checks["redis"] = redisPinger{client: redisClient}
	}

	opsSrv := opsserver.New(opsserver.Config{
		Logger:      logger,
		Snapshotter: func() routing.Snapshot { return snap },
		Registry:    promReg,
		Broker:      busBroker,
		Hub:         hub,
		Checks:      checks,
	})
	go func() {
		if err := opsSrv.Start(ctx); err != nil {
			logger.Error("ops server cancel relay stopped", "error", err)
		}
	}()

	controlMux := http.NewServeMux()
	controlMux.Handle("/control/stop", stopHandler{logger: logger, cmd: stopCommand})
	controlMux.Handle("/", opsSrv)

	httpServer := &http.Server{Addr: cfg.OpsBindAddr, Handler: controlMux}
	serverErr := make(chan error, 1)
	ln, err := net.Listen("tcp", cfg.OpsBindAddr)
	if err != nil {
		fatalStartup(logger, "E_OPS_LISTENER_BIND", err)
	}
	go func() {
		logger.Info("ops server listening", "addr", cfg.OpsBindAddr)
		if err := httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	confWatcher := config.NewWatcher(cfg.HomeDir, routingPath, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			if filepath.Base(ev.Path) == filepath.Base(routingPath) && routingPath != "" {
				reloaded, err := routing.Load(logger, cfg.HomeDir, routingPath)
				if err != nil {
					logger.Error("routing config reload failed; retaining previous snapshot", "error", err)
					continue
				}
				snap = reloaded
				logger.Info("routing config hot-reloaded", "routing_version", snap.Version)
			}
		}
	}()

	logger.Info("handoffbusd started", "version", Version, "ops_addr", cfg.OpsBindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("ops server error", "error", err)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	stop() // stop signal context cancellation propagates to each processor's worker loop
	drained := make(chan struct{})
	go func() {
		for _, proc := range processors {
			proc.Wait()
		}
		close(drained)
	}()
	select {
	case <-drained:
		logger.Info("queue processors drained")
	case <-time.After(drainTimeout):
		logger.Warn("drain timeout exceeded; shutting down with workers still in flight", "timeout", drainTimeout)
	}

	logger.Info("shutdown complete")
}

// handoffEnqueuer adapts *handoff.Service to queueprocessor.Enqueuer,
// fixing the caller identity and options queue processors use when
// fanning an outbound message back into the bus.
type handoffEnqueuer struct {
	svc    *handoff.Service
	caller policy.Caller
}

func (e handoffEnqueuer) Enqueue(ctx context.Context, msg envelope.Message) (string, error) {
	return e.svc.Enqueue(ctx, e.caller, msg, handoff.EnqueueOptions{})
}

// stopHandler exposes stopcmd.Command over HTTP for handoffbusctl: POST a
// JSON body of {"ids": [...], "reason": "..."} to cancel queued or active
// jobs matching those message or execution ids.
type stopHandler struct {
	logger *slog.Logger
	cmd    *stopcmd.Command
}

func (h stopHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		IDs    []string `json:"ids"`
		Reason string   `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	summary, err := h.cmd.Stop(r.Context(), body.IDs, body.Reason)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("control stop failed", "error", err)
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(summary)
}

type redisPinger struct {
	client *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr, "startup failure: reason_code=%s error=%s\n", reasonCode, message)
	}
	os.Exit(1)
}
