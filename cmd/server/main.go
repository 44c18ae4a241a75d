package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/JJSiabato/silent-alarm/internal/auth"
	"github.com/JJSiabato/silent-alarm/internal/config"
	"github.com/JJSiabato/silent-alarm/internal/db"
	"github.com/JJSiabato/silent-alarm/internal/eventlog"
	"github.com/JJSiabato/silent-alarm/internal/fanout"
	"github.com/JJSiabato/silent-alarm/internal/httputil"
	"github.com/JJSiabato/silent-alarm/internal/incidents"
	"github.com/JJSiabato/silent-alarm/internal/metrics"
	mw "github.com/JJSiabato/silent-alarm/internal/middleware"
	"github.com/JJSiabato/silent-alarm/internal/relay"
	"github.com/JJSiabato/silent-alarm/internal/socketio"
	"github.com/JJSiabato/silent-alarm/internal/ws"
)

func main() {
	cfg := config.Load()
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.New().String()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event log
	eventLog, closeLog := openEventLog(ctx, cfg)
	defer closeLog()

	// Metrics
	promReg := metrics.NewRegistry()
	fanoutMetrics := metrics.NewFanoutMetrics(promReg)
	httpMetrics := metrics.NewHTTPMetrics(promReg)

	// Fan-out
	registry := fanout.NewRegistry()
	registry.OnChange = fanoutMetrics.SetActiveConnections
	bus := fanout.NewBus(registry, cfg.PushWriteTimeout)

	coordOpts := []fanout.CoordinatorOption{fanout.WithObserver(fanoutMetrics)}
	broker, err := relay.NewBroker(cfg)
	if err != nil {
		log.Printf("WARNING: relay broker setup failed: %v (pushing to local connections only)", err)
	} else {
		defer broker.Close() //nolint:errcheck // best-effort cleanup on shutdown
		bridge := relay.NewBridge(broker, relay.Channel(cfg), cfg.InstanceID)
		coordOpts = append(coordOpts, fanout.WithRelay(bridge))
	}
	coordinator := fanout.NewCoordinator(bus, coordOpts...)
	go func() {
		if err := coordinator.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("WARNING: relay listener stopped: %v", err)
		}
	}()

	cursors := fanout.NewCursorStore(eventLog,
		fanout.WithPageSize(cfg.PollPageSize),
		fanout.WithIdleTTL(cfg.CursorIdleTTL),
	)
	svc := incidents.NewService(eventLog, coordinator, cursors, registry, fanoutMetrics,
		incidents.WithNotificationTTL(cfg.NotificationTTL),
	)

	jwtService := auth.NewJWTService(cfg.JWTSecret)

	// Router
	r := mux.NewRouter()
	r.Use(httpMetrics.Middleware)

	r.Use(mw.RateLimitMiddleware(cfg.GlobalRateLimitRPS, cfg.GlobalRateLimitBurst))

	// Health check and metrics (no auth)
	r.HandleFunc("/healthz", healthzHandler(cfg.InstanceID)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler(promReg)).Methods(http.MethodGet)

	// Push transports (auth handled inside handlers)
	ws.NewWSHandler(registry, jwtService, cfg.AllowedOrigins).RegisterRoutes(r)
	sio := socketio.NewServer(registry, jwtService)
	r.PathPrefix(socketio.Path).Handler(sio.Handler())

	// Protected routes
	protected := r.PathPrefix("").Subrouter()
	protected.Use(mw.AuthMiddleware(jwtService))
	incidents.NewHandlers(svc).RegisterRoutes(protected, mw.StrictRateLimitMiddleware(cfg.RateLimitRPS, cfg.RateLimitBurst))

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     mw.CORS(cfg.AllowedOrigins)(r),
		ReadTimeout: 15 * time.Second,
		// Socket.IO long-polling holds a request open for up to its 25s
		// ping interval.
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1 MB
	}

	log.Printf("Starting server on :%s (instance %s)", cfg.Port, cfg.InstanceID)
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}
	if err := serve(ctx, srv, ln, registry); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
	log.Println("Server stopped")
}

// openEventLog returns the configured event log. Without a reachable
// database the server keeps running on an in-memory log.
func openEventLog(ctx context.Context, cfg *config.Config) (eventlog.Log, func()) {
	if cfg.EventLog == "memory" {
		log.Println("Using in-memory event log (EVENT_LOG=memory)")
		return eventlog.NewMemory(nil), func() {}
	}

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Printf("WARNING: database connection failed: %v (continuing with in-memory event log)", err)
		return eventlog.NewMemory(nil), func() {}
	}
	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Printf("WARNING: migrations failed: %v", err)
	}
	return eventlog.NewPostgres(database.Pool), database.Close
}

func healthzHandler(instance string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "instance": instance})
	}
}
