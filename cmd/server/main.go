// Command server is a thin demo binary wiring the ProSBC integration core
// behind a handful of illustrative HTTP routes. It is not a full
// management-plane façade: no auth, no audit logging, one handler per
// core operation, meant to show how a real service would consume the
// library.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/sahilghewari/prosbc-core/internal/cache"
	"github.com/sahilghewari/prosbc-core/internal/config"
	"github.com/sahilghewari/prosbc-core/internal/configselector"
	"github.com/sahilghewari/prosbc-core/internal/core"
	"github.com/sahilghewari/prosbc-core/internal/credentials"
	"github.com/sahilghewari/prosbc-core/internal/fileops"
	"github.com/sahilghewari/prosbc-core/internal/httpx"
	"github.com/sahilghewari/prosbc-core/internal/metrics"
	"github.com/sahilghewari/prosbc-core/internal/obslog"
	"github.com/sahilghewari/prosbc-core/internal/orchestrator"
	"github.com/sahilghewari/prosbc-core/internal/session"
	"github.com/sahilghewari/prosbc-core/internal/storage"
)

func main() {
	cfg, err := config.Load(os.Getenv("PROSBC_CONFIG_FILE"))
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	logger := obslog.New(obslog.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	app, err := buildApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("build app", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: app.router,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// app bundles the wired components a request handler needs and closes
// whatever owns a live connection (storage, Redis).
type app struct {
	router       *mux.Router
	orchestrator *orchestrator.Orchestrator
	fileEngine   *fileops.Engine
	closers      []func() error
}

func (a *app) Close() {
	for _, c := range a.closers {
		_ = c()
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	m := metrics.New(prometheus.DefaultRegisterer)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			MaxRetries:   cfg.Redis.MaxRetries,
		})
	}

	configCache, err := cache.NewTwoTier(1024, redisClient, "configselect", logger)
	if err != nil {
		return nil, err
	}
	credentialCache, err := cache.NewTwoTier(256, redisClient, "appliance", logger)
	if err != nil {
		return nil, err
	}

	a := &app{}

	switch cfg.Storage.Backend {
	case config.StorageBackendPostgres:
		pg, err := storage.NewPostgres(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { pg.Close(); return nil })
		a.router = wireRoutes(cfg, logger, m, pg.Credentials(), pg.Inventory(), pg.Numbers(), credentialCache, configCache, a)
	case config.StorageBackendSQLite:
		db, err := storage.NewSQLite(ctx, cfg.Storage.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		a.router = wireRoutes(cfg, logger, m, db.Credentials(), db.Inventory(), db.Numbers(), credentialCache, configCache, a)
	default:
		return nil, errUnsupportedBackend(cfg.Storage.Backend)
	}

	return a, nil
}

type errUnsupportedBackend config.StorageBackend

func (e errUnsupportedBackend) Error() string {
	return "unsupported storage backend: " + string(e)
}

func wireRoutes(
	cfg *config.Config,
	logger *slog.Logger,
	m *metrics.Metrics,
	credStore credentials.Store,
	inventoryStore core.InventoryStore,
	numberStore core.NumberStore,
	credentialCache, configCache cache.Cache,
	a *app,
) *mux.Router {
	registry := credentials.New(credStore, credentialCache, 10*time.Minute, logger)

	clientFor := func(appliance core.Appliance) *http.Client {
		return httpx.New(httpx.Options{
			InsecureSkipVerify: appliance.InsecureSkipVerify,
			Timeout:            cfg.Session.LoginTimeout,
			UserAgent:          cfg.Session.UserAgent,
		})
	}

	sessions := session.New(registry, clientFor, session.Options{
		TTL:           cfg.Session.TTL,
		ProbeInterval: cfg.Session.ProbeInterval,
		Logger:        logger,
		Metrics:       m.SessionMetrics(),
	})

	selector := configselector.New(registry, sessions, clientFor, configselector.Options{
		CacheTTL:     cfg.Selector.CacheTTL,
		DBIDProbeMax: cfg.Selector.DBIDProbeMax,
		Logger:       logger,
	})

	engine := fileops.New(registry, sessions, selector, clientFor, fileops.Options{
		ListCache: configCache,
		Logger:    logger,
	})

	orch := orchestrator.New(registry, engine, inventoryStore, numberStore, orchestrator.Options{
		PerApplianceConcurrency: cfg.Fanout.PerApplianceConcurrency,
		GlobalConcurrency:       cfg.Fanout.GlobalConcurrency,
		OperationDeadline:       cfg.Fanout.OperationDeadline,
		Logger:                  logger,
	})

	a.orchestrator = orch
	a.fileEngine = engine

	r := mux.NewRouter()
	r.Handle(cfg.Metrics.Path, promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/healthz", handleHealthz).Methods(http.MethodGet)

	r.HandleFunc("/appliances/{applianceId}/files/{kind}", handleListFiles(engine, cfg)).Methods(http.MethodGet)
	r.HandleFunc("/appliances/{applianceId}/files/{kind}/{fileId}", handleExportFile(engine, cfg)).Methods(http.MethodGet)
	r.HandleFunc("/files/{kind}/{filename}/fanout", handleFanoutUpdate(orch, m)).Methods(http.MethodPost)
	r.HandleFunc("/appliances/{applianceId}/sync", handleSyncInventory(orch, m)).Methods(http.MethodPost)
	r.HandleFunc("/usage/{year}/{month}", handleMonthlyUsage(numberStore)).Methods(http.MethodGet)

	return r
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleListFiles(engine *fileops.Engine, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		rc := core.RequestContext{
			ApplianceID:      vars["applianceId"],
			DesiredConfigRef: r.URL.Query().Get("config"),
			ActingUser:       r.Header.Get("X-Acting-User"),
			Deadline:         time.Now().Add(cfg.Fanout.OperationDeadline),
		}
		files, err := engine.List(r.Context(), rc, core.FileKind(vars["kind"]))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, files)
	}
}

func handleExportFile(engine *fileops.Engine, cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		rc := core.RequestContext{
			ApplianceID:      vars["applianceId"],
			DesiredConfigRef: r.URL.Query().Get("config"),
			ActingUser:       r.Header.Get("X-Acting-User"),
			Deadline:         time.Now().Add(cfg.Fanout.OperationDeadline),
		}
		body, err := engine.Export(r.Context(), rc, core.FileKind(vars["kind"]), vars["fileId"])
		if err != nil {
			writeError(w, err)
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", "text/csv")
		_, _ = io.Copy(w, body)
	}
}

func handleFanoutUpdate(orch *orchestrator.Orchestrator, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		content, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "read body: "+err.Error(), http.StatusBadRequest)
			return
		}
		start := time.Now()
		results, err := orch.UpdateOnAll(r.Context(), core.FileKind(vars["kind"]), vars["filename"], content, r.Header.Get("X-Acting-User"))
		m.ObserveFanout("update_on_all", time.Since(start).Seconds(), results)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
	}
}

func handleSyncInventory(orch *orchestrator.Orchestrator, m *metrics.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		applianceID := vars["applianceId"]
		start := time.Now()
		results, syncErrors, err := orch.SyncDmInventory(r.Context(), applianceID, r.URL.Query().Get("config"), r.Header.Get("X-Acting-User"))
		m.ObserveSync(applianceID, time.Since(start).Seconds(), results, syncErrors)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results, "errors": syncErrors})
	}
}

func handleMonthlyUsage(numbers core.NumberStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		year, err := strconv.Atoi(vars["year"])
		if err != nil {
			http.Error(w, "invalid year: "+err.Error(), http.StatusBadRequest)
			return
		}
		month, err := strconv.Atoi(vars["month"])
		if err != nil {
			http.Error(w, "invalid month: "+err.Error(), http.StatusBadRequest)
			return
		}
		usage, err := numbers.MonthlyUsage(r.Context(), year, month, r.URL.Query().Get("appliance_id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, usage)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var fault *core.Fault
	status := http.StatusInternalServerError
	if errors.As(err, &fault) {
		switch fault.Kind {
		case core.KindNotFound:
			status = http.StatusNotFound
		case core.KindAuthFailed, core.KindSessionExpired:
			status = http.StatusUnauthorized
		case core.KindConflict:
			status = http.StatusConflict
		case core.KindConfigSelectionFailed, core.KindVerificationFailed:
			status = http.StatusUnprocessableEntity
		}
	}
	http.Error(w, err.Error(), status)
}
