package hostagent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/eyevi-dev/hostagent/internal/classifier"
	"github.com/eyevi-dev/hostagent/internal/llm"
	tracing "github.com/eyevi-dev/hostagent/internal/observability"
	"github.com/eyevi-dev/hostagent/internal/orchestrator"
	"github.com/eyevi-dev/hostagent/pkg/contextstore"
	"github.com/eyevi-dev/hostagent/pkg/observability"
	"github.com/eyevi-dev/hostagent/pkg/protocol"
	"github.com/eyevi-dev/hostagent/pkg/registry"
	"github.com/eyevi-dev/hostagent/pkg/session"
)

// Engine wires the context store, agent registry, protocol client,
// classifier, and orchestrator into one running unit.
type Engine struct {
	config       *Config
	store        *contextstore.Store
	registry     *registry.Registry
	orchestrator *orchestrator.Orchestrator
	sessions     *session.Manager

	redisTier *contextstore.RedisTier // nil when the hot tier is disabled or down
	fileTier  *contextstore.FileTier
	cron      *cron.Cron
	ttl       time.Duration
}

// NewEngine builds an engine from a validated config. The durable file tier
// is required; the Redis hot tier is attached best-effort.
func NewEngine(config *Config) (*Engine, error) {
	ttl, err := durationOrDefault(config.Session.TTL, session.DefaultTTL)
	if err != nil {
		return nil, err
	}
	dispatchTimeout, err := durationOrDefault(config.Dispatch.Timeout, 0)
	if err != nil {
		return nil, err
	}
	retryBackoff, err := durationOrDefault(config.Dispatch.RetryBackoff, 0)
	if err != nil {
		return nil, err
	}
	cooldown, err := durationOrDefault(config.Dispatch.UnhealthyCooldown, 0)
	if err != nil {
		return nil, err
	}
	classifierTimeout, err := durationOrDefault(config.Classifier.Timeout, 0)
	if err != nil {
		return nil, err
	}
	responderTimeout, err := durationOrDefault(config.Responder.Timeout, 0)
	if err != nil {
		return nil, err
	}

	store := contextstore.NewStore()

	var redisTier *contextstore.RedisTier
	if config.Redis.Enabled {
		tier, err := contextstore.NewRedisTier(contextstore.RedisConfig{
			Addr:       config.Redis.Addr,
			Password:   config.Redis.Password,
			DB:         config.Redis.DB,
			SessionTTL: ttl,
			MaxTurns:   config.Redis.MaxTurns,
		})
		if err != nil {
			log.Printf("Warning: Redis tier unavailable, continuing without hot tier: %v", err)
		} else {
			redisTier = tier
			store.AddTier(tier, false)
		}
	}

	store.AddTier(contextstore.NewMemoryTier(config.Store.BufferTurns), false)

	fileTier, err := contextstore.NewFileTier(config.Store.BaseDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to open durable session store: %w", err)
	}
	store.AddTier(fileTier, true)

	descs := make([]registry.AgentDescriptor, 0, len(config.Agents))
	for _, a := range config.Agents {
		descs = append(descs, registry.AgentDescriptor{
			ID:           a.ID,
			Label:        a.Label,
			Address:      a.Address,
			Capabilities: a.Capabilities,
			RateLimit:    a.RateLimit,
		})
		log.Printf("Registered agent: %s (%s)", a.ID, a.Address)
	}
	reg := registry.New(descs)

	client := protocol.NewClient(reg, protocol.Options{
		Timeout:           dispatchTimeout,
		RetryBackoff:      retryBackoff,
		UnhealthyCooldown: cooldown,
	})

	apiKeyEnv := config.OpenAI.APIKeyEnv
	if apiKeyEnv == "" {
		apiKeyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(apiKeyEnv)
	if apiKey == "" {
		log.Printf("Warning: %s is not set; classifier and direct answers will fall back", apiKeyEnv)
	}
	chat := llm.NewChatClient(apiKey, config.OpenAI.BaseURL)

	router := classifier.New(chat, classifier.Options{
		Model:           config.Classifier.Model,
		MaxContextTurns: config.Classifier.MaxContextTurns,
		Timeout:         classifierTimeout,
	})

	responder := llm.NewResponder(chat, config.Responder.Model, responderTimeout)

	orch := orchestrator.New(store, reg, router, client, responder, orchestrator.Options{
		ContextTurns: config.Classifier.MaxContextTurns,
	})

	e := &Engine{
		config:       config,
		store:        store,
		registry:     reg,
		orchestrator: orch,
		sessions:     session.NewManager(store),
		redisTier:    redisTier,
		fileTier:     fileTier,
		cron:         cron.New(),
		ttl:          ttl,
	}

	schedule := config.Session.SweepSchedule
	if schedule == "" {
		schedule = "@every 10m"
	}
	if _, err := e.cron.AddFunc(schedule, e.sweep); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	return e, nil
}

// HandleMessage runs one conversational turn.
func (e *Engine) HandleMessage(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error) {
	return e.orchestrator.HandleMessage(ctx, req)
}

// Sessions returns the session lifecycle manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Registry returns the agent registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Store returns the tiered context store.
func (e *Engine) Store() *contextstore.Store { return e.store }

// Start begins background work (the stale-session sweep).
func (e *Engine) Start() {
	e.cron.Start()
}

// Close stops background work and closes the store.
func (e *Engine) Close() error {
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
	return e.store.Close()
}

// sweep evicts stale sessions from the hot and warm tiers and refreshes the
// active-session gauge.
func (e *Engine) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if n := e.sessions.ExpireStale(ctx, e.ttl); n > 0 {
		log.Printf("Session sweep: evicted %d stale sessions", n)
	}

	active, err := e.store.ListActive(ctx)
	if err != nil {
		log.Printf("Session sweep: failed to list active sessions: %v", err)
		return
	}
	observability.SetActiveSessions(len(active))
}

// RegisterHealthChecks registers engine-level checks on the health checker.
// The durable tier is critical; the Redis tier only degrades health.
func (e *Engine) RegisterHealthChecks(hc *observability.HealthChecker) {
	hc.RegisterCheck(observability.PingCheck())

	hc.RegisterCheck(&observability.HealthCheck{
		Name: "store:" + e.fileTier.Name(),
		Role: "cold tier, durable history of record",
		CheckFunc: func(ctx context.Context) error {
			_, err := e.fileTier.ListSessions(ctx)
			return err
		},
		Timeout:  5 * time.Second,
		Critical: true,
	})

	if e.redisTier != nil {
		hc.RegisterCheck(&observability.HealthCheck{
			Name:      "store:" + e.redisTier.Name(),
			Role:      "hot tier, best-effort recent-turns cache",
			CheckFunc: e.redisTier.Ping,
			Timeout:   5 * time.Second,
			Critical:  false,
		})
	}
}

// RegisterHandlers attaches the admin endpoints to the operational server.
func (e *Engine) RegisterHandlers(srv *observability.Server) {
	srv.Handle("/admin/sessions", http.HandlerFunc(e.handleSessions))
	srv.Handle("/admin/sessions/", http.HandlerFunc(e.handleSessionByID))
	srv.Handle("/agents/status", http.HandlerFunc(e.handleAgentStatus))
}

func (e *Engine) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var (
		metas []*contextstore.SessionMetadata
		err   error
	)
	if user := r.URL.Query().Get("user"); user != "" {
		metas, err = e.sessions.ListForUser(r.Context(), user)
	} else {
		metas, err = e.sessions.List(r.Context())
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"sessions": metas, "count": len(metas)})
}

func (e *Engine) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/admin/sessions/")
	if rest, ok := strings.CutSuffix(id, "/history"); ok {
		e.handleSessionHistory(w, r, rest)
		return
	}
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		meta, err := e.sessions.Get(r.Context(), id)
		if errors.Is(err, contextstore.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, meta)

	case http.MethodDelete:
		if err := e.sessions.Delete(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]string{"deleted": id})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleSessionHistory serves the ordered conversation turns of one session,
// including archived ones the durable tier still holds.
func (e *Engine) handleSessionHistory(w http.ResponseWriter, r *http.Request, id string) {
	if id == "" || strings.Contains(id, "/") {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if _, err := e.sessions.Get(r.Context(), id); err != nil {
		if errors.Is(err, contextstore.ErrSessionNotFound) {
			http.Error(w, "session not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var (
		turns []*contextstore.Turn
		err   error
	)
	if limit, convErr := strconv.Atoi(r.URL.Query().Get("limit")); convErr == nil && limit > 0 {
		turns, err = e.store.ReadRecent(r.Context(), id, limit)
	} else {
		turns, err = e.store.Read(r.Context(), id)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{"session_id": id, "turns": turns, "count": len(turns)})
}

func (e *Engine) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	agents := e.registry.All()
	writeJSON(w, map[string]any{"agents": agents, "count": len(agents)})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode response: %v", err)
	}
}

// Run starts the host agent from a config file and blocks until a shutdown
// signal arrives or a component fails.
func Run(configPath string) error {
	loader := NewConfigLoader(&OSFileReader{})
	config, err := loader.LoadConfig(configPath)
	if err != nil {
		return err
	}
	return RunWithConfig(config)
}

// RunWithConfig starts the host agent with the provided config.
func RunWithConfig(config *Config) error {
	if err := tracing.InitFromEnv(); err != nil {
		log.Printf("Warning: Failed to initialize tracing: %v", err)
		// Continue even if tracing fails
	}

	observability.InitMetrics()

	engine, err := NewEngine(config)
	if err != nil {
		return err
	}

	engine.RegisterHealthChecks(observability.InitHealthChecker())

	port := config.Ops.Port
	if port == 0 {
		port = 8080
	}
	srv := observability.NewServer(port)
	engine.RegisterHandlers(srv)

	engine.Start()

	g, ctx := errgroup.WithContext(context.Background())

	g.Go(func() error {
		log.Printf("Starting operational server on :%d", port)
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("operational server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			log.Printf("Received %v, shutting down", sig)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Operational server shutdown error: %v", err)
		}
		return engine.Close()
	})

	err = g.Wait()

	traceCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if terr := tracing.Shutdown(traceCtx); terr != nil {
		log.Printf("Tracing shutdown error: %v", terr)
	}

	log.Println("Host agent stopped")
	return err
}
