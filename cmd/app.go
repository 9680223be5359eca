package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/decision"
	"github.com/xkilldash9x/webpilot/internal/events"
	"github.com/xkilldash9x/webpilot/internal/llmclient"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

const (
	shutdownTimeout = 15 * time.Second
	eventBufferSize = 256
)

// browserBackend hands out one executor per session.
type browserBackend interface {
	NewExecutor(ctx context.Context) (agent.ActionExecutor, error)
	Shutdown(ctx context.Context) error
}

// eventConn is the subset of *nats.Conn the forwarder needs.
type eventConn interface {
	events.Publisher
	Drain() error
}

// dependencies holds the constructors of every external collaborator. Tests swap
// individual fields for fakes.
type dependencies struct {
	newBrowser   func(cfg config.Interface, logger *zap.Logger) browserBackend
	newLLMClient func(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (schemas.LLMClient, error)
	openStore    func(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error)
	connectNATS  func(cfg config.EventsConfig, logger *zap.Logger) (eventConn, error)
}

func defaultDependencies() dependencies {
	return dependencies{
		newBrowser: func(cfg config.Interface, logger *zap.Logger) browserBackend {
			return browser.NewManager(cfg, logger)
		},
		newLLMClient: llmclient.NewClient,
		openStore:    store.Open,
		connectNATS: func(cfg config.EventsConfig, logger *zap.Logger) (eventConn, error) {
			conn, err := events.Connect(cfg, logger)
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}
}

// components holds the initialized services behind a session manager.
type components struct {
	Logger  *zap.Logger
	Browser browserBackend
	LLM     schemas.LLMClient
	Store   store.Store
	Metrics *observability.Metrics
	Bus     *agent.EventBus
	Manager *agent.SessionManager

	metricsServer *observability.MetricsServer
	nats          eventConn
	forwarders    *errgroup.Group
}

// initializeComponents handles dependency injection for commands that drive sessions.
// On error the partially built components are returned so the caller can shut them down.
func initializeComponents(ctx context.Context, cfg config.Interface, deps dependencies, logger *zap.Logger) (*components, error) {
	c := &components{Logger: logger}

	// 1. Persistence
	st, err := deps.openStore(ctx, cfg.Store(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to open session store: %w", err)
	}
	c.Store = st

	// 2. Decision provider
	llm, err := deps.newLLMClient(ctx, cfg.Agent(), logger)
	if err != nil {
		return c, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	c.LLM = llm
	provider := decision.NewProvider(llm, cfg.Agent(), logger)

	// 3. Observability
	var metrics agent.Metrics
	if cfg.Metrics().Enabled {
		c.Metrics = observability.NewMetrics()
		srv, err := observability.StartMetricsServer(cfg.Metrics(), c.Metrics, logger)
		if err != nil {
			return c, fmt.Errorf("failed to start metrics server: %w", err)
		}
		c.metricsServer = srv
		metrics = c.Metrics
	}

	c.Bus = agent.NewEventBus(logger, eventBufferSize)
	if cfg.Events().NATSURL != "" {
		conn, err := deps.connectNATS(cfg.Events(), logger)
		if err != nil {
			return c, fmt.Errorf("failed to connect event sink: %w", err)
		}
		c.nats = conn
		fwd := events.NewForwarder(c.Bus, conn, cfg.Events().SubjectPrefix, logger)
		// The forwarder stops when the bus shuts down and closes its channel.
		c.forwarders = &errgroup.Group{}
		c.forwarders.Go(func() error { return fwd.Run(context.Background()) })
	}

	// 4. Browser and sessions
	c.Browser = deps.newBrowser(cfg, logger)
	c.Manager = agent.NewSessionManager(c.Browser.NewExecutor, provider, logger,
		agent.WithPersister(st),
		agent.WithSessionOptions(sessionOptions(cfg, c.Bus, metrics)...),
	)
	return c, nil
}

// sessionOptions translates configuration into per-session options.
func sessionOptions(cfg config.Interface, bus *agent.EventBus, metrics agent.Metrics) []agent.Option {
	a := cfg.Agent()
	return []agent.Option{
		agent.WithTimeouts(agent.Timeouts{
			Load:      cfg.Network().NavigationTimeout,
			Snapshot:  a.SnapshotTimeout,
			Decision:  a.DecisionTimeout,
			Execution: a.ExecutionTimeout,
			Capture:   a.CaptureTimeout,
		}),
		agent.WithEventBus(bus),
		agent.WithMetrics(metrics),
		agent.WithIterationDelay(a.IterationDelay),
		agent.WithMaxIterations(a.MaxIterations),
		agent.WithApproval(a.RequireApproval),
		agent.WithCaptureAfterAction(a.CaptureAfterAction),
	}
}

// Shutdown closes every session, then the collaborators in reverse order of creation.
func (c *components) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	logger := c.Logger

	if c.Manager != nil {
		if err := c.Manager.CloseAll(ctx); err != nil {
			logger.Warn("Error while closing sessions", zap.Error(err))
		}
	}
	if c.Bus != nil {
		c.Bus.Shutdown()
	}
	if c.forwarders != nil {
		if err := c.forwarders.Wait(); err != nil {
			logger.Warn("Event forwarder stopped with an error", zap.Error(err))
		}
	}
	if c.nats != nil {
		if err := c.nats.Drain(); err != nil {
			logger.Warn("Error draining event connection", zap.Error(err))
		}
	}
	if c.Browser != nil {
		if err := c.Browser.Shutdown(ctx); err != nil {
			logger.Warn("Error during browser manager shutdown", zap.Error(err))
		}
	}
	if c.metricsServer != nil {
		if err := c.metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("Error stopping metrics server", zap.Error(err))
		}
	}
	if c.LLM != nil {
		if err := c.LLM.Close(); err != nil {
			logger.Warn("Error closing LLM client", zap.Error(err))
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			logger.Warn("Error closing session store", zap.Error(err))
		}
	}
}
