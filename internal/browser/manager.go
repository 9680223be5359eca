// internal/browser/manager.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser/stealth"
	"github.com/xkilldash9x/webpilot/internal/config"
)

const shutdownGracePeriod = 15 * time.Second

// ErrManagerClosed is returned by NewExecutor after Shutdown.
var ErrManagerClosed = errors.New("browser manager is shut down")

// Manager owns the browser process and hands out one tab per session. The browser is
// launched (or attached to, when a remote URL is configured) on the first request.
type Manager struct {
	logger     *zap.Logger
	browserCfg config.BrowserConfig
	networkCfg config.NetworkConfig
	agentCfg   config.AgentConfig

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	// Initialization state management
	initOnce sync.Once
	initErr  error

	mu        sync.Mutex
	executors map[string]*Executor
	closed    bool
}

// NewManager creates a new browser manager. Initialization is deferred until the first tab is requested.
func NewManager(cfg config.Interface, logger *zap.Logger) *Manager {
	m := &Manager{
		logger:     logger.Named("browser_manager"),
		browserCfg: cfg.Browser(),
		networkCfg: cfg.Network(),
		agentCfg:   cfg.Agent(),
		executors:  make(map[string]*Executor),
	}
	m.logger.Info("Browser manager created (initialization deferred).")
	return m
}

// initialize launches or attaches to the browser exactly once.
func (m *Manager) initialize() error {
	m.initOnce.Do(func() {
		m.logger.Info("Initializing browser.", zap.String("options", describeOptions(m.browserCfg)))

		if m.browserCfg.RemoteURL != "" {
			m.allocCtx, m.allocCancel = chromedp.NewRemoteAllocator(context.Background(), m.browserCfg.RemoteURL)
		} else {
			m.allocCtx, m.allocCancel = chromedp.NewExecAllocator(context.Background(), DefaultAllocatorOptions(m.browserCfg)...)
		}

		ctxOpts := []chromedp.ContextOption{chromedp.WithErrorf(m.logger.Sugar().Debugf)}
		if m.browserCfg.Debug {
			ctxOpts = append(ctxOpts, chromedp.WithDebugf(m.logger.Sugar().Debugf))
		}
		m.browserCtx, m.browserCancel = chromedp.NewContext(m.allocCtx, ctxOpts...)

		// The first Run on the browser context starts the process.
		if err := chromedp.Run(m.browserCtx); err != nil {
			m.browserCancel()
			m.allocCancel()
			m.initErr = fmt.Errorf("failed to start browser: %w", err)
			return
		}
		m.logger.Info("Browser manager initialized successfully.")
	})
	return m.initErr
}

// NewExecutor opens a fresh tab and returns an executor that owns it. Its signature matches
// agent.ExecutorFactory.
func (m *Manager) NewExecutor(ctx context.Context) (agent.ActionExecutor, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrManagerClosed
	}
	if err := m.initialize(); err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(m.browserCtx)
	setupCtx, setupCancel := CombineContext(tabCtx, ctx)
	defer setupCancel()

	if err := chromedp.Run(setupCtx, m.tabSetup()...); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to open browser tab: %w", err)
	}

	e := &Executor{
		id:                uuid.NewString(),
		tabCtx:            tabCtx,
		tabCancel:         tabCancel,
		navigationTimeout: m.networkCfg.NavigationTimeout,
		elementTimeout:    m.networkCfg.ElementTimeout,
		postLoadWait:      m.networkCfg.PostLoadWait,
		previewLimit:      m.agentCfg.HTMLPreviewLimit,
		screenshotDir:     m.browserCfg.ScreenshotDir,
		now:               time.Now,
	}
	e.logger = m.logger.Named("executor").With(zap.String("tab_id", e.id))
	e.onClose = func() { m.release(e.id) }

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = e.Close()
		return nil, ErrManagerClosed
	}
	m.executors[e.id] = e
	m.mu.Unlock()

	m.logger.Debug("Browser tab opened.", zap.String("tab_id", e.id))
	return e, nil
}

func (m *Manager) tabSetup() chromedp.Tasks {
	var tasks chromedp.Tasks
	if len(m.networkCfg.Headers) > 0 {
		headers := make(network.Headers, len(m.networkCfg.Headers))
		for k, v := range m.networkCfg.Headers {
			headers[k] = v
		}
		tasks = append(tasks, network.Enable(), network.SetExtraHTTPHeaders(headers))
	}
	if w, h := m.browserCfg.Viewport["width"], m.browserCfg.Viewport["height"]; w > 0 && h > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(int64(w), int64(h)))
	}
	if m.browserCfg.Stealth {
		tasks = append(tasks, stealth.Apply(stealth.PersonaFromConfig(m.browserCfg), m.logger)...)
	}
	return tasks
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.executors, id)
	m.mu.Unlock()
	m.logger.Debug("Browser tab released.", zap.String("tab_id", id))
}

// OpenTabs reports how many executors are currently open.
func (m *Manager) OpenTabs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.executors)
}

// Shutdown closes every open tab and then the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	open := make([]*Executor, 0, len(m.executors))
	for _, e := range m.executors {
		open = append(open, e)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down browser manager.", zap.Int("open_tabs", len(open)))
	for _, e := range open {
		if err := e.Close(); err != nil {
			m.logger.Warn("Error closing tab during shutdown.", zap.String("tab_id", e.id), zap.Error(err))
		}
	}

	if m.browserCtx == nil {
		m.logger.Info("Manager not fully initialized, skipping browser shutdown.")
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- chromedp.Cancel(m.browserCtx) }()

	var shutdownErr error
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			shutdownErr = fmt.Errorf("failed to close browser: %w", err)
		}
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for the browser to close. Proceeding with forceful shutdown.", zap.Error(ctx.Err()))
	case <-time.After(shutdownGracePeriod):
		m.logger.Warn("Browser did not close within the grace period.")
	}
	m.browserCancel()
	m.allocCancel()

	m.logger.Info("Browser manager shutdown complete.")
	return shutdownErr
}
