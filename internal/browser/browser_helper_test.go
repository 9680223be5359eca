// internal/browser/browser_helper_test.go
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/semaphore"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
)

var (
	// globalProcessSemaphore limits the number of concurrent browser processes across all tests.
	globalProcessSemaphore     *semaphore.Weighted
	globalProcessSemaphoreOnce sync.Once
)

const (
	maxTestConcurrency        = 2
	shutdownTimeout           = 15 * time.Second
	defaultBrowserTestTimeout = 120 * time.Second
	semaphoreAcquireTimeout   = 30 * time.Second
)

var chromeCandidates = []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "chrome", "headless-shell"}

func getGlobalProcessSemaphore() *semaphore.Weighted {
	globalProcessSemaphoreOnce.Do(func() {
		concurrency := int64(runtime.GOMAXPROCS(0))
		if concurrency > maxTestConcurrency {
			concurrency = maxTestConcurrency
		}
		if concurrency < 1 {
			concurrency = 1
		}
		globalProcessSemaphore = semaphore.NewWeighted(concurrency)
	})
	return globalProcessSemaphore
}

// findChrome returns a browser binary, or "" when none is installed. CHROME_PATH wins.
func findChrome() string {
	if p := os.Getenv("CHROME_PATH"); p != "" {
		return p
	}
	for _, name := range chromeCandidates {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	return ""
}

type testFixture struct {
	Config  *config.Config
	Manager *Manager
	Logger  *zap.Logger
	RootCtx context.Context
}

type fixtureConfigurator func(*config.Config)

// createTestConfig generates a configuration optimized for fast integration testing.
func createTestConfig(t *testing.T, chromePath string) *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.BrowserCfg = config.BrowserConfig{
		Headless:        true,
		DisableCache:    true,
		IgnoreTLSErrors: true,
		ExecPath:        chromePath,
		Viewport:        map[string]int{"width": 1024, "height": 768},
		// A private profile per test avoids SingletonLock contention.
		Args:          []string{"--user-data-dir=" + t.TempDir()},
		ScreenshotDir: t.TempDir(),
	}
	cfg.NetworkCfg.NavigationTimeout = 30 * time.Second
	cfg.NetworkCfg.ElementTimeout = 2 * time.Second
	cfg.NetworkCfg.PostLoadWait = 0
	return cfg
}

// newTestFixture starts a Manager against a real browser. The test is skipped when no
// browser binary can be found.
func newTestFixture(t *testing.T, configurators ...fixtureConfigurator) *testFixture {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	chromePath := findChrome()
	if chromePath == "" {
		t.Skip("no Chrome or Chromium binary found; set CHROME_PATH to run browser tests")
	}

	logger := zaptest.NewLogger(t).With(zap.String("test", t.Name()))

	deadline, ok := t.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultBrowserTestTimeout)
	}
	rootCtx, rootCancel := context.WithDeadline(context.Background(), deadline.Add(-time.Second))
	t.Cleanup(rootCancel)

	cfg := createTestConfig(t, chromePath)
	for _, configure := range configurators {
		configure(cfg)
	}

	sem := getGlobalProcessSemaphore()
	acquireCtx, acquireCancel := context.WithTimeout(rootCtx, semaphoreAcquireTimeout)
	err := sem.Acquire(acquireCtx, 1)
	acquireCancel()
	if err != nil {
		t.Fatalf("Failed to acquire semaphore: %v", err)
	}
	t.Cleanup(func() { sem.Release(1) })

	manager := NewManager(cfg, logger)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			t.Logf("Warning: Error during browser manager shutdown: %v", err)
		}
	})

	return &testFixture{Config: cfg, Manager: manager, Logger: logger, RootCtx: rootCtx}
}

// newTestExecutor opens a tab that is closed when the test ends.
func (f *testFixture) newTestExecutor(t *testing.T) *Executor {
	t.Helper()
	ae, err := f.Manager.NewExecutor(f.RootCtx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ae.Close() })
	e, ok := ae.(*Executor)
	require.True(t, ok)
	return e
}

func (f *testFixture) load(t *testing.T, e *Executor, url string) {
	t.Helper()
	res := e.Load(f.RootCtx, url)
	require.True(t, res.OK, "load failed: %s %s", res.Status, res.Detail)
}

// createTestServer returns a server using the provided handler.
func createTestServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server
}

// createStaticTestServer returns a server that serves the given HTML content.
func createStaticTestServer(t *testing.T, htmlContent string) *httptest.Server {
	t.Helper()
	return createTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintln(w, htmlContent)
	}))
}

func findElement(snap *agent.PageSnapshot, tag, id string) (agent.ElementInfo, bool) {
	for _, el := range snap.Elements {
		if el.Tag == tag && el.Attributes["id"] == id {
			return el, true
		}
	}
	return agent.ElementInfo{}, false
}
