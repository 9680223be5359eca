package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/observability"
	"github.com/xkilldash9x/webpilot/internal/store"
)

const (
	decisionGiveUp = `{"type":"ERROR","status":"NotFound","message":"nothing left to do","reasoning":"goal reached"}`
	decisionClick  = `{"type":"CLICK","target":"//*[@id='buy']","reasoning":"buy the mug","progress":50}`
)

// leakOptions ignores goroutines that outlive their owner by design: lumberjack's mill
// goroutine and idle keep-alive connections from the metrics scrape.
var leakOptions = []goleak.Option{
	goleak.IgnoreAnyFunction("gopkg.in/natefinch/lumberjack%2ev2.(*Logger).millRun"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
}

// newTestConfig returns the defaults tuned for fast, side-effect free tests.
func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.NewDefaultConfig()
	cfg.LoggerCfg.LogFile = ""
	cfg.StoreCfg.Driver = config.StoreNone
	cfg.BrowserCfg.ScreenshotDir = t.TempDir()
	cfg.AgentCfg.IterationDelay = 0
	cfg.AgentCfg.LLM.RateLimit = 0
	return cfg
}

// isolateEnv points every path the root command touches at a temp dir.
func isolateEnv(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("WEBPILOT_LOGGER_LOG_FILE", filepath.Join(dir, "webpilot.log"))
	t.Setenv("WEBPILOT_LOGGER_LEVEL", "error")
	t.Setenv("WEBPILOT_STORE_PATH", filepath.Join(dir, "sessions.db"))
	t.Setenv("WEBPILOT_BROWSER_SCREENSHOT_DIR", filepath.Join(dir, "shots"))
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// executeCommand runs the root command with args and returns its combined output.
func executeCommand(t *testing.T, deps dependencies, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(deps)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetIn(bytes.NewBufferString(stdin))
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

// -- Fakes --

type fakeExecutor struct {
	mu       sync.Mutex
	loaded   []string
	executed []agent.Action
	closed   bool
}

func (e *fakeExecutor) Load(ctx context.Context, url string) agent.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = append(e.loaded, url)
	return agent.Succeeded("loaded " + url)
}

func (e *fakeExecutor) Snapshot(ctx context.Context) (*agent.PageSnapshot, error) {
	return &agent.PageSnapshot{
		URL:   "https://example.com/",
		Title: "Example",
		Elements: []agent.ElementInfo{
			{Tag: "button", Text: "Buy", Locator: "//*[@id='buy']", IsVisible: true, IsEnabled: true},
		},
		CapturedAt: time.Now(),
	}, nil
}

func (e *fakeExecutor) Execute(ctx context.Context, a agent.Action) agent.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, a)
	return agent.Succeeded("clicked")
}

func (e *fakeExecutor) Capture(ctx context.Context) agent.Result {
	return agent.Succeeded("/tmp/snapshot_20240501_120000.png")
}

func (e *fakeExecutor) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *fakeExecutor) snapshot() (loaded []string, executed []agent.Action, closed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loaded...), append([]agent.Action(nil), e.executed...), e.closed
}

type fakeBrowser struct {
	mu        sync.Mutex
	executors []*fakeExecutor
	shutdown  int
}

func (b *fakeBrowser) NewExecutor(ctx context.Context) (agent.ActionExecutor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := &fakeExecutor{}
	b.executors = append(b.executors, e)
	return e, nil
}

func (b *fakeBrowser) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown++
	return nil
}

func (b *fakeBrowser) executor(i int) *fakeExecutor {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executors[i]
}

// scriptedLLM answers with responses in order and gives up once they run out.
// When block is set, every call first waits for it to close.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	calls     int
	block     chan struct{}
	closed    bool
}

func (l *scriptedLLM) Generate(ctx context.Context, req schemas.GenerationRequest) (string, error) {
	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if len(l.responses) == 0 {
		return decisionGiveUp, nil
	}
	next := l.responses[0]
	l.responses = l.responses[1:]
	return next, nil
}

func (l *scriptedLLM) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// memStore is an in-memory store.Store.
type memStore struct {
	mu      sync.Mutex
	records map[string]agent.Record
	saves   int
}

func newMemStore() *memStore { return &memStore{records: make(map[string]agent.Record)} }

func (s *memStore) SaveSession(ctx context.Context, id string, rec agent.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = rec
	s.saves++
	return nil
}

func (s *memStore) ListSessions(ctx context.Context) ([]store.SessionSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.SessionSummary, 0, len(s.records))
	for id, rec := range s.records {
		out = append(out, store.SessionSummary{ID: id, TargetURL: rec.TargetURL, Role: rec.Role, Goal: rec.Goal, Entries: len(rec.History), SavedAt: rec.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) LoadSession(ctx context.Context, id string) (agent.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return agent.Record{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *memStore) Close() error { return nil }

// testDeps wires the fakes into a dependencies value.
type testDeps struct {
	browser *fakeBrowser
	llm     *scriptedLLM
	store   *memStore
}

func newTestDeps(responses ...string) *testDeps {
	return &testDeps{
		browser: &fakeBrowser{},
		llm:     &scriptedLLM{responses: responses},
		store:   newMemStore(),
	}
}

func (d *testDeps) deps() dependencies {
	return dependencies{
		newBrowser: func(config.Interface, *zap.Logger) browserBackend { return d.browser },
		newLLMClient: func(context.Context, config.AgentConfig, *zap.Logger) (schemas.LLMClient, error) {
			return d.llm, nil
		},
		openStore: func(context.Context, config.StoreConfig, *zap.Logger) (store.Store, error) {
			return d.store, nil
		},
		connectNATS: func(config.EventsConfig, *zap.Logger) (eventConn, error) {
			return &fakeConn{}, nil
		},
	}
}

// fakeConn records published subjects.
type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	drained  bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, subject)
	return nil
}

func (c *fakeConn) Drain() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = true
	return nil
}

// lockedBuffer is a bytes.Buffer safe for the shell's concurrent writers.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
