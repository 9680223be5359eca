// internal/browser/executor.go
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/browser/dom"
)

// Executor is the chromedp implementation of agent.ActionExecutor. It owns one browser tab.
type Executor struct {
	id        string
	logger    *zap.Logger
	tabCtx    context.Context
	tabCancel context.CancelFunc
	onClose   func()

	navigationTimeout time.Duration
	elementTimeout    time.Duration
	postLoadWait      time.Duration
	previewLimit      int
	screenshotDir     string
	now               func() time.Time

	loadMu    sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ agent.ActionExecutor = (*Executor)(nil)

const readyStateComplete = `document.readyState === "complete"`

// Load navigates the tab and waits for the document to finish loading. Concurrent loads are
// serialized.
func (e *Executor) Load(ctx context.Context, url string) agent.Result {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	opCtx, cancel := e.operationContext(ctx, e.navigationTimeout)
	defer cancel()

	start := time.Now()
	resp, err := chromedp.RunResponse(opCtx, chromedp.Navigate(url))
	if err != nil {
		status := classify(ctx, err)
		e.logger.Warn("Navigation failed.", zap.String("url", url), zap.String("status", string(status)), zap.Error(err))
		return agent.Failed(status, fmt.Sprintf("navigation to %s failed: %v", url, err))
	}
	if resp != nil {
		if status := StatusForHTTP(int(resp.Status)); status != agent.StatusSuccess {
			return agent.Failed(status, fmt.Sprintf("%s returned HTTP %d", url, resp.Status))
		}
	}

	if err := chromedp.Run(opCtx, chromedp.Poll(readyStateComplete, nil, chromedp.WithPollingInterval(100*time.Millisecond))); err != nil {
		return agent.Failed(classify(ctx, err), fmt.Sprintf("waiting for %s to finish loading: %v", url, err))
	}
	if e.postLoadWait > 0 {
		if err := chromedp.Run(opCtx, chromedp.Sleep(e.postLoadWait)); err != nil {
			return agent.Failed(ClassifyError(err), fmt.Sprintf("post-load wait interrupted: %v", err))
		}
	}

	e.logger.Debug("Page loaded.", zap.String("url", url), zap.Duration("duration", time.Since(start)))
	return agent.Succeeded("loaded " + url)
}

// Snapshot captures the current URL, title and document and extracts the interactive elements.
func (e *Executor) Snapshot(ctx context.Context) (*agent.PageSnapshot, error) {
	opCtx, cancel := e.operationContext(ctx, 0)
	defer cancel()

	var location, title, outerHTML string
	err := chromedp.Run(opCtx,
		chromedp.Location(&location),
		chromedp.Title(&title),
		chromedp.OuterHTML("html", &outerHTML, chromedp.ByQuery),
	)
	if err != nil {
		return nil, agent.NewStatusError(classify(ctx, err), "page snapshot failed", err)
	}

	snap, err := dom.BuildSnapshot(location, title, outerHTML, e.previewLimit)
	if err != nil {
		return nil, agent.NewStatusError(agent.StatusError, "page snapshot failed", err)
	}
	return snap, nil
}

// Execute performs one action against the live page.
func (e *Executor) Execute(ctx context.Context, action agent.Action) agent.Result {
	opCtx, cancel := e.operationContext(ctx, 0)
	defer cancel()

	var err error
	switch action.Kind {
	case agent.ActionClick:
		err = e.click(opCtx, action.Target)
	case agent.ActionInput:
		err = e.input(opCtx, action.Target, action.Value)
	case agent.ActionScroll:
		err = e.withElement(opCtx, action.Target, chromedp.ScrollIntoView(action.Target, chromedp.BySearch))
	case agent.ActionWait:
		err = e.wait(opCtx, action)
	case agent.ActionError:
		return agent.Failed(agent.StatusInvalidInput, "ERROR actions cannot be executed")
	default:
		return agent.Failed(agent.StatusInvalidInput, fmt.Sprintf("unsupported action kind %q", action.Kind))
	}

	if err != nil {
		status := classify(ctx, err)
		e.logger.Debug("Action failed.", zap.String("action", action.Summary()), zap.String("status", string(status)), zap.Error(err))
		return agent.Failed(status, err.Error())
	}
	return agent.Succeeded(describeSuccess(action))
}

func (e *Executor) click(ctx context.Context, target string) error {
	err := e.withElement(ctx, target,
		chromedp.ScrollIntoView(target, chromedp.BySearch),
		chromedp.WaitVisible(target, chromedp.BySearch),
		chromedp.Click(target, chromedp.BySearch),
	)
	if err == nil || ctx.Err() != nil || errors.Is(err, ErrElementNotFound) {
		return err
	}

	// The native click can fail when the element is covered or has no box model.
	e.logger.Debug("Native click failed, falling back to a script click.", zap.String("target", target), zap.Error(err))
	return e.scriptClick(ctx, target)
}

func (e *Executor) scriptClick(ctx context.Context, target string) error {
	quoted, err := jsoniter.MarshalToString(target)
	if err != nil {
		return err
	}
	script := fmt.Sprintf(`(function(xp) {
	const n = document.evaluate(xp, document, null, XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	if (!n) { return false; }
	n.click();
	return true;
})(%s)`, quoted)

	var clicked bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(script, &clicked)); err != nil {
		return fmt.Errorf("script click on %s failed: %w", target, err)
	}
	if !clicked {
		return fmt.Errorf("%w: %s", ErrElementNotFound, target)
	}
	return nil
}

func (e *Executor) input(ctx context.Context, target, value string) error {
	var got string
	err := e.withElement(ctx, target,
		chromedp.ScrollIntoView(target, chromedp.BySearch),
		chromedp.Clear(target, chromedp.BySearch),
		chromedp.SendKeys(target, value, chromedp.BySearch),
		chromedp.Value(target, &got, chromedp.BySearch),
	)
	if err != nil {
		return err
	}
	if got != value {
		return fmt.Errorf("input verification failed on %s: expected %q, field holds %q", target, value, got)
	}
	return nil
}

func (e *Executor) wait(ctx context.Context, action agent.Action) error {
	d, err := action.WaitDuration()
	if err != nil {
		return agent.NewStatusError(agent.StatusInvalidInput, "invalid wait", err)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withElement waits up to the element timeout for target to exist, then runs actions.
func (e *Executor) withElement(ctx context.Context, target string, actions ...chromedp.Action) error {
	if e.elementTimeout > 0 {
		elCtx, cancel := context.WithTimeout(ctx, e.elementTimeout)
		err := chromedp.Run(elCtx, chromedp.WaitReady(target, chromedp.BySearch))
		expired := elCtx.Err() != nil
		cancel()
		if err != nil {
			if expired && ctx.Err() == nil {
				return fmt.Errorf("%w: %s", ErrElementNotFound, target)
			}
			return err
		}
	}
	return chromedp.Run(ctx, actions...)
}

// Capture writes a PNG screenshot of the viewport. Detail carries the file path.
func (e *Executor) Capture(ctx context.Context) agent.Result {
	opCtx, cancel := e.operationContext(ctx, 0)
	defer cancel()

	var buf []byte
	if err := chromedp.Run(opCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return agent.Failed(classify(ctx, err), fmt.Sprintf("screenshot failed: %v", err))
	}

	path, err := writeScreenshot(e.screenshotDir, e.now(), buf)
	if err != nil {
		return agent.Failed(agent.StatusError, err.Error())
	}
	e.logger.Debug("Screenshot written.", zap.String("path", path), zap.Int("bytes", len(buf)))
	return agent.Succeeded(path)
}

// Close closes the tab. It is safe to call more than once.
func (e *Executor) Close() error {
	e.closeOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- chromedp.Cancel(e.tabCtx) }()
		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				e.closeErr = fmt.Errorf("failed to close tab: %w", err)
			}
		case <-time.After(shutdownGracePeriod):
			e.closeErr = fmt.Errorf("timed out closing tab")
		}
		e.tabCancel()
		if e.onClose != nil {
			e.onClose()
		}
	})
	return e.closeErr
}

// operationContext combines the tab (which carries the CDP target) with the caller's context
// and an optional extra timeout.
func (e *Executor) operationContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	opCtx, cancel := CombineContext(e.tabCtx, ctx)
	if timeout <= 0 {
		return opCtx, cancel
	}
	timed, timedCancel := context.WithTimeout(opCtx, timeout)
	return timed, func() { timedCancel(); cancel() }
}

// classify prefers the caller's deadline over whatever the combined context reported.
func classify(ctx context.Context, err error) agent.Status {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return agent.StatusTimeout
	}
	return ClassifyError(err)
}

func describeSuccess(a agent.Action) string {
	switch a.Kind {
	case agent.ActionClick:
		return "clicked " + a.Target
	case agent.ActionInput:
		return "typed into " + a.Target
	case agent.ActionScroll:
		return "scrolled to " + a.Target
	case agent.ActionWait:
		return "waited " + a.Value
	default:
		return "done"
	}
}

// screenshotName renders snapshot_YYYYMMDD_HHMMSS.png.
func screenshotName(t time.Time) string {
	return "snapshot_" + t.Format("20060102_150405") + ".png"
}

// writeScreenshot stores data under dir without overwriting an earlier capture from the same second.
func writeScreenshot(dir string, t time.Time, data []byte) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory: %w", err)
	}

	base := screenshotName(t)
	path := filepath.Join(dir, base)
	for i := 1; ; i++ {
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			path = filepath.Join(dir, fmt.Sprintf("%s_%d.png", base[:len(base)-len(".png")], i))
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to create screenshot file: %w", err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return "", fmt.Errorf("failed to write screenshot: %w", err)
		}
		return path, f.Close()
	}
}
