package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/chromedp"
)

// BrowserTool renders a published listing in a headless browser to verify it
// is live and to archive a screenshot.
type BrowserTool struct {
	mu            sync.Mutex
	headless      bool
	screenshotDir string
	allocCtx      context.Context
	browserCtx    context.Context
	allocCancel   context.CancelFunc
	browserCancel context.CancelFunc
}

func NewBrowserTool(headless bool, screenshotDir string) *BrowserTool {
	return &BrowserTool{headless: headless, screenshotDir: screenshotDir}
}

func (b *BrowserTool) Name() string {
	return "browser"
}

func (b *BrowserTool) Description() string {
	return "Open a listing page in a browser, check its content and capture screenshots."
}

func (b *BrowserTool) Actions() []string {
	return []string{"screenshot", "snapshot"}
}

func (b *BrowserTool) Parameters(action string) map[string]any {
	if action != "snapshot" && action != "screenshot" {
		return nil
	}
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url":      map[string]any{"type": "string", "pattern": "^https?://"},
			"selector": map[string]any{"type": "string", "description": "Element that must be visible before capturing"},
		},
		"required": []string{"url"},
	}
}

func (b *BrowserTool) initBrowser() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browserCtx != nil {
		select {
		case <-b.browserCtx.Done():
			b.cleanup()
		default:
			return nil
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.NoSandbox,
		chromedp.Flag("headless", b.headless),
		chromedp.Flag("no-first-run", true),
		chromedp.Flag("no-default-browser-check", true),
	)

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)

	return chromedp.Run(b.browserCtx)
}

func (b *BrowserTool) cleanup() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx = nil
	b.allocCtx = nil
}

// Close shuts the shared browser down.
func (b *BrowserTool) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cleanup()
}

func (b *BrowserTool) Execute(ctx context.Context, action string, args map[string]any, rc RunContext) (Result, error) {
	if err := b.initBrowser(); err != nil {
		return Result{}, fmt.Errorf("failed to initialize browser: %w", err)
	}

	timeout := 60 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	actionCtx, cancel := context.WithTimeout(b.browserCtx, timeout)
	defer cancel()

	target := stringArg(args, "url")
	tasks := chromedp.Tasks{chromedp.Navigate(target)}
	if sel := stringArg(args, "selector"); sel != "" {
		tasks = append(tasks, chromedp.WaitVisible(sel, chromedp.ByQuery))
	}

	switch action {
	case "snapshot":
		var title, html string
		tasks = append(tasks,
			chromedp.Title(&title),
			chromedp.ActionFunc(func(ctx context.Context) error {
				node, err := dom.GetDocument().Do(ctx)
				if err != nil {
					return err
				}
				html, err = dom.GetOuterHTML().WithNodeID(node.NodeID).Do(ctx)
				return err
			}),
		)
		if err := chromedp.Run(actionCtx, tasks); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("browser snapshot failed: %v", err)}, nil
		}
		return Result{
			Success:   true,
			Output:    map[string]any{"title": title, "bytes": len(html)},
			OutputRef: target,
		}, nil

	case "screenshot":
		var buf []byte
		tasks = append(tasks, chromedp.CaptureScreenshot(&buf))
		if err := chromedp.Run(actionCtx, tasks); err != nil {
			return Result{Success: false, Error: fmt.Sprintf("browser screenshot failed: %v", err)}, nil
		}
		dir := filepath.Join(b.screenshotDir, rc.SessionID)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return Result{}, fmt.Errorf("failed to create screenshot dir: %w", err)
		}
		path := filepath.Join(dir, fmt.Sprintf("screenshot_%d.png", time.Now().UnixNano()))
		if err := os.WriteFile(path, buf, 0644); err != nil {
			return Result{}, fmt.Errorf("failed to save screenshot: %w", err)
		}
		absPath, _ := filepath.Abs(path)
		return Result{Success: true, Output: absPath, OutputRef: "file://" + absPath}, nil
	}
	return Result{Success: false, Error: fmt.Sprintf("unsupported action %q", action)}, nil
}
