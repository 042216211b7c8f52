package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/chromedp/chromedp"
)

// browserBridge drives a headless Chrome profile for web-automation
// providers. Cookies persist in the profile directory across runs, so a
// one-time interactive login keeps the headless sessions authenticated.
type browserBridge struct {
	profileDir string
	logger     *slog.Logger
}

// selectorSet holds the CSS selectors for one chat web app.
type selectorSet struct {
	URL      string
	Input    string
	Submit   string
	Response string
	Loading  string
}

func geminiWebSelectors() selectorSet {
	return selectorSet{
		URL:      "https://gemini.google.com/app",
		Input:    "div.ql-editor",
		Submit:   "button.send-button",
		Response: ".response-container .markdown",
		Loading:  ".loading-indicator",
	}
}

func newBrowserBridge(profileDir string, logger *slog.Logger) *browserBridge {
	if profileDir == "" {
		home, _ := os.UserHomeDir()
		profileDir = filepath.Join(home, ".replybot", "chrome-profiles", "default")
	}
	return &browserBridge{profileDir: profileDir, logger: logger}
}

func (b *browserBridge) newContext(parent context.Context, headless bool) (context.Context, context.CancelFunc) {
	if err := os.MkdirAll(b.profileDir, 0o755); err != nil {
		b.logger.Error("failed to create profile dir", "dir", b.profileDir, "err", err)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserDataDir(b.profileDir),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("exclude-switches", "enable-automation"),
	)
	if headless {
		opts = append(opts, chromedp.Headless)
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, opts...)
	taskCtx, taskCancel := chromedp.NewContext(allocCtx)

	return taskCtx, func() {
		taskCancel()
		allocCancel()
	}
}

// login opens a visible browser for a manual login; cookies land in the
// profile directory for later headless use.
func (b *browserBridge) login(ctx context.Context, url string) error {
	taskCtx, cancel := b.newContext(ctx, false)
	defer cancel()

	if err := chromedp.Run(taskCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate to login page: %w", err)
	}

	b.logger.Info("browser opened, log in manually and press Ctrl+C when done")
	<-ctx.Done()
	b.logger.Info("login session saved", "profile", b.profileDir)
	return nil
}

// sendAndReceive navigates to the chat page, submits the message and waits
// for the response to finish rendering.
func (b *browserBridge) sendAndReceive(ctx context.Context, sel selectorSet, message string) (string, error) {
	taskCtx, cancel := b.newContext(ctx, true)
	defer cancel()

	taskCtx, taskCancel := context.WithTimeout(taskCtx, 120*time.Second)
	defer taskCancel()

	err := chromedp.Run(taskCtx,
		chromedp.Navigate(sel.URL),
		chromedp.WaitReady("body"),
		chromedp.WaitVisible(sel.Input, chromedp.ByQuery),
		chromedp.Sleep(1*time.Second),
		chromedp.Click(sel.Input, chromedp.ByQuery),
		chromedp.SendKeys(sel.Input, message, chromedp.ByQuery),
		chromedp.Sleep(500*time.Millisecond),
		chromedp.Click(sel.Submit, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("submit message: %w", err)
	}

	// Poll until the loading indicator disappears.
	for i := 0; i < 120; i++ {
		select {
		case <-taskCtx.Done():
			return "", taskCtx.Err()
		case <-time.After(1 * time.Second):
		}

		var loadingExists bool
		err = chromedp.Run(taskCtx,
			chromedp.Evaluate(
				fmt.Sprintf(`document.querySelector('%s') !== null`, sel.Loading),
				&loadingExists,
			),
		)
		if err != nil {
			break
		}
		if !loadingExists {
			time.Sleep(500 * time.Millisecond)
			break
		}
	}

	var response string
	err = chromedp.Run(taskCtx,
		chromedp.Text(sel.Response, &response, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	return response, nil
}
