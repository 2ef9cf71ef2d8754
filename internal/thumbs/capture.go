package thumbs

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

var ErrCaptureDependencyMissing = fmt.Errorf("chromium not installed")

// Capturer screenshots the public viewer page of a project with headless
// Chrome. Used as a fallback when a publish happens before the client ever
// sent a thumbnail payload.
type Capturer struct {
	viewerBaseURL string
}

// NewCapturer returns nil when no viewer URL is configured; callers treat a
// nil capturer as "feature disabled".
func NewCapturer(viewerBaseURL string) *Capturer {
	trimmed := strings.TrimRight(strings.TrimSpace(viewerBaseURL), "/")
	if trimmed == "" {
		return nil
	}
	return &Capturer{viewerBaseURL: trimmed}
}

// Capture renders the project's viewer page and returns a PNG screenshot.
func (c *Capturer) Capture(ctx context.Context, projectID string) ([]byte, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, ErrCaptureDependencyMissing
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.WindowSize(800, 600),
	)

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()

	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	url := c.viewerBaseURL + "/view/" + projectID

	var pngData []byte
	err := chromedp.Run(taskCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			pngData, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(false).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("chrome screenshot failed: %w", err)
	}
	return pngData, nil
}
