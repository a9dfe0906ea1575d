package browserpool

import (
	"context"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// RodBackend launches real headless Chrome instances via go-rod,
// adapted from the teacher's launchBrowser/closeBrowser pair in
// DynamicCrawler — generalized here to one Backend per pool instead
// of one fixed browser per crawl.
type RodBackend struct {
	Headless                bool
	IgnoreCertificateErrors bool
}

func (b RodBackend) Launch(ctx context.Context, cacheDir string) (BackendBrowser, error) {
	l := launcher.New().Headless(b.Headless)
	if b.IgnoreCertificateErrors {
		l = l.Set("ignore-certificate-errors")
	}
	if cacheDir != "" {
		l = l.UserDataDir(cacheDir)
	}

	controlURL, err := l.Context(ctx).Launch()
	if err != nil {
		return nil, fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().Context(ctx).ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	return rodBrowser{browser: browser, launcher: l}, nil
}

type rodBrowser struct {
	browser  *rod.Browser
	launcher *launcher.Launcher
}

func (rb rodBrowser) NewPage(ctx context.Context) (BackendPage, error) {
	page, err := rb.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	return rodPage{page: page}, nil
}

func (rb rodBrowser) Close() error {
	err := rb.browser.Close()
	rb.launcher.Cleanup()
	return err
}

type rodPage struct {
	page *rod.Page
}

func (rp rodPage) IsOpen() bool {
	_, err := rp.page.Info()
	return err == nil
}

func (rp rodPage) Close() error {
	return rp.page.Close()
}

// Underlying exposes the concrete *rod.Page for callers that need to
// script navigation beyond the pool's own open/close/reuse contract.
// The pool's scheduling logic never uses this; it exists so a
// handleRequestFunction can drive the page it borrowed.
func (rp rodPage) Underlying() *rod.Page {
	return rp.page
}
