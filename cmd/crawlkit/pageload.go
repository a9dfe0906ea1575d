package main

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/kestrelrun/crawlkit/internal/browserpool"
)

// rodUnderlying is implemented by pages produced by browserpool.RodBackend.
type rodUnderlying interface {
	Underlying() *rod.Page
}

// fetchPageHTML navigates a borrowed page to rawURL, waits for the
// page to settle, and returns its rendered HTML.
func fetchPageHTML(ctx context.Context, pg *browserpool.Page, rawURL string) (string, error) {
	underlying, ok := pg.Backend.(rodUnderlying)
	if !ok {
		return "", fmt.Errorf("page backend does not support navigation")
	}
	page := underlying.Underlying().Context(ctx)

	if err := page.Navigate(rawURL); err != nil {
		return "", fmt.Errorf("navigate to %s: %w", rawURL, err)
	}
	if err := page.WaitLoad(); err != nil {
		return "", fmt.Errorf("wait for %s to load: %w", rawURL, err)
	}
	time.Sleep(300 * time.Millisecond)

	html, err := page.HTML()
	if err != nil {
		return "", fmt.Errorf("read html from %s: %w", rawURL, err)
	}
	return html, nil
}

func parseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", raw, err)
	}
	return u, nil
}

// readURLsFromFile reads one seed URL per line, skipping blank lines
// and lines starting with #.
func readURLsFromFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url file: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, err := url.Parse(line); err != nil {
			return nil, fmt.Errorf("line %q is not a valid url: %w", line, err)
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url file: %w", err)
	}
	return urls, nil
}
