package classifier

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
)

// CollyProber issues HEAD requests through a colly collector.
type CollyProber struct {
	base *colly.Collector
}

// NewCollyProber builds a prober with the given user agent and timeout.
func NewCollyProber(userAgent string, timeout time.Duration) *CollyProber {
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	if userAgent != "" {
		c.UserAgent = userAgent
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c.SetRequestTimeout(timeout)
	c.ParseHTTPErrorResponse = true
	c.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: timeout,
		MaxIdleConns:        20,
		IdleConnTimeout:     90 * time.Second,
	})
	return &CollyProber{base: c}
}

// Probe returns the response headers of a HEAD request to rawURL.
func (p *CollyProber) Probe(ctx context.Context, rawURL string) (http.Header, error) {
	collector := p.base.Clone()

	var (
		headers  http.Header
		probeErr error
	)
	collector.OnResponse(func(r *colly.Response) {
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		probeErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Head(rawURL)
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("header probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("header probe failed: %w", err)
		}
		if probeErr != nil {
			return nil, fmt.Errorf("header probe response failed: %w", probeErr)
		}
		if headers == nil {
			return nil, fmt.Errorf("header probe returned no response")
		}
		return headers, nil
	}
}
