// Package probe checks whether published download links are still reachable.
package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/JakeFAU/release-pipeline/internal/pipeline"
)

// ErrGone marks a link the host reports as permanently missing.
var ErrGone = errors.New("link gone")

// Config controls the HTTP prober.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// HTTP probes links with HEAD, falling back to a one-byte ranged GET for
// hosts that refuse HEAD. Magnet URIs are checked syntactically.
type HTTP struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
}

var _ pipeline.Prober = (*HTTP)(nil)

// New builds an HTTP prober. A nil client uses a dedicated transport.
func New(cfg Config, client *http.Client) *HTTP {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Transport: newTransport()}
	}
	return &HTTP{client: client, timeout: cfg.Timeout, userAgent: cfg.UserAgent}
}

// Probe returns nil when url is reachable.
func (p *HTTP) Probe(ctx context.Context, url string) error {
	kind, ok := pipeline.ClassifyLink(url)
	if !ok {
		return fmt.Errorf("unusable link %q", url)
	}
	if kind == pipeline.LinkKindMagnet {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	status, err := p.do(ctx, http.MethodHead, url)
	if err == nil && refusesHead(status) {
		status, err = p.do(ctx, http.MethodGet, url)
	}
	if err != nil {
		return err
	}
	return classifyStatus(status)
}

func (p *HTTP) do(ctx context.Context, method, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("%s %s: %w: %w", method, url, pipeline.ErrTransient, err)
		}
		return 0, fmt.Errorf("%s %s: %w", method, url, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}

func refusesHead(status int) bool {
	switch status {
	case http.StatusMethodNotAllowed, http.StatusNotImplemented, http.StatusForbidden:
		return true
	}
	return false
}

func classifyStatus(status int) error {
	switch {
	case status < 400:
		return nil
	case status == http.StatusNotFound || status == http.StatusGone:
		return fmt.Errorf("status %d: %w", status, ErrGone)
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("status %d: %w", status, pipeline.ErrTransient)
	default:
		return fmt.Errorf("unexpected status %d", status)
	}
}

func newTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          50,
		IdleConnTimeout:       60 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
}
