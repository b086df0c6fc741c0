package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/archiver"
	"github.com/sheetarchiver/api/internal/config"
)

// WaybackClient submits URLs to the Wayback Machine save endpoint and probes
// target URLs before submission
type WaybackClient struct {
	httpClient  *http.Client
	probeClient *http.Client
	baseURL     string
	userAgent   string
	now         func() time.Time
}

// NewWaybackClient creates a new Wayback Machine client
func NewWaybackClient(cfg *config.WaybackConfig) *WaybackClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = archiver.DefaultBaseURL
	}
	return &WaybackClient{
		httpClient: &http.Client{
			Timeout: timeout,
			// the archive location is read from the redirect itself
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		probeClient: &http.Client{Timeout: timeout},
		baseURL:     base,
		userAgent:   cfg.UserAgent,
		now:         time.Now,
	}
}

// Save posts target to {base}/save/{escaped target}
func (c *WaybackClient) Save(ctx context.Context, target string) (*archiver.SaveResponse, error) {
	endpoint := c.baseURL + "/save/" + url.PathEscape(target)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return &archiver.SaveResponse{
		StatusCode:      resp.StatusCode,
		ContentLocation: resp.Header.Get("Content-Location"),
		Location:        resp.Header.Get("Location"),
		RetryAfter:      ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
	}, nil
}

// Probe issues a GET against target and returns the status code
func (c *WaybackClient) Probe(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	return resp.StatusCode, nil
}

// ParseRetryAfter reads a Retry-After header given either as delay seconds or
// as an HTTP date. It returns 0 when the header is absent, malformed or in the
// past.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
