// Package archiver processes single work items against the archiving upstream.
package archiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sheetarchiver/api/internal/backoff"
	"github.com/sheetarchiver/api/internal/model"
)

// DefaultBaseURL is the public Wayback Machine origin
const DefaultBaseURL = "https://web.archive.org"

// SaveResponse is what the archiving upstream answered to a save request
type SaveResponse struct {
	StatusCode      int
	ContentLocation string
	Location        string
	RetryAfter      time.Duration
}

// Archiver submits one URL to the archiving upstream
type Archiver interface {
	Save(ctx context.Context, target string) (*SaveResponse, error)
}

// Prober performs the optional pre-check request and returns its status code
type Prober interface {
	Probe(ctx context.Context, target string) (int, error)
}

// Processor turns a WorkItem into an ItemResult. It holds no shared mutable
// state and is safe for concurrent use.
type Processor struct {
	archiver     Archiver
	prober       Prober
	policy       backoff.Policy
	baseURL      string
	probeTimeout time.Duration
	logger       *slog.Logger
	sleep        func(ctx context.Context, d time.Duration) error
	now          func() time.Time
}

// Option configures a Processor
type Option func(*Processor)

// WithProber enables pre-validation of every URL before submission
func WithProber(p Prober) Option {
	return func(pr *Processor) { pr.prober = p }
}

// WithPolicy overrides the rate-limit backoff policy
func WithPolicy(policy backoff.Policy) Option {
	return func(pr *Processor) { pr.policy = policy }
}

// WithBaseURL sets the origin used for relative and fallback archive URLs
func WithBaseURL(base string) Option {
	return func(pr *Processor) { pr.baseURL = strings.TrimRight(base, "/") }
}

// WithProbeTimeout bounds the pre-check request
func WithProbeTimeout(d time.Duration) Option {
	return func(pr *Processor) { pr.probeTimeout = d }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(pr *Processor) { pr.logger = l }
}

// WithSleep replaces the wait used between rate-limited attempts
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(pr *Processor) { pr.sleep = fn }
}

// WithClock replaces the clock used for fallback archive URLs
func WithClock(fn func() time.Time) Option {
	return func(pr *Processor) { pr.now = fn }
}

// NewProcessor creates a new Processor
func NewProcessor(a Archiver, opts ...Option) *Processor {
	p := &Processor{
		archiver:     a,
		policy:       backoff.DefaultPolicy(),
		baseURL:      DefaultBaseURL,
		probeTimeout: 10 * time.Second,
		logger:       slog.Default(),
		sleep:        Sleep,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process archives one item. It never panics and never returns an error:
// every outcome, including unexpected faults, is an ItemResult.
func (p *Processor) Process(ctx context.Context, item model.WorkItem) (result model.ItemResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while archiving", "url", item.Payload, "panic", r)
			result = model.ItemResult{
				Position: item.Position,
				Failure: &model.Failure{
					Kind:    model.FailureException,
					Message: MsgException,
					Detail:  fmt.Sprint(r),
				},
			}
		}
	}()

	target, ok := Normalize(item.Payload)
	if !ok {
		return model.Failed(item.Position, model.FailureInvalidInput, MsgInvalidURL)
	}

	if p.prober != nil {
		if f := p.preValidate(ctx, target); f != nil {
			p.logger.Info("pre-validation failed", "url", target, "reason", f.Message)
			return model.ItemResult{Position: item.Position, Failure: f}
		}
	}

	var waited time.Duration
	for attempt := 1; ; attempt++ {
		resp, err := p.archiver.Save(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return model.Failed(item.Position, model.FailureException, MsgCancelled)
			}
			p.logger.Warn("archive submit failed", "url", target, "attempt", attempt, "error", err)
			return model.ItemResult{Position: item.Position, Failure: ClassifyNetworkError(err, target)}
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			if p.policy.MaxAttempts > 0 && attempt >= p.policy.MaxAttempts {
				return p.rateLimited(item.Position, target, attempt, waited)
			}
			d := p.policy.Next(attempt, resp.RetryAfter, waited)
			if d.GiveUp {
				return p.rateLimited(item.Position, target, attempt, waited)
			}
			p.logger.Info("rate limited, backing off", "url", target, "attempt", attempt, "wait", d.Wait)
			if err := p.sleep(ctx, d.Wait); err != nil {
				return model.Failed(item.Position, model.FailureException, MsgCancelled)
			}
			waited += d.Wait
			continue
		}

		if !saved(resp) {
			return model.ItemResult{Position: item.Position, Failure: StatusFailure(resp.StatusCode)}
		}

		archived := p.archiveURL(resp, target)
		p.logger.Debug("archived", "url", target, "archive_url", archived)
		return model.Succeeded(item.Position, archived)
	}
}

func (p *Processor) rateLimited(position int, target string, attempts int, waited time.Duration) model.ItemResult {
	p.logger.Warn("giving up after rate limiting", "url", target, "attempts", attempts, "waited", waited)
	return model.ItemResult{
		Position: position,
		Failure: &model.Failure{
			Kind:       model.FailureRateLimited,
			Message:    MsgRateLimited,
			StatusCode: http.StatusTooManyRequests,
		},
	}
}

func (p *Processor) preValidate(ctx context.Context, target string) *model.Failure {
	probeCtx, cancel := context.WithTimeout(ctx, p.probeTimeout)
	defer cancel()

	status, err := p.prober.Probe(probeCtx, target)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return &model.Failure{Kind: model.FailureTimeout, Message: MsgProbeTimeout, Detail: err.Error()}
		}
		return ClassifyNetworkError(err, target)
	}

	switch status {
	case http.StatusNotFound:
		return &model.Failure{Kind: model.FailureNotFound, Message: MsgProbeNotFound, StatusCode: status}
	case http.StatusForbidden:
		return &model.Failure{Kind: model.FailureForbidden, Message: MsgProbeForbidden, StatusCode: status}
	}
	return nil
}

// saved reports whether the upstream accepted the capture. A redirect that
// points at the snapshot counts as success.
func saved(resp *SaveResponse) bool {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return true
	}
	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return resp.ContentLocation != "" || resp.Location != ""
	}
	return false
}

func (p *Processor) archiveURL(resp *SaveResponse, target string) string {
	for _, loc := range []string{resp.ContentLocation, resp.Location} {
		if loc == "" {
			continue
		}
		if strings.HasPrefix(loc, "/web/") {
			return p.baseURL + loc
		}
		return loc
	}
	return FallbackURL(p.baseURL, p.now(), target)
}

// FallbackURL builds the archive URL used when the upstream did not return one
func FallbackURL(base string, at time.Time, target string) string {
	return fmt.Sprintf("%s/web/%s/%s", strings.TrimRight(base, "/"), at.UTC().Format("20060102150405"), target)
}

// Normalize prefixes bare hosts with http:// and validates the result is an
// absolute http or https URL.
func Normalize(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}
	if !strings.Contains(s, "://") && strings.Contains(s, ".") && !strings.Contains(s, " ") {
		s = "http://" + s
	}

	u, err := url.Parse(s)
	if err != nil || !u.IsAbs() || u.Hostname() == "" {
		return "", false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", false
	}
	// a trailing colon leaves an empty port
	if strings.HasSuffix(u.Host, ":") {
		return "", false
	}
	return s, true
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
