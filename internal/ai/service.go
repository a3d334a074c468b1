package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/pvebatch/internal/ai/aierr"
	"github.com/kiranshivaraju/pvebatch/internal/metrics"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/kiranshivaraju/pvebatch/pkg/prompt"
	"golang.org/x/time/rate"
)

// Service turns pipeline stage requests into provider calls. It owns the
// per-call timeout, retries of transient failures and a request rate limit
// shared by every job in the process.
type Service struct {
	provider       models.AIProvider
	prompts        prompt.Builder
	timeout        time.Duration
	maxTokens      int
	maxRetries     int
	initialBackoff time.Duration
	limiter        *rate.Limiter
}

// Option configures a Service.
type Option func(*Service)

// WithMaxRetries sets how many times a transient failure is retried.
func WithMaxRetries(n int) Option {
	return func(s *Service) { s.maxRetries = n }
}

// WithInitialBackoff sets the first retry delay. Later delays grow exponentially.
func WithInitialBackoff(d time.Duration) Option {
	return func(s *Service) { s.initialBackoff = d }
}

// WithMaxTokens caps the length of each generated answer.
func WithMaxTokens(n int) Option {
	return func(s *Service) { s.maxTokens = n }
}

// WithRequestsPerMinute bounds the provider request rate. Zero means unlimited.
func WithRequestsPerMinute(n int) Option {
	return func(s *Service) {
		if n <= 0 {
			s.limiter = nil
			return
		}
		s.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), 1)
	}
}

// NewService creates a Service around provider. timeout bounds each individual provider call.
func NewService(provider models.AIProvider, timeout time.Duration, opts ...Option) *Service {
	s := &Service{
		provider:       provider,
		timeout:        timeout,
		maxRetries:     3,
		initialBackoff: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProviderName returns the name of the wrapped provider.
func (s *Service) ProviderName() string {
	return s.provider.Name()
}

// Run generates the output of one pipeline stage for a resource.
func (s *Service) Run(ctx context.Context, stage string, req models.StageRequest) (string, error) {
	creq, err := s.prompts.Stage(stage, req)
	if err != nil {
		return "", err
	}
	return s.complete(ctx, creq, "stage", stage, "vm_id", req.Resource.ID)
}

// Summarize generates the infrastructure-wide summary report.
func (s *Service) Summarize(ctx context.Context, req models.SummaryRequest) (string, error) {
	return s.complete(ctx, s.prompts.Summary(req), "stage", "summary")
}

func (s *Service) complete(ctx context.Context, creq models.CompletionRequest, logAttrs ...any) (string, error) {
	creq.MaxTokens = s.maxTokens

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.initialBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(max(s.maxRetries, 0))), ctx)

	attempt := func() (string, error) {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return "", backoff.Permanent(fmt.Errorf("wait for rate limiter: %w", err))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		text, err := s.provider.Complete(callCtx, creq)
		metrics.ObserveAIRequest(s.provider.Name(), err)
		if err != nil {
			if ctx.Err() != nil {
				return "", backoff.Permanent(ctx.Err())
			}
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
				err = fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
			}
			if !aierr.IsTransient(err) {
				return "", backoff.Permanent(err)
			}
			return "", err
		}
		if strings.TrimSpace(text) == "" {
			return "", backoff.Permanent(ErrEmptyResponse)
		}
		return text, nil
	}

	notify := func(err error, wait time.Duration) {
		slog.Warn("ai request failed, retrying",
			append([]any{"provider", s.provider.Name(), "error", err, "retry_in", wait}, logAttrs...)...)
	}

	return backoff.RetryNotifyWithData(attempt, policy, notify)
}
