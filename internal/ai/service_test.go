package ai_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/pvebatch/internal/ai"
	"github.com/kiranshivaraju/pvebatch/internal/ai/mock"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/kiranshivaraju/pvebatch/pkg/prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stageRequest() models.StageRequest {
	return models.StageRequest{
		Resource: models.Resource{
			ID: "101", Type: models.ResourceTypeQEMU, Name: "web", Node: "pve1", Status: "running",
			Config: map[string]any{"cores": 2},
		},
		Nodes: []string{"pve1"},
	}
}

func fastService(p models.AIProvider, opts ...ai.Option) *ai.Service {
	opts = append([]ai.Option{ai.WithInitialBackoff(time.Millisecond)}, opts...)
	return ai.NewService(p, time.Second, opts...)
}

func TestService_Run(t *testing.T) {
	var got models.CompletionRequest
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
		got = req
		return "looks healthy", nil
	}}

	svc := fastService(p, ai.WithMaxTokens(1234))
	text, err := svc.Run(context.Background(), models.StageAnalysis, stageRequest())
	require.NoError(t, err)
	assert.Equal(t, "looks healthy", text)
	assert.Equal(t, 1234, got.MaxTokens)
	assert.Contains(t, got.Prompt, "- ID: 101")
	assert.NotEmpty(t, got.System)
	assert.Equal(t, "mock", svc.ProviderName())
}

func TestService_UnknownStage(t *testing.T) {
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		calls.Add(1)
		return "x", nil
	}}

	_, err := fastService(p).Run(context.Background(), "bogus", stageRequest())
	assert.ErrorIs(t, err, prompt.ErrUnknownStage)
	assert.Zero(t, calls.Load())
}

func TestService_RetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		if calls.Add(1) < 3 {
			return "", ai.ErrRateLimited
		}
		return "ok", nil
	}}

	text, err := fastService(p, ai.WithMaxRetries(3)).Run(context.Background(), models.StageSecurityReview, stageRequest())
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, int32(3), calls.Load())
}

func TestService_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		calls.Add(1)
		return "", ai.ErrProviderUnavailable
	}}

	_, err := fastService(p, ai.WithMaxRetries(2)).Run(context.Background(), models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.Equal(t, int32(3), calls.Load(), "one attempt plus two retries")
}

func TestService_PermanentErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		calls.Add(1)
		return "", ai.ErrInvalidResponse
	}}

	_, err := fastService(p, ai.WithMaxRetries(5)).Run(context.Background(), models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
	assert.Equal(t, int32(1), calls.Load())
}

func TestService_EmptyTextIsInvalid(t *testing.T) {
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		return "   \n", nil
	}}

	_, err := fastService(p).Run(context.Background(), models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, ai.ErrEmptyResponse)
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestService_PerCallTimeout(t *testing.T) {
	svc := ai.NewService(mock.NewTimeoutProvider(), 20*time.Millisecond, ai.WithMaxRetries(0))

	start := time.Now()
	_, err := svc.Run(context.Background(), models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestService_ParentCancelStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		calls.Add(1)
		cancel()
		return "", ai.ErrProviderUnavailable
	}}

	_, err := fastService(p, ai.WithMaxRetries(5)).Run(ctx, models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), calls.Load())
}

func TestService_RateLimit(t *testing.T) {
	var calls atomic.Int32
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (string, error) {
		calls.Add(1)
		return "ok", nil
	}}
	// One request per minute: the first call uses the burst, the second must wait.
	svc := fastService(p, ai.WithRequestsPerMinute(1))

	_, err := svc.Run(context.Background(), models.StageAnalysis, stageRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = svc.Run(ctx, models.StageAnalysis, stageRequest())
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestService_Summarize(t *testing.T) {
	var gotPrompt string
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(_ context.Context, req models.CompletionRequest) (string, error) {
		gotPrompt = req.Prompt
		return "# Summary", nil
	}}

	text, err := fastService(p).Summarize(context.Background(), models.SummaryRequest{
		Total: 2, QEMU: 1, LXC: 1, Nodes: []string{"pve1"},
		Resources: []models.ResourceDigest{{ID: "101", Type: "qemu", Name: "web", Node: "pve1", Outcome: "succeeded"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "# Summary", text)
	assert.True(t, strings.Contains(gotPrompt, "Total VMs/LXCs: 2"))
	assert.Contains(t, gotPrompt, "qemu web (101)")
}

func TestService_WrapsDeadlineAsTimeout(t *testing.T) {
	p := &mock.MockProvider{Name_: "mock", CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", errors.New("stream closed")
	}}
	svc := ai.NewService(p, 10*time.Millisecond, ai.WithMaxRetries(0))

	_, err := svc.Run(context.Background(), models.StageAnalysis, stageRequest())
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}
