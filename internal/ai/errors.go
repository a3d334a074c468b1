package ai

import (
	"fmt"

	"github.com/kiranshivaraju/pvebatch/internal/ai/aierr"
)

var (
	ErrProviderUnavailable = aierr.ErrProviderUnavailable
	ErrInferenceTimeout    = aierr.ErrInferenceTimeout
	ErrInvalidResponse     = aierr.ErrInvalidResponse
	ErrRateLimited         = aierr.ErrRateLimited
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = fmt.Errorf("%w: empty text", aierr.ErrInvalidResponse)
