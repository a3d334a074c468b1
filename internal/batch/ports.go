package batch

import (
	"context"
	"io"
	"time"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// Enumerator lists the resources a job analyzes.
type Enumerator interface {
	List(ctx context.Context) ([]models.Resource, error)
}

// AnalysisClient generates the text of one stage, and the job-wide summary.
type AnalysisClient interface {
	Run(ctx context.Context, stage string, req models.StageRequest) (string, error)
	Summarize(ctx context.Context, req models.SummaryRequest) (string, error)
}

// ArtifactWriter persists generated documents to the output hierarchy.
type ArtifactWriter interface {
	WriteResource(ctx context.Context, jobID int64, a *models.ResourceAnalysis) error
	WriteSummary(ctx context.Context, jobID int64, content string) error
	WriteConsolidated(ctx context.Context, jobID int64, analyses []*models.ResourceAnalysis) error
	Archive(ctx context.Context, jobID int64, w io.Writer) error
}

// StatusCache mirrors job progress for cheap polling.
type StatusCache interface {
	SetJobProgress(ctx context.Context, p models.JobProgress, ttl time.Duration) error
	GetJobProgress(ctx context.Context, jobID int64) (*models.JobProgress, bool, error)
}
