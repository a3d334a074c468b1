package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/kiranshivaraju/pvebatch/internal/metrics"
	"github.com/kiranshivaraju/pvebatch/internal/store"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/kiranshivaraju/pvebatch/internal/batch")

// Result is the terminal per-resource outcome of a pipeline run.
type Result struct {
	Analysis *models.ResourceAnalysis
	Outcome  string
	Err      error
}

// Pipeline runs the enabled stages for one resource, strictly in order.
// It only writes the ResourceAnalysis record of the resource it was given.
type Pipeline struct {
	stages []Stage
	client AnalysisClient
	store  store.Store
}

// NewPipeline creates a Pipeline over the given stages.
func NewPipeline(stages []Stage, client AnalysisClient, st store.Store) *Pipeline {
	return &Pipeline{stages: stages, client: client, store: st}
}

// Stages returns the stages the pipeline runs.
func (p *Pipeline) Stages() []Stage {
	return p.stages
}

// Execute runs every stage for r and returns its terminal outcome. Stage
// failures never escape as errors; they end up on the record and in the Result.
func (p *Pipeline) Execute(ctx context.Context, jobID int64, r models.Resource, nodes []string) Result {
	ctx, span := tracer.Start(ctx, "batch.resource", trace.WithAttributes(
		attribute.Int64("job_id", jobID),
		attribute.String("vm_id", r.ID),
		attribute.String("vm_type", r.Type),
		attribute.String("node", r.Node),
	))
	defer span.End()

	a := models.NewResourceAnalysis(jobID, r)
	if err := p.store.UpsertResourceAnalysis(ctx, a); err != nil {
		return p.finish(ctx, span, a, &StageError{Stage: "create_record", Err: err})
	}

	prior := make(map[string]string)
	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return p.finish(ctx, span, a, &StageError{Stage: s.Name, Err: err})
		}
		if err := p.runStage(ctx, s, a, r, nodes, prior); err != nil {
			return p.finish(ctx, span, a, &StageError{Stage: s.Name, Err: err})
		}
		a.UpdatedAt = time.Now().UTC()
		if err := p.store.UpsertResourceAnalysis(ctx, a); err != nil {
			return p.finish(ctx, span, a, &StageError{Stage: s.Name, Err: fmt.Errorf("persist record: %w", err)})
		}
	}
	return p.finish(ctx, span, a, nil)
}

func (p *Pipeline) runStage(ctx context.Context, s Stage, a *models.ResourceAnalysis, r models.Resource,
	nodes []string, prior map[string]string) (err error) {
	ctx, span := tracer.Start(ctx, "batch.stage", trace.WithAttributes(attribute.String("stage", s.Name)))
	start := time.Now()
	defer func() {
		metrics.ObserveStage(s.Name, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	switch s.Kind {
	case KindSnapshot:
		config := r.Config
		if config == nil {
			config = map[string]any{}
		}
		data, mErr := json.Marshal(config)
		if mErr != nil {
			return fmt.Errorf("encode config: %w", mErr)
		}
		a.Config = data

	case KindGenerate:
		text, rErr := p.client.Run(ctx, s.Name, models.StageRequest{
			Resource: r,
			Prior:    maps.Clone(prior),
			Nodes:    nodes,
		})
		if rErr != nil {
			return rErr
		}
		a.SetStageOutput(s.Name, text)
		prior[s.Name] = text

	default:
		return fmt.Errorf("unknown stage kind %d", s.Kind)
	}
	return nil
}

// finish stamps the terminal outcome on a and persists it. The record is
// written even when ctx is already cancelled.
func (p *Pipeline) finish(ctx context.Context, span trace.Span, a *models.ResourceAnalysis, err error) Result {
	now := time.Now().UTC()
	a.UpdatedAt = now

	var se *StageError
	if errors.As(err, &se) {
		a.FailedStage = &se.Stage
	}

	switch {
	case err == nil:
		a.Outcome = models.OutcomeSucceeded
		a.AnalyzedAt = &now
	case ctx.Err() != nil:
		a.Outcome = models.OutcomeCancelled
		msg := "cancelled"
		if se != nil {
			msg = fmt.Sprintf("cancelled during %s", se.Stage)
		}
		a.Error = &msg
	default:
		a.Outcome = models.OutcomeFailed
		msg := err.Error()
		a.Error = &msg
	}

	if perr := p.store.UpsertResourceAnalysis(context.WithoutCancel(ctx), a); perr != nil {
		slog.Warn("persist resource outcome failed",
			"job_id", a.JobID, "vm_id", a.VMID, "outcome", a.Outcome, "error", perr)
		if err == nil {
			err = fmt.Errorf("persist record: %w", perr)
			a.Outcome = models.OutcomeFailed
			msg := err.Error()
			a.Error = &msg
		}
	}

	span.SetAttributes(attribute.String("outcome", a.Outcome))
	if a.Outcome == models.OutcomeFailed {
		span.SetStatus(codes.Error, *a.Error)
		slog.Warn("resource analysis failed",
			"job_id", a.JobID, "vm_id", a.VMID, "vm_type", a.VMType, "error", err)
	}
	return Result{Analysis: a, Outcome: a.Outcome, Err: err}
}
