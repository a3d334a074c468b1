package batch

import (
	"github.com/kiranshivaraju/pvebatch/internal/config"
	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// StageKind selects how a stage produces its output.
type StageKind int

const (
	// KindSnapshot stores the resource configuration on the record.
	KindSnapshot StageKind = iota
	// KindGenerate asks the AnalysisClient for text.
	KindGenerate
)

// Stage is one named step of the per-resource pipeline.
type Stage struct {
	Name string
	Kind StageKind
}

var allStages = []Stage{
	{Name: models.StageConfigSnapshot, Kind: KindSnapshot},
	{Name: models.StageAnalysis, Kind: KindGenerate},
	{Name: models.StageSecurityReview, Kind: KindGenerate},
	{Name: models.StageOptimization, Kind: KindGenerate},
	{Name: models.StageTerraform, Kind: KindGenerate},
	{Name: models.StageAnsible, Kind: KindGenerate},
}

// AllStages returns every stage in pipeline order.
func AllStages() []Stage {
	return append([]Stage(nil), allStages...)
}

// EnabledStages returns the stages switched on in t, in pipeline order.
func EnabledStages(t config.StageToggles) []Stage {
	enabled := map[string]bool{
		models.StageConfigSnapshot: t.ConfigSnapshot,
		models.StageAnalysis:       t.Analysis,
		models.StageSecurityReview: t.SecurityReview,
		models.StageOptimization:   t.Optimization,
		models.StageTerraform:      t.Terraform,
		models.StageAnsible:        t.Ansible,
	}
	var out []Stage
	for _, s := range allStages {
		if enabled[s.Name] {
			out = append(out, s)
		}
	}
	return out
}
