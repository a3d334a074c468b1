package models

// Pipeline stage names, in execution order.
const (
	StageConfigSnapshot = "config_snapshot"
	StageAnalysis       = "analysis"
	StageSecurityReview = "security_review"
	StageOptimization   = "optimization_recommendations"
	StageTerraform      = "terraform_template"
	StageAnsible        = "ansible_playbook"
)

// StageOrder lists every stage in the order a resource passes through them.
var StageOrder = []string{
	StageConfigSnapshot,
	StageAnalysis,
	StageSecurityReview,
	StageOptimization,
	StageTerraform,
	StageAnsible,
}

// StageOutput returns the text produced by stage on a, or nil.
func (a *ResourceAnalysis) StageOutput(stage string) *string {
	switch stage {
	case StageAnalysis:
		return a.Analysis
	case StageSecurityReview:
		return a.SecurityReview
	case StageOptimization:
		return a.OptimizationRecommendations
	case StageTerraform:
		return a.TerraformTemplate
	case StageAnsible:
		return a.AnsiblePlaybook
	}
	return nil
}

// SetStageOutput stores text as the output of stage on a. Unknown stages are ignored.
func (a *ResourceAnalysis) SetStageOutput(stage, text string) {
	switch stage {
	case StageAnalysis:
		a.Analysis = &text
	case StageSecurityReview:
		a.SecurityReview = &text
	case StageOptimization:
		a.OptimizationRecommendations = &text
	case StageTerraform:
		a.TerraformTemplate = &text
	case StageAnsible:
		a.AnsiblePlaybook = &text
	}
}
