package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Resource types as reported by the Proxmox API.
const (
	ResourceTypeQEMU = "qemu"
	ResourceTypeLXC  = "lxc"
)

// Per-resource pipeline outcomes.
const (
	OutcomePending   = "pending"
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

// Resource is a virtual machine or container discovered in the cluster.
type Resource struct {
	ID     string         `json:"vm_id"`
	Type   string         `json:"vm_type"`
	Name   string         `json:"vm_name"`
	Node   string         `json:"node"`
	Status string         `json:"status"`
	Config map[string]any `json:"config"`
}

// Key identifies a resource uniquely within one inventory snapshot.
func (r Resource) Key() string {
	return r.Type + "/" + r.ID
}

// ResourceAnalysis holds the generated documents for one resource within one job.
// Text fields stay nil until their stage succeeds.
type ResourceAnalysis struct {
	ID                          uuid.UUID       `db:"id"                           json:"id"`
	JobID                       int64           `db:"job_id"                       json:"job_id"`
	VMID                        string          `db:"vm_id"                        json:"vm_id"`
	VMType                      string          `db:"vm_type"                      json:"vm_type"`
	VMName                      string          `db:"vm_name"                      json:"vm_name"`
	Node                        string          `db:"node"                         json:"node"`
	Config                      json.RawMessage `db:"config"                       json:"config,omitempty"`
	Analysis                    *string         `db:"analysis"                     json:"analysis"`
	SecurityReview              *string         `db:"security_review"              json:"security_review"`
	OptimizationRecommendations *string         `db:"optimization_recommendations" json:"optimization_recommendations"`
	TerraformTemplate           *string         `db:"terraform_template"           json:"terraform_template"`
	AnsiblePlaybook             *string         `db:"ansible_playbook"             json:"ansible_playbook"`
	Outcome                     string          `db:"outcome"                      json:"outcome"`
	FailedStage                 *string         `db:"failed_stage"                 json:"failed_stage,omitempty"`
	Error                       *string         `db:"error"                        json:"error,omitempty"`
	AnalyzedAt                  *time.Time      `db:"analyzed_at"                  json:"analyzed_at,omitempty"`
	CreatedAt                   time.Time       `db:"created_at"                   json:"created_at"`
	UpdatedAt                   time.Time       `db:"updated_at"                   json:"updated_at"`
}

// NewResourceAnalysis returns the pending record for r within job jobID.
func NewResourceAnalysis(jobID int64, r Resource) *ResourceAnalysis {
	now := time.Now().UTC()
	return &ResourceAnalysis{
		ID:        uuid.New(),
		JobID:     jobID,
		VMID:      r.ID,
		VMType:    r.Type,
		VMName:    r.Name,
		Node:      r.Node,
		Outcome:   OutcomePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy of a that shares no mutable state with it.
func (a *ResourceAnalysis) Clone() *ResourceAnalysis {
	c := *a
	if a.Config != nil {
		c.Config = append(json.RawMessage(nil), a.Config...)
	}
	return &c
}

// Report is an infrastructure-wide document produced once all resources of a job finished.
type Report struct {
	ID        uuid.UUID `db:"id"          json:"id"`
	JobID     int64     `db:"job_id"      json:"job_id"`
	Type      string    `db:"report_type" json:"report_type"`
	Content   string    `db:"content"     json:"content"`
	CreatedAt time.Time `db:"created_at"  json:"created_at"`
}

const ReportTypeSummary = "summary"

// JobDetail bundles a job with everything produced for it.
type JobDetail struct {
	Job      *Job                `json:"job"`
	Analyses []*ResourceAnalysis `json:"analyses"`
	Reports  []*Report           `json:"reports"`
}
