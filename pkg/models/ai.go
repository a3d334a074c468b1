// Package models contains shared data models used across the pvebatch codebase.
package models

import "context"

// AIProvider is the core interface that all AI integrations must implement.
// Never call specific AI providers directly; always inject this interface.
type AIProvider interface {
	// Complete sends a single prompt and returns the generated text.
	Complete(ctx context.Context, req CompletionRequest) (string, error)
	// Name returns the provider identifier (e.g., "anthropic", "openai").
	Name() string
}

// CompletionRequest is the input to a single provider call.
type CompletionRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// StageRequest is the input to one generative pipeline stage.
type StageRequest struct {
	Resource Resource
	// Prior holds the outputs of earlier stages for the same resource, keyed by stage name.
	Prior map[string]string
	// Nodes lists every cluster node seen in the inventory snapshot.
	Nodes []string
}

// SummaryRequest is the input to the infrastructure-wide summary.
type SummaryRequest struct {
	Total     int
	QEMU      int
	LXC       int
	Failed    int
	Nodes     []string
	Resources []ResourceDigest
}

// ResourceDigest is the short form of one resource fed to the summary prompt.
type ResourceDigest struct {
	ID       string
	Type     string
	Name     string
	Node     string
	Outcome  string
	Analysis string
}
