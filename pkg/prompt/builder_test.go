package prompt

import (
	"errors"
	"strings"
	"testing"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

func sampleRequest() models.StageRequest {
	return models.StageRequest{
		Resource: models.Resource{
			ID:     "101",
			Type:   models.ResourceTypeQEMU,
			Name:   "web-01",
			Node:   "pve1",
			Status: "running",
			Config: map[string]any{"memory": 2048, "cores": 2},
		},
		Nodes: []string{"pve1", "pve2"},
	}
}

func TestStage_AllGenerativeStages(t *testing.T) {
	b := Builder{}

	tests := []struct {
		stage string
		want  []string
	}{
		{models.StageAnalysis, []string{"- ID: 101", "- Name: web-01", "- Node: pve1", "Cluster nodes: pve1, pve2", "Purpose and Role"}},
		{models.StageSecurityReview, []string{"security review", "Name: web-01", "Network Security"}},
		{models.StageOptimization, []string{"optimization opportunities", "Status: running"}},
		{models.StageTerraform, []string{"Telmate/proxmox", "proxmox_vm_qemu", "Node: pve1"}},
		{models.StageAnsible, []string{"Ansible playbook", "community.general.proxmox_lxc"}},
	}

	for _, tt := range tests {
		t.Run(tt.stage, func(t *testing.T) {
			got, err := b.Stage(tt.stage, sampleRequest())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got.System == "" {
				t.Error("expected a system prompt")
			}
			for _, w := range tt.want {
				if !strings.Contains(got.Prompt, w) {
					t.Errorf("prompt missing %q", w)
				}
			}
		})
	}
}

func TestStage_ConfigIsSortedJSON(t *testing.T) {
	b := Builder{}
	got, err := b.Stage(models.StageSecurityReview, sampleRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	expected := "{\n  \"cores\": 2,\n  \"memory\": 2048\n}"
	if !strings.Contains(got.Prompt, expected) {
		t.Errorf("expected config block %q in prompt:\n%s", expected, got.Prompt)
	}
}

func TestStage_EmptyConfig(t *testing.T) {
	b := Builder{}
	req := sampleRequest()
	req.Resource.Config = nil
	req.Nodes = nil

	got, err := b.Stage(models.StageAnalysis, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(got.Prompt, "Configuration:\n{}") {
		t.Error("empty config should render as {}")
	}
	if !strings.Contains(got.Prompt, "No cluster context provided") {
		t.Error("missing nodes should render a placeholder")
	}
}

func TestStage_PriorContextInPipelineOrder(t *testing.T) {
	b := Builder{}
	req := sampleRequest()
	req.Prior = map[string]string{
		models.StageSecurityReview: "open ssh port",
		models.StageAnalysis:       "a web server",
	}

	got, err := b.Stage(models.StageTerraform, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ai := strings.Index(got.Prompt, "### analysis\na web server")
	si := strings.Index(got.Prompt, "### security_review\nopen ssh port")
	if ai < 0 || si < 0 {
		t.Fatalf("prior stages missing from prompt:\n%s", got.Prompt)
	}
	if ai > si {
		t.Error("prior stages should follow pipeline order")
	}
}

func TestStage_PriorContextIsBounded(t *testing.T) {
	b := Builder{}
	req := sampleRequest()
	req.Prior = map[string]string{models.StageAnalysis: strings.Repeat("~", maxPriorChars*2)}

	got, err := b.Stage(models.StageAnsible, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Count(got.Prompt, "~") > maxPriorChars {
		t.Error("prior context should be truncated")
	}
}

func TestStage_Unknown(t *testing.T) {
	b := Builder{}
	for _, stage := range []string{models.StageConfigSnapshot, "bogus"} {
		_, err := b.Stage(stage, sampleRequest())
		if !errors.Is(err, ErrUnknownStage) {
			t.Errorf("stage %q: expected ErrUnknownStage, got %v", stage, err)
		}
	}
}

func TestSummary(t *testing.T) {
	b := Builder{}
	got := b.Summary(models.SummaryRequest{
		Total:  3,
		QEMU:   2,
		LXC:    1,
		Failed: 1,
		Nodes:  []string{"pve1", "pve2"},
		Resources: []models.ResourceDigest{
			{ID: "101", Type: "qemu", Name: "web", Node: "pve1", Outcome: "succeeded", Analysis: "Serves HTTP.\n\nMore detail."},
			{ID: "200", Type: "lxc", Name: "dns", Node: "pve2", Outcome: "failed"},
		},
	})

	for _, w := range []string{
		"Total VMs/LXCs: 3",
		"QEMU VMs: 2",
		"LXC Containers: 1",
		"could not be analyzed: 1",
		"Nodes: pve1, pve2",
		"- qemu web (101) on pve1 [succeeded]: Serves HTTP.",
		"- lxc dns (200) on pve2 [failed]\n",
		"Next Steps",
	} {
		if !strings.Contains(got.Prompt, w) {
			t.Errorf("summary prompt missing %q", w)
		}
	}
	if strings.Contains(got.Prompt, "More detail") {
		t.Error("only the first paragraph of an analysis belongs in the summary")
	}
}

func TestTruncate_RuneSafe(t *testing.T) {
	s := "héllo"
	got := truncate(s, 2)
	if got != "h" {
		t.Errorf("expected %q, got %q", "h", got)
	}
	if truncate(s, 100) != s {
		t.Error("short strings are returned unchanged")
	}
}
