// Package summary derives deterministic inventory statistics from the
// resource analyses of a job and renders the infrastructure summary report.
package summary

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// NodeStats counts the resources hosted on one node.
type NodeStats struct {
	Node   string
	QEMU   int
	LXC    int
	Failed int
}

// Total returns the number of resources on the node.
func (n NodeStats) Total() int {
	return n.QEMU + n.LXC
}

// Failure identifies one resource whose pipeline did not succeed.
type Failure struct {
	VMID    string
	VMType  string
	VMName  string
	Stage   string
	Outcome string
	Error   string
}

// Stats aggregates a job's resource analyses.
type Stats struct {
	Total     int
	QEMU      int
	LXC       int
	Succeeded int
	Failed    int
	Cancelled int
	Nodes     []NodeStats
	Failures  []Failure
}

// NodeNames returns the node names in Stats order.
func (s Stats) NodeNames() []string {
	names := make([]string, 0, len(s.Nodes))
	for _, n := range s.Nodes {
		names = append(names, n.Node)
	}
	return names
}

// Build groups analyses by node. Nodes are sorted by (resource count DESC, name ASC);
// failures keep the order of analyses. Returns zero Stats for empty input.
func Build(analyses []*models.ResourceAnalysis) Stats {
	var s Stats
	groups := make(map[string]*NodeStats)

	for _, a := range analyses {
		s.Total++
		ns, exists := groups[a.Node]
		if !exists {
			ns = &NodeStats{Node: a.Node}
			groups[a.Node] = ns
		}

		if a.VMType == models.ResourceTypeLXC {
			s.LXC++
			ns.LXC++
		} else {
			s.QEMU++
			ns.QEMU++
		}

		switch a.Outcome {
		case models.OutcomeSucceeded:
			s.Succeeded++
			continue
		case models.OutcomeCancelled:
			s.Cancelled++
		default:
			s.Failed++
		}
		ns.Failed++
		s.Failures = append(s.Failures, Failure{
			VMID:    a.VMID,
			VMType:  a.VMType,
			VMName:  a.VMName,
			Stage:   deref(a.FailedStage),
			Outcome: a.Outcome,
			Error:   deref(a.Error),
		})
	}

	s.Nodes = make([]NodeStats, 0, len(groups))
	for _, ns := range groups {
		s.Nodes = append(s.Nodes, *ns)
	}
	sort.Slice(s.Nodes, func(i, j int) bool {
		if s.Nodes[i].Total() != s.Nodes[j].Total() {
			return s.Nodes[i].Total() > s.Nodes[j].Total()
		}
		return s.Nodes[i].Node < s.Nodes[j].Node
	})
	return s
}

// Request converts s and analyses into the input of the generated summary.
// nodes overrides the node list derived from analyses when non-empty.
func Request(s Stats, analyses []*models.ResourceAnalysis, nodes []string) models.SummaryRequest {
	if len(nodes) == 0 {
		nodes = s.NodeNames()
	}
	req := models.SummaryRequest{
		Total:     s.Total,
		QEMU:      s.QEMU,
		LXC:       s.LXC,
		Failed:    s.Failed + s.Cancelled,
		Nodes:     nodes,
		Resources: make([]models.ResourceDigest, 0, len(analyses)),
	}
	for _, a := range analyses {
		req.Resources = append(req.Resources, models.ResourceDigest{
			ID:       a.VMID,
			Type:     a.VMType,
			Name:     a.VMName,
			Node:     a.Node,
			Outcome:  a.Outcome,
			Analysis: deref(a.Analysis),
		})
	}
	return req
}

// Render produces the markdown summary report. narrative is the generated
// executive summary and may be empty.
func Render(jobID int64, s Stats, narrative string, generatedAt time.Time) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Infrastructure Summary Report\n\n")
	fmt.Fprintf(&sb, "Job: %d  \nGenerated: %s\n\n", jobID, generatedAt.UTC().Format(time.RFC3339))

	sb.WriteString("## Inventory\n\n")
	fmt.Fprintf(&sb, "- Total resources: %d\n", s.Total)
	fmt.Fprintf(&sb, "- QEMU VMs: %d\n", s.QEMU)
	fmt.Fprintf(&sb, "- LXC containers: %d\n", s.LXC)
	fmt.Fprintf(&sb, "- Analyzed successfully: %d\n", s.Succeeded)
	fmt.Fprintf(&sb, "- Failed: %d\n", s.Failed)
	if s.Cancelled > 0 {
		fmt.Fprintf(&sb, "- Cancelled: %d\n", s.Cancelled)
	}

	if len(s.Nodes) > 0 {
		sb.WriteString("\n| Node | QEMU | LXC | Failed |\n|---|---|---|---|\n")
		for _, n := range s.Nodes {
			fmt.Fprintf(&sb, "| %s | %d | %d | %d |\n", n.Node, n.QEMU, n.LXC, n.Failed)
		}
	}

	if narrative = strings.TrimSpace(narrative); narrative != "" {
		sb.WriteString("\n## Executive Summary\n\n")
		sb.WriteString(narrative)
		sb.WriteString("\n")
	}

	if len(s.Failures) > 0 {
		sb.WriteString("\n## Resources Requiring Re-analysis\n\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&sb, "- %s %s (%s)", f.VMType, f.VMName, f.VMID)
			if f.Stage != "" {
				fmt.Fprintf(&sb, " at `%s`", f.Stage)
			}
			if f.Error != "" {
				fmt.Fprintf(&sb, ": %s", truncateString(oneLine(f.Error), 300))
			}
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
