package prompt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
)

// ErrUnknownStage is returned for a stage that has no prompt.
var ErrUnknownStage = errors.New("no prompt for stage")

const systemPrompt = "You are an experienced Proxmox VE infrastructure engineer performing an infrastructure audit. " +
	"Answer in Markdown unless asked for code."

// maxPriorChars bounds how much earlier-stage output is carried into a later prompt.
const maxPriorChars = 6000

// Builder constructs prompts for pipeline stages and the infrastructure summary.
// All methods are pure functions with no side effects.
// Zero value is ready to use.
type Builder struct{}

// Stage returns the completion request for one generative stage of a resource.
func (b Builder) Stage(stage string, req models.StageRequest) (models.CompletionRequest, error) {
	r := req.Resource
	config := b.configJSON(r.Config)

	var body string
	switch stage {
	case models.StageAnalysis:
		body = fmt.Sprintf(`You are analyzing a Proxmox virtual machine/container as part of a comprehensive infrastructure audit.

VM/LXC Details:
- ID: %s
- Name: %s
- Type: %s
- Node: %s
- Status: %s

Configuration:
%s

Cluster Context:
%s

Please provide a comprehensive analysis including:

1. **Purpose and Role**: What this VM/LXC appears to be used for
2. **Resource Allocation**: CPU, memory, disk, network configuration assessment
3. **Key Services**: Identified services and applications
4. **Dependencies**: Potential dependencies on other infrastructure
5. **Configuration Quality**: Assessment of configuration best practices

Keep this analysis concise but thorough (2-3 paragraphs).`,
			r.ID, r.Name, r.Type, r.Node, r.Status, config, b.clusterContext(req.Nodes))

	case models.StageSecurityReview:
		body = fmt.Sprintf(`Perform a security review of this Proxmox VM/LXC configuration:

Type: %s
Name: %s

Configuration:
%s

Provide a security assessment covering:

1. **Network Security**: Firewall settings, network isolation, exposed services
2. **Resource Limits**: CPU/memory limits for DoS prevention
3. **Storage Security**: Disk encryption, backup configuration
4. **Access Control**: User permissions, SSH configuration if visible
5. **Security Recommendations**: Prioritized list of security improvements

Format as a structured report with clear action items.`, r.Type, r.Name, config)

	case models.StageOptimization:
		body = fmt.Sprintf(`Analyze this Proxmox VM/LXC for optimization opportunities:

Type: %s
Name: %s
Status: %s

Configuration:
%s

Provide optimization recommendations for:

1. **Resource Optimization**: CPU, memory, and disk allocation improvements
2. **Performance**: Configuration changes for better performance
3. **Cost Efficiency**: Ways to reduce resource usage without impacting functionality
4. **Reliability**: Improvements for stability and uptime
5. **Modern Best Practices**: Updates to use current Proxmox features

Provide concrete, actionable recommendations with expected benefits.`, r.Type, r.Name, r.Status, config)

	case models.StageTerraform:
		body = fmt.Sprintf(`Generate a Terraform template using the Telmate/proxmox provider to recreate this VM/LXC:

Type: %s
Name: %s
Node: %s

Current Configuration:
%s

Generate:
1. A complete Terraform resource definition
2. Variable definitions for configurable parameters
3. Output values for important attributes
4. Brief comments explaining key configurations

Use the appropriate resource type:
- For QEMU VMs: proxmox_vm_qemu
- For LXC: proxmox_lxc

Make the template reusable and follow Terraform best practices.`, r.Type, r.Name, r.Node, config)

	case models.StageAnsible:
		body = fmt.Sprintf(`Generate an Ansible playbook to provision and configure this VM/LXC:

Type: %s
Name: %s

Configuration:
%s

Generate:
1. Ansible playbook for creating/configuring the VM/LXC
2. Variable definitions
3. Tasks for common setup based on the configuration
4. Handlers if needed

Use the community.general.proxmox module for QEMU VMs or community.general.proxmox_lxc for containers.
Include basic post-creation configuration tasks where applicable.`, r.Type, r.Name, config)

	default:
		return models.CompletionRequest{}, fmt.Errorf("%w: %q", ErrUnknownStage, stage)
	}

	if prior := b.priorContext(stage, req.Prior); prior != "" {
		body += "\n\n" + prior
	}

	return models.CompletionRequest{System: systemPrompt, Prompt: body}, nil
}

// Summary returns the completion request for the infrastructure-wide summary report.
func (b Builder) Summary(req models.SummaryRequest) models.CompletionRequest {
	var sb strings.Builder
	fmt.Fprintf(&sb, `Generate a comprehensive infrastructure summary report for a Proxmox cluster.

Cluster Overview:
- Total VMs/LXCs: %d
- QEMU VMs: %d
- LXC Containers: %d
- Resources that could not be analyzed: %d
- Nodes: %s
`, req.Total, req.QEMU, req.LXC, req.Failed, strings.Join(req.Nodes, ", "))

	if len(req.Resources) > 0 {
		sb.WriteString("\nPer-resource findings:\n")
		for _, d := range req.Resources {
			fmt.Fprintf(&sb, "- %s %s (%s) on %s [%s]", d.Type, d.Name, d.ID, d.Node, d.Outcome)
			if d.Analysis != "" {
				fmt.Fprintf(&sb, ": %s", b.firstParagraph(d.Analysis))
			}
			sb.WriteString("\n")
		}
	}

	sb.WriteString(`
Create an executive summary covering:

1. **Infrastructure Overview**: High-level architecture and organization
2. **Key Findings**: Important patterns, issues, or opportunities discovered
3. **Security Posture**: Overall security status and critical concerns
4. **Optimization Opportunities**: Major efficiency improvements possible
5. **Standardization Recommendations**: Ways to improve consistency
6. **Next Steps**: Prioritized action plan for infrastructure improvements

This is for a comprehensive infrastructure audit. Be thorough but concise.`)

	return models.CompletionRequest{System: systemPrompt, Prompt: sb.String()}
}

func (b Builder) configJSON(config map[string]any) string {
	if len(config) == 0 {
		return "{}"
	}
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", config)
	}
	return string(data)
}

func (b Builder) clusterContext(nodes []string) string {
	if len(nodes) == 0 {
		return "No cluster context provided"
	}
	return fmt.Sprintf("Cluster nodes: %s", strings.Join(nodes, ", "))
}

// priorContext renders earlier stage outputs in pipeline order, skipping stage itself.
func (b Builder) priorContext(stage string, prior map[string]string) string {
	var parts []string
	budget := maxPriorChars
	for _, name := range models.StageOrder {
		text, ok := prior[name]
		if !ok || name == stage || text == "" || budget <= 0 {
			continue
		}
		if len(text) > budget {
			text = truncate(text, budget)
		}
		budget -= len(text)
		parts = append(parts, fmt.Sprintf("### %s\n%s", name, text))
	}
	if len(parts) == 0 {
		return ""
	}
	return "Findings from earlier stages for this resource:\n\n" + strings.Join(parts, "\n\n")
}

func (b Builder) firstParagraph(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "\n\n"); i >= 0 {
		s = s[:i]
	}
	return truncate(strings.ReplaceAll(s, "\n", " "), 300)
}

// truncate cuts s to at most maxBytes without splitting UTF-8 runes.
func truncate(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
