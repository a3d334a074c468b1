// Package artifact writes generated documents to the per-job output tree and
// packs that tree into a zip archive.
package artifact

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/kiranshivaraju/pvebatch/pkg/models"
	"github.com/spf13/afero"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644
)

// SummaryFile is the name of the infrastructure summary inside a job directory.
const SummaryFile = "infrastructure_summary.md"

// stageFiles maps generated stage output to its file name inside a resource directory.
var stageFiles = []struct {
	stage string
	file  string
}{
	{models.StageAnalysis, "analysis.md"},
	{models.StageSecurityReview, "security_review.md"},
	{models.StageOptimization, "optimization_recommendations.md"},
	{models.StageTerraform, "main.tf"},
	{models.StageAnsible, "playbook.yml"},
}

// Writer lays out job outputs under root on fs.
type Writer struct {
	fs        afero.Fs
	root      string
	terraform bool
	ansible   bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithTerraform toggles the consolidated terraform project.
func WithTerraform(enabled bool) Option {
	return func(w *Writer) { w.terraform = enabled }
}

// WithAnsible toggles the consolidated ansible project.
func WithAnsible(enabled bool) Option {
	return func(w *Writer) { w.ansible = enabled }
}

// NewWriter creates a Writer rooted at root.
func NewWriter(fs afero.Fs, root string, opts ...Option) *Writer {
	w := &Writer{fs: fs, root: root, terraform: true, ansible: true}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// JobDir returns the output directory of a job.
func (w *Writer) JobDir(jobID int64) string {
	return filepath.Join(w.root, fmt.Sprintf("job_%d", jobID))
}

// ResourceDir returns the directory name of a resource, e.g. "qemu_web_server_101".
func ResourceDir(a *models.ResourceAnalysis) string {
	return fmt.Sprintf("%s_%s_%s", a.VMType, sanitize(a.VMName), a.VMID)
}

// WriteResource writes every stage output of a, its configuration dump, and
// an error.txt when the resource did not succeed.
func (w *Writer) WriteResource(ctx context.Context, jobID int64, a *models.ResourceAnalysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(w.JobDir(jobID), ResourceDir(a))
	if err := w.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	for _, sf := range stageFiles {
		text := a.StageOutput(sf.stage)
		if text == nil || *text == "" {
			continue
		}
		if err := w.write(filepath.Join(dir, sf.file), *text); err != nil {
			return err
		}
	}

	if len(a.Config) > 0 {
		var buf bytes.Buffer
		if err := json.Indent(&buf, a.Config, "", "  "); err != nil {
			return fmt.Errorf("formatting config of %s: %w", a.VMID, err)
		}
		if err := w.write(filepath.Join(dir, "config.json"), buf.String()); err != nil {
			return err
		}
	}

	if a.Outcome == models.OutcomeFailed || a.Outcome == models.OutcomeCancelled {
		var sb strings.Builder
		fmt.Fprintf(&sb, "outcome: %s\n", a.Outcome)
		if a.FailedStage != nil {
			fmt.Fprintf(&sb, "stage: %s\n", *a.FailedStage)
		}
		if a.Error != nil {
			fmt.Fprintf(&sb, "error: %s\n", *a.Error)
		}
		if err := w.write(filepath.Join(dir, "error.txt"), sb.String()); err != nil {
			return err
		}
	}
	return nil
}

// WriteSummary writes the infrastructure summary of a job.
func (w *Writer) WriteSummary(ctx context.Context, jobID int64, content string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := w.JobDir(jobID)
	if err := w.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	return w.write(filepath.Join(dir, SummaryFile), content)
}

// WriteConsolidated aggregates every terraform and ansible fragment of a job
// into the terraform/ and ansible/ projects.
func (w *Writer) WriteConsolidated(ctx context.Context, jobID int64, analyses []*models.ResourceAnalysis) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if w.terraform {
		if err := w.writeTerraform(w.JobDir(jobID), analyses); err != nil {
			return err
		}
	}
	if w.ansible {
		if err := w.writeAnsible(w.JobDir(jobID), analyses); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeTerraform(jobDir string, analyses []*models.ResourceAnalysis) error {
	dir := filepath.Join(jobDir, "terraform")
	if err := w.fs.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	var sb strings.Builder
	sb.WriteString(terraformHeader)
	for _, a := range analyses {
		if a.TerraformTemplate == nil || *a.TerraformTemplate == "" {
			continue
		}
		fmt.Fprintf(&sb, "\n# %s (%s)\n%s\n\n", a.VMName, a.VMID, *a.TerraformTemplate)
	}

	if err := w.write(filepath.Join(dir, "main.tf"), sb.String()); err != nil {
		return err
	}
	if err := w.write(filepath.Join(dir, "variables.tf"), terraformVariables); err != nil {
		return err
	}
	return w.write(filepath.Join(dir, "README.md"), terraformReadme)
}

func (w *Writer) writeAnsible(jobDir string, analyses []*models.ResourceAnalysis) error {
	dir := filepath.Join(jobDir, "ansible")
	playbooks := filepath.Join(dir, "playbooks")
	if err := w.fs.MkdirAll(playbooks, dirPerm); err != nil {
		return fmt.Errorf("creating %s: %w", playbooks, err)
	}

	var site strings.Builder
	site.WriteString(ansibleHeader)
	for _, a := range analyses {
		if a.AnsiblePlaybook == nil || *a.AnsiblePlaybook == "" {
			continue
		}
		name := fmt.Sprintf("%s_%s.yml", sanitize(a.VMName), a.VMID)
		if err := w.write(filepath.Join(playbooks, name), *a.AnsiblePlaybook); err != nil {
			return err
		}
		fmt.Fprintf(&site, "\n# %s (%s)\n- import_playbook: playbooks/%s\n", a.VMName, a.VMID, name)
	}

	if err := w.write(filepath.Join(dir, "site.yml"), site.String()); err != nil {
		return err
	}
	return w.write(filepath.Join(dir, "README.md"), ansibleReadme)
}

// Archive streams a zip of the job directory to out. Entries are prefixed
// with the job directory name. A job without outputs yields an empty archive.
func (w *Writer) Archive(ctx context.Context, jobID int64, out io.Writer) error {
	jobDir := w.JobDir(jobID)
	prefix := filepath.Base(jobDir)
	zw := zip.NewWriter(out)

	exists, err := afero.DirExists(w.fs, jobDir)
	if err != nil {
		return fmt.Errorf("checking %s: %w", jobDir, err)
	}
	if exists {
		err = afero.Walk(w.fs, jobDir, func(p string, info os.FileInfo, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(jobDir, p)
			if err != nil {
				return err
			}
			name := path.Join(prefix, filepath.ToSlash(rel))
			if info.IsDir() {
				if rel == "." {
					return nil
				}
				_, err := zw.Create(name + "/")
				return err
			}
			return w.addFile(zw, p, name, info)
		})
		if err != nil {
			zw.Close()
			return fmt.Errorf("archiving job %d: %w", jobID, err)
		}
	}
	return zw.Close()
}

func (w *Writer) addFile(zw *zip.Writer, src, name string, info os.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Method = zip.Deflate

	dst, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := w.fs.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(dst, f)
	return err
}

func (w *Writer) write(p, content string) error {
	if err := afero.WriteFile(w.fs, p, []byte(content), filePerm); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}

func sanitize(name string) string {
	return strings.NewReplacer(" ", "_", "/", "_", `\`, "_").Replace(name)
}
