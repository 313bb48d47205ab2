// Package jobscript renders job descriptors into scheduler submission
// scripts. Directive lines are emitted as opaque text; nothing here parses
// or interprets the payload.
package jobscript

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/3leaps/qsweep/pkg/job"
)

// Dialect selects the directive syntax of a built-in template.
type Dialect string

const (
	DialectPBS   Dialect = "pbs"
	DialectSlurm Dialect = "slurm"
)

// JobIDToken is the placeholder the scheduler replaces with the job id in
// log and error paths.
func (d Dialect) JobIDToken() string {
	if d == DialectSlurm {
		return "%j"
	}
	return "$PBS_JOBID"
}

// ParseDialect validates a dialect name. Empty means PBS.
func ParseDialect(s string) (Dialect, error) {
	switch Dialect(strings.ToLower(strings.TrimSpace(s))) {
	case "", DialectPBS:
		return DialectPBS, nil
	case DialectSlurm:
		return DialectSlurm, nil
	}
	return "", fmt.Errorf("unsupported scheduler dialect %q (expected pbs or slurm)", s)
}

const rule = `echo "------------------------------------------------------------------------"`

// body is shared by every template: start marker, environment, payload in
// stage order, end marker.
const body = `{{define "body"}}` + rule + `
echo "Job started on" ` + "`date`" + ` "on system" ` + "`hostname`" + `
` + rule + `
{{range .Env}}export {{.Name}}={{quote .Value}}
{{end}}{{range .Commands}}{{.}}
{{end}}` + rule + `
echo "Job ended on" ` + "`date`" + `
` + rule + `
{{end}}`

const pbsTemplate = `#!/bin/bash
#####################################
#PBS -N {{.Name}}
#PBS -e {{.ErrorPath}}
#PBS -o {{.LogPath}}
#PBS -l nodes={{.Resources.Nodes}}:ppn={{.Resources.ProcsPerNode}},mem={{.Resources.Memory}}
#PBS -l walltime={{.Resources.WalltimeClock}}
{{if .Resources.MailEvents}}#PBS -m {{.Resources.MailEvents}}
{{end}}{{if .Resources.MailUser}}#PBS -M {{.Resources.MailUser}}
{{end}}#####################################
{{template "body" .}}`

const slurmTemplate = `#!/bin/bash
#SBATCH --job-name={{.Name}}
#SBATCH --error={{.ErrorPath}}
#SBATCH --output={{.LogPath}}
#SBATCH --nodes={{.Resources.Nodes}}
#SBATCH --ntasks-per-node={{.Resources.ProcsPerNode}}
#SBATCH --mem={{slurmMem .Resources.Memory}}
#SBATCH --time={{.Resources.WalltimeClock}}
{{if .Resources.MailEvents}}#SBATCH --mail-type={{slurmMail .Resources.MailEvents}}
{{end}}{{if .Resources.MailUser}}#SBATCH --mail-user={{.Resources.MailUser}}
{{end}}{{template "body" .}}`

var funcs = template.FuncMap{
	"quote":     shellQuote,
	"slurmMem":  slurmMem,
	"slurmMail": slurmMail,
}

// Renderer turns descriptors into script text. A Renderer is safe for
// concurrent use.
type Renderer struct {
	tmpl *template.Template
}

// New returns a Renderer for a built-in dialect.
func New(d Dialect) (*Renderer, error) {
	switch d {
	case DialectPBS, "":
		return NewFromText(string(DialectPBS), pbsTemplate)
	case DialectSlurm:
		return NewFromText(string(DialectSlurm), slurmTemplate)
	}
	return nil, fmt.Errorf("unsupported scheduler dialect %q", d)
}

// NewFromText compiles a custom script template. The template sees the
// job.Descriptor as its data and may include the standard markers and
// payload with {{template "body" .}}.
func NewFromText(name, text string) (*Renderer, error) {
	t := template.New(name).Funcs(funcs).Option("missingkey=error")
	if _, err := t.Parse(body); err != nil {
		return nil, fmt.Errorf("parse body template: %w", err)
	}
	if _, err := t.Parse(text); err != nil {
		return nil, fmt.Errorf("parse job template %s: %w", name, err)
	}
	return &Renderer{tmpl: t}, nil
}

// Render produces the final script text for desc.
//
// It fails with *job.MissingFieldError when desc lacks a field the script
// requires. Rendering the same descriptor always yields identical bytes.
func (r *Renderer) Render(desc *job.Descriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := r.tmpl.Execute(&buf, desc); err != nil {
		return "", &job.TemplateSubstitutionError{Stage: "jobscript", Placeholder: r.tmpl.Name(), Reason: err.Error()}
	}
	return buf.String(), nil
}

func shellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}

// slurmMem converts "25gb" style sizes to slurm's "25G".
func slurmMem(m string) string {
	m = strings.TrimSpace(m)
	lower := strings.ToLower(m)
	for _, unit := range []string{"kb", "mb", "gb", "tb"} {
		if strings.HasSuffix(lower, unit) {
			return m[:len(m)-2] + strings.ToUpper(unit[:1])
		}
	}
	return m
}

// slurmMail translates PBS mail letters (a=abort, b=begin, e=end, n=none)
// into slurm's --mail-type list. Anything else is passed through.
func slurmMail(events string) string {
	names := map[rune]string{'a': "FAIL", 'b': "BEGIN", 'e': "END", 'n': "NONE"}
	var out []string
	for _, r := range events {
		name, ok := names[r]
		if !ok {
			return events
		}
		out = append(out, name)
	}
	return strings.Join(out, ",")
}
