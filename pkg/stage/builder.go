package stage

import (
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/3leaps/qsweep/pkg/job"
	"github.com/3leaps/qsweep/pkg/sweep"
)

// DefaultPrecision is the number of decimals used for {value}.
const DefaultPrecision = 2

// Runtime describes the container launcher.
type Runtime struct {
	Binary   string `json:"binary" yaml:"binary"`
	Verb     string `json:"verb" yaml:"verb"`
	BindFlag string `json:"bind_flag" yaml:"bind_flag"`
}

// DefaultRuntime launches stages with `singularity run -B`.
var DefaultRuntime = Runtime{Binary: "singularity", Verb: "run", BindFlag: "-B"}

// Builder renders stage command lines for sweep points.
type Builder struct {
	Runtime Runtime

	// Precision is the number of decimals used for {value}.
	Precision int
}

// NewBuilder returns a Builder using DefaultRuntime and DefaultPrecision.
func NewBuilder() Builder {
	return Builder{Runtime: DefaultRuntime, Precision: DefaultPrecision}
}

func (b Builder) runtime() Runtime {
	if b.Runtime == (Runtime{}) {
		return DefaultRuntime
	}
	rt := b.Runtime
	if rt.Binary == "" {
		rt.Binary = DefaultRuntime.Binary
	}
	if rt.Verb == "" {
		rt.Verb = DefaultRuntime.Verb
	}
	if rt.BindFlag == "" {
		rt.BindFlag = DefaultRuntime.BindFlag
	}
	return rt
}

// ValuePrecision is the number of decimals the builder uses for {value}.
func (b Builder) ValuePrecision() int {
	if b.Precision < 0 {
		return DefaultPrecision
	}
	return b.Precision
}

// BuildAll renders every stage for point, in declared order.
func (b Builder) BuildAll(specs []Spec, point sweep.Point, params map[string]string) ([]string, error) {
	if len(specs) == 0 {
		return nil, &job.MissingFieldError{Scope: "job", Field: "stages"}
	}
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		cmd, err := b.Build(s, point, params)
		if err != nil {
			return nil, err
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Build renders the setup lines and container command of one stage.
//
// It fails with *job.MissingFieldError when the spec lacks a name, image,
// executable or a declared required parameter, and with
// *job.TemplateSubstitutionError when a placeholder cannot be resolved.
func (b Builder) Build(spec Spec, point sweep.Point, params map[string]string) (string, error) {
	name := strings.TrimSpace(spec.Name)
	switch {
	case name == "":
		return "", &job.MissingFieldError{Scope: "stage", Field: "name"}
	case strings.TrimSpace(spec.Image) == "":
		return "", &job.MissingFieldError{Scope: name, Field: "image"}
	case strings.TrimSpace(spec.Executable) == "":
		return "", &job.MissingFieldError{Scope: name, Field: "executable"}
	}
	for _, req := range spec.Required {
		if strings.TrimSpace(params[req]) == "" {
			return "", &job.MissingFieldError{Scope: name, Field: "param." + req}
		}
	}

	vars := &scope{
		stage:   name,
		point:   point,
		prec:    b.ValuePrecision(),
		params:  params,
		inRoot:  spec.inputRoot(),
		outRoot: spec.outputRoot(),
		in:      map[string]string{},
		out:     map[string]string{},
	}
	if err := vars.bindPaths(vars.in, spec.Inputs, spec.inputRoot(), "in"); err != nil {
		return "", err
	}
	if err := vars.bindPaths(vars.out, spec.Outputs, spec.outputRoot(), "out"); err != nil {
		return "", err
	}

	var lines []string
	for _, line := range spec.Setup {
		rendered, err := vars.expand(line)
		if err != nil {
			return "", err
		}
		lines = append(lines, rendered)
	}

	command, err := vars.expand(spec.Executable)
	if err != nil {
		return "", err
	}
	for _, arg := range spec.Args {
		if arg.Flag != "" {
			command += " " + arg.Flag
		}
		if arg.Value != "" {
			v, err := vars.expand(arg.Value)
			if err != nil {
				return "", err
			}
			command += " " + shellQuote(v)
		}
	}

	rt := b.runtime()
	invocation := []string{strings.TrimSpace(rt.Binary + " " + rt.Verb)}
	for _, root := range uniqueRoots(spec.inputRoot(), spec.outputRoot()) {
		invocation = append(invocation, rt.BindFlag+` "${`+RootEnvName(root)+`}":`+MountPath(root))
	}
	invocation = append(invocation, `"${`+ImageEnvName(name)+`}"`, command)
	lines = append(lines, strings.Join(invocation, " \\\n    "))

	return strings.Join(lines, "\n"), nil
}

func uniqueRoots(in, out string) []string {
	if in == out {
		return []string{in}
	}
	return []string{in, out}
}

// scope resolves placeholders for one stage of one point.
type scope struct {
	stage   string
	point   sweep.Point
	prec    int
	params  map[string]string
	inRoot  string
	outRoot string
	in      map[string]string
	out     map[string]string
}

// bindPaths renders relative path templates and maps them under the
// container mount of root. Paths may only use point-level placeholders.
func (s *scope) bindPaths(dst map[string]string, templates map[string]string, root, kind string) error {
	keys := make([]string, 0, len(templates))
	for k := range templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		rel, err := s.expandWith(templates[k], s.pointValue)
		if err != nil {
			return err
		}
		rel = strings.TrimSpace(rel)
		placeholder := kind + "." + k
		switch {
		case rel == "":
			return &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: placeholder, Reason: "path is empty"}
		case path.IsAbs(rel):
			return &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: placeholder, Reason: "path must be relative to the " + root + " root"}
		}
		clean := path.Clean(rel)
		if clean == ".." || strings.HasPrefix(clean, "../") {
			return &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: placeholder, Reason: "path escapes the " + root + " root"}
		}
		dst[k] = path.Join(MountPath(root), clean)
	}
	return nil
}

func (s *scope) expand(text string) (string, error) {
	return s.expandWith(text, s.value)
}

func (s *scope) expandWith(text string, lookup func(string) (string, error)) (string, error) {
	tmpl, err := CompileTemplate(text)
	if err != nil {
		return "", &job.TemplateSubstitutionError{Stage: s.stage, Reason: err.Error()}
	}
	return tmpl.Expand(lookup)
}

// pointValue resolves placeholders that depend only on the point and its
// parameters.
func (s *scope) pointValue(key string) (string, error) {
	switch key {
	case "value":
		return s.point.ValueString(s.prec), nil
	case "tag":
		return s.point.Tag, nil
	case "index":
		return strconv.Itoa(s.point.Index), nil
	}
	if name, ok := strings.CutPrefix(key, "param."); ok {
		v, found := s.params[name]
		if !found || v == "" {
			return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "no value supplied"}
		}
		if path.IsAbs(strings.TrimSpace(v)) {
			return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "host-absolute path; bind it through a root instead"}
		}
		if clean := path.Clean(strings.TrimSpace(v)); clean == ".." || strings.HasPrefix(clean, "../") {
			return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "path escapes its root"}
		}
		return v, nil
	}
	return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "unknown placeholder"}
}

func (s *scope) value(key string) (string, error) {
	if name, ok := strings.CutPrefix(key, "in."); ok {
		return s.lookupPath(s.in, key, name)
	}
	if name, ok := strings.CutPrefix(key, "out."); ok {
		return s.lookupPath(s.out, key, name)
	}
	if name, ok := strings.CutPrefix(key, "root."); ok {
		if name == "" || (name != s.inRoot && name != s.outRoot) {
			return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "root is not bound by the stage"}
		}
		return MountPath(name), nil
	}
	return s.pointValue(key)
}

func (s *scope) lookupPath(paths map[string]string, key, name string) (string, error) {
	if p, ok := paths[name]; ok {
		return p, nil
	}
	return "", &job.TemplateSubstitutionError{Stage: s.stage, Placeholder: key, Reason: "not declared by the stage"}
}

// shellQuote single-quotes v unless it consists only of characters that
// are safe unquoted.
func shellQuote(v string) string {
	safe := v != ""
	for _, r := range v {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("_-./:=,+@%", r)) {
			safe = false
			break
		}
	}
	if safe {
		return v
	}
	return "'" + strings.ReplaceAll(v, "'", `'"'"'`) + "'"
}
