// Package stage builds the container command lines for the stages of a
// sweep point. It is pure text substitution: it never touches the
// filesystem and never writes host-absolute paths into a command.
package stage

import (
	"sort"
	"strings"

	"github.com/3leaps/qsweep/pkg/job"
)

// Default root names. A stage reads from its input root and writes to its
// output root; a later stage consumes an earlier stage's output by naming
// the same root as its input.
const (
	RootInput  = "input"
	RootOutput = "output"
)

// Spec describes one pipeline stage.
type Spec struct {
	// Name identifies the stage (e.g. "tract", "cluster").
	Name string `json:"name" yaml:"name"`

	// Image is the container image. It reaches the command through the
	// job environment, never inline.
	Image string `json:"image" yaml:"image"`

	// Executable is the command run inside the container, with any fixed
	// arguments, e.g. "ukftractography --numTensor 2".
	Executable string `json:"executable" yaml:"executable"`

	InputRoot  string `json:"input_root,omitempty" yaml:"input_root,omitempty"`
	OutputRoot string `json:"output_root,omitempty" yaml:"output_root,omitempty"`

	// Inputs and Outputs map names to paths relative to the input and
	// output roots. They are referenced as {in.NAME} and {out.NAME}.
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`

	// Args maps parameters onto command-line arguments, in order.
	Args []Arg `json:"args,omitempty" yaml:"args,omitempty"`

	// Required lists parameter names that must have a value.
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`

	// Setup lines run on the execution host before the container command
	// (e.g. "module load PYTHON/2.7.13").
	Setup []string `json:"setup,omitempty" yaml:"setup,omitempty"`
}

// Arg is one command-line argument. Flag may be empty for a positional
// argument; Value may be empty for a bare switch.
type Arg struct {
	Flag  string `json:"flag,omitempty" yaml:"flag,omitempty"`
	Value string `json:"value,omitempty" yaml:"value,omitempty"`
}

func (s Spec) inputRoot() string {
	if r := strings.TrimSpace(s.InputRoot); r != "" {
		return r
	}
	return RootInput
}

func (s Spec) outputRoot() string {
	if r := strings.TrimSpace(s.OutputRoot); r != "" {
		return r
	}
	return RootOutput
}

// MountPath is the container-side path of a named root.
func MountPath(root string) string {
	return "/" + root
}

// RootEnvName is the job environment variable carrying a root's host path.
func RootEnvName(root string) string {
	return "QSWEEP_ROOT_" + envSuffix(root)
}

// ImageEnvName is the job environment variable carrying a stage's image.
func ImageEnvName(stage string) string {
	return "QSWEEP_IMAGE_" + envSuffix(stage)
}

func envSuffix(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Environment returns the variables that bind root names and stage images
// to host values: roots sorted by name, then images in stage order.
//
// Every root referenced by a stage must be present in roots.
func Environment(specs []Spec, roots map[string]string) ([]job.EnvVar, error) {
	used := map[string]bool{}
	for _, s := range specs {
		for _, root := range []string{s.inputRoot(), s.outputRoot()} {
			if strings.TrimSpace(roots[root]) == "" {
				return nil, &job.MissingFieldError{Scope: s.Name, Field: "root." + root}
			}
			used[root] = true
		}
	}

	names := make([]string, 0, len(used))
	for root := range used {
		names = append(names, root)
	}
	sort.Strings(names)

	env := make([]job.EnvVar, 0, len(names)+len(specs))
	for _, root := range names {
		env = append(env, job.EnvVar{Name: RootEnvName(root), Value: roots[root]})
	}

	images := map[string]string{}
	for _, s := range specs {
		name := ImageEnvName(s.Name)
		if prev, ok := images[name]; ok {
			if prev != s.Image {
				return nil, &job.TemplateSubstitutionError{Stage: s.Name, Placeholder: "image", Reason: "conflicts with another stage of the same name"}
			}
			continue
		}
		images[name] = s.Image
		env = append(env, job.EnvVar{Name: name, Value: s.Image})
	}
	return env, nil
}
