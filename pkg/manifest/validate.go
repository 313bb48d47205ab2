package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fulmenhq/gofulmen/schema"

	schemasassets "github.com/3leaps/qsweep/internal/assets/schemas"
	"github.com/3leaps/qsweep/pkg/artifact"
	"github.com/3leaps/qsweep/pkg/jobscript"
	"github.com/3leaps/qsweep/pkg/stage"
)

// SchemaID is the schema identifier for sweep manifests.
const SchemaID = "qsweep/v1.0.0/sweep-manifest"

// Validation errors
var (
	// ErrSchemaNotFound indicates the schema file could not be located.
	ErrSchemaNotFound = errors.New("manifest schema not found")

	// ErrValidationFailed indicates the manifest failed validation.
	ErrValidationFailed = errors.New("manifest validation failed")
)

// Cached validator instance (compiled once from embedded schema)
var (
	validatorOnce sync.Once
	validator     *schema.Validator
	validatorErr  error
)

// ValidationError represents a single validation issue.
type ValidationError struct {
	// Path is the JSON pointer to the problematic field (e.g., "/sweep/step").
	Path string

	Message string
}

func (e ValidationError) Error() string {
	if e.Path == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	fmt.Fprintf(&b, "manifest validation failed with %d errors:\n", len(e))
	for i, err := range e {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("  - ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (e ValidationErrors) Unwrap() error {
	return ErrValidationFailed
}

// Validate checks the manifest struct against the JSON schema.
//
// The struct representation has already lost unknown fields; use
// ValidateRaw on the original input for strict checking.
func Validate(m *Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to serialize manifest for validation: %w", err)
	}
	return ValidateRaw(data)
}

// ValidateRaw checks raw JSON data against the embedded manifest schema.
func ValidateRaw(jsonData []byte) error {
	v, err := getValidator()
	if err != nil {
		return err
	}

	diags, err := v.ValidateJSON(jsonData)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	var errs ValidationErrors
	for _, d := range diags {
		if d.Severity == schema.SeverityError {
			errs = append(errs, ValidationError{
				Path:    d.Pointer,
				Message: d.Message,
			})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

func getValidator() (*schema.Validator, error) {
	validatorOnce.Do(func() {
		if len(schemasassets.SweepManifestSchema) == 0 {
			validatorErr = fmt.Errorf("%w: embedded sweep-manifest schema is empty", ErrSchemaNotFound)
			return
		}
		validator, validatorErr = schema.NewValidator(schemasassets.SweepManifestSchema)
		if validatorErr != nil {
			validatorErr = fmt.Errorf("failed to compile manifest schema: %w", validatorErr)
		}
	})
	return validator, validatorErr
}

// Check applies the cross-field rules the schema cannot express. Range
// problems are left to the sweep package so that they surface as
// job.InvalidRangeError when the run starts.
func Check(m *Manifest) error {
	var errs ValidationErrors
	add := func(path, format string, args ...any) {
		errs = append(errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	if _, err := jobscript.ParseDialect(m.Scheduler.Dialect); err != nil {
		add("/scheduler/dialect", "%v", err)
	}
	if _, err := m.SubmitTimeout(); err != nil {
		add("/scheduler/timeout", "%v", err)
	}
	if _, err := stage.CompileTemplate(m.Scheduler.JobName); err != nil {
		add("/scheduler/job_name", "%v", err)
	}
	if _, err := ParseWalltime(m.Resources.Walltime); err != nil {
		add("/resources/walltime", "%v", err)
	}
	if _, err := artifact.ParsePolicy(m.Artifacts.Policy); err != nil {
		add("/artifacts/policy", "%v", err)
	}

	seen := map[string]int{}
	for i, s := range m.Stages {
		name := strings.TrimSpace(s.Name)
		if prev, dup := seen[name]; dup {
			add(fmt.Sprintf("/stages/%d/name", i), "duplicate stage name %q (also stage %d)", name, prev)
		}
		seen[name] = i
	}

	for name := range m.Inputs {
		if _, clash := m.Params[name]; clash {
			add("/inputs/"+name, "input %q is also set in params", name)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}
