package strategy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ajitpratap0/cryptofunk-lab/pkg/backtest"
)

// ValidationError contains details about validation failures
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(msgs, "; "))
}

// ErrInvalidSchema is returned when the schema version is not supported
var ErrInvalidSchema = errors.New("invalid or unsupported schema version")

// ErrMissingRequiredField is returned when a required field is missing
var ErrMissingRequiredField = errors.New("missing required field")

// SupportedSchemaVersions lists all supported schema versions
var SupportedSchemaVersions = []string{"1.0"}

// Validate performs comprehensive validation on a document.
// Returns nil if valid, or ValidationErrors with all issues found.
func (d *Document) Validate() error {
	var errs ValidationErrors

	errs = append(errs, d.validateMetadata()...)
	errs = append(errs, d.validateStrategy()...)
	errs = append(errs, d.validateParameters()...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func (d *Document) validateMetadata() ValidationErrors {
	var errs ValidationErrors

	if d.Metadata.SchemaVersion == "" {
		errs = append(errs, ValidationError{
			Field:   "metadata.schema_version",
			Message: "schema version is required",
		})
	} else if !IsVersionSupported(d.Metadata.SchemaVersion) {
		errs = append(errs, ValidationError{
			Field:   "metadata.schema_version",
			Message: fmt.Sprintf("unsupported schema version %s, supported: %v", d.Metadata.SchemaVersion, SupportedSchemaVersions),
		})
	}

	if d.Metadata.Name == "" {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: "strategy name is required",
		})
	} else if len(d.Metadata.Name) > 100 {
		errs = append(errs, ValidationError{
			Field:   "metadata.name",
			Message: "strategy name must be 100 characters or less",
		})
	}

	if len(d.Metadata.Tags) > 20 {
		errs = append(errs, ValidationError{
			Field:   "metadata.tags",
			Message: "maximum 20 tags allowed",
		})
	}

	return errs
}

func (d *Document) validateStrategy() ValidationErrors {
	err := d.Strategy.Validate()
	if err == nil {
		return nil
	}

	field := "strategy"
	var ce *backtest.ConfigurationError
	if errors.As(err, &ce) && ce.Field != "" {
		field = "strategy." + ce.Field
	}
	return ValidationErrors{{Field: field, Message: err.Error()}}
}

// validateParameters checks that every optimized value is catalogued and
// agrees with the embedded strategy
func (d *Document) validateParameters() ValidationErrors {
	var errs ValidationErrors

	values := d.Strategy.Values()
	for name, v := range d.Parameters {
		current, ok := values[name]
		if !ok {
			errs = append(errs, ValidationError{
				Field:   "parameters." + name,
				Message: "not an optimizable strategy field",
			})
			continue
		}
		if current != v {
			errs = append(errs, ValidationError{
				Field:   "parameters." + name,
				Message: fmt.Sprintf("value %g does not match strategy value %g", v, current),
			})
		}
	}

	return errs
}

// ValidateQuick performs minimal validation for quick checks
func (d *Document) ValidateQuick() error {
	if d.Metadata.SchemaVersion == "" {
		return fmt.Errorf("%w: metadata.schema_version", ErrMissingRequiredField)
	}
	if !IsVersionSupported(d.Metadata.SchemaVersion) {
		return ErrInvalidSchema
	}
	if d.Metadata.Name == "" {
		return fmt.Errorf("%w: metadata.name", ErrMissingRequiredField)
	}
	return nil
}
