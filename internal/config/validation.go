package config

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks every field of s.
func (s Settings) Validate() error {
	var errs ValidationErrors
	if err := validateThreshold(s.Threshold); err != nil {
		errs = append(errs, *err)
	}
	if err := validateCount(s.Count); err != nil {
		errs = append(errs, *err)
	}
	if err := validateInterval(s.Interval); err != nil {
		errs = append(errs, *err)
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateThreshold(v float64) *ValidationError {
	if v < 0 || v > 1 || v != v {
		return &ValidationError{
			Field:   "threshold",
			Message: fmt.Sprintf("must be between 0 and 1, got %v", v),
		}
	}
	return nil
}

func validateCount(v int) *ValidationError {
	if v <= 0 {
		return &ValidationError{
			Field:   "count",
			Message: fmt.Sprintf("must be positive, got %d", v),
		}
	}
	return nil
}

// MaxInterval is the longest monitor period, in seconds, that still fits
// in a time.Duration.
const MaxInterval int64 = math.MaxInt64 / int64(time.Second)

func validateInterval(v int) *ValidationError {
	if v <= 0 {
		return &ValidationError{
			Field:   "interval",
			Message: fmt.Sprintf("must be positive, got %d", v),
		}
	}
	if int64(v) > MaxInterval {
		return &ValidationError{
			Field:   "interval",
			Message: fmt.Sprintf("must be at most %d seconds, got %d", MaxInterval, v),
		}
	}
	return nil
}

const schemaURL = "https://oopstime.local/schemas/settings.json"

// settingsSchema requires the four persisted fields. Unknown keys are
// tolerated so older daemons can read files written by newer ones.
const settingsSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["threshold", "count", "interval", "afterallow"],
  "properties": {
    "threshold":  {"type": "number", "minimum": 0, "maximum": 1},
    "count":      {"type": "integer", "minimum": 1},
    "interval":   {"type": "integer", "minimum": 1, "maximum": 9223372036},
    "afterallow": {"type": "boolean"}
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func loadSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, strings.NewReader(settingsSchema)); err != nil {
			schemaErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = compiler.Compile(schemaURL)
	})
	return compiledSchema, schemaErr
}

// validateDocument checks a decoded config document against the schema.
// The document is normalized through JSON first so TOML and YAML values
// (int64, time types, map[string]any) look like what the validator expects.
func validateDocument(doc map[string]any) error {
	schema, err := loadSchema()
	if err != nil {
		return err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("normalize config document: %w", err)
	}

	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("config schema: %w", err)
	}
	return nil
}
