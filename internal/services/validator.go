package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pixelmint/backend/internal/models"
)

// ErrValidation marks payload-vs-schema failures so handlers can map them to
// 422 instead of 500.
var ErrValidation = errors.New("payload validation failed")

// Model deadlines per action. Image deadlines depend on the requested
// quality; video renders get a flat generous window.
const (
	ImageDeadlineDraft    = 30 * time.Second
	ImageDeadlineStandard = 60 * time.Second
	ImageDeadlineHigh     = 120 * time.Second
	VideoDeadline         = 5 * time.Minute
)

// Validator compiles the per-action input/output JSON Schemas from a schema
// directory and answers payload validation and deadline questions.
type Validator struct {
	inputSchemas  map[string]*jsonschema.Schema
	outputSchemas map[string]*jsonschema.Schema
}

// NewValidator loads all *.json schema files from schemaDir and compiles
// input_schema and output_schema per action. The action name is the file
// name minus the ".v1.json" suffix (e.g. image-generation.v1.json).
func NewValidator(ctx context.Context, schemaDir string) (*Validator, error) {
	_ = ctx
	dirEntries, err := os.ReadDir(schemaDir)
	if err != nil {
		return nil, fmt.Errorf("read schema dir %q: %w", schemaDir, err)
	}
	inputSchemas := make(map[string]*jsonschema.Schema)
	outputSchemas := make(map[string]*jsonschema.Schema)

	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		action := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))
		action = strings.TrimSuffix(action, ".v1")
		path := filepath.Join(schemaDir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		var file struct {
			InputSchema  json.RawMessage `json:"input_schema"`
			OutputSchema json.RawMessage `json:"output_schema"`
		}
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse %q: %w", path, err)
		}
		if len(file.InputSchema) == 0 || len(file.OutputSchema) == 0 {
			return nil, fmt.Errorf("%q: missing input_schema or output_schema", path)
		}
		inputID := "https://pixelmint.dev/schemas/" + action + ".input"
		outputID := "https://pixelmint.dev/schemas/" + action + ".output"
		inputSchemas[action], err = jsonschema.CompileString(inputID, string(file.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile input schema %q: %w", action, err)
		}
		outputSchemas[action], err = jsonschema.CompileString(outputID, string(file.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("compile output schema %q: %w", action, err)
		}
	}

	return &Validator{
		inputSchemas:  inputSchemas,
		outputSchemas: outputSchemas,
	}, nil
}

// Actions returns the actions the validator knows about.
func (v *Validator) Actions() []string {
	out := make([]string, 0, len(v.inputSchemas))
	for action := range v.inputSchemas {
		out = append(out, action)
	}
	return out
}

// Knows reports whether the action has a compiled schema.
func (v *Validator) Knows(action string) bool {
	_, ok := v.inputSchemas[action]
	return ok
}

// GetDeadline returns how long the model call for the action may run.
// For image generation it is quality-based; quality defaults to standard.
func (v *Validator) GetDeadline(action string, input json.RawMessage) (time.Duration, error) {
	switch action {
	case models.ActionImageGeneration:
		var in struct {
			Quality string `json:"quality"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return 0, fmt.Errorf("image-generation input: %w", err)
		}
		switch in.Quality {
		case "draft":
			return ImageDeadlineDraft, nil
		case "high":
			return ImageDeadlineHigh, nil
		default:
			return ImageDeadlineStandard, nil
		}
	case models.ActionVideoGeneration:
		return VideoDeadline, nil
	default:
		return 0, fmt.Errorf("unknown action %q", action)
	}
}

// ValidateInput performs hard reject: returns an error wrapping
// ErrValidation if input does not match the action's input_schema.
func (v *Validator) ValidateInput(ctx context.Context, action string, input json.RawMessage) error {
	schema, ok := v.inputSchemas[action]
	if !ok {
		return fmt.Errorf("unknown action %q", action)
	}
	var doc interface{}
	if err := json.Unmarshal(input, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// ValidateOutput performs soft flag: callers may log and keep the result
// rather than hard-reject a nonconforming model response.
func (v *Validator) ValidateOutput(ctx context.Context, action string, output json.RawMessage) error {
	schema, ok := v.outputSchemas[action]
	if !ok {
		return fmt.Errorf("unknown action %q", action)
	}
	var doc interface{}
	if err := json.Unmarshal(output, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}
