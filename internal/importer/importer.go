// Package importer reads workflow template documents written in YAML or JSON.
//
// A document is validated against a JSON Schema before it is decoded, so
// structural mistakes are reported with their location in the document.
package importer

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"proposal-workflows/internal/workflows"
	"proposal-workflows/pkg/models"
)

// Document is the decoded form of an import file.
type Document struct {
	Workflows []models.WorkflowTemplate `json:"workflows"`
}

// Importer validates and converts workflow documents.
type Importer struct {
	schema *jsonschema.Schema
	newID  func() string
}

// New compiles the document schema. newID assigns ids to steps and criteria
// that have none.
func New(newID func() string) (*Importer, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(documentSchema)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &Importer{schema: compiled, newID: newID}, nil
}

// Read parses a YAML (or JSON, which is valid YAML) document from r and
// returns its templates. Every template is checked with the same rules a save
// applies; tenant, id, index and version are left for the caller to assign.
func (im *Importer) Read(r io.Reader) ([]models.WorkflowTemplate, error) {
	var raw interface{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&raw); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("empty document")
		}
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	// Round-trip through JSON so the validator and the model decoders see
	// JSON types (float64 numbers, string map keys).
	data, err := json.Marshal(normalize(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	if err := im.schema.Validate(generic); err != nil {
		return nil, fmt.Errorf("invalid workflow document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode workflows: %w", err)
	}

	for i := range doc.Workflows {
		tpl := &doc.Workflows[i]
		for j := range tpl.Evaluations {
			im.fillIDs(&tpl.Evaluations[j])
		}
		if err := workflows.ValidateForSave(*tpl); err != nil {
			return nil, fmt.Errorf("workflow %d (%q): %w", i, tpl.Title, err)
		}
	}
	return doc.Workflows, nil
}

func (im *Importer) fillIDs(step *models.EvaluationStep) {
	if step.ID == "" {
		step.ID = im.newID()
	}
	if step.Permissions == nil {
		step.Permissions = []models.PermissionAssignment{}
	}
	cfg, ok := step.Config.(models.RubricConfig)
	if !ok {
		return
	}
	for k := range cfg.Criteria {
		if cfg.Criteria[k].ID == "" {
			cfg.Criteria[k].ID = im.newID()
		}
		if cfg.Criteria[k].Type == "" {
			cfg.Criteria[k].Type = models.CriterionTypeRange
		}
	}
	step.Config = cfg
}

// normalize converts yaml.v3 map values into JSON-encodable maps.
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalize(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = normalize(val)
		}
		return t
	}
	return v
}
