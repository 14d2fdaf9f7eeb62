package review

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed report_schema.json
var reportSchemaJSON []byte

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func reportSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("report.json", bytes.NewReader(reportSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add schema: %w", err)
			return
		}
		schema, schemaErr = compiler.Compile("report.json")
	})
	return schema, schemaErr
}

// wireCriterion mirrors what the report text said before any rubric check.
// Mark is a float so a fractional mark reaches the schema's integer rule.
type wireCriterion struct {
	Criterion  string    `json:"criterion"`
	Mark       *float64  `json:"mark,omitempty"`
	Max        *int      `json:"max,omitempty"`
	Band       *wireBand `json:"band,omitempty"`
	Descriptor *string   `json:"descriptor,omitempty"`
	Examiner1  *int      `json:"examiner1,omitempty"`
	Examiner2  *int      `json:"examiner2,omitempty"`
	Rationale  *string   `json:"rationale,omitempty"`
}

type wireBand struct {
	Lo int `json:"lo"`
	Hi int `json:"hi"`
}

type wireReport struct {
	Role     Role            `json:"role"`
	Criteria []wireCriterion `json:"criteria"`
}

func validateWire(w wireReport) error {
	s, err := reportSchema()
	if err != nil {
		return err
	}
	b, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal report: %w", err)
	}
	if err := s.Validate(v); err != nil {
		return fmt.Errorf("report does not match schema: %w", err)
	}
	return nil
}
