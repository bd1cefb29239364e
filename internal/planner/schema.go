package planner

import (
	_ "embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed plan.schema.json
var planSchema string

var planSchemaLoader = gojsonschema.NewStringLoader(planSchema)

// SchemaError lists every place a generated plan departs from the plan schema.
type SchemaError struct {
	Errors []string
}

func (e *SchemaError) Error() string {
	return "plan does not match schema: " + strings.Join(e.Errors, "; ")
}

// checkPlanJSON validates raw planner output against the embedded plan schema.
func checkPlanJSON(raw string) error {
	result, err := gojsonschema.Validate(planSchemaLoader, gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("plan schema: %w", err)
	}
	if result.Valid() {
		return nil
	}
	se := &SchemaError{Errors: make([]string, 0, len(result.Errors()))}
	for _, desc := range result.Errors() {
		field := desc.Field()
		if field == "" {
			field = "(root)"
		}
		se.Errors = append(se.Errors, field+": "+desc.Description())
	}
	return se
}
