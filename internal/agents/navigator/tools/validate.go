package tools

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/jackzampolin/docnav/internal/providers"
)

// compiledSchemas holds the parameter schema of every tool, compiled once.
var compiledSchemas = mustCompileSchemas(mapStructureTool(), indexNotesTool(), reportItemsTool())

func mustCompileSchemas(tools ...providers.Tool) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(tools))
	for _, tool := range tools {
		name := tool.Function.Name
		url := name + ".json"
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(url, bytes.NewReader(tool.Function.Parameters)); err != nil {
			panic(fmt.Sprintf("failed to load schema for %s: %v", name, err))
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			panic(fmt.Sprintf("failed to compile schema for %s: %v", name, err))
		}
		out[name] = schema
	}
	return out
}

// validateArgs checks decoded arguments against the tool's schema. Unknown
// tools pass; the router reports them separately.
func validateArgs(name string, args map[string]any) error {
	schema, ok := compiledSchemas[name]
	if !ok {
		return nil
	}
	if err := schema.Validate(args); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}
