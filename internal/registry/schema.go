package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

// SchemaValidator compiles and caches a tool's declared JSON-schema
// parameters and validates call arguments against it before invocation.
type SchemaValidator struct {
	mu    sync.Mutex
	cache map[string]*jsonschema.Schema
}

// NewSchemaValidator returns an empty, ready-to-use validator.
func NewSchemaValidator() *SchemaValidator {
	return &SchemaValidator{cache: make(map[string]*jsonschema.Schema)}
}

// Validate compiles (once, then caches by tool name) the schema and checks
// args against it. A compile failure is treated as a validation failure
// rather than a panic: a malformed tool-declared schema must never crash the
// engine.
func (v *SchemaValidator) Validate(toolName string, schema json.RawMessage, args json.RawMessage) error {
	if len(schema) == 0 {
		return nil
	}

	compiled, err := v.compiled(toolName, schema)
	if err != nil {
		return fmt.Errorf("tool %s: invalid declared schema: %w", toolName, err)
	}

	var parsed any
	if len(args) == 0 {
		parsed = map[string]any{}
	} else if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}

	if err := compiled.Validate(parsed); err != nil {
		return fmt.Errorf("arguments do not match schema: %w", err)
	}
	return nil
}

func (v *SchemaValidator) compiled(toolName string, schema json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.cache[toolName]; ok {
		return s, nil
	}

	compiler := jsonschema.NewCompiler()
	resourceName := toolName + ".json"
	if err := compiler.AddResource(resourceName, bytesReader(schema)); err != nil {
		return nil, err
	}
	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, err
	}
	v.cache[toolName] = compiled
	return compiled, nil
}

// InvalidateCache drops the cached compiled schema for toolName, used when a
// tool is re-registered with different parameters (e.g. MCP capability
// refresh).
func (v *SchemaValidator) InvalidateCache(toolName string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.cache, toolName)
}
