package registry

import (
	"encoding/json"
	"testing"
)

func TestValidateEmptySchemaAlwaysPasses(t *testing.T) {
	v := NewSchemaValidator()
	if err := v.Validate("noop", nil, json.RawMessage(`{"anything":true}`)); err != nil {
		t.Fatalf("expected no error for a tool with no declared schema, got %v", err)
	}
}

func TestValidateAcceptsMatchingArgs(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)

	if err := v.Validate("read_file", schema, json.RawMessage(`{"path":"/tmp/x"}`)); err != nil {
		t.Fatalf("expected valid args to pass, got %v", err)
	}
}

func TestValidateRejectsMissingRequiredField(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)

	if err := v.Validate("read_file", schema, json.RawMessage(`{}`)); err == nil {
		t.Fatal("expected missing required field to fail validation")
	}
}

func TestValidateRejectsMalformedArgsJSON(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object"}`)

	if err := v.Validate("tool", schema, json.RawMessage(`{not json`)); err == nil {
		t.Fatal("expected malformed argument JSON to fail validation")
	}
}

func TestValidateEmptyArgsTreatedAsEmptyObject(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object"}`)

	if err := v.Validate("tool", schema, nil); err != nil {
		t.Fatalf("expected empty args against an object schema with no required fields to pass, got %v", err)
	}
}

func TestValidateMalformedDeclaredSchemaFailsGracefully(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type": not-json`)

	err := v.Validate("tool", schema, json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected a malformed declared schema to be reported as a validation error, not panic")
	}
}

func TestValidateCachesCompiledSchema(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object"}`)

	if err := v.Validate("tool", schema, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("first validate: %v", err)
	}
	if _, ok := v.cache["tool"]; !ok {
		t.Fatal("expected the compiled schema to be cached by tool name")
	}
	// Second call must reuse the cache rather than recompiling.
	if err := v.Validate("tool", schema, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("second validate: %v", err)
	}
}

func TestInvalidateCacheDropsCompiledSchema(t *testing.T) {
	v := NewSchemaValidator()
	schema := json.RawMessage(`{"type":"object"}`)
	if err := v.Validate("tool", schema, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("validate: %v", err)
	}

	v.InvalidateCache("tool")

	if _, ok := v.cache["tool"]; ok {
		t.Fatal("expected InvalidateCache to remove the cached schema")
	}
}
