package monitor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testSchemaContent = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"title": "TestSchema",
	"type": "object",
	"properties": { "name": { "type": "string" } },
	"required": ["name"]
}`

func TestNewContractMonitor(t *testing.T) {
	schemaDir := t.TempDir()
	schemaFile := filepath.Join(schemaDir, "test_schema.json")
	if err := os.WriteFile(schemaFile, []byte(testSchemaContent), 0644); err != nil {
		t.Fatalf("Failed to write test schema file: %v", err)
	}

	t.Run("SuccessfulLoad", func(t *testing.T) {
		cm, err := NewContractMonitor(schemaFile)
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if cm == nil || cm.schema == nil {
			t.Fatal("Expected compiled ContractMonitor")
		}
	})

	t.Run("SchemaFileNotFound", func(t *testing.T) {
		_, err := NewContractMonitor(filepath.Join(schemaDir, "missing.json"))
		if err == nil {
			t.Fatal("Expected error for non-existent schema, got nil")
		}
		if !strings.Contains(err.Error(), "error loading or compiling schema") {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("InvalidSchemaSyntax", func(t *testing.T) {
		invalidSchemaFile := filepath.Join(schemaDir, "invalid_schema.json")
		if err := os.WriteFile(invalidSchemaFile, []byte("{invalid_json"), 0644); err != nil {
			t.Fatalf("Failed to write invalid test schema file: %v", err)
		}
		if _, err := NewContractMonitor(invalidSchemaFile); err == nil {
			t.Fatal("Expected error for invalid schema syntax, got nil")
		}
	})
}

func TestContractMonitor_Validate(t *testing.T) {
	cm, err := NewContractMonitorFromJSON(testSchemaContent)
	if err != nil {
		t.Fatalf("Failed to create ContractMonitor: %v", err)
	}

	t.Run("ValidRequest", func(t *testing.T) {
		valid, errs, err := cm.Validate([]byte(`{"name": "test"}`))
		if err != nil || !valid || len(errs) != 0 {
			t.Fatalf("expected valid, got valid=%v errs=%v err=%v", valid, errs, err)
		}
	})

	t.Run("MissingRequiredField", func(t *testing.T) {
		valid, errs, err := cm.Validate([]byte(`{}`))
		if err != nil {
			t.Fatalf("Expected no error, got %v", err)
		}
		if valid {
			t.Fatal("Expected invalid document")
		}
		if !strings.Contains(FormatErrors(errs), "name is required") {
			t.Errorf("unexpected errors: %v", errs)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		if _, _, err := cm.Validate([]byte(`{"name":`)); err == nil {
			t.Fatal("Expected error for malformed JSON")
		}
	})
}

func TestBuiltinSchemas(t *testing.T) {
	create := MustContractMonitorFromJSON(CreatePaymentSchema)
	amount := MustContractMonitorFromJSON(AmountSchema)

	cases := []struct {
		name  string
		cm    *ContractMonitor
		body  string
		valid bool
	}{
		{"CreateStringAmount", create, `{"backend":"dummy","amount":"100.00","currency":"USD"}`, true},
		{"CreateNumberAmount", create, `{"backend":"dummy","amount":100,"currency":"usd","id":"o-1"}`, true},
		{"CreateMissingBackend", create, `{"amount":"1","currency":"USD"}`, false},
		{"CreateBadCurrency", create, `{"backend":"dummy","amount":"1","currency":"DOLLARS"}`, false},
		{"CreateNegativeAmount", create, `{"backend":"dummy","amount":"-5","currency":"USD"}`, false},
		{"CreateUnknownField", create, `{"backend":"dummy","amount":"1","currency":"USD","status":"CHARGED"}`, false},
		{"AmountEmpty", amount, `{}`, true},
		{"AmountGiven", amount, `{"amount":"60"}`, true},
		{"AmountGarbage", amount, `{"amount":"sixty"}`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			valid, errs, err := tc.cm.Validate([]byte(tc.body))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if valid != tc.valid {
				t.Errorf("valid = %v, want %v (%v)", valid, tc.valid, errs)
			}
		})
	}
}

func TestFormatErrors(t *testing.T) {
	if got := FormatErrors(nil); got != "" {
		t.Errorf("expected empty string, got %q", got)
	}
	if got := FormatErrors([]string{"a", "b"}); got != "Validation errors: a; b" {
		t.Errorf("unexpected format: %q", got)
	}
}
