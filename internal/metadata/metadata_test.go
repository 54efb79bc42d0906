// Package metadata provides unit tests for document parsing and schema
// validation.
package metadata

import (
	"testing"
)

const sampleDocument = `{
  "name": "Example Token",
  "description": "A sample contract",
  "version": "1.0.0",
  "license": {"name": "MIT"},
  "interfaces": ["TZIP-016", "TZIP-12"],
  "views": [
    {
      "name": "get_balance",
      "pure": true,
      "implementations": [
        {
          "michelsonStorageView": {
            "parameter": {"prim": "pair", "args": [{"prim": "nat"}, {"prim": "address"}]},
            "returnType": {"prim": "nat"},
            "code": []
          }
        }
      ]
    }
  ],
  "tokens": {"decimals": 6}
}`

// TestParse tests decoding of a full document with raw field retention.
func TestParse(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.Name != "Example Token" {
		t.Errorf("Name = %v", doc.Name)
	}
	if doc.License == nil || doc.License.Name != "MIT" {
		t.Errorf("License = %+v", doc.License)
	}
	if len(doc.Interfaces) != 2 || doc.Interfaces[1] != "TZIP-12" {
		t.Errorf("Interfaces = %v", doc.Interfaces)
	}
	if len(doc.Views) != 1 || doc.Views[0].Name != "get_balance" {
		t.Fatalf("Views = %+v", doc.Views)
	}
	msv := doc.Views[0].Implementations[0].MichelsonStorageView
	if msv == nil || msv.ReturnType.Prim != "nat" {
		t.Errorf("MichelsonStorageView = %+v", msv)
	}
}

// TestHasUnknownField tests unknown-field detection against the known set.
func TestHasUnknownField(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !doc.HasUnknownField("tokens") {
		t.Error("HasUnknownField(tokens) = false, want true")
	}
	if doc.HasUnknownField("name") {
		t.Error("HasUnknownField(name) = true, want false")
	}
	if doc.HasUnknownField("absent") {
		t.Error("HasUnknownField(absent) = true, want false")
	}
}

// TestFindView tests view lookup by name.
func TestFindView(t *testing.T) {
	doc, err := Parse([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if doc.FindView("get_balance") == nil {
		t.Error("FindView(get_balance) = nil")
	}
	if doc.FindView("total_supply") != nil {
		t.Error("FindView(total_supply) != nil")
	}
}

// TestValidate tests schema validation of conforming and broken documents.
func TestValidate(t *testing.T) {
	v, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator() error = %v", err)
	}

	findings, err := v.Validate([]byte(sampleDocument))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Validate(sample) findings = %v, want none", findings)
	}

	findings, err = v.Validate([]byte(`{"name": 42, "license": {}}`))
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if len(findings) == 0 {
		t.Error("Validate(broken) findings = none, want violations")
	}

	findings, err = v.Validate([]byte(`{}`))
	if err != nil {
		t.Fatalf("Validate({}) error = %v", err)
	}
	if len(findings) != 0 {
		t.Errorf("Validate({}) findings = %v, want none", findings)
	}
}
