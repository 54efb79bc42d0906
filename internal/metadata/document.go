// internal/metadata/document.go
// Package metadata models TZIP-16 contract metadata documents and
// validates them against the published JSON schema. A document keeps
// its raw top-level fields alongside the typed view so heuristics can
// inspect fields the standard does not know about.
package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/tezmeta/tezmeta-go/internal/micheline"
)

// Document is a parsed TZIP-16 metadata document.
type Document struct {
	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Version     string   `json:"version,omitempty"`
	License     *License `json:"license,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	Homepage    string   `json:"homepage,omitempty"`
	Interfaces  []string `json:"interfaces,omitempty"`
	Views       []View   `json:"views,omitempty"`

	// Raw holds every top-level field as received, typed and otherwise.
	Raw map[string]json.RawMessage `json:"-"`
}

// License is the TZIP-16 license object.
type License struct {
	Name    string `json:"name"`
	Details string `json:"details,omitempty"`
}

// View is a metadata-declared off-chain view.
type View struct {
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Pure            bool                 `json:"pure,omitempty"`
	Implementations []ViewImplementation `json:"implementations,omitempty"`
}

// ViewImplementation is one way to evaluate a view. Only the Michelson
// storage form is inspected here; other forms are carried opaquely.
type ViewImplementation struct {
	MichelsonStorageView *MichelsonStorageView `json:"michelsonStorageView,omitempty"`
	RestAPIQuery         json.RawMessage       `json:"restApiQuery,omitempty"`
}

// MichelsonStorageView is the Michelson-typed implementation of a view.
type MichelsonStorageView struct {
	Parameter   *micheline.Node `json:"parameter,omitempty"`
	ReturnType  *micheline.Node `json:"returnType"`
	Code        *micheline.Node `json:"code"`
	Annotations json.RawMessage `json:"annotations,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// knownFields lists the top-level keys the standard defines. Anything
// else in Raw is an unrecognized field.
var knownFields = map[string]bool{
	"name": true, "description": true, "version": true, "license": true,
	"authors": true, "homepage": true, "source": true, "interfaces": true,
	"errors": true, "views": true,
}

// Parse decodes a metadata document, keeping the raw top-level fields.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("metadata parse: %w", err)
	}
	if err := json.Unmarshal(data, &doc.Raw); err != nil {
		return nil, fmt.Errorf("metadata parse: %w", err)
	}
	return &doc, nil
}

// HasUnknownField reports whether the document carries the given
// top-level field without the standard defining it.
func (d *Document) HasUnknownField(name string) bool {
	if knownFields[name] {
		return false
	}
	_, present := d.Raw[name]
	return present
}

// FindView returns the declared off-chain view with the given name.
func (d *Document) FindView(name string) *View {
	for i := range d.Views {
		if d.Views[i].Name == name {
			return &d.Views[i]
		}
	}
	return nil
}
