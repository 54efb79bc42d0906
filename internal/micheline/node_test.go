// Package micheline provides unit tests for Micheline tree parsing.
package micheline

import (
	"encoding/json"
	"strings"
	"testing"
)

// TestParsePrim tests decoding of a primitive application with annotations.
func TestParsePrim(t *testing.T) {
	raw := `{"prim":"big_map","args":[{"prim":"string"},{"prim":"bytes"}],"annots":["%metadata"]}`
	n, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if n.Prim != "big_map" {
		t.Errorf("Prim = %v, want big_map", n.Prim)
	}
	if len(n.Args) != 2 || n.Args[0].Prim != "string" || n.Args[1].Prim != "bytes" {
		t.Errorf("Args = %v", n.Args)
	}
	if !n.HasAnnot("%metadata") {
		t.Error("HasAnnot(%%metadata) = false, want true")
	}
	if n.HasAnnot("%ledger") {
		t.Error("HasAnnot(%%ledger) = true, want false")
	}
}

// TestParseLiterals tests decoding of int, string and bytes literals.
func TestParseLiterals(t *testing.T) {
	n, err := Parse([]byte(`{"int":"42"}`))
	if err != nil {
		t.Fatalf("Parse(int) error = %v", err)
	}
	if !n.IsInt() || n.Int != "42" {
		t.Errorf("int literal = %+v", n)
	}

	n, err = Parse([]byte(`{"string":""}`))
	if err != nil {
		t.Fatalf("Parse(string) error = %v", err)
	}
	if n.Str == nil || *n.Str != "" {
		t.Errorf("empty string literal = %+v", n)
	}

	n, err = Parse([]byte(`{"bytes":"deadbeef"}`))
	if err != nil {
		t.Fatalf("Parse(bytes) error = %v", err)
	}
	if n.Bytes != "deadbeef" {
		t.Errorf("bytes literal = %+v", n)
	}
}

// TestParseSeq tests decoding of the sequence form.
func TestParseSeq(t *testing.T) {
	raw := `[{"prim":"parameter","args":[{"prim":"unit"}]},{"prim":"storage","args":[{"prim":"nat"}]},{"prim":"code","args":[]}]`
	n, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if !n.IsSeq() || len(n.Seq) != 3 {
		t.Fatalf("Seq = %v", n.Seq)
	}
	if n.Seq[1].Prim != "storage" {
		t.Errorf("Seq[1].Prim = %v, want storage", n.Seq[1].Prim)
	}
}

// TestMarshalRoundTrip tests that decode followed by encode preserves the shape.
func TestMarshalRoundTrip(t *testing.T) {
	cases := []string{
		`{"prim":"pair","args":[{"prim":"nat"},{"prim":"address"}]}`,
		`{"int":"7"}`,
		`[{"prim":"storage","args":[{"prim":"unit"}]}]`,
	}
	for _, raw := range cases {
		n, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse(%s) error = %v", raw, err)
		}
		out, err := json.Marshal(n)
		if err != nil {
			t.Fatalf("Marshal(%s) error = %v", raw, err)
		}
		back, err := Parse(out)
		if err != nil {
			t.Fatalf("re-Parse(%s) error = %v", out, err)
		}
		if n.String() != back.String() {
			t.Errorf("round trip changed %s into %s", n.String(), back.String())
		}
	}
}

// TestStorageType tests extraction of the storage type from a script.
func TestStorageType(t *testing.T) {
	script := `[{"prim":"parameter","args":[{"prim":"unit"}]},{"prim":"storage","args":[{"prim":"pair","args":[{"prim":"nat"},{"prim":"big_map","args":[{"prim":"string"},{"prim":"bytes"}],"annots":["%metadata"]}]}]},{"prim":"code","args":[]}]`
	n, err := Parse([]byte(script))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ty, err := StorageType(n)
	if err != nil {
		t.Fatalf("StorageType() error = %v", err)
	}
	if ty.Prim != "pair" {
		t.Errorf("StorageType().Prim = %v, want pair", ty.Prim)
	}
}

// TestStorageTypeMissing tests that a script without a storage section fails.
func TestStorageTypeMissing(t *testing.T) {
	n, err := Parse([]byte(`[{"prim":"parameter","args":[{"prim":"unit"}]}]`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if _, err := StorageType(n); err == nil {
		t.Fatal("StorageType() without storage section: expected error, got nil")
	}
}

// TestExprHash tests script-expression hashes against the hash the
// chain assigns to the empty string key, plus structural properties.
func TestExprHash(t *testing.T) {
	// tezos-client hash data '""' of type string
	const emptyKeyHash = "expru5X1yxJG6ezR2uHMotwMLNmSzQyh5t1vUnhjx4cS6Pv9qE1Sdo"
	if h := ExprHash(""); h != emptyKeyHash {
		t.Errorf("ExprHash(\"\") = %v, want %v", h, emptyKeyHash)
	}

	h := ExprHash("metadata")
	if !strings.HasPrefix(h, "expr") {
		t.Errorf("ExprHash(metadata) = %v, want expr prefix", h)
	}
	if h != ExprHash("metadata") {
		t.Error("ExprHash is not deterministic")
	}
	if h == ExprHash("contents") {
		t.Error("ExprHash collides for distinct keys")
	}
}

// TestPackString tests the binary packing of string literals.
func TestPackString(t *testing.T) {
	packed := PackString("hi")
	want := []byte{0x05, 0x01, 0x00, 0x00, 0x00, 0x02, 'h', 'i'}
	if len(packed) != len(want) {
		t.Fatalf("PackString(hi) length = %d, want %d", len(packed), len(want))
	}
	for i := range want {
		if packed[i] != want[i] {
			t.Fatalf("PackString(hi)[%d] = %#x, want %#x", i, packed[i], want[i])
		}
	}
}
