// Package micheline models the tree-structured concrete syntax of
// Michelson as returned by chain-node RPCs. It is used only for type
// inspection of contract storage and off-chain views, not for execution.
package micheline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Node is a single Micheline expression. Exactly one of the shapes is
// populated: a primitive application (Prim, with Args/Annots), an int
// literal, a string literal, a bytes literal, or a sequence.
type Node struct {
	Prim   string   `json:"prim,omitempty"`
	Int    string   `json:"int,omitempty"`
	Str    *string  `json:"string,omitempty"`
	Bytes  string   `json:"bytes,omitempty"`
	Args   []*Node  `json:"args,omitempty"`
	Annots []string `json:"annots,omitempty"`
	Seq    []*Node  `json:"-"`
}

// Parse decodes a Micheline JSON expression.
func Parse(data []byte) (*Node, error) {
	var n Node
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("micheline parse: %w", err)
	}
	return &n, nil
}

// UnmarshalJSON handles both the object and the sequence form.
func (n *Node) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		n.Prim, n.Int, n.Str, n.Bytes, n.Args, n.Annots = "", "", nil, "", nil, nil
		return json.Unmarshal(data, &n.Seq)
	}
	type plain Node
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*n = Node(p)
	return nil
}

// MarshalJSON re-encodes the node in the form it was decoded from.
func (n *Node) MarshalJSON() ([]byte, error) {
	if n.Seq != nil {
		return json.Marshal(n.Seq)
	}
	type plain Node
	return json.Marshal((*plain)(n))
}

// IsInt reports whether the node is an int literal.
func (n *Node) IsInt() bool { return n.Int != "" }

// IsSeq reports whether the node is a sequence.
func (n *Node) IsSeq() bool { return n.Seq != nil }

// HasAnnot reports whether the node carries the given annotation,
// e.g. "%metadata".
func (n *Node) HasAnnot(annot string) bool {
	for _, a := range n.Annots {
		if a == annot {
			return true
		}
	}
	return false
}

// Children returns the children of a node regardless of whether the
// node is a primitive application or a sequence. Right-comb values may
// arrive in either encoding.
func (n *Node) Children() []*Node {
	if n.Seq != nil {
		return n.Seq
	}
	return n.Args
}

// StorageType extracts the storage type expression from a contract
// script. A script is a sequence of parameter, storage and code
// sections; the storage section's single argument is the type.
func StorageType(script *Node) (*Node, error) {
	for _, section := range script.Children() {
		if section.Prim == "storage" {
			if len(section.Args) != 1 {
				return nil, fmt.Errorf("storage section has %d arguments, want 1", len(section.Args))
			}
			return section.Args[0], nil
		}
	}
	return nil, fmt.Errorf("script has no storage section")
}

// String renders a compact single-line form for trace output.
func (n *Node) String() string {
	switch {
	case n == nil:
		return "<nil>"
	case n.IsSeq():
		parts := make([]string, len(n.Seq))
		for i, c := range n.Seq {
			parts[i] = c.String()
		}
		return "{ " + strings.Join(parts, " ; ") + " }"
	case n.Int != "":
		return n.Int
	case n.Str != nil:
		return fmt.Sprintf("%q", *n.Str)
	case n.Bytes != "":
		return "0x" + n.Bytes
	default:
		if len(n.Args) == 0 && len(n.Annots) == 0 {
			return n.Prim
		}
		parts := []string{n.Prim}
		parts = append(parts, n.Annots...)
		for _, a := range n.Args {
			parts = append(parts, a.String())
		}
		return "(" + strings.Join(parts, " ") + ")"
	}
}
