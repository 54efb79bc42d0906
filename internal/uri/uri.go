// Package uri parses TZIP-16 metadata-location URIs into a typed
// location tree. Parsing is pure: malformed addresses or network names
// are preserved in the tree for the validator to flag, and only a URI
// whose outer structure cannot be decoded is rejected.
package uri

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	errordefs "github.com/tezmeta/tezmeta-go/internal/errors"
)

// Kind discriminates the location variants.
type Kind int

const (
	KindWeb     Kind = iota // http(s) URL
	KindIPFS                // ipfs CID plus optional path
	KindStorage             // key in a contract's metadata big map
	KindHash                // sha256-wrapped nested location
)

// String returns the scheme-ish name of the kind, used in logs and metrics.
func (k Kind) String() string {
	switch k {
	case KindWeb:
		return "web"
	case KindIPFS:
		return "ipfs"
	case KindStorage:
		return "tezos-storage"
	case KindHash:
		return "sha256"
	default:
		return "unknown"
	}
}

// Location is a parsed metadata location. Exactly the fields of the
// active Kind are meaningful. The tree is immutable once parsed; the
// Hash variant recurses via Target, bounded by the source-string length
// since each nesting consumes percent-encoded material.
type Location struct {
	Kind Kind

	// Web
	URL string

	// IPFS
	CID  string
	Path string

	// Storage; empty Network and Address mean "not given"
	Network string
	Address string
	Key     string

	// Hash (sha256)
	Digest []byte
	Target *Location
}

// DefaultStorageKey is used when a tezos-storage URI names no key.
const DefaultStorageKey = "metadata"

// Parse decodes a metadata-location string into a Location tree.
// Errors are typed TZM_MALFORMED_URI.
func Parse(text string) (*Location, error) {
	u, err := url.Parse(text)
	if err != nil {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			fmt.Sprintf("cannot decode URI: %v", err), text)
	}
	if u.Scheme == "" {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			"URI has no scheme", text)
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return &Location{Kind: KindWeb, URL: text}, nil
	case "ipfs":
		return &Location{Kind: KindIPFS, CID: u.Host, Path: u.Path}, nil
	case "tezos-storage":
		return parseStorage(u)
	case "sha256":
		return parseHash(u, text)
	default:
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			fmt.Sprintf("unsupported scheme %q", u.Scheme), text)
	}
}

// parseStorage handles both tezos-storage:key and
// tezos-storage://<address>[.<network>]/<key> forms. Address and
// network are carried as written, well formed or not.
func parseStorage(u *url.URL) (*Location, error) {
	loc := &Location{Kind: KindStorage}

	if u.Opaque != "" {
		key, err := url.PathUnescape(u.Opaque)
		if err != nil {
			return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
				fmt.Sprintf("invalid percent-encoding in key: %v", err), u.String())
		}
		loc.Key = key
		return loc, nil
	}

	if u.Host != "" {
		address, network, hasNetwork := strings.Cut(u.Host, ".")
		loc.Address = address
		if hasNetwork {
			loc.Network = network
		}
	}

	loc.Key = strings.TrimPrefix(u.Path, "/")
	if loc.Key == "" {
		loc.Key = DefaultStorageKey
	}
	return loc, nil
}

// parseHash handles sha256://0x<digest>/<percent-encoded nested URI>.
func parseHash(u *url.URL, text string) (*Location, error) {
	digestText := strings.TrimPrefix(u.Host, "0x")
	if digestText == u.Host {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			"sha256 authority must carry a 0x-prefixed digest", text)
	}
	digest, err := hex.DecodeString(digestText)
	if err != nil {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			fmt.Sprintf("invalid digest hex: %v", err), text)
	}
	if len(digest) != 32 {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			fmt.Sprintf("sha256 digest is %d bytes, want 32", len(digest)), text)
	}

	encoded := strings.TrimPrefix(u.EscapedPath(), "/")
	if encoded == "" {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			"sha256 URI wraps no target", text)
	}
	nested, err := url.PathUnescape(encoded)
	if err != nil {
		return nil, errordefs.NewWithDetails(errordefs.TZM_MALFORMED_URI,
			fmt.Sprintf("invalid percent-encoding of wrapped URI: %v", err), text)
	}
	target, err := Parse(nested)
	if err != nil {
		return nil, err
	}
	return &Location{Kind: KindHash, Digest: digest, Target: target}, nil
}

// String re-serializes the location. Parsing the result yields an
// equivalent tree (defaulted keys are rendered explicitly).
func (l *Location) String() string {
	switch l.Kind {
	case KindWeb:
		return l.URL
	case KindIPFS:
		return "ipfs://" + l.CID + l.Path
	case KindStorage:
		if l.Address == "" && l.Network == "" {
			return "tezos-storage:" + url.PathEscape(l.Key)
		}
		authority := l.Address
		if l.Network != "" {
			authority += "." + l.Network
		}
		return "tezos-storage://" + authority + "/" + url.PathEscape(l.Key)
	case KindHash:
		return "sha256://0x" + hex.EncodeToString(l.Digest) + "/" + url.PathEscape(l.Target.String())
	default:
		return ""
	}
}
