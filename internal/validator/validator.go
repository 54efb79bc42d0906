// Package validator checks the well-formedness of contract addresses
// and network identifiers embedded in a parsed metadata location. All
// checks are structural (prefix and checksum); whether an address
// exists on chain is established only during resolution. Findings are
// advisory and never block resolution.
package validator

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/tezmeta/tezmeta-go/internal/uri"
)

// FindingKind says which part of the location a finding is about.
type FindingKind string

const (
	FindingAddress FindingKind = "address"
	FindingNetwork FindingKind = "network"
)

// Finding is an advisory validation result. A location with findings
// can still be resolved; the display layer decides whether to warn.
type Finding struct {
	Kind    FindingKind `json:"kind"`
	Source  string      `json:"source"`
	Message string      `json:"message"`
}

// base58check version prefixes and payload sizes for the hashes we
// inspect.
var (
	contractHashPrefix = []byte{0x02, 0x5a, 0x79} // KT1
	chainIDPrefix      = []byte{0x57, 0x52, 0x00} // Net
)

const (
	contractHashLen = 20
	chainIDLen      = 4
)

// wellKnownNetworks is the fixed set of network names accepted without
// a chain-id hash.
var wellKnownNetworks = map[string]bool{
	"mainnet":  true,
	"ghostnet": true,
	"parisnet": true,
	"rionet":   true,
	"sandbox":  true,
}

// Check walks the location tree and reports findings for every storage
// address and network present. It recurses into sha256-wrapped targets.
func Check(loc *uri.Location) []Finding {
	var findings []Finding
	check(loc, &findings)
	return findings
}

func check(loc *uri.Location, findings *[]Finding) {
	if loc == nil {
		return
	}
	switch loc.Kind {
	case uri.KindStorage:
		if loc.Address != "" {
			if err := CheckContractAddress(loc.Address); err != nil {
				*findings = append(*findings, Finding{
					Kind:    FindingAddress,
					Source:  loc.Address,
					Message: err.Error(),
				})
			}
		}
		if loc.Network != "" {
			if err := CheckNetwork(loc.Network); err != nil {
				*findings = append(*findings, Finding{
					Kind:    FindingNetwork,
					Source:  loc.Network,
					Message: err.Error(),
				})
			}
		}
	case uri.KindHash:
		check(loc.Target, findings)
	}
}

// CheckContractAddress verifies that the text is a syntactically valid
// originated-contract address (KT1..., base58check).
func CheckContractAddress(text string) error {
	if err := checkBase58(text, contractHashPrefix, contractHashLen); err != nil {
		return fmt.Errorf("%q is not a valid contract address: %v", text, err)
	}
	return nil
}

// CheckNetwork accepts a well-known network name or a syntactically
// valid chain-id hash (Net..., base58check).
func CheckNetwork(text string) error {
	if wellKnownNetworks[text] {
		return nil
	}
	if err := checkBase58(text, chainIDPrefix, chainIDLen); err != nil {
		return fmt.Errorf("%q is neither a known network name nor a valid chain id: %v", text, err)
	}
	return nil
}

// checkBase58 decodes a base58check value and verifies its version
// prefix, payload length and checksum.
func checkBase58(text string, prefix []byte, payloadLen int) error {
	raw, err := base58.Decode(text)
	if err != nil {
		return fmt.Errorf("not base58: %v", err)
	}
	want := len(prefix) + payloadLen + 4
	if len(raw) != want {
		return fmt.Errorf("decodes to %d bytes, want %d", len(raw), want)
	}
	if !bytes.HasPrefix(raw, prefix) {
		return fmt.Errorf("wrong version prefix")
	}
	body, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	first := sha256.Sum256(body)
	second := sha256.Sum256(first[:])
	if !bytes.Equal(checksum, second[:4]) {
		return fmt.Errorf("checksum mismatch")
	}
	return nil
}
