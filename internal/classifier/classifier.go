// Package classifier decides whether a parsed metadata document is
// plain TZIP-16 content or additionally satisfies the TZIP-12 token
// heuristics. Classification is a deterministic heuristic with no I/O:
// it never fails, and every check performed is recorded in an ordered
// log for display.
package classifier

import (
	"fmt"
	"strings"

	"github.com/tezmeta/tezmeta-go/internal/metadata"
	"github.com/tezmeta/tezmeta-go/internal/micheline"
)

// Kind is the overall classification outcome.
type Kind string

const (
	KindTzip16 Kind = "tzip16"
	KindTzip12 Kind = "tzip12"
)

// ClaimKind discriminates how the document self-declares TZIP-12.
type ClaimKind string

const (
	ClaimJustInterface ClaimKind = "just-interface" // exactly "TZIP-12"
	ClaimVersion       ClaimKind = "version"        // "TZIP-12-<v>"
	ClaimInvalid       ClaimKind = "invalid"        // shares the prefix, otherwise broken
)

// InterfaceClaim is the TZIP-12 self-declaration found in the
// interfaces list, if any.
type InterfaceClaim struct {
	Kind    ClaimKind `json:"kind"`
	Version string    `json:"version,omitempty"` // for ClaimVersion
	Raw     string    `json:"raw,omitempty"`     // for ClaimInvalid
}

// Level grades a log entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// LogEntry is one recorded check, in the order performed.
type LogEntry struct {
	Level   Level  `json:"level"`
	Message string `json:"message"`
}

// Result is the classification of one document. Log is empty for plain
// TZIP-16 content.
type Result struct {
	Kind  Kind            `json:"kind"`
	Claim *InterfaceClaim `json:"interfaceClaim,omitempty"`
	Log   []LogEntry      `json:"log,omitempty"`
}

const (
	tzip12Prefix        = "TZIP-12"
	tzip12VersionPrefix = "TZIP-12-"
	balanceViewName     = "get_balance"
)

// Classify inspects a document for the two TZIP-12 signals: an
// interfaces entry with the TZIP-12 prefix and an unrecognized
// top-level "tokens" field. With neither present the document is plain
// TZIP-16 and no further checks run; with either, token heuristics run
// and their outcomes accumulate in the log.
func Classify(doc *metadata.Document) Result {
	claim := findInterfaceClaim(doc.Interfaces)
	hasTokens := doc.HasUnknownField("tokens")

	if claim == nil && !hasTokens {
		return Result{Kind: KindTzip16}
	}

	r := Result{Kind: KindTzip12, Claim: claim}

	switch {
	case claim == nil:
		r.log(LevelInfo, `document has a top-level "tokens" field but no TZIP-12 interfaces entry`)
	case claim.Kind == ClaimJustInterface:
		r.log(LevelInfo, "interfaces declare TZIP-12")
	case claim.Kind == ClaimVersion:
		r.log(LevelInfo, fmt.Sprintf("interfaces declare TZIP-12 version %s", claim.Version))
	default:
		r.log(LevelError, fmt.Sprintf("interfaces entry %q shares the TZIP-12 prefix but is not a valid declaration", claim.Raw))
	}
	if hasTokens && claim != nil {
		r.log(LevelInfo, `document also has a top-level "tokens" field`)
	}

	checkBalanceView(doc, &r)
	return r
}

// findInterfaceClaim scans the interfaces list for the first TZIP-12
// entry. The first matching heuristic wins; an explicit early return,
// not exceptional control flow.
func findInterfaceClaim(interfaces []string) *InterfaceClaim {
	for _, entry := range interfaces {
		if !strings.HasPrefix(entry, tzip12Prefix) {
			continue
		}
		if entry == tzip12Prefix {
			return &InterfaceClaim{Kind: ClaimJustInterface}
		}
		if version := strings.TrimPrefix(entry, tzip12VersionPrefix); version != entry && version != "" {
			return &InterfaceClaim{Kind: ClaimVersion, Version: version}
		}
		return &InterfaceClaim{Kind: ClaimInvalid, Raw: entry}
	}
	return nil
}

// checkBalanceView validates the get_balance off-chain view when the
// document declares one: the Michelson implementation must accept a
// (nat, address) pair and return a nat. Every individual check is
// logged, then one aggregate success/error line.
func checkBalanceView(doc *metadata.Document, r *Result) {
	view := doc.FindView(balanceViewName)
	if view == nil {
		r.log(LevelInfo, "no get_balance off-chain view declared")
		return
	}
	r.log(LevelInfo, "checking declared get_balance off-chain view")

	msv := michelsonImplementation(view)
	if msv == nil {
		r.log(LevelError, "get_balance view has no Michelson storage implementation")
		r.log(LevelError, "get_balance view check failed")
		return
	}

	ok := true
	if isNatAddressPair(msv.Parameter) {
		r.log(LevelInfo, "get_balance parameter is a (nat, address) pair")
	} else {
		r.log(LevelError, fmt.Sprintf("get_balance parameter is %s, want (pair nat address)", typeName(msv.Parameter)))
		ok = false
	}
	if msv.ReturnType != nil && msv.ReturnType.Prim == "nat" {
		r.log(LevelInfo, "get_balance return type is nat")
	} else {
		r.log(LevelError, fmt.Sprintf("get_balance return type is %s, want nat", typeName(msv.ReturnType)))
		ok = false
	}

	if ok {
		r.log(LevelSuccess, "get_balance view signature conforms to TZIP-12")
	} else {
		r.log(LevelError, "get_balance view check failed")
	}
}

// michelsonImplementation returns the first Michelson storage
// implementation of a view, if any.
func michelsonImplementation(view *metadata.View) *metadata.MichelsonStorageView {
	for _, impl := range view.Implementations {
		if impl.MichelsonStorageView != nil {
			return impl.MichelsonStorageView
		}
	}
	return nil
}

// isNatAddressPair reports whether the type is exactly (pair nat address).
func isNatAddressPair(ty *micheline.Node) bool {
	return ty != nil &&
		ty.Prim == "pair" &&
		len(ty.Args) == 2 &&
		ty.Args[0].Prim == "nat" &&
		ty.Args[1].Prim == "address"
}

// typeName renders a type for log messages, tolerating absence.
func typeName(ty *micheline.Node) string {
	if ty == nil {
		return "missing"
	}
	return ty.String()
}

func (r *Result) log(level Level, message string) {
	r.Log = append(r.Log, LogEntry{Level: level, Message: message})
}
