// internal/model/resolution.go
// Package model defines the data structures used throughout the tezmeta
// service. These structures represent the core domain objects for
// resolution audit records and node status transitions.
package model

import (
	"time"
)

// Resolution outcome values for ResolutionRecord.Status.
const (
	ResolutionOK    = "ok"
	ResolutionError = "error"
)

// ResolutionRecord is one entry of the resolution audit log. Every
// /v1/resolve call appends exactly one record, successful or not; the
// log is history, never a cache; re-resolving always re-fetches.
// This corresponds to the resolutions table in storage.
type ResolutionRecord struct {
	ID             string    `json:"id" db:"id"`                          // ULID, assigned by the server
	URI            string    `json:"uri" db:"uri"`                        // Metadata-location URI as submitted
	Contract       string    `json:"contract,omitempty" db:"contract"`    // Current-contract context, if any
	Status         string    `json:"status" db:"status"`                  // ok or error
	ErrorCode      string    `json:"errorCode,omitempty" db:"error_code"` // TZM_* code for failed resolutions
	ErrorMessage   string    `json:"errorMessage,omitempty" db:"error_message"`
	ByteSize       int       `json:"byteSize" db:"byte_size"`             // Size of the resolved payload
	DigestSHA256   string    `json:"digestSha256,omitempty" db:"digest_sha256"` // Hex digest of the payload
	Classification string    `json:"classification,omitempty" db:"classification"` // tzip16 or tzip12
	CorrelationID  string    `json:"correlationId" db:"correlation_id"`   // Request correlation id
	ResolvedAt     time.Time `json:"resolvedAt" db:"resolved_at"`         // When resolution finished
	DurationMS     int64     `json:"durationMs" db:"duration_ms"`         // Wall-clock duration
}

// ListResolutionsQuery filters and paginates the audit log.
type ListResolutionsQuery struct {
	Status string // Optional status filter (ok/error)
	Cursor string // Opaque pagination cursor
	Limit  int    // Page size; defaults and caps applied by storage
}

// ListResolutionsResult is one page of audit records plus the cursor
// for the next page, newest first.
type ListResolutionsResult struct {
	Records    []ResolutionRecord `json:"records"`
	NextCursor string             `json:"nextCursor,omitempty"`
}

// NodeStatusChange describes one health-state transition of a pool
// endpoint, as published on the event stream.
type NodeStatusChange struct {
	Node   string    `json:"node"`             // Endpoint display name
	URL    string    `json:"url"`              // Endpoint URL prefix
	From   string    `json:"from"`             // Previous state
	To     string    `json:"to"`               // New state
	Reason string    `json:"reason,omitempty"` // Failure detail for non-responsive states
	At     time.Time `json:"at"`               // When the probe completed
}
