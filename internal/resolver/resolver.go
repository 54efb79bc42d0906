// Package resolver fetches metadata content from parsed locations. Web
// and IPFS locations resolve over HTTP, storage locations through a
// chain node's big-map RPCs, and sha256 locations resolve their wrapped
// target and verify the digest. Resolution is recursive and sequential;
// nothing is cached.
package resolver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	errordefs "github.com/tezmeta/tezmeta-go/internal/errors"
	"github.com/tezmeta/tezmeta-go/internal/introspect"
	"github.com/tezmeta/tezmeta-go/internal/metrics"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/uri"
)

// defaultIPFSGateway rewrites ipfs:// locations onto a public HTTP
// gateway.
const defaultIPFSGateway = "https://gateway.ipfs.io/ipfs/"

// maxDocumentBytes caps fetched payloads so a hostile host cannot make
// the service buffer arbitrary amounts.
const maxDocumentBytes = 16 << 20

// Resolver resolves metadata locations to raw document bytes.
type Resolver struct {
	hc      *http.Client
	pool    *nodepool.Pool
	intro   *introspect.Introspector
	logger  *slog.Logger
	metrics *metrics.Metrics

	gateway string // IPFS gateway prefix, overridable in tests
}

// New creates a Resolver. The pool and introspector serve
// tezos-storage locations; web and IPFS fetches use a dedicated HTTP
// client with its own timeouts.
func New(pool *nodepool.Pool, intro *introspect.Introspector, logger *slog.Logger, m *metrics.Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Resolver{
		hc:      &http.Client{Transport: transport, Timeout: 30 * time.Second},
		pool:    pool,
		intro:   intro,
		logger:  logger,
		metrics: m,
		gateway: defaultIPFSGateway,
	}
}

// Resolve fetches the content behind a location. contract is the
// address supplying context for tezos-storage locations that name no
// address of their own; it may be empty when no such context exists.
func (r *Resolver) Resolve(ctx context.Context, loc *uri.Location, contract string) ([]byte, error) {
	ctx, span := otel.Tracer("resolver").Start(ctx, "resolver.Resolve")
	span.SetAttributes(attribute.String("location.kind", loc.Kind.String()))
	defer span.End()

	start := time.Now()
	payload, err := r.resolve(ctx, loc, contract)
	r.record(loc.Kind, start, len(payload), err)
	return payload, err
}

func (r *Resolver) resolve(ctx context.Context, loc *uri.Location, contract string) ([]byte, error) {
	switch loc.Kind {
	case uri.KindWeb:
		return r.fetch(ctx, loc.URL)
	case uri.KindIPFS:
		return r.fetch(ctx, r.gateway+loc.CID+loc.Path)
	case uri.KindStorage:
		return r.resolveStorage(ctx, loc, contract)
	case uri.KindHash:
		return r.resolveHash(ctx, loc, contract)
	default:
		return nil, errordefs.Newf(errordefs.TZM_MALFORMED_URI, "unresolvable location kind %s", loc.Kind)
	}
}

// fetch performs a plain GET and accepts exactly a 200 answer.
func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_FETCH_FAILED, "cannot build request for %s: %v", url, err)
	}
	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_FETCH_FAILED, "fetch %s: %v", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errordefs.Newf(errordefs.TZM_FETCH_FAILED, "fetch %s: unexpected status %s", url, resp.Status)
	}
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_FETCH_FAILED, "read body of %s: %v", url, err)
	}
	r.logger.Debug("fetched metadata over HTTP", "url", url, "bytes", len(payload))
	return payload, nil
}

// resolveStorage reads a big-map value from the contract the location
// names, falling back to the caller-supplied contract context.
func (r *Resolver) resolveStorage(ctx context.Context, loc *uri.Location, contract string) ([]byte, error) {
	if loc.Network != "" {
		return nil, errordefs.Newf(errordefs.TZM_NOT_IMPLEMENTED,
			"resolution against another network (%s) is not implemented", loc.Network)
	}
	address := loc.Address
	if address == "" {
		address = contract
	}
	if address == "" {
		return nil, errordefs.New(errordefs.TZM_MISSING_CONTRACT,
			"tezos-storage URI names no contract and no contract context is available")
	}

	ep, err := r.pool.FindNodeWithContract(ctx, address)
	if err != nil {
		return nil, err
	}
	id, err := r.intro.LocateMetadataBigMap(ctx, ep.URL, address)
	if err != nil {
		return nil, err
	}
	payload, err := r.intro.ReadValue(ctx, ep.URL, id, loc.Key)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("fetched metadata from storage",
		"node", ep.Name, "address", address, "key", loc.Key, "bytes", len(payload))
	return payload, nil
}

// resolveHash resolves the wrapped target and verifies its sha256
// digest against the declared one.
func (r *Resolver) resolveHash(ctx context.Context, loc *uri.Location, contract string) ([]byte, error) {
	payload, err := r.Resolve(ctx, loc.Target, contract)
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(payload)
	if !bytes.Equal(digest[:], loc.Digest) {
		return nil, errordefs.NewWithDetails(errordefs.TZM_DIGEST_MISMATCH,
			fmt.Sprintf("content digest %s does not match declared %s",
				hex.EncodeToString(digest[:]), hex.EncodeToString(loc.Digest)),
			loc.Target.String())
	}
	return payload, nil
}

// record counts one resolution step. Sub-steps of a recursive
// resolution are recorded individually under their own scheme.
func (r *Resolver) record(kind uri.Kind, start time.Time, size int, err error) {
	if r.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.ResolutionTotal.WithLabelValues(kind.String(), status).Inc()
	r.metrics.ResolutionDuration.WithLabelValues(kind.String(), status).Observe(time.Since(start).Seconds())
	if err == nil {
		r.metrics.FetchBytes.WithLabelValues(kind.String()).Observe(float64(size))
	}
}
