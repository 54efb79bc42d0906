// Package introspect locates a contract's metadata big map by scanning
// the storage value and storage type in parallel, and reads byte values
// from it by string key. Exactly one big map annotated %metadata may
// exist per contract; zero or several is an error, not a degraded
// result.
package introspect

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	errordefs "github.com/tezmeta/tezmeta-go/internal/errors"
	"github.com/tezmeta/tezmeta-go/internal/metrics"
	"github.com/tezmeta/tezmeta-go/internal/micheline"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
)

// metadataAnnot is the field annotation marking the metadata big map.
const metadataAnnot = "%metadata"

// Introspector fetches contract storage and script through a chain-node
// RPC client and answers metadata big-map questions about them.
type Introspector struct {
	rpc     *rpc.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an Introspector on top of an RPC client. The metrics
// handle may be nil.
func New(client *rpc.Client, logger *slog.Logger, m *metrics.Metrics) *Introspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Introspector{rpc: client, logger: logger, metrics: m}
}

// count records one big-map lookup outcome.
func (in *Introspector) count(operation, status string) {
	if in.metrics != nil {
		in.metrics.BigMapLookupTotal.WithLabelValues(operation, status).Inc()
	}
}

// LocateMetadataBigMap finds the id of the unique big map annotated
// %metadata in the storage of the contract at address, as seen by node.
func (in *Introspector) LocateMetadataBigMap(ctx context.Context, node, address string) (*big.Int, error) {
	id, err := in.locate(ctx, node, address)
	if err != nil {
		in.count("locate", "error")
		return nil, err
	}
	in.count("locate", "ok")
	return id, nil
}

func (in *Introspector) locate(ctx context.Context, node, address string) (*big.Int, error) {
	storage, err := in.rpc.GetStorage(ctx, node, address)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_NO_METADATA_BIGMAP,
			"cannot read storage of %s: %v", address, err)
	}
	script, err := in.rpc.GetScript(ctx, node, address)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_NO_METADATA_BIGMAP,
			"cannot read script of %s: %v", address, err)
	}
	storageType, err := micheline.StorageType(script)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_NO_METADATA_BIGMAP,
			"cannot derive storage type of %s: %v", address, err)
	}

	ids := FindMetadataBigMaps(storageType, storage)
	switch len(ids) {
	case 1:
		in.logger.Debug("metadata big map located", "address", address, "id", ids[0].String())
		return ids[0], nil
	case 0:
		return nil, errordefs.Newf(errordefs.TZM_NO_METADATA_BIGMAP,
			"contract %s has no big map annotated %s", address, metadataAnnot)
	default:
		return nil, errordefs.NewWithDetails(errordefs.TZM_AMBIGUOUS_BIGMAP,
			fmt.Sprintf("contract %s has several big maps annotated %s: %s",
				address, metadataAnnot, JoinIDs(ids)), idStrings(ids))
	}
}

// ReadValue reads the byte payload stored under key in the given big
// map. The key is addressed by the expr-hash of its packed string form;
// the entry envelope must be a bytes literal.
func (in *Introspector) ReadValue(ctx context.Context, node string, id *big.Int, key string) ([]byte, error) {
	payload, err := in.read(ctx, node, id, key)
	if err != nil {
		in.count("read", "error")
		return nil, err
	}
	in.count("read", "ok")
	return payload, nil
}

func (in *Introspector) read(ctx context.Context, node string, id *big.Int, key string) ([]byte, error) {
	keyHash := micheline.ExprHash(key)
	in.logger.Debug("reading big map value", "id", id.String(), "key", key, "keyHash", keyHash)

	entry, err := in.rpc.GetBigMapValue(ctx, node, id, keyHash)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, errordefs.Newf(errordefs.TZM_BIGMAP_KEY_NOT_FOUND,
				"big map %s has no entry for key %q", id.String(), key)
		}
		return nil, errordefs.Newf(errordefs.TZM_BIGMAP_KEY_NOT_FOUND,
			"cannot read key %q from big map %s: %v", key, id.String(), err)
	}
	if entry.Bytes == "" {
		return nil, errordefs.Newf(errordefs.TZM_BIGMAP_KEY_NOT_FOUND,
			"big map %s entry for key %q is not a bytes value", id.String(), key)
	}
	payload, err := hex.DecodeString(entry.Bytes)
	if err != nil {
		return nil, errordefs.Newf(errordefs.TZM_BIGMAP_KEY_NOT_FOUND,
			"big map %s entry for key %q carries invalid hex: %v", id.String(), key, err)
	}
	return payload, nil
}

// FindMetadataBigMaps scans a storage type/value pair and returns the
// ids of every big map field annotated %metadata, in storage order.
func FindMetadataBigMaps(storageType, storage *micheline.Node) []*big.Int {
	var ids []*big.Int
	walk(storageType, storage, &ids)
	return ids
}

// walk matches a type node against its value node. Only pair spines are
// descended; a big map stored lazily appears as an int handle on the
// value side.
func walk(ty, val *micheline.Node, ids *[]*big.Int) {
	if ty == nil || val == nil {
		return
	}
	if ty.Prim == "big_map" {
		if ty.HasAnnot(metadataAnnot) && val.IsInt() {
			id := new(big.Int)
			if _, ok := id.SetString(val.Int, 10); ok {
				*ids = append(*ids, id)
			}
		}
		return
	}
	if ty.Prim == "pair" {
		walkPair(ty.Args, pairValues(val), ids)
	}
}

// walkPair zips type children against value children, normalizing comb
// encodings on either side: a pair with more than two components may be
// nested to the right, flattened, or rendered as a sequence.
func walkPair(tys, vals []*micheline.Node, ids *[]*big.Int) {
	for len(tys) > 0 && len(vals) > 0 {
		if len(tys) == 1 && len(vals) > 1 {
			// Type nests to the right, value is flattened
			walk(tys[0], &micheline.Node{Prim: "Pair", Args: vals}, ids)
			return
		}
		if len(vals) == 1 && len(tys) > 1 {
			// Value nests to the right, type is flattened
			walkPair(tys, pairValues(vals[0]), ids)
			return
		}
		walk(tys[0], vals[0], ids)
		tys, vals = tys[1:], vals[1:]
	}
}

// pairValues returns the components of a pair value in either of its
// encodings, or nil when the node is not a pair.
func pairValues(val *micheline.Node) []*micheline.Node {
	if val.Prim == "Pair" {
		return val.Args
	}
	if val.IsSeq() {
		return val.Seq
	}
	return nil
}

// JoinIDs renders big-map ids for display, oxford-comma-joined.
func JoinIDs(ids []*big.Int) string {
	parts := idStrings(ids)
	switch len(parts) {
	case 0:
		return ""
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + parts[len(parts)-1]
	}
}

func idStrings(ids []*big.Int) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
