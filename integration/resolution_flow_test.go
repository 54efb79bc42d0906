// integration/resolution_flow_test.go
// Package integration exercises the full service: a resolve request
// travelling through parsing, chain-node introspection, digest
// verification, classification, auditing, and event publishing.
package integration

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tezmeta/tezmeta-go/internal/config"
	"github.com/tezmeta/tezmeta-go/internal/introspect"
	"github.com/tezmeta/tezmeta-go/internal/model"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/resolver"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
	"github.com/tezmeta/tezmeta-go/internal/server"
	"github.com/tezmeta/tezmeta-go/internal/storage"
)

const testContract = "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton"

const testDocument = `{
  "name": "Integration Token",
  "interfaces": ["TZIP-12"],
  "views": [{
    "name": "get_balance",
    "implementations": [{
      "michelsonStorageView": {
        "parameter": {"prim": "pair", "args": [{"prim": "nat"}, {"prim": "address"}]},
        "returnType": {"prim": "nat"},
        "code": []
      }
    }]
  }]
}`

// capturePublisher records published events instead of sending them.
type capturePublisher struct {
	statusChanges []model.NodeStatusChange
	resolutions   []model.ResolutionRecord
}

func (p *capturePublisher) PublishNodeStatusChanged(ctx context.Context, change model.NodeStatusChange) error {
	p.statusChanges = append(p.statusChanges, change)
	return nil
}

func (p *capturePublisher) PublishResolutionCompleted(ctx context.Context, record model.ResolutionRecord) error {
	p.resolutions = append(p.resolutions, record)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

// newChainNode serves the contract whose metadata big map holds the
// test document.
func newChainNode(t *testing.T) *httptest.Server {
	t.Helper()
	base := "/chains/main/blocks/head"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == base+"/context/contracts/"+testContract+"/storage":
			w.Write([]byte(`{"int": "3"}`))
		case r.URL.Path == base+"/context/contracts/"+testContract+"/script":
			w.Write([]byte(`{"code": [
				{"prim": "parameter", "args": [{"prim": "unit"}]},
				{"prim": "storage", "args": [
					{"prim": "big_map", "annots": ["%metadata"],
					 "args": [{"prim": "string"}, {"prim": "bytes"}]}
				]},
				{"prim": "code", "args": [[]]}
			], "storage": {"int": "3"}}`))
		case strings.HasPrefix(r.URL.Path, base+"/context/big_maps/3/"):
			w.Write([]byte(`{"bytes": "` + hex.EncodeToString([]byte(testDocument)) + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// TestResolutionFlow resolves a sha256-wrapped tezos-storage URI end to
// end and checks classification, audit, and eventing.
func TestResolutionFlow(t *testing.T) {
	chain := newChainNode(t)

	pub := &capturePublisher{}
	client := rpc.New(0)
	pool := nodepool.New([]config.Node{{Name: "node", URL: chain.URL}}, client, slog.Default(), pub, nil)
	intro := introspect.New(client, slog.Default(), nil)
	res := resolver.New(pool, intro, slog.Default(), nil)
	store := storage.NewMemory()

	mux := server.NewMux(store, pub, pool, res, nil, nil, "", "", nil)

	digest := sha256.Sum256([]byte(testDocument))
	wrapped := "sha256://0x" + hex.EncodeToString(digest[:]) +
		"/" + url.PathEscape("tezos-storage://"+testContract+"/metadata")

	body, _ := json.Marshal(map[string]string{"uri": wrapped})
	req := httptest.NewRequest("POST", "/v1/resolve", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-Id", "flow-test-1")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}

	var envelope struct {
		Data struct {
			ID             string `json:"id"`
			ByteSize       int    `json:"byteSize"`
			DigestSHA256   string `json:"digestSha256"`
			Classification *struct {
				Kind string `json:"kind"`
				Log  []struct {
					Level string `json:"level"`
				} `json:"log"`
			} `json:"classification"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	data := envelope.Data

	if data.ByteSize != len(testDocument) {
		t.Errorf("byteSize = %d, want %d", data.ByteSize, len(testDocument))
	}
	if data.DigestSHA256 != hex.EncodeToString(digest[:]) {
		t.Errorf("digest = %s", data.DigestSHA256)
	}
	if data.Classification == nil || data.Classification.Kind != "tzip12" {
		t.Fatalf("classification = %+v, want tzip12", data.Classification)
	}
	last := data.Classification.Log[len(data.Classification.Log)-1]
	if last.Level != "success" {
		t.Errorf("final check entry level = %s, want success", last.Level)
	}

	// Audit record persisted with the request correlation id
	record, err := store.GetResolution(context.Background(), data.ID)
	if err != nil {
		t.Fatalf("GetResolution(%s) error = %v", data.ID, err)
	}
	if record.Status != model.ResolutionOK || record.CorrelationID != "flow-test-1" {
		t.Errorf("audit record = %+v", record)
	}
	if record.URI != wrapped {
		t.Errorf("audit uri = %s", record.URI)
	}

	// Resolution event published
	if len(pub.resolutions) != 1 || pub.resolutions[0].ID != data.ID {
		t.Errorf("published resolutions = %+v, want the audit record", pub.resolutions)
	}
}

// TestResolutionFlowFailure checks that a contract no node knows
// yields the terminal error and still audits and publishes.
func TestResolutionFlowFailure(t *testing.T) {
	chain := newChainNode(t)

	pub := &capturePublisher{}
	client := rpc.New(0)
	pool := nodepool.New([]config.Node{{Name: "node", URL: chain.URL}}, client, slog.Default(), pub, nil)
	intro := introspect.New(client, slog.Default(), nil)
	res := resolver.New(pool, intro, slog.Default(), nil)
	store := storage.NewMemory()

	mux := server.NewMux(store, pub, pool, res, nil, nil, "", "", nil)

	body, _ := json.Marshal(map[string]string{"uri": "tezos-storage://KT1UnknownContractAddressXXXXXXXXXXXX/metadata"})
	req := httptest.NewRequest("POST", "/v1/resolve", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Code != "TZM_NO_NODE_KNOWS_CONTRACT" {
		t.Errorf("error code = %s, want TZM_NO_NODE_KNOWS_CONTRACT", envelope.Error.Code)
	}

	if len(pub.resolutions) != 1 || pub.resolutions[0].Status != model.ResolutionError {
		t.Errorf("published resolutions = %+v, want one error record", pub.resolutions)
	}
}
