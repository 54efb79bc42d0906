// Package conformance provides a test harness for verifying resolution
// behavior end to end: a full service instance wired against a fake
// chain node and a fake web host.
package conformance

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/tezmeta/tezmeta-go/internal/config"
	"github.com/tezmeta/tezmeta-go/internal/event"
	"github.com/tezmeta/tezmeta-go/internal/introspect"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/resolver"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
	"github.com/tezmeta/tezmeta-go/internal/server"
	"github.com/tezmeta/tezmeta-go/internal/storage"
)

// Contract served by the fake chain node.
const testContract = "KT1RJ6PbjHpwc3M5rw5s2Nbmefwbuwbdxton"

// Config holds configuration for the conformance test harness.
type Config struct {
	// Document is the metadata document served by both fakes; a
	// default is used when empty.
	Document string
}

// Harness runs a full service instance over fakes.
type Harness struct {
	server *httptest.Server
	chain  *httptest.Server
	web    *httptest.Server
	store  storage.Store

	document string
}

// NewHarness creates a harness: fake chain node, fake web host, and a
// service wired to both through a single-node pool.
func NewHarness(cfg Config) (*Harness, error) {
	document := cfg.Document
	if document == "" {
		document = `{"name":"Conformance","interfaces":["TZIP-12"]}`
	}

	chain := httptest.NewServer(chainHandler(document))
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/meta.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(document))
	}))

	client := rpc.New(0)
	pool := nodepool.New([]config.Node{{Name: "fake-node", URL: chain.URL}}, client, slog.Default(), nil, nil)
	intro := introspect.New(client, slog.Default(), nil)
	res := resolver.New(pool, intro, slog.Default(), nil)
	store := storage.NewMemory()

	mux := server.NewMux(store, event.NewNoop(), pool, res, nil, nil, "", "", nil)

	return &Harness{
		server:   httptest.NewServer(mux),
		chain:    chain,
		web:      web,
		store:    store,
		document: document,
	}, nil
}

// chainHandler serves the storage, script, and big-map RPCs of one
// contract whose metadata big map holds the document under every key.
func chainHandler(document string) http.Handler {
	base := "/chains/main/blocks/head"
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/metadata"):
			w.Write([]byte(`{"protocol":"PtConformance"}`))
		case r.URL.Path == base+"/context/contracts/"+testContract+"/storage":
			w.Write([]byte(`{"int": "7"}`))
		case r.URL.Path == base+"/context/contracts/"+testContract+"/script":
			w.Write([]byte(`{"code": [
				{"prim": "parameter", "args": [{"prim": "unit"}]},
				{"prim": "storage", "args": [
					{"prim": "big_map", "annots": ["%metadata"],
					 "args": [{"prim": "string"}, {"prim": "bytes"}]}
				]},
				{"prim": "code", "args": [[]]}
			], "storage": {"int": "7"}}`))
		case strings.HasPrefix(r.URL.Path, base+"/context/big_maps/7/"):
			w.Write([]byte(`{"bytes": "` + hex.EncodeToString([]byte(document)) + `"}`))
		default:
			http.NotFound(w, r)
		}
	})
}

// URL returns the base URL of the service under test.
func (h *Harness) URL() string {
	return h.server.URL
}

// WebURL returns the document URL on the fake web host.
func (h *Harness) WebURL() string {
	return h.web.URL + "/meta.json"
}

// Close shuts down the service and both fakes.
func (h *Harness) Close() {
	h.server.Close()
	h.chain.Close()
	h.web.Close()
}

// RunConformanceTests runs the full resolution conformance suite.
func (h *Harness) RunConformanceTests(t *testing.T) {
	t.Run("HealthEndpoints", h.testHealthEndpoints)
	t.Run("ParseWithFindings", h.testParseWithFindings)
	t.Run("ResolveWeb", h.testResolveWeb)
	t.Run("ResolveStorage", h.testResolveStorage)
	t.Run("DigestVerification", h.testDigestVerification)
	t.Run("AuditLog", h.testAuditLog)
	t.Run("NodeOperations", h.testNodeOperations)
}

// resolve posts one resolution request and returns the decoded body
// and status.
func (h *Harness) resolve(t *testing.T, uriText, contract string) (map[string]json.RawMessage, int) {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"uri": uriText, "contract": contract})
	resp, err := http.Post(h.URL()+"/v1/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/resolve: %v", err)
	}
	defer resp.Body.Close()
	var envelope map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode resolve response: %v", err)
	}
	return envelope, resp.StatusCode
}

// content extracts the resolved payload of a successful response.
func (h *Harness) content(t *testing.T, envelope map[string]json.RawMessage) string {
	t.Helper()
	var data struct {
		Content string `json:"content"`
	}
	if err := json.Unmarshal(envelope["data"], &data); err != nil {
		t.Fatalf("decode data: %v", err)
	}
	decoded, err := base64.StdEncoding.DecodeString(data.Content)
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	return string(decoded)
}

func (h *Harness) testHealthEndpoints(t *testing.T) {
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(h.URL() + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s status = %d, want 200", path, resp.StatusCode)
		}
	}
}

func (h *Harness) testParseWithFindings(t *testing.T) {
	resp, err := http.Get(h.URL() + "/v1/parse?uri=" + url.QueryEscape("tezos-storage://notanaddress.nowherenet/metadata"))
	if err != nil {
		t.Fatalf("GET /v1/parse: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 despite findings", resp.StatusCode)
	}
	var envelope struct {
		Data struct {
			Findings []struct {
				Kind string `json:"kind"`
			} `json:"findings"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelope.Data.Findings) != 2 {
		t.Errorf("findings = %+v, want address and network findings", envelope.Data.Findings)
	}
}

func (h *Harness) testResolveWeb(t *testing.T) {
	envelope, status := h.resolve(t, h.WebURL(), "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, envelope["error"])
	}
	if got := h.content(t, envelope); got != h.document {
		t.Errorf("content = %q, want document", got)
	}
}

func (h *Harness) testResolveStorage(t *testing.T) {
	envelope, status := h.resolve(t, "tezos-storage://"+testContract+"/metadata", "")
	if status != http.StatusOK {
		t.Fatalf("status = %d, body %s", status, envelope["error"])
	}
	if got := h.content(t, envelope); got != h.document {
		t.Errorf("content = %q, want document", got)
	}

	// Contract context form: the URI names no address
	envelope, status = h.resolve(t, "tezos-storage:metadata", testContract)
	if status != http.StatusOK {
		t.Fatalf("contextual status = %d, body %s", status, envelope["error"])
	}
}

func (h *Harness) testDigestVerification(t *testing.T) {
	digest := sha256.Sum256([]byte(h.document))
	wrapped := "sha256://0x" + hex.EncodeToString(digest[:]) + "/" + url.PathEscape(h.WebURL())

	_, status := h.resolve(t, wrapped, "")
	if status != http.StatusOK {
		t.Fatalf("verified resolve status = %d, want 200", status)
	}

	digest[0] ^= 0x01
	tampered := "sha256://0x" + hex.EncodeToString(digest[:]) + "/" + url.PathEscape(h.WebURL())
	envelope, status := h.resolve(t, tampered, "")
	if status != http.StatusBadGateway {
		t.Fatalf("tampered resolve status = %d, want 502", status)
	}
	var errObj struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(envelope["error"], &errObj); err != nil || errObj.Code != "TZM_DIGEST_MISMATCH" {
		t.Errorf("error = %s, want TZM_DIGEST_MISMATCH", envelope["error"])
	}
}

func (h *Harness) testAuditLog(t *testing.T) {
	resp, err := http.Get(h.URL() + "/v1/resolutions?limit=100")
	if err != nil {
		t.Fatalf("GET /v1/resolutions: %v", err)
	}
	defer resp.Body.Close()
	var envelope struct {
		Data struct {
			Records []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"records"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelope.Data.Records) == 0 {
		t.Fatal("audit log empty after resolutions")
	}

	first := envelope.Data.Records[0]
	resp, err = http.Get(h.URL() + "/v1/resolutions/" + first.ID)
	if err != nil {
		t.Fatalf("GET /v1/resolutions/{id}: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("record fetch status = %d, want 200", resp.StatusCode)
	}
}

func (h *Harness) testNodeOperations(t *testing.T) {
	resp, err := http.Get(h.URL() + "/v1/nodes")
	if err != nil {
		t.Fatalf("GET /v1/nodes: %v", err)
	}
	defer resp.Body.Close()
	var envelope struct {
		Data struct {
			Nodes []struct {
				Name string `json:"name"`
			} `json:"nodes"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(envelope.Data.Nodes) != 1 || envelope.Data.Nodes[0].Name != "fake-node" {
		t.Errorf("nodes = %+v", envelope.Data.Nodes)
	}

	resp, err = http.Post(h.URL()+"/v1/nodes/wake", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/nodes/wake: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("wake status = %d, want 202", resp.StatusCode)
	}

	locateURL := fmt.Sprintf("%s/v1/nodes/locate?contract=%s", h.URL(), testContract)
	resp, err = http.Get(locateURL)
	if err != nil {
		t.Fatalf("GET /v1/nodes/locate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("locate status = %d, want 200", resp.StatusCode)
	}
}
