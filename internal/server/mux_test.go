// Package server provides unit tests for the HTTP endpoints.
package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tezmeta/tezmeta-go/internal/archive"
	"github.com/tezmeta/tezmeta-go/internal/auth"
	"github.com/tezmeta/tezmeta-go/internal/config"
	"github.com/tezmeta/tezmeta-go/internal/event"
	"github.com/tezmeta/tezmeta-go/internal/introspect"
	"github.com/tezmeta/tezmeta-go/internal/model"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/resolver"
	"github.com/tezmeta/tezmeta-go/internal/rpc"
	"github.com/tezmeta/tezmeta-go/internal/storage"
)

// newTestServer builds a full mux over a memory store, a noop
// publisher, and an empty node pool. Auth is off unless issuer is set.
func newTestServer(t *testing.T, nodes []config.Node, issuer, audience string) *httptest.Server {
	t.Helper()
	client := rpc.New(0)
	pool := nodepool.New(nodes, client, slog.Default(), nil, nil)
	intro := introspect.New(client, slog.Default(), nil)
	res := resolver.New(pool, intro, slog.Default(), nil)

	var verifier *auth.Verifier
	if issuer != "" {
		verifier = auth.NewTestVerifier()
	}
	mux := NewMux(storage.NewMemory(), event.NewNoop(), pool, res, verifier, nil, issuer, audience, nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

// decodeData decodes the "data" envelope of a success response.
func decodeData(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		t.Fatalf("decode data: %v", err)
	}
}

// decodeError decodes the "error" envelope.
func decodeError(t *testing.T, resp *http.Response) (code, message string) {
	t.Helper()
	defer resp.Body.Close()
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	return envelope.Error.Code, envelope.Error.Message
}

// TestHealthz tests the liveness endpoint.
func TestHealthz(t *testing.T) {
	srv := newTestServer(t, nil, "", "")
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

// TestParseEndpoint tests GET /v1/parse for a sha256-wrapped location
// and the missing-parameter error.
func TestParseEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, "", "")

	resp, err := http.Get(srv.URL + "/v1/parse?uri=" + "ipfs://QmTestCID/meta.json")
	if err != nil {
		t.Fatalf("GET /v1/parse error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		Location struct {
			Kind string `json:"kind"`
			CID  string `json:"cid"`
		} `json:"location"`
	}
	decodeData(t, resp, &data)
	if data.Location.Kind != "ipfs" || data.Location.CID != "QmTestCID" {
		t.Errorf("location = %+v", data.Location)
	}

	resp, err = http.Get(srv.URL + "/v1/parse")
	if err != nil {
		t.Fatalf("GET /v1/parse error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status without uri = %d, want 400", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "TZM_BAD_REQUEST" {
		t.Errorf("error code = %s, want TZM_BAD_REQUEST", code)
	}
}

// TestParseMalformedURI tests the typed error for an undecodable URI.
func TestParseMalformedURI(t *testing.T) {
	srv := newTestServer(t, nil, "", "")
	resp, err := http.Get(srv.URL + "/v1/parse?uri=no-scheme-here")
	if err != nil {
		t.Fatalf("GET /v1/parse error = %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "TZM_MALFORMED_URI" {
		t.Errorf("error code = %s, want TZM_MALFORMED_URI", code)
	}
}

// TestResolveEndpoint tests the full resolve path against a fake web
// host, then reads the audit log back.
func TestResolveEndpoint(t *testing.T) {
	document := `{"name":"Example","interfaces":["TZIP-12"]}`
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(document))
	}))
	t.Cleanup(host.Close)

	srv := newTestServer(t, nil, "", "")

	body, _ := json.Marshal(map[string]string{"uri": host.URL + "/meta.json"})
	resp, err := http.Post(srv.URL+"/v1/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/resolve error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var data struct {
		ID             string `json:"id"`
		Content        string `json:"content"`
		ByteSize       int    `json:"byteSize"`
		DigestSHA256   string `json:"digestSha256"`
		Classification *struct {
			Kind string `json:"kind"`
		} `json:"classification"`
	}
	decodeData(t, resp, &data)

	decoded, err := base64.StdEncoding.DecodeString(data.Content)
	if err != nil || string(decoded) != document {
		t.Errorf("content = %q (decode err %v), want document", decoded, err)
	}
	if data.ByteSize != len(document) || len(data.DigestSHA256) != 64 {
		t.Errorf("byteSize = %d, digest = %q", data.ByteSize, data.DigestSHA256)
	}
	if data.Classification == nil || data.Classification.Kind != "tzip12" {
		t.Errorf("classification = %+v, want tzip12", data.Classification)
	}

	// The resolution must appear in the audit log
	resp, err = http.Get(srv.URL + "/v1/resolutions/" + data.ID)
	if err != nil {
		t.Fatalf("GET /v1/resolutions/{id} error = %v", err)
	}
	var record struct {
		Status string `json:"status"`
		URI    string `json:"uri"`
	}
	decodeData(t, resp, &record)
	if record.Status != "ok" || record.URI != host.URL+"/meta.json" {
		t.Errorf("audit record = %+v", record)
	}
}

// TestResolveFailureAudited tests that a failed resolution returns a
// typed error and still appends an audit record.
func TestResolveFailureAudited(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	srv := newTestServer(t, nil, "", "")

	body, _ := json.Marshal(map[string]string{"uri": deadURL})
	resp, err := http.Post(srv.URL+"/v1/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /v1/resolve error = %v", err)
	}
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "TZM_FETCH_FAILED" {
		t.Errorf("error code = %s, want TZM_FETCH_FAILED", code)
	}

	resp, err = http.Get(srv.URL + "/v1/resolutions?status=error")
	if err != nil {
		t.Fatalf("GET /v1/resolutions error = %v", err)
	}
	var list struct {
		Records []struct {
			Status    string `json:"status"`
			ErrorCode string `json:"errorCode"`
		} `json:"records"`
	}
	decodeData(t, resp, &list)
	if len(list.Records) != 1 || list.Records[0].ErrorCode != "TZM_FETCH_FAILED" {
		t.Errorf("audit log = %+v, want one TZM_FETCH_FAILED record", list.Records)
	}
}

// TestNodesEndpoints tests the pool snapshot and wake endpoints.
func TestNodesEndpoints(t *testing.T) {
	srv := newTestServer(t, []config.Node{{Name: "node-a", URL: "http://node-a.invalid"}}, "", "")

	resp, err := http.Get(srv.URL + "/v1/nodes")
	if err != nil {
		t.Fatalf("GET /v1/nodes error = %v", err)
	}
	var data struct {
		Nodes []struct {
			Name  string `json:"name"`
			State string `json:"state"`
		} `json:"nodes"`
	}
	decodeData(t, resp, &data)
	if len(data.Nodes) != 1 || data.Nodes[0].Name != "node-a" || data.Nodes[0].State != "uninitialized" {
		t.Errorf("nodes = %+v", data.Nodes)
	}

	resp, err = http.Post(srv.URL+"/v1/nodes/wake", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/nodes/wake error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("wake status = %d, want 202", resp.StatusCode)
	}
}

// TestGetResolutionNotFound tests the 404 path of the audit log.
func TestGetResolutionNotFound(t *testing.T) {
	srv := newTestServer(t, nil, "", "")
	resp, err := http.Get(srv.URL + "/v1/resolutions/01JMISSING")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "TZM_NOT_FOUND" {
		t.Errorf("error code = %s, want TZM_NOT_FOUND", code)
	}
}

// TestArchiveDownloadURL tests that a record fetch carries a presigned
// archive link for archived documents and none for failures.
func TestArchiveDownloadURL(t *testing.T) {
	store := storage.NewMemory()
	archiver, err := archive.NewS3Client("http://127.0.0.1:9000", "us-east-1", "tzmeta-archive", "test-key", "test-secret")
	if err != nil {
		t.Fatalf("NewS3Client() error = %v", err)
	}

	client := rpc.New(0)
	pool := nodepool.New(nil, client, slog.Default(), nil, nil)
	intro := introspect.New(client, slog.Default(), nil)
	res := resolver.New(pool, intro, slog.Default(), nil)
	mux := NewMux(store, event.NewNoop(), pool, res, nil, archiver, "", "", nil)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	digest := strings.Repeat("ab", 32)
	records := []model.ResolutionRecord{
		{ID: "01J000000000000000000000AA", URI: "https://example.com/m.json",
			Status: model.ResolutionOK, DigestSHA256: digest, ResolvedAt: time.Now().UTC()},
		{ID: "01J000000000000000000000AB", URI: "https://example.com/m.json",
			Status: model.ResolutionError, ErrorCode: "TZM_FETCH_FAILED", ResolvedAt: time.Now().UTC()},
	}
	for _, rec := range records {
		if err := store.RecordResolution(context.Background(), rec); err != nil {
			t.Fatalf("RecordResolution(%s) error = %v", rec.ID, err)
		}
	}

	resp, err := http.Get(srv.URL + "/v1/resolutions/" + records[0].ID)
	if err != nil {
		t.Fatalf("GET archived record error = %v", err)
	}
	var archived struct {
		Status      string `json:"status"`
		DownloadURL string `json:"downloadUrl"`
	}
	decodeData(t, resp, &archived)
	if archived.DownloadURL == "" {
		t.Fatal("archived record carries no download URL")
	}
	if !strings.Contains(archived.DownloadURL, digest) {
		t.Errorf("download URL %q does not address the document digest", archived.DownloadURL)
	}

	resp, err = http.Get(srv.URL + "/v1/resolutions/" + records[1].ID)
	if err != nil {
		t.Fatalf("GET failed record error = %v", err)
	}
	var failed struct {
		DownloadURL string `json:"downloadUrl"`
	}
	decodeData(t, resp, &failed)
	if failed.DownloadURL != "" {
		t.Errorf("failed record carries download URL %q, want none", failed.DownloadURL)
	}
}

// TestMethodGuard tests that a wrong method is rejected.
func TestMethodGuard(t *testing.T) {
	srv := newTestServer(t, nil, "", "")
	resp, err := http.Post(srv.URL+"/v1/parse", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /v1/parse error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

// signTestToken builds an unsigned token the test verifier accepts.
func signTestToken(t *testing.T, issuer, audience string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"iss": issuer,
		"aud": audience,
		"sub": "tester",
		"exp": float64(time.Now().Add(time.Hour).Unix()),
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return signed
}

// TestAuthEnforcement tests that configured auth gates the API
// endpoints but not the health probes.
func TestAuthEnforcement(t *testing.T) {
	srv := newTestServer(t, nil, "https://issuer.example", "tzmeta")

	resp, err := http.Get(srv.URL + "/v1/nodes")
	if err != nil {
		t.Fatalf("GET /v1/nodes error = %v", err)
	}
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}
	if code, _ := decodeError(t, resp); code != "TZM_AUTHN" {
		t.Errorf("error code = %s, want TZM_AUTHN", code)
	}

	req, _ := http.NewRequest("GET", srv.URL+"/v1/nodes", nil)
	req.Header.Set("Authorization", "Bearer "+signTestToken(t, "https://issuer.example", "tzmeta"))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("authenticated GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("authenticated status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 without auth", resp.StatusCode)
	}
}

// TestCorrelationIDHeader tests that the middleware echoes or mints the
// correlation id.
func TestCorrelationIDHeader(t *testing.T) {
	srv := newTestServer(t, nil, "", "")

	req, _ := http.NewRequest("GET", srv.URL+"/v1/nodes", nil)
	req.Header.Set("X-Correlation-Id", "corr-123")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-Id"); got != "corr-123" {
		t.Errorf("echoed correlation id = %q, want corr-123", got)
	}

	resp, err = http.Get(srv.URL + "/v1/nodes")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-Id") == "" {
		t.Error("no correlation id minted")
	}
}
