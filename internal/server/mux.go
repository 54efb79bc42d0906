// internal/server/mux.go
// Package server implements the HTTP handlers and routing for the
// tezmeta service: URI parsing, metadata resolution, node pool
// inspection, and the resolution audit log, with optional JWT
// authentication and event publishing.
package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/tezmeta/tezmeta-go/internal/archive"
	"github.com/tezmeta/tezmeta-go/internal/auth"
	"github.com/tezmeta/tezmeta-go/internal/classifier"
	errordefs "github.com/tezmeta/tezmeta-go/internal/errors"
	"github.com/tezmeta/tezmeta-go/internal/event"
	"github.com/tezmeta/tezmeta-go/internal/metadata"
	"github.com/tezmeta/tezmeta-go/internal/metrics"
	"github.com/tezmeta/tezmeta-go/internal/model"
	"github.com/tezmeta/tezmeta-go/internal/nodepool"
	"github.com/tezmeta/tezmeta-go/internal/resolver"
	"github.com/tezmeta/tezmeta-go/internal/storage"
	"github.com/tezmeta/tezmeta-go/internal/uri"
	"github.com/tezmeta/tezmeta-go/internal/validator"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	// Context keys for storing request-scoped values
	ContextKeySubject       ContextKey = "subject"       // JWT subject, when auth is enforced
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking
)

// downloadURLTTL is the lifetime of presigned archive download links.
const downloadURLTTL = 15 * time.Minute

// Mux handles HTTP requests for the tezmeta service. It owns the
// routing table and the dependencies the handlers share.
type Mux struct {
	mux      *http.ServeMux
	s        storage.Store
	p        event.Publisher
	pool     *nodepool.Pool
	res      *resolver.Resolver
	schema   *metadata.Validator
	verifier *auth.Verifier
	archiver *archive.S3Client
	metrics  *metrics.Metrics

	// Auth configuration; auth is enforced only when jwtIssuer is set
	jwtIssuer   string
	jwtAudience string

	// CORS configuration
	corsAllowedOrigins []string // Allowed origins (empty means deny all)
}

// NewMux creates the HTTP mux with all tezmeta endpoints. The verifier
// and archiver may be nil when the corresponding features are not
// configured.
func NewMux(s storage.Store, p event.Publisher, pool *nodepool.Pool, res *resolver.Resolver,
	verifier *auth.Verifier, archiver *archive.S3Client,
	jwtIssuer, jwtAudience string, corsAllowedOrigins []string) *http.ServeMux {

	schema, err := metadata.NewValidator()
	if err != nil {
		slog.Error("failed to initialize metadata schema validator", "error", err)
		os.Exit(1)
	}

	if jwtIssuer != "" && verifier == nil {
		verifier = auth.NewVerifier(fmt.Sprintf("%s/.well-known/jwks.json", jwtIssuer))
	}

	m := &Mux{
		mux:                http.NewServeMux(),
		s:                  s,
		p:                  p,
		pool:               pool,
		res:                res,
		schema:             schema,
		verifier:           verifier,
		archiver:           archiver,
		metrics:            metrics.NewMetrics(),
		jwtIssuer:          jwtIssuer,
		jwtAudience:        jwtAudience,
		corsAllowedOrigins: corsAllowedOrigins,
	}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/v1/parse", m.method("GET", m.withMiddleware("/v1/parse", m.handleParse)))
	m.mux.HandleFunc("/v1/resolve", m.method("POST", m.withMiddleware("/v1/resolve", m.handleResolve)))
	m.mux.HandleFunc("/v1/nodes", m.method("GET", m.withMiddleware("/v1/nodes", m.handleNodes)))
	m.mux.HandleFunc("/v1/nodes/wake", m.method("POST", m.withMiddleware("/v1/nodes/wake", m.handleWake)))
	m.mux.HandleFunc("/v1/nodes/locate", m.method("GET", m.withMiddleware("/v1/nodes/locate", m.handleLocate)))
	m.mux.HandleFunc("/v1/resolutions", m.method("GET", m.withMiddleware("/v1/resolutions", m.handleListResolutions)))
	m.mux.HandleFunc("/v1/resolutions/", m.method("GET", m.withMiddleware("/v1/resolutions/{id}", m.handleGetResolution)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && r.Method != "OPTIONS" {
			m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "method not allowed"))
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the response status for logging and metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies common middleware: CORS, correlation id,
// optional JWT authentication, metrics, and request logging. route is
// the registered pattern, used as the metrics path label so record ids
// don't explode cardinality.
func (m *Mux) withMiddleware(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		m.setCORSHeaders(w, r)
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		// Add correlation ID if not present
		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		r = r.WithContext(context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID))
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		// Enforce bearer auth when an issuer is configured
		if m.jwtIssuer != "" {
			subject, err := m.validateJWT(r)
			if err != nil {
				var errorDef *errordefs.Error
				if !errors.As(err, &errorDef) {
					errorDef = errordefs.New(errordefs.TZM_AUTHN, err.Error())
				}
				errorDef.CorrelationID = correlationID
				m.writeErrorDef(rec, errorDef)
				m.finishRequest(r, route, rec.status, start, correlationID, err)
				return
			}
			r = r.WithContext(context.WithValue(r.Context(), ContextKeySubject, subject))
		}

		h(rec, r)
		m.finishRequest(r, route, rec.status, start, correlationID, nil)
	}
}

// setCORSHeaders applies the allowlist for both preflight and regular
// requests.
func (m *Mux) setCORSHeaders(w http.ResponseWriter, r *http.Request) {
	if len(m.corsAllowedOrigins) == 0 {
		return
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range m.corsAllowedOrigins {
		if allowed == "*" || allowed == origin {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id")
			w.Header().Set("Access-Control-Max-Age", "86400")
			return
		}
	}
}

// validateJWT validates a bearer token and extracts its subject.
func (m *Mux) validateJWT(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errordefs.New(errordefs.TZM_AUTHN, "missing Authorization header")
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", errordefs.New(errordefs.TZM_AUTHN, "invalid Authorization header format")
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")

	claims, err := m.verifier.ValidateToken(r.Context(), tokenString, m.jwtIssuer, m.jwtAudience)
	if err != nil {
		return "", errordefs.Newf(errordefs.TZM_AUTHN, "failed to validate token: %v", err)
	}
	subject, ok := claims["sub"].(string)
	if !ok || subject == "" {
		return "", errordefs.New(errordefs.TZM_AUTHN, "missing or invalid sub claim")
	}
	return subject, nil
}

// finishRequest records metrics and logs the completed request.
func (m *Mux) finishRequest(r *http.Request, route string, status int, start time.Time, correlationID string, err error) {
	duration := time.Since(start)
	statusText := strconv.Itoa(status)
	m.metrics.HTTPRequestTotal.WithLabelValues(r.Method, route, statusText).Inc()
	m.metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, statusText).Observe(duration.Seconds())

	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("remote_addr", r.RemoteAddr),
		slog.String("correlation_id", correlationID),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		slog.LogAttrs(r.Context(), slog.LevelError, "request completed with error", attrs...)
	} else {
		slog.LogAttrs(r.Context(), slog.LevelInfo, "request completed", attrs...)
	}
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error response following the TZM error taxonomy
func (m *Mux) writeErrorDef(w http.ResponseWriter, err *errordefs.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus)
	body := map[string]interface{}{
		"code":          string(err.Code),
		"message":       err.Message,
		"correlationId": err.CorrelationID,
	}
	if err.Details != nil {
		body["details"] = err.Details
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// correlationID pulls the middleware-assigned id back out of the context.
func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(ContextKeyCorrelationID).(string)
	return id
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz handles readiness health check requests. The service is
// ready when the audit store answers queries.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	// A miss proves the store is reachable; any other error does not.
	_, err := m.s.GetResolution(ctx, "health-check")
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// locationView is the JSON rendering of a parsed location tree.
type locationView struct {
	Kind    string        `json:"kind"`
	URL     string        `json:"url,omitempty"`
	CID     string        `json:"cid,omitempty"`
	Path    string        `json:"path,omitempty"`
	Network string        `json:"network,omitempty"`
	Address string        `json:"address,omitempty"`
	Key     string        `json:"key,omitempty"`
	Digest  string        `json:"digest,omitempty"`
	Target  *locationView `json:"target,omitempty"`
}

func viewOf(loc *uri.Location) *locationView {
	if loc == nil {
		return nil
	}
	v := &locationView{
		Kind:    loc.Kind.String(),
		URL:     loc.URL,
		CID:     loc.CID,
		Path:    loc.Path,
		Network: loc.Network,
		Address: loc.Address,
		Key:     loc.Key,
		Target:  viewOf(loc.Target),
	}
	if len(loc.Digest) > 0 {
		v.Digest = hex.EncodeToString(loc.Digest)
	}
	return v
}

// handleParse handles GET /v1/parse?uri=. Pure parsing plus advisory
// findings, no network traffic.
func (m *Mux) handleParse(w http.ResponseWriter, r *http.Request) {
	_, span := otel.Tracer("tzmeta-service").Start(r.Context(), "handleParse")
	defer span.End()

	text := r.URL.Query().Get("uri")
	if text == "" {
		span.SetStatus(codes.Error, "uri is required")
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "uri query parameter is required").
			WithCorrelationID(correlationID(r.Context())))
		return
	}
	span.SetAttributes(attribute.String("uri", text))

	loc, err := uri.Parse(text)
	if err != nil {
		span.SetStatus(codes.Error, "malformed uri")
		m.writeTypedError(w, r, err)
		return
	}

	m.writeSuccess(w, http.StatusOK, map[string]interface{}{
		"uri":      text,
		"location": viewOf(loc),
		"findings": validator.Check(loc),
	})
}

// resolveRequest is the body of POST /v1/resolve.
type resolveRequest struct {
	URI      string `json:"uri"`
	Contract string `json:"contract,omitempty"`
}

// resolveResponse is the success payload of POST /v1/resolve.
type resolveResponse struct {
	ID             string              `json:"id"`
	Content        []byte              `json:"content"` // base64 in JSON
	ByteSize       int                 `json:"byteSize"`
	DigestSHA256   string              `json:"digestSha256"`
	Findings       []validator.Finding `json:"findings,omitempty"`
	SchemaFindings []string            `json:"schemaFindings,omitempty"`
	Classification *classifier.Result  `json:"classification,omitempty"`
}

// handleResolve handles POST /v1/resolve. Every call appends exactly
// one audit record, successful or not.
func (m *Mux) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tzmeta-service").Start(r.Context(), "handleResolve")
	defer span.End()
	defer r.Body.Close()

	cid := correlationID(ctx)
	start := time.Now()

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		span.SetStatus(codes.Error, "invalid JSON")
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "invalid JSON").WithCorrelationID(cid))
		return
	}
	if req.URI == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "uri is required").WithCorrelationID(cid))
		return
	}
	span.SetAttributes(
		attribute.String("uri", req.URI),
		attribute.Bool("has_contract", req.Contract != ""),
	)

	record := model.ResolutionRecord{
		ID:            newRecordID(),
		URI:           req.URI,
		Contract:      req.Contract,
		CorrelationID: cid,
	}

	loc, err := uri.Parse(req.URI)
	if err != nil {
		span.SetStatus(codes.Error, "malformed uri")
		m.auditFailure(ctx, record, start, err)
		m.writeTypedError(w, r, err)
		return
	}
	findings := validator.Check(loc)

	payload, err := m.res.Resolve(ctx, loc, req.Contract)
	if err != nil {
		span.SetStatus(codes.Error, "resolution failed")
		m.auditFailure(ctx, record, start, err)
		m.writeTypedError(w, r, err)
		return
	}

	digest := sha256.Sum256(payload)
	digestHex := hex.EncodeToString(digest[:])

	resp := resolveResponse{
		ID:           record.ID,
		Content:      payload,
		ByteSize:     len(payload),
		DigestSHA256: digestHex,
		Findings:     findings,
	}
	if schemaFindings, err := m.schema.Validate(payload); err == nil {
		resp.SchemaFindings = schemaFindings
	} else {
		slog.Warn("schema validation skipped", "error", err, "correlation_id", cid)
	}
	classification := ""
	if doc, err := metadata.Parse(payload); err == nil {
		result := classifier.Classify(doc)
		resp.Classification = &result
		classification = string(result.Kind)
	}

	if m.archiver != nil {
		if err := m.archiver.PutDocument(ctx, digestHex, payload, "application/json"); err != nil {
			slog.Warn("document archive failed", "digest", digestHex, "error", err)
		}
	}

	record.Status = model.ResolutionOK
	record.ByteSize = len(payload)
	record.DigestSHA256 = digestHex
	record.Classification = classification
	record.ResolvedAt = time.Now().UTC()
	record.DurationMS = time.Since(start).Milliseconds()
	m.audit(ctx, record)

	m.writeSuccess(w, http.StatusOK, resp)
}

// auditFailure completes and stores the audit record for a failed
// resolution.
func (m *Mux) auditFailure(ctx context.Context, record model.ResolutionRecord, start time.Time, cause error) {
	record.Status = model.ResolutionError
	record.ErrorCode = string(errordefs.CodeOf(cause))
	record.ErrorMessage = cause.Error()
	record.ResolvedAt = time.Now().UTC()
	record.DurationMS = time.Since(start).Milliseconds()
	m.audit(ctx, record)
}

// audit stores and publishes one resolution record. Audit problems are
// logged, never surfaced to the caller.
func (m *Mux) audit(ctx context.Context, record model.ResolutionRecord) {
	if err := m.s.RecordResolution(ctx, record); err != nil {
		slog.Warn("failed to store resolution record", "id", record.ID, "error", err)
	}
	if err := m.p.PublishResolutionCompleted(ctx, record); err != nil {
		slog.Warn("failed to publish resolution event", "id", record.ID, "error", err)
	}
}

// writeTypedError maps a typed error onto the wire, attaching the
// request correlation id.
func (m *Mux) writeTypedError(w http.ResponseWriter, r *http.Request, err error) {
	var errorDef *errordefs.Error
	if !errors.As(err, &errorDef) {
		errorDef = errordefs.New(errordefs.TZM_INTERNAL, err.Error())
	}
	m.writeErrorDef(w, errorDef.WithCorrelationID(correlationID(r.Context())))
}

// nodeView is the JSON rendering of one pool endpoint.
type nodeView struct {
	Name   string          `json:"name"`
	URL    string          `json:"url"`
	Status nodepool.Status `json:"status"`
	State  string          `json:"state"`
}

// handleNodes handles GET /v1/nodes. The response is a point-in-time
// snapshot of the pool.
func (m *Mux) handleNodes(w http.ResponseWriter, r *http.Request) {
	endpoints := m.pool.Endpoints()
	views := make([]nodeView, len(endpoints))
	for i, ep := range endpoints {
		status := ep.Status()
		views[i] = nodeView{Name: ep.Name, URL: ep.URL, Status: status, State: status.State.String()}
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"nodes": views})
}

// handleWake handles POST /v1/nodes/wake. It schedules an immediate
// sweep without waiting for it.
func (m *Mux) handleWake(w http.ResponseWriter, r *http.Request) {
	m.pool.Wake()
	m.writeSuccess(w, http.StatusAccepted, map[string]interface{}{"status": "sweep scheduled"})
}

// handleLocate handles GET /v1/nodes/locate?contract=
func (m *Mux) handleLocate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("tzmeta-service").Start(r.Context(), "handleLocate")
	defer span.End()

	contract := r.URL.Query().Get("contract")
	if contract == "" {
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "contract query parameter is required").
			WithCorrelationID(correlationID(ctx)))
		return
	}
	span.SetAttributes(attribute.String("contract", contract))

	ep, err := m.pool.FindNodeWithContract(ctx, contract)
	if err != nil {
		span.SetStatus(codes.Error, "no node knows contract")
		m.writeTypedError(w, r, err)
		return
	}
	m.writeSuccess(w, http.StatusOK, map[string]interface{}{"node": ep.Name, "url": ep.URL})
}

// handleListResolutions handles GET /v1/resolutions with cursor
// pagination and an optional status filter.
func (m *Mux) handleListResolutions(w http.ResponseWriter, r *http.Request) {
	query := model.ListResolutionsQuery{
		Status: r.URL.Query().Get("status"),
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if v, err := strconv.Atoi(limitStr); err == nil {
			query.Limit = v
		}
	}

	result, err := m.s.ListResolutions(r.Context(), query)
	if err != nil {
		if strings.Contains(err.Error(), "cursor") {
			m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, err.Error()).
				WithCorrelationID(correlationID(r.Context())))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_INTERNAL, "failed to list resolutions").
			WithCorrelationID(correlationID(r.Context())))
		return
	}
	m.writeSuccess(w, http.StatusOK, result)
}

// resolutionView is one audit record plus a time-limited archive
// download link when the document was archived.
type resolutionView struct {
	model.ResolutionRecord
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// handleGetResolution handles GET /v1/resolutions/{id}
func (m *Mux) handleGetResolution(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/resolutions/")
	if id == "" || strings.Contains(id, "/") {
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_BAD_REQUEST, "resolution id is required").
			WithCorrelationID(correlationID(r.Context())))
		return
	}

	record, err := m.s.GetResolution(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.writeErrorDef(w, errordefs.Newf(errordefs.TZM_NOT_FOUND, "no resolution with id %s", id).
				WithCorrelationID(correlationID(r.Context())))
			return
		}
		m.writeErrorDef(w, errordefs.New(errordefs.TZM_INTERNAL, "failed to get resolution").
			WithCorrelationID(correlationID(r.Context())))
		return
	}

	view := resolutionView{ResolutionRecord: *record}
	if m.archiver != nil && record.Status == model.ResolutionOK && record.DigestSHA256 != "" {
		link, err := m.archiver.GenerateDownloadURL(r.Context(), record.DigestSHA256, downloadURLTTL)
		if err != nil {
			slog.Warn("failed to presign archive download", "id", record.ID, "error", err)
		} else {
			view.DownloadURL = link
		}
	}
	m.writeSuccess(w, http.StatusOK, view)
}

// newRecordID mints a ULID for one audit record.
func newRecordID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
