// internal/rpc/client.go
// Package rpc provides a client for the chain-node RPCs consumed by the
// tezmeta service: the head-metadata liveness probe, contract storage
// and script reads, and big-map entry lookups.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"time"

	"github.com/tezmeta/tezmeta-go/internal/micheline"
)

// Client issues chain-node RPC requests against a node URL prefix.
type Client struct {
	hc *http.Client // HTTP client with custom timeouts
}

// ErrNotFound is returned when the node answers 404, e.g. for an absent
// big-map entry.
var ErrNotFound = errors.New("rpc: not found")

// StatusError is returned for non-200, non-404 answers so callers can
// report the status detail.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rpc: unexpected status %s", e.Status)
}

// New creates a new chain-node RPC client with the given overall
// request timeout. A zero timeout leaves cancellation entirely to the
// caller's context, which the node pool uses for its probe race.
func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}
	return &Client{
		hc: &http.Client{Transport: transport, Timeout: timeout},
	}
}

// HeadMetadata performs the liveness probe: GET
// {node}/chains/main/blocks/head/metadata. Any JSON body on 200 counts
// as alive; the raw body is returned for display.
func (c *Client) HeadMetadata(ctx context.Context, node string) (string, error) {
	body, err := c.get(ctx, node+"/chains/main/blocks/head/metadata")
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetStorage fetches the current storage value of a contract as a
// Micheline tree.
func (c *Client) GetStorage(ctx context.Context, node, address string) (*micheline.Node, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/chains/main/blocks/head/context/contracts/%s/storage", node, address))
	if err != nil {
		return nil, err
	}
	return micheline.Parse(body)
}

// GetScript fetches the code of a contract as a Micheline tree. The
// response envelope is {"code": ..., "storage": ...}; only the code is
// returned.
func (c *Client) GetScript(ctx context.Context, node, address string) (*micheline.Node, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/chains/main/blocks/head/context/contracts/%s/script", node, address))
	if err != nil {
		return nil, err
	}
	var envelope struct {
		Code *micheline.Node `json:"code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("rpc: malformed script envelope: %w", err)
	}
	if envelope.Code == nil {
		return nil, fmt.Errorf("rpc: script envelope has no code")
	}
	return envelope.Code, nil
}

// GetBigMapValue fetches one big-map entry by the expr-hash of its key.
// Absent entries yield ErrNotFound.
func (c *Client) GetBigMapValue(ctx context.Context, node string, id *big.Int, keyHash string) (*micheline.Node, error) {
	body, err := c.get(ctx, fmt.Sprintf("%s/chains/main/blocks/head/context/big_maps/%s/%s", node, id.String(), keyHash))
	if err != nil {
		return nil, err
	}
	return micheline.Parse(body)
}

// get issues a GET request and returns the body for a 200 answer.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return io.ReadAll(resp.Body)
	case http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, &StatusError{Status: resp.Status}
	}
}
