// ABOUTME: HTTP client for calling peer gateways' mesh endpoints
// ABOUTME: Attaches a mesh token and decodes exchange and host list responses

package mesh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// TokenIssuer mints the bearer token sent to peers.
type TokenIssuer interface {
	Issue(subject string) (string, error)
}

// Peers calls other gateways.
type Peers interface {
	Exchange(ctx context.Context, peerURL string, req ExchangeRequest) (*ExchangeResponse, error)
	Hosts(ctx context.Context, peerURL string) (*HostsResponse, error)
}

// PeerClient is the HTTP implementation of Peers.
type PeerClient struct {
	http   *http.Client
	tokens TokenIssuer
	selfID func() string
}

// NewPeerClient creates a client. tokens may be nil when the mesh runs without
// a shared secret; selfID supplies the token subject.
func NewPeerClient(client *http.Client, tokens TokenIssuer, selfID func() string) *PeerClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &PeerClient{http: client, tokens: tokens, selfID: selfID}
}

// Exchange posts req to the peer's /api/mesh/exchange.
func (c *PeerClient) Exchange(ctx context.Context, peerURL string, req ExchangeRequest) (*ExchangeResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding exchange request: %w", err)
	}

	var resp ExchangeResponse
	if err := c.do(ctx, http.MethodPost, peerURL+"/api/mesh/exchange", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Hosts fetches the peer's registry.
func (c *PeerClient) Hosts(ctx context.Context, peerURL string) (*HostsResponse, error) {
	var resp HostsResponse
	if err := c.do(ctx, http.MethodGet, peerURL+"/api/mesh/hosts", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *PeerClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokens != nil {
		subject := ""
		if c.selfID != nil {
			subject = c.selfID()
		}
		token, err := c.tokens.Issue(subject)
		if err != nil {
			return fmt.Errorf("issuing mesh token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &e)
		if e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, e.Error)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
