package custodianapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
)

// Client implements interfaces.KeyCustodian against a remote custodian
// server. Stages running in separate TEE instances use it transparently in
// place of an in-process custodian.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient creates a custodian client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{BaseURL: baseURL, HTTPClient: http.DefaultClient}
}

// Provision implements interfaces.KeyCustodian.
func (c *Client) Provision(ctx context.Context, id interfaces.KeyID, key []byte, policy interfaces.AttestationPolicy) error {
	identities := make([]string, 0, len(policy.AllowedIdentities))
	for _, identity := range policy.AllowedIdentities {
		identities = append(identities, identity.String())
	}

	body, err := json.Marshal(provisionRequest{
		Key:               base64.StdEncoding.EncodeToString(key),
		AllowedIdentities: identities,
		TTLSeconds:        int64(policy.TTL.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("could not encode provision request: %w", err)
	}

	url := fmt.Sprintf("%s/api/custodian/keys/%s", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("could not request custodian: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("custodian returned %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// ReleaseKey implements interfaces.KeyCustodian.
func (c *Client) ReleaseKey(ctx context.Context, id interfaces.KeyID, evidence interfaces.AttestationEvidence) ([]byte, error) {
	body, err := json.Marshal(releaseRequest{
		Type:       evidence.Type,
		Quote:      base64.StdEncoding.EncodeToString(evidence.Quote),
		ReportData: base64.StdEncoding.EncodeToString(evidence.ReportData[:]),
	})
	if err != nil {
		return nil, fmt.Errorf("could not encode release request: %w", err)
	}

	url := fmt.Sprintf("%s/api/custodian/keys/%s/release", c.BaseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not initialize request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not request custodian: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read custodian response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return raw, nil
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrKeyNotFound, string(raw))
	default:
		return nil, fmt.Errorf("%w: custodian returned %d: %s", interfaces.ErrKeyReleaseDenied, resp.StatusCode, string(raw))
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
