// Package clients provides HTTP clients for the executor API, used by the
// command-line tools and by services integrating against a running
// executor.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/dnat-protocol/tee-asset-execution-backend/interfaces"
	"github.com/dnat-protocol/tee-asset-execution-backend/orchestrator"
)

// ExecutorClient interacts with the executor's HTTP API.
type ExecutorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewExecutorClient creates a client for the executor API at baseURL.
func NewExecutorClient(baseURL string, timeout ...time.Duration) *ExecutorClient {
	clientTimeout := 30 * time.Second
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}

	return &ExecutorClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: clientTimeout,
		},
	}
}

// RegisterAsset registers an asset and returns its ledger id. The whitelist
// entries are application cipherRefs granted free access.
func (c *ExecutorClient) RegisterAsset(ctx context.Context, owner interfaces.AccountAddress, kind interfaces.AssetKind, cipherRef, manifestRef interfaces.ContentID, digest interfaces.ContentDigest, price *big.Int, whitelist []interfaces.ContentID) (uint64, error) {
	whitelistHex := make([]string, 0, len(whitelist))
	for _, ref := range whitelist {
		whitelistHex = append(whitelistHex, ref.String())
	}

	payload := map[string]any{
		"owner":          owner.String(),
		"kind":           kind.String(),
		"cipher_ref":     cipherRef.String(),
		"manifest_ref":   manifestRef.String(),
		"content_digest": digest.String(),
		"price":          price.String(),
		"whitelist":      whitelistHex,
	}

	var result struct {
		ID uint64 `json:"id"`
	}
	if err := c.post(ctx, "/api/assets", payload, http.StatusCreated, &result); err != nil {
		return 0, err
	}
	return result.ID, nil
}

// GetAsset fetches the asset registered under id.
func (c *ExecutorClient) GetAsset(ctx context.Context, id uint64) (*interfaces.Asset, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/api/assets/%d", c.baseURL, id), nil)
	if err != nil {
		return nil, err
	}

	var asset interfaces.Asset
	if err := c.do(req, http.StatusOK, &asset); err != nil {
		return nil, err
	}
	return &asset, nil
}

// Deposit credits an account's escrow balance.
func (c *ExecutorClient) Deposit(ctx context.Context, account interfaces.AccountAddress, amount *big.Int) error {
	payload := map[string]any{
		"account": account.String(),
		"amount":  amount.String(),
	}
	return c.post(ctx, "/api/deposit", payload, http.StatusNoContent, nil)
}

// PurchaseAccess buys the (dataset, application) grant for buyer.
func (c *ExecutorClient) PurchaseAccess(ctx context.Context, buyer interfaces.AccountAddress, datasetID, applicationID uint64, payment *big.Int) (*interfaces.PurchaseReceipt, error) {
	payload := map[string]any{
		"buyer":          buyer.String(),
		"dataset_id":     datasetID,
		"application_id": applicationID,
		"payment":        payment.String(),
	}

	var wire struct {
		Grant             string `json:"grant"`
		DatasetAmount     string `json:"dataset_amount"`
		ApplicationAmount string `json:"application_amount"`
		Refund            string `json:"refund"`
	}
	if err := c.post(ctx, "/api/purchase", payload, http.StatusOK, &wire); err != nil {
		return nil, err
	}

	grantID, err := interfaces.NewKeyIDFromHex(wire.Grant)
	if err != nil {
		return nil, fmt.Errorf("invalid grant in response: %w", err)
	}

	receipt := &interfaces.PurchaseReceipt{Grant: interfaces.GrantKey(grantID)}
	if receipt.DatasetAmount, err = parseDecimal(wire.DatasetAmount); err != nil {
		return nil, err
	}
	if receipt.ApplicationAmount, err = parseDecimal(wire.ApplicationAmount); err != nil {
		return nil, err
	}
	if receipt.Refund, err = parseDecimal(wire.Refund); err != nil {
		return nil, err
	}
	return receipt, nil
}

// Execute runs an application over a dataset and returns the execution
// envelope. Failed executions return the envelope along with an error
// carrying the taxonomy code.
func (c *ExecutorClient) Execute(ctx context.Context, req *orchestrator.Request) (*orchestrator.Result, error) {
	payload := map[string]any{
		"requester":      req.Requester.String(),
		"dataset_id":     req.DatasetID,
		"application_id": req.ApplicationID,
		"parameters":     req.Parameters,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("could not encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}

	var result orchestrator.Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("executor returned %d: %s", resp.StatusCode, string(raw))
	}

	if !result.Success {
		return &result, fmt.Errorf("execution failed: %s", result.Error)
	}
	return &result, nil
}

func (c *ExecutorClient) post(ctx context.Context, path string, payload any, wantStatus int, into any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("could not encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, wantStatus, into)
}

func (c *ExecutorClient) do(req *http.Request, wantStatus int, into any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("could not read response: %w", err)
	}

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("executor returned %d: %s", resp.StatusCode, string(raw))
	}

	if into != nil {
		if err := json.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("could not parse response: %w", err)
		}
	}
	return nil
}

func parseDecimal(raw string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q in response", raw)
	}
	return value, nil
}
