// Package collectug is the CollectUG mobile-money client. It implements
// payments.Gateway; only the interface boundary matters to the pipeline.
package collectug

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/microsoftjulius/billing-sub001/internal/payments"
)

const gatewayTimeout = 30 * time.Second

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: gatewayTimeout},
	}
}

type collectRequest struct {
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Msisdn      string  `json:"msisdn"`
	Narrative   string  `json:"narrative"`
	ExternalID  string  `json:"external_id"`
	RequestUUID string  `json:"request_uuid"`
}

type collectResponse struct {
	Status    string `json:"status"`
	Reference string `json:"reference"`
	Message   string `json:"message"`
}

type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (c *Client) Initiate(ctx context.Context, req payments.InitiateRequest) (*payments.InitiateResult, error) {
	body := collectRequest{
		Amount:      req.Amount,
		Currency:    req.Currency,
		Msisdn:      req.Phone,
		Narrative:   req.Description,
		ExternalID:  req.ExternalID,
		RequestUUID: uuid.NewString(),
	}

	var out collectResponse
	if err := c.post(ctx, "/api/v1/collect", body, &out); err != nil {
		return nil, err
	}

	success := out.Status == "success" || out.Status == "pending"
	return &payments.InitiateResult{
		Success:   success,
		Reference: out.Reference,
		Message:   out.Message,
		// CollectUG collections always wait for the customer's PIN prompt.
		RequiresConfirmation: true,
	}, nil
}

func (c *Client) Verify(ctx context.Context, reference string) (*payments.VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/v1/status/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway verify: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(raw))
	}

	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}

	return &payments.VerifyResult{
		Success:          out.Status == "success" || out.Status == "successful",
		Message:          out.Message,
		ProviderResponse: string(raw),
	}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respRaw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return fmt.Errorf("read gateway response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned %d for %s: %s", resp.StatusCode, path, string(respRaw))
	}
	if err := json.Unmarshal(respRaw, out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}
