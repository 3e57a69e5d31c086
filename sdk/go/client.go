package vaultlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Vaultline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Operation is the API operation model.
type Operation struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlation_id"`
	AccountID     string          `json:"account_id"`
	Amount        int64           `json:"amount"`
	Currency      string          `json:"currency"`
	Destination   string          `json:"destination"`
	Version       int64           `json:"version"`
	Stage         string          `json:"stage"`
	Signatures    SignatureStatus `json:"signatures"`
	Outcome       string          `json:"outcome,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type SignatureStatus struct {
	Required  int      `json:"required"`
	Collected []string `json:"collected"`
	Complete  bool     `json:"complete"`
}

// Account is the API account model.
type Account struct {
	ID                 string   `json:"id"`
	Name               string   `json:"name"`
	Status             string   `json:"status"`
	RequiredSignatures int      `json:"required_signatures"`
	Balance            int64    `json:"balance"`
	Standing           string   `json:"standing"`
	Signers            []string `json:"signers,omitempty"`
	CreatedAt          string   `json:"created_at"`
}

// AuditEvent is one entry of the hash-chained audit trail.
type AuditEvent struct {
	ID             string `json:"id"`
	Seq            int64  `json:"seq"`
	CorrelationID  string `json:"correlation_id"`
	Category       string `json:"category"`
	Severity       string `json:"severity"`
	ActorHash      string `json:"actor_hash"`
	TS             string `json:"ts"`
	Details        string `json:"details_json"`
	Classification string `json:"classification"`
	Hash           string `json:"hash"`
	PrevHash       string `json:"prev_hash,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitOperation submits a fund movement request.
func (c *Client) SubmitOperation(ctx context.Context, accountID string, amount int64, currency, destination, idempotencyKey string) (Operation, error) {
	body := map[string]any{
		"account_id":  accountID,
		"amount":      amount,
		"currency":    currency,
		"destination": destination,
	}
	if idempotencyKey != "" {
		body["idempotency_key"] = idempotencyKey
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations", body, &resp)
	return resp, err
}

// GetOperation fetches current operation state.
func (c *Client) GetOperation(ctx context.Context, id string) (Operation, error) {
	var resp Operation
	err := c.do(ctx, http.MethodGet, "v0/operations/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListOperations lists operations, optionally filtered by account.
func (c *Client) ListOperations(ctx context.Context, accountID string, limit int) ([]Operation, error) {
	endpoint := "v0/operations"
	if accountID != "" || limit > 0 {
		q := url.Values{}
		if accountID != "" {
			q.Set("account_id", accountID)
		}
		if limit > 0 {
			q.Set("limit", fmt.Sprintf("%d", limit))
		}
		endpoint += "?" + q.Encode()
	}
	var resp []Operation
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SubmitSignature submits a signer approval for an operation.
func (c *Client) SubmitSignature(ctx context.Context, operationID, signerID, proof string) (Operation, error) {
	body := map[string]any{
		"signer_id": signerID,
		"proof":     proof,
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations/"+url.PathEscape(operationID)+"/signatures", body, &resp)
	return resp, err
}

// ResolveReview releases or rejects an operation held for manual review.
func (c *Client) ResolveReview(ctx context.Context, operationID string, approve bool, note string) (Operation, error) {
	body := map[string]any{
		"approve": approve,
		"note":    note,
	}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations/"+url.PathEscape(operationID)+"/review", body, &resp)
	return resp, err
}

// CancelOperation withdraws an operation before authorization.
func (c *Client) CancelOperation(ctx context.Context, operationID, reason string) (Operation, error) {
	body := map[string]any{"reason": reason}
	var resp Operation
	err := c.do(ctx, http.MethodPost, "v0/operations/"+url.PathEscape(operationID)+"/cancel", body, &resp)
	return resp, err
}

// CreateAccount registers a custody account.
func (c *Client) CreateAccount(ctx context.Context, acct Account) (Account, error) {
	body := map[string]any{
		"id":                  acct.ID,
		"name":                acct.Name,
		"required_signatures": acct.RequiredSignatures,
		"balance":             acct.Balance,
	}
	if acct.Standing != "" {
		body["standing"] = acct.Standing
	}
	var resp Account
	err := c.do(ctx, http.MethodPost, "v0/accounts", body, &resp)
	return resp, err
}

// GetAccount fetches an account with its authorized signer set.
func (c *Client) GetAccount(ctx context.Context, id string) (Account, error) {
	var resp Account
	err := c.do(ctx, http.MethodGet, "v0/accounts/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// AuditEvents lists the audit events of one correlation id.
func (c *Client) AuditEvents(ctx context.Context, correlationID string) ([]AuditEvent, error) {
	endpoint := "v0/audit/events?correlation_id=" + url.QueryEscape(correlationID)
	var resp []AuditEvent
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
