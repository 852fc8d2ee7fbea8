// Package ledger is an HTTP client for the Actual budget REST API.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stellarlinkco/intentclaw/internal/catalog"
	"github.com/stellarlinkco/intentclaw/internal/config"
)

// ErrNotConfigured is returned when no base URL is set.
var ErrNotConfigured = errors.New("ledger base url not configured")

// Transaction is the payload of a new ledger entry. Amount is in cents.
type Transaction struct {
	Account   string `json:"account"`
	Category  string `json:"category"`
	Amount    int64  `json:"amount"`
	Date      string `json:"date"`
	Cleared   bool   `json:"cleared"`
	Notes     string `json:"notes"`
	PayeeName string `json:"payee_name"`
}

// CategoryBudget is the per-month state of one category, in cents.
type CategoryBudget struct {
	Name     string `json:"name"`
	Budgeted int64  `json:"budgeted"`
	Spent    int64  `json:"spent"`
	Balance  int64  `json:"balance"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Op     string
	Status int
	Text   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s request failed: %d %s", e.Op, e.Status, e.Text)
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	password   string
}

func NewClient(httpClient *http.Client, baseURL, apiKey, password string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		password:   password,
	}
}

// FromConfig builds a client with the configured per-request timeout.
func FromConfig(cfg *config.Config) *Client {
	return NewClient(&http.Client{Timeout: cfg.LedgerTimeout()},
		cfg.Ledger.BaseURL, cfg.Ledger.APIKey, cfg.Ledger.EncryptionPassword)
}

func (c *Client) Configured() bool {
	return c != nil && c.baseURL != ""
}

// CreateTransaction posts tx to the account it references.
func (c *Client) CreateTransaction(ctx context.Context, tx Transaction) error {
	body, err := json.Marshal(struct {
		Transaction Transaction `json:"transaction"`
	}{tx})
	if err != nil {
		return fmt.Errorf("encode transaction: %w", err)
	}
	return c.do(ctx, http.MethodPost, "/accounts/"+tx.Account+"/transactions", "API", body, nil)
}

// CategoryBudget fetches the budget state of category for month.
func (c *Client) CategoryBudget(ctx context.Context, month time.Time, categoryID string) (CategoryBudget, error) {
	var out struct {
		Data CategoryBudget `json:"data"`
	}
	path := fmt.Sprintf("/months/%s/categories/%s", month.Format("2006-01"), categoryID)
	if err := c.do(ctx, http.MethodGet, path, "Budget API", nil, &out); err != nil {
		return CategoryBudget{}, err
	}
	return out.Data, nil
}

func (c *Client) Accounts(ctx context.Context) ([]catalog.Account, error) {
	var out struct {
		Data []catalog.Account `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/accounts", "Accounts API", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) Categories(ctx context.Context) ([]catalog.Category, error) {
	var out struct {
		Data []catalog.Category `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/categories", "Categories API", nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

func (c *Client) do(ctx context.Context, method, path, op string, body []byte, dst any) error {
	if !c.Configured() {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s request: %w", op, err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.password != "" {
		req.Header.Set("budget-encryption-password", c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Op: op, Status: resp.StatusCode, Text: http.StatusText(resp.StatusCode)}
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s response: %w", op, err)
	}
	return nil
}
