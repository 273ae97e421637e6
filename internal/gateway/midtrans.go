package gateway

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// Gateway transaction statuses (Midtrans transaction_status enumeration)
const (
	StatusPending    = "pending"
	StatusSettlement = "settlement"
	StatusCapture    = "capture"
	StatusExpire     = "expire"
	StatusCancel     = "cancel"
	StatusDeny       = "deny"
)

// IsTerminalNegative reports whether a gateway transaction status means
// the payment can never complete.
func IsTerminalNegative(status string) bool {
	switch status {
	case StatusExpire, StatusCancel, StatusDeny:
		return true
	}
	return false
}

// TransactionStatus is the gateway's authoritative view of a transaction
type TransactionStatus struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
}

// Error is a structured gateway failure carrying the HTTP-like status
// code and, when the gateway includes one, an embedded transaction status.
type Error struct {
	StatusCode        int
	TransactionStatus string
	Message           string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway error %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("gateway error %d", e.StatusCode)
}

// TerminalReason classifies a gateway error as terminal-equivalent.
// A 404 means the gateway never knew the transaction, a 407 means it
// expired; an embedded terminal transaction status wins over either.
func (e *Error) TerminalReason() (string, bool) {
	if IsTerminalNegative(e.TransactionStatus) {
		return e.TransactionStatus, true
	}
	switch e.StatusCode {
	case http.StatusNotFound:
		return "not_found", true
	case http.StatusProxyAuthRequired:
		return StatusExpire, true
	}
	return "", false
}

// SnapTransaction is the checkout token response from the Snap API
type SnapTransaction struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// ChargeRequest describes the transaction to create at the gateway
type ChargeRequest struct {
	OrderRef    string
	GrossAmount int64
}

// Client talks to a Midtrans-compatible payment gateway
type Client struct {
	baseURL   string
	snapURL   string
	serverKey string
	http      *http.Client
}

// NewClient creates a gateway client
func NewClient(baseURL, snapURL, serverKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		snapURL:   snapURL,
		serverKey: serverKey,
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type statusResponse struct {
	TransactionStatus

	StatusMessage string `json:"status_message"`
}

// GetTransactionStatus queries the authoritative transaction status for a
// gateway order reference. Failures come back as *Error when the gateway
// answered with a structured payload.
func (c *Client) GetTransactionStatus(ctx context.Context, orderRef string) (*TransactionStatus, error) {
	url := fmt.Sprintf("%s/v2/%s/status", c.baseURL, orderRef)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.serverKey, "")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway status request failed: %w", err)
	}
	defer resp.Body.Close()

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode gateway response: %w", err)
	}

	code := resp.StatusCode
	if parsed, err := strconv.Atoi(body.StatusCode); err == nil {
		code = parsed
	}

	if code >= 400 {
		return nil, &Error{
			StatusCode:        code,
			TransactionStatus: body.TransactionStatus.TransactionStatus,
			Message:           body.StatusMessage,
		}
	}

	return &body.TransactionStatus, nil
}

// CreateSnapTransaction requests a Snap token and redirect URL for checkout
func (c *Client) CreateSnapTransaction(ctx context.Context, charge *ChargeRequest) (*SnapTransaction, error) {
	payload := map[string]interface{}{
		"transaction_details": map[string]interface{}{
			"order_id":     charge.OrderRef,
			"gross_amount": charge.GrossAmount,
		},
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/snap/v1/transactions", c.snapURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.serverKey, "")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gateway charge request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errBody struct {
			StatusMessage string   `json:"status_message"`
			ErrorMessages []string `json:"error_messages"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		msg := errBody.StatusMessage
		if msg == "" && len(errBody.ErrorMessages) > 0 {
			msg = errBody.ErrorMessages[0]
		}
		return nil, &Error{StatusCode: resp.StatusCode, Message: msg}
	}

	var snap SnapTransaction
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snap response: %w", err)
	}

	return &snap, nil
}

// Notification is the webhook payload the gateway posts on transaction
// status changes
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status,omitempty"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
}

// VerifySignature checks the webhook signature:
// sha512(order_id + status_code + gross_amount + server_key).
func (c *Client) VerifySignature(n *Notification) bool {
	sum := sha512.Sum512([]byte(n.OrderID + n.StatusCode + n.GrossAmount + c.serverKey))
	return hex.EncodeToString(sum[:]) == n.SignatureKey
}
