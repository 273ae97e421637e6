package gateway

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetTransactionStatusOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/TW-1/status", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"status_code": "200",
			"order_id": "TW-1",
			"transaction_id": "abc-123",
			"transaction_status": "expire",
			"gross_amount": "250000.00"
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "server-key")
	status, err := client.GetTransactionStatus(context.Background(), "TW-1")
	require.NoError(t, err)

	assert.Equal(t, "TW-1", status.OrderID)
	assert.Equal(t, "expire", status.TransactionStatus)
	assert.Equal(t, "abc-123", status.TransactionID)
}

func TestGetTransactionStatusNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status_code": "404", "status_message": "Transaction doesn't exist."}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "server-key")
	_, err := client.GetTransactionStatus(context.Background(), "TW-missing")
	require.Error(t, err)

	gwErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, gwErr.StatusCode)

	reason, terminal := gwErr.TerminalReason()
	assert.True(t, terminal)
	assert.Equal(t, "not_found", reason)
}

func TestGetTransactionStatusEmbeddedTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"status_code": "400", "transaction_status": "deny", "status_message": "Denied by bank."}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "server-key")
	_, err := client.GetTransactionStatus(context.Background(), "TW-denied")
	require.Error(t, err)

	gwErr, ok := err.(*Error)
	require.True(t, ok)

	reason, terminal := gwErr.TerminalReason()
	assert.True(t, terminal)
	assert.Equal(t, StatusDeny, reason)
}

func TestErrorTerminalReason(t *testing.T) {
	tests := []struct {
		name     string
		err      Error
		reason   string
		terminal bool
	}{
		{"embedded expire wins", Error{StatusCode: 500, TransactionStatus: StatusExpire}, StatusExpire, true},
		{"404 means not found", Error{StatusCode: 404}, "not_found", true},
		{"407 means expired", Error{StatusCode: 407}, StatusExpire, true},
		{"500 is transient", Error{StatusCode: 500}, "", false},
		{"pending embedded is transient", Error{StatusCode: 500, TransactionStatus: StatusPending}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reason, terminal := tt.err.TerminalReason()
			assert.Equal(t, tt.terminal, terminal)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestIsTerminalNegative(t *testing.T) {
	assert.True(t, IsTerminalNegative(StatusExpire))
	assert.True(t, IsTerminalNegative(StatusCancel))
	assert.True(t, IsTerminalNegative(StatusDeny))
	assert.False(t, IsTerminalNegative(StatusPending))
	assert.False(t, IsTerminalNegative(StatusSettlement))
	assert.False(t, IsTerminalNegative(""))
}

func TestCreateSnapTransaction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/snap/v1/transactions", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"token": "snap-token", "redirect_url": "https://pay.example/snap-token"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "server-key")
	snap, err := client.CreateSnapTransaction(context.Background(), &ChargeRequest{
		OrderRef:    "TW-1",
		GrossAmount: 250000,
	})
	require.NoError(t, err)

	assert.Equal(t, "snap-token", snap.Token)
	assert.Equal(t, "https://pay.example/snap-token", snap.RedirectURL)
}

func TestCreateSnapTransactionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error_messages": ["Access denied"]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, srv.URL, "bad-key")
	_, err := client.CreateSnapTransaction(context.Background(), &ChargeRequest{OrderRef: "TW-1", GrossAmount: 1})
	require.Error(t, err)

	gwErr, ok := err.(*Error)
	require.True(t, ok)
	assert.Equal(t, http.StatusUnauthorized, gwErr.StatusCode)
	assert.Contains(t, gwErr.Error(), "Access denied")
}

func TestVerifySignature(t *testing.T) {
	client := NewClient("", "", "server-key")

	sum := sha512.Sum512([]byte("TW-1" + "200" + "250000.00" + "server-key"))
	valid := hex.EncodeToString(sum[:])

	notif := &Notification{
		OrderID:      "TW-1",
		StatusCode:   "200",
		GrossAmount:  "250000.00",
		SignatureKey: valid,
	}
	assert.True(t, client.VerifySignature(notif))

	notif.SignatureKey = "tampered"
	assert.False(t, client.VerifySignature(notif))
}
