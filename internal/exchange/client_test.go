package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
)

var solPair = Pair{FromCurrency: "sol", ToCurrency: "sol", FromNetwork: "sol", ToNetwork: "sol"}

func TestCreateOrder_RequestShape(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/exchange" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("x-changenow-api-key") != "secret" {
			t.Errorf("api key header missing")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ord-1","payinAddress":"PAYIN","payoutAddress":"INTER","fromAmount":1.5}`))
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL+"/", "secret", solPair)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	order, err := c.CreateOrder(context.Background(), "INTER", decimal.RequireFromString("1.5"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if order.ID != "ord-1" || order.PayinAddress != "PAYIN" || order.PayoutAddress != "INTER" {
		t.Fatalf("order mismatch: %+v", order)
	}
	if got["fromCurrency"] != "sol" || got["toNetwork"] != "sol" || got["address"] != "INTER" {
		t.Fatalf("body mismatch: %#v", got)
	}
	// decimal marshals as a quoted string by default.
	if got["fromAmount"] != "1.5" {
		t.Fatalf("fromAmount mismatch: %#v", got["fromAmount"])
	}
}

func TestCreateOrder_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"not_valid_params"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewClient(srv.URL, "secret", solPair)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = c.CreateOrder(context.Background(), "INTER", decimal.NewFromInt(1))
	if err == nil || !strings.Contains(err.Error(), "status=400") {
		t.Fatalf("expected status error, got %v", err)
	}
}

func TestCreateOrder_MissingPayin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"ord-1"}`))
	}))
	defer srv.Close()

	c, _ := NewClient(srv.URL, "secret", solPair)
	if _, err := c.CreateOrder(context.Background(), "INTER", decimal.NewFromInt(1)); err == nil {
		t.Fatalf("expected error for missing payinAddress")
	}
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("ftp://x", "k", solPair); err == nil {
		t.Fatalf("expected scheme error")
	}
	if _, err := NewClient("", "", solPair); err == nil {
		t.Fatalf("expected api key error")
	}
	if _, err := NewClient("", "k", Pair{}); err == nil {
		t.Fatalf("expected pair error")
	}
	c, err := NewClient("", "k", solPair)
	if err != nil || c.host != DefaultURL {
		t.Fatalf("default host: %v %+v", err, c)
	}
	if _, err := c.CreateOrder(context.Background(), "INTER", decimal.Zero); err == nil {
		t.Fatalf("expected amount error")
	}
}
