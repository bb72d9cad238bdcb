package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Options{APIKey: "live-key", BaseURL: srv.URL, Timeout: 2 * time.Second})
}

func TestCreateChargeSendsRequest(t *testing.T) {
	var got ChargeRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/charges" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-CC-Api-Key") != "live-key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("X-CC-Version") != apiVersion {
			t.Errorf("X-CC-Version = %q", r.Header.Get("X-CC-Version"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"id":"C1","code":"ABCD1234","hosted_url":"https://commerce.coinbase.com/charges/ABCD1234","pricing":{"local":{"amount":"100.00","currency":"USD"}}}}`))
	})

	charge, err := client.CreateCharge(context.Background(), ChargeRequest{
		Name:        "FeeZero Project Payment",
		Description: "Payment for project: Logo",
		PricingType: "fixed_price",
		LocalPrice:  Money{Amount: "100.00", Currency: "USD"},
		Metadata:    map[string]string{"project_id": "P1", "user_id": "U1"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if charge.ID != "C1" || charge.Code != "ABCD1234" {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if got.PricingType != "fixed_price" || got.LocalPrice.Amount != "100.00" || got.Metadata["project_id"] != "P1" {
		t.Fatalf("unexpected request body: %+v", got)
	}
}

func TestCreateChargeErrorClassification(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusServiceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(`{"error":{"type":"invalid_request","message":"nope"}}`))
			})
			_, err := client.CreateCharge(context.Background(), ChargeRequest{})
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Retryable != tt.retryable {
				t.Fatalf("got status=%d retryable=%v", apiErr.StatusCode, apiErr.Retryable)
			}
			if apiErr.Message != "nope" {
				t.Fatalf("message = %q", apiErr.Message)
			}
		})
	}
}

func TestCreateChargeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient(Options{APIKey: "live-key", BaseURL: url, Timeout: time.Second})
	_, err := client.CreateCharge(context.Background(), ChargeRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.Retryable {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestGetCharge(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/charges/C1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{"data":{"id":"C1","code":"ABCD","hosted_url":"u","timeline":[{"status":"NEW","time":"2024-05-01T12:00:00Z"},{"status":"COMPLETED","time":"2024-05-01T12:10:00Z"}]}}`))
	})

	charge, err := client.GetCharge(context.Background(), "C1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(charge.Timeline) != 2 || charge.Timeline[1].Status != "COMPLETED" {
		t.Fatalf("unexpected timeline: %+v", charge.Timeline)
	}
}

func TestDevModeSkipsNetwork(t *testing.T) {
	client := NewClient(Options{APIKey: "sk_test_123", BaseURL: "http://127.0.0.1:1", DevMode: true})
	charge, err := client.CreateCharge(context.Background(), ChargeRequest{LocalPrice: Money{Amount: "5.00", Currency: "USD"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(charge.ID, "test-charge-") || charge.HostedURL == "" {
		t.Fatalf("unexpected dev charge: %+v", charge)
	}
	if charge.Pricing.Local.Amount != "5.00" {
		t.Fatalf("pricing not echoed: %+v", charge.Pricing)
	}
}

func TestIsTestKey(t *testing.T) {
	if !IsTestKey("") || !IsTestKey("cb_test_abc") {
		t.Fatal("expected test keys")
	}
	if IsTestKey("live-abc") {
		t.Fatal("live key reported as test key")
	}
}
