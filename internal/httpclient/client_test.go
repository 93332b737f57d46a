package httpclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient(t *testing.T) {
	client := NewClient(nil)
	if client == nil {
		t.Fatal("Expected non-nil client")
	}
	// error, retry, request id, user agent
	if len(client.policies) != 4 {
		t.Errorf("Expected 4 default policies, got %d", len(client.policies))
	}
}

func TestClientPut(t *testing.T) {
	type payload struct {
		Address string `json:"address"`
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("Expected PUT, got %s", r.Method)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Expected JSON content type, got %q", got)
		}
		if r.Header.Get(RequestIDHeader) == "" {
			t.Errorf("Expected %s header to be set", RequestIDHeader)
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "hexrelay/") {
			t.Errorf("Expected hexrelay User-Agent, got %q", r.Header.Get("User-Agent"))
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Expected bearer token, got %q", got)
		}

		var p payload
		if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
			t.Errorf("Decode body: %v", err)
		}
		if p.Address != "Host.relay/hexrelay:97" {
			t.Errorf("Unexpected body: %+v", p)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(&Options{Timeout: 5 * time.Second, Token: "secret"})
	resp, err := client.Put(context.Background(), server.URL+"/api/listeners/Host", payload{Address: "Host.relay/hexrelay:97"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	defer Drain(resp)

	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}
}

func TestClientStatusError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such listener", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(&Options{Timeout: 5 * time.Second})
	resp, err := client.Delete(context.Background(), server.URL+"/api/listeners/Ghost")
	if resp != nil {
		t.Error("Expected no response on status error")
	}

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("Expected *StatusError, got: %v", err)
	}
	if statusErr.StatusCode != http.StatusNotFound || statusErr.Method != http.MethodDelete {
		t.Errorf("Unexpected status error: %+v", statusErr)
	}
	if statusErr.Body != "no such listener" {
		t.Errorf("Expected error body, got %q", statusErr.Body)
	}
}

func TestClientRetriesPutBody(t *testing.T) {
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(b))
		if len(bodies) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := NewClient(&Options{
		Timeout:    5 * time.Second,
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	resp, err := client.Put(context.Background(), server.URL, map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	Drain(resp)

	if len(bodies) != 3 {
		t.Fatalf("Expected 3 attempts, got %d", len(bodies))
	}
	for i, b := range bodies {
		if b != `{"k":"v"}` {
			t.Errorf("attempt %d body = %q", i, b)
		}
	}
}

func TestCustomPolicy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Custom-Header") != "custom-value" {
			t.Error("Expected X-Custom-Header to be set")
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	custom := PolicyFunc(func(req *http.Request, next Next) (*http.Response, error) {
		req.Header.Set("X-Custom-Header", "custom-value")
		return next(req)
	})

	client := NewClient(&Options{Timeout: 5 * time.Second, AdditionalPolicies: []Policy{custom}})
	resp, err := client.Get(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	Drain(resp)
}

func TestMockTransport(t *testing.T) {
	mock := &MockTransport{
		RoundTripFunc: func(req *http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Body:       io.NopCloser(strings.NewReader("mocked response")),
				Header:     make(http.Header),
			}, nil
		},
	}

	client := NewClient(&Options{Timeout: 5 * time.Second, Transport: mock})
	resp, err := client.Get(context.Background(), "http://directory.invalid/api/listeners")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	defer Drain(resp)

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "mocked response" {
		t.Errorf("Expected 'mocked response', got '%s'", string(body))
	}
}

// MockTransport is a mock HTTP transport for testing
type MockTransport struct {
	RoundTripFunc func(req *http.Request) (*http.Response, error)
}

// RoundTrip implements http.RoundTripper
func (m *MockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return m.RoundTripFunc(req)
}
