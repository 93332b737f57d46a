package httpclient

import (
	"net/http"
	"strings"
	"testing"
)

func capture(t *testing.T, p Policy, req *http.Request) http.Header {
	t.Helper()
	var got http.Header
	_, err := p.Do(req, func(r *http.Request) (*http.Response, error) {
		got = r.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	return got
}

func TestRequestIDPolicy(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "http://directory.invalid", nil)
	policy := NewRequestIDPolicy("")

	first := capture(t, policy, req).Get(RequestIDHeader)
	if len(first) != 36 {
		t.Fatalf("Expected a UUID request id, got %q", first)
	}
	// A retried request keeps its id.
	if again := capture(t, policy, req).Get(RequestIDHeader); again != first {
		t.Errorf("Expected id %q to be kept, got %q", first, again)
	}

	custom := capture(t, NewRequestIDPolicy("X-Trace"), httptestRequest())
	if custom.Get("X-Trace") == "" {
		t.Error("Expected custom header to be set")
	}
}

func TestUserAgentPolicy(t *testing.T) {
	got := capture(t, NewUserAgentPolicy(""), httptestRequest()).Get("User-Agent")
	if !strings.HasPrefix(got, "hexrelay/"+Version+" (Go/") {
		t.Errorf("Unexpected default User-Agent %q", got)
	}

	got = capture(t, NewUserAgentPolicy("tester/2"), httptestRequest()).Get("User-Agent")
	if got != "tester/2" {
		t.Errorf("Expected custom User-Agent, got %q", got)
	}
}

func TestBearerTokenPolicy(t *testing.T) {
	got := capture(t, NewBearerTokenPolicy("abc"), httptestRequest()).Get("Authorization")
	if got != "Bearer abc" {
		t.Errorf("Expected bearer header, got %q", got)
	}

	if got := capture(t, NewBearerTokenPolicy(""), httptestRequest()).Get("Authorization"); got != "" {
		t.Errorf("Expected no header for empty token, got %q", got)
	}
}

func httptestRequest() *http.Request {
	req, _ := http.NewRequest(http.MethodGet, "http://directory.invalid", nil)
	return req
}
