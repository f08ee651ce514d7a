package httpclient

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		options  []Option
		validate func(t *testing.T, client *Client)
	}{
		{
			name:    "default_configuration",
			options: []Option{},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 5 {
					t.Errorf("maxRetries = %d, want 5", client.maxRetries)
				}
				if client.baseDelay != 2*time.Second {
					t.Errorf("baseDelay = %v, want 2s", client.baseDelay)
				}
				if client.client.Timeout != 60*time.Second {
					t.Errorf("timeout = %v, want 60s", client.client.Timeout)
				}
				if client.strategyFunc == nil {
					t.Error("strategyFunc should be set")
				}
			},
		},
		{
			name:    "custom_max_retries",
			options: []Option{WithMaxRetries(3)},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 3 {
					t.Errorf("maxRetries = %d, want 3", client.maxRetries)
				}
			},
		},
		{
			name:    "custom_timeout",
			options: []Option{WithTimeout(15 * time.Second)},
			validate: func(t *testing.T, client *Client) {
				if client.client.Timeout != 15*time.Second {
					t.Errorf("timeout = %v, want 15s", client.client.Timeout)
				}
			},
		},
		{
			name: "custom_header_parser",
			options: []Option{
				WithHeaderParser(func(h http.Header) RateLimitInfo {
					return RateLimitInfo{RetryAfter: 10 * time.Second}
				}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.headerParser == nil {
					t.Fatal("headerParser should be set")
				}
				if info := client.headerParser(http.Header{}); info.RetryAfter != 10*time.Second {
					t.Errorf("RetryAfter = %v, want 10s", info.RetryAfter)
				}
			},
		},
		{
			name: "multiple_options",
			options: []Option{
				WithMaxRetries(2),
				WithBaseDelay(1 * time.Second),
				WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
			},
			validate: func(t *testing.T, client *Client) {
				if client.maxRetries != 2 {
					t.Errorf("maxRetries = %d, want 2", client.maxRetries)
				}
				if client.baseDelay != 1*time.Second {
					t.Errorf("baseDelay = %v, want 1s", client.baseDelay)
				}
				if client.client.Timeout != 10*time.Second {
					t.Errorf("timeout = %v, want 10s", client.client.Timeout)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.validate(t, New(tt.options...))
		})
	}
}

func TestDefaultRetryStrategy(t *testing.T) {
	tests := []struct {
		statusCode int
		expected   RetryStrategy
	}{
		{http.StatusTooManyRequests, SmartRetry},
		{http.StatusServiceUnavailable, SmartRetry},
		{http.StatusRequestTimeout, ConservativeRetry},
		{http.StatusInternalServerError, ConservativeRetry},
		{http.StatusBadGateway, ConservativeRetry},
		{http.StatusGatewayTimeout, ConservativeRetry},
		{http.StatusOK, NoRetry},
		{http.StatusBadRequest, NoRetry},
		{http.StatusUnauthorized, NoRetry},
		{http.StatusNotFound, NoRetry},
	}

	for _, tt := range tests {
		if got := DefaultRetryStrategy(tt.statusCode); got != tt.expected {
			t.Errorf("DefaultRetryStrategy(%d) = %v, want %v", tt.statusCode, got, tt.expected)
		}
	}
}

func TestClient_Do_RetriesThenSucceeds(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if attemptCount != 3 {
		t.Errorf("attempts = %d, want 3", attemptCount)
	}
}

func TestClient_Do_MaxRetriesExceeded(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(2),
		WithBaseDelay(10*time.Millisecond),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	resp, err := client.Do(req)
	if err == nil {
		t.Fatal("Do() error = nil, want RetryableError")
	}
	if resp == nil || resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("unexpected response: %+v", resp)
	}

	retryErr, ok := err.(*RetryableError)
	if !ok {
		t.Fatalf("error type = %T, want *RetryableError", err)
	}
	if retryErr.StatusCode != http.StatusInternalServerError {
		t.Errorf("RetryableError.StatusCode = %d, want 500", retryErr.StatusCode)
	}
}

func TestClient_Do_RateLimitRetryAfter(t *testing.T) {
	attemptCount := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attemptCount++
		if attemptCount == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := New(
		WithHTTPClient(server.Client()),
		WithMaxRetries(3),
		WithHeaderParser(ParseOpenAIRateLimitHeaders),
	)
	req, _ := http.NewRequest("GET", server.URL, nil)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if attemptCount != 2 {
		t.Errorf("attempts = %d, want 2", attemptCount)
	}
	if time.Since(start) < time.Second {
		t.Errorf("waited %v, want at least Retry-After of 1s", time.Since(start))
	}
}

func TestClient_calculateDelay(t *testing.T) {
	client := New(WithBaseDelay(1 * time.Second))

	tests := []struct {
		name      string
		strategy  RetryStrategy
		attempt   int
		retryInfo RateLimitInfo
		expected  time.Duration
	}{
		{name: "no_retry", strategy: NoRetry, expected: 0},
		{name: "smart_backoff_attempt_0", strategy: SmartRetry, attempt: 0, expected: 1*time.Second + 100*time.Millisecond},
		{name: "smart_backoff_attempt_1", strategy: SmartRetry, attempt: 1, expected: 2*time.Second + 200*time.Millisecond},
		{name: "smart_retry_after", strategy: SmartRetry, retryInfo: RateLimitInfo{RetryAfter: 5 * time.Second}, expected: 5 * time.Second},
		{name: "conservative_attempt_0", strategy: ConservativeRetry, attempt: 0, expected: 2 * time.Second},
		{name: "conservative_attempt_1", strategy: ConservativeRetry, attempt: 1, expected: 3 * time.Second},
		{name: "conservative_exhausted", strategy: ConservativeRetry, attempt: 2, expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := client.calculateDelay(tt.strategy, tt.attempt, tt.retryInfo); got != tt.expected {
				t.Errorf("calculateDelay() = %v, want %v", got, tt.expected)
			}
		})
	}
}
