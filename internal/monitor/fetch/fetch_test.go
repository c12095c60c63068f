package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	logx "sitewatch/pkg/logx"
)

func testConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		Attempts:    3,
		BackoffBase: time.Millisecond,
	}
}

func TestFetchSuccess(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.UserAgent())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(testConfig(), logx.Nop())
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "<html>ok</html>" {
		t.Errorf("body = %q", res.Body)
	}
	if res.ContentType != "text/html; charset=utf-8" {
		t.Errorf("content type = %q", res.ContentType)
	}

	ua, _ := gotUA.Load().(string)
	found := false
	for _, known := range defaultUserAgents {
		if ua == known {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("user agent %q not from the rotation pool", ua)
	}
}

func TestFetchRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("recovered after retries"))
	}))
	defer srv.Close()

	f := New(testConfig(), logx.Nop())
	res, err := f.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if string(res.Body) != "recovered after retries" {
		t.Errorf("body = %q", res.Body)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3", n)
	}
}

func TestFetchDoesNotRetryClientError(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New(testConfig(), logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("want *Error, got %v", err)
	}
	if fe.Kind != KindHTTPStatus || fe.Status != http.StatusNotFound {
		t.Errorf("error = %+v", fe)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("server called %d times, want 1 (404 is not retryable)", n)
	}
}

func TestFetchGivesUpAfterAttempts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := New(testConfig(), logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindHTTPStatus || fe.Status != http.StatusBadGateway {
		t.Fatalf("error = %v", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("server called %d times, want 3 attempts", n)
	}
}

func TestFetchConnectionError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	f := New(testConfig(), logx.Nop())
	_, err := f.Fetch(context.Background(), srv.URL)

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("want *Error, got %v", err)
	}
	if fe.Kind != KindConnection {
		t.Errorf("kind = %q, want %q", fe.Kind, KindConnection)
	}
}

func TestPreDelayRespectsCancellation(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.PreDelayMin = time.Hour
	cfg.PreDelayMax = time.Hour
	f := New(cfg, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.Fetch(ctx, "http://example.invalid"); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
}
