package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
		{"0.0.0.0:25500", "http://127.0.0.1:25500/healthz"},
		{":25500", "http://127.0.0.1:25500/healthz"},
		{"25500", "http://127.0.0.1:25500/healthz"},
		{"[::]:8080", "http://127.0.0.1:8080/healthz"},
		{"http://127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
	if _, err := deriveHealthzURL(" "); err == nil {
		t.Fatalf("expected error for empty listen address")
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

func TestParseFlags_Defaults(t *testing.T) {
	c, err := parseFlags(nil, func(string) string { return "" })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Listen != "127.0.0.1:25500" || c.ConvertTimeout != 60*time.Second || c.FetchTimeout != 15*time.Second {
		t.Fatalf("config=%+v", c)
	}
	if c.FetchConcurrency != 8 || c.CacheTTL != 180*time.Second || c.CacheCapacity != 256 {
		t.Fatalf("config=%+v", c)
	}
}

func TestParseFlags_EnvFallbackAndFlagPrecedence(t *testing.T) {
	env := map[string]string{
		"CLASHSUBSYS_LISTEN":         "0.0.0.0:8080",
		"CLASHSUBSYS_CACHE_CAPACITY": "32",
		"CLASHSUBSYS_CACHE_TTL":      "5m",
		"LOG_LEVEL":                  "debug",
	}
	getenv := func(k string) string { return env[k] }

	c, err := parseFlags([]string{"--cache-capacity=64", "--public-base-url", "https://sub.example.com"}, getenv)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c.Listen != "0.0.0.0:8080" {
		t.Fatalf("listen=%q, want env value", c.Listen)
	}
	if c.CacheCapacity != 64 {
		t.Fatalf("cache-capacity=%d, want flag value 64", c.CacheCapacity)
	}
	if c.CacheTTL != 5*time.Minute {
		t.Fatalf("cache-ttl=%s, want=5m", c.CacheTTL)
	}
	if c.PublicBaseURL != "https://sub.example.com" || c.LogLevel != "debug" {
		t.Fatalf("config=%+v", c)
	}
}

func TestParseFlags_BadEnv(t *testing.T) {
	getenv := func(k string) string {
		if k == "CLASHSUBSYS_FETCH_CONCURRENCY" {
			return "many"
		}
		return ""
	}
	if _, err := parseFlags(nil, getenv); err == nil || !strings.Contains(err.Error(), "CLASHSUBSYS_FETCH_CONCURRENCY") {
		t.Fatalf("err=%v, want invalid CLASHSUBSYS_FETCH_CONCURRENCY", err)
	}
}

func TestNewEngine_BadFetchProxy(t *testing.T) {
	c, _ := parseFlags([]string{"--fetch-proxy", "ftp://proxy.example:21"}, func(string) string { return "" })
	if _, err := newEngine(c); err == nil {
		t.Fatalf("expected error for unsupported proxy scheme")
	}
}
