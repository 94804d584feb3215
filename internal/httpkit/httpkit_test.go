package httpkit

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewClient_DefaultTimeout(t *testing.T) {
	c := NewClient()
	if c.Timeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_CustomTimeout(t *testing.T) {
	c := NewClient(WithTimeout(5 * time.Second))
	if c.Timeout != 5*time.Second {
		t.Errorf("expected 5s timeout, got %v", c.Timeout)
	}
}

func TestNewClient_ZeroTimeout(t *testing.T) {
	c := NewClient(WithTimeout(0))
	if c.Timeout != 0 {
		t.Errorf("expected 0 timeout for long generations, got %v", c.Timeout)
	}
}

func uaEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Header.Get("User-Agent")))
	}))
}

func fetchBody(t *testing.T, c *http.Client, url string) string {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestNewClient_DefaultUserAgent(t *testing.T) {
	srv := uaEchoServer(t)
	defer srv.Close()

	got := fetchBody(t, NewClient(), srv.URL)
	if !strings.HasPrefix(got, "steward/") {
		t.Errorf("expected steward/ prefix, got %q", got)
	}
}

func TestNewClient_CustomUserAgent(t *testing.T) {
	srv := uaEchoServer(t)
	defer srv.Close()

	got := fetchBody(t, NewClient(WithUserAgent("TestBot/1.0")), srv.URL)
	if got != "TestBot/1.0" {
		t.Errorf("expected TestBot/1.0, got %q", got)
	}
}

func TestNewClient_WithoutUserAgent(t *testing.T) {
	srv := uaEchoServer(t)
	defer srv.Close()

	// Without our roundtripper, Go sets its default UA.
	got := fetchBody(t, NewClient(WithoutUserAgent()), srv.URL)
	if strings.HasPrefix(got, "steward/") {
		t.Errorf("roundtripper still active, got %q", got)
	}
}

func TestNewClient_WithTransport(t *testing.T) {
	custom := NewTransport()
	custom.MaxIdleConnsPerHost = 1

	c := NewClient(WithTransport(custom), WithoutUserAgent())
	if c.Transport != custom {
		t.Error("custom transport not installed")
	}
}

func TestReadErrorBody(t *testing.T) {
	body := io.NopCloser(strings.NewReader("upstream exploded"))
	if got := ReadErrorBody(body, 1024); got != "upstream exploded" {
		t.Errorf("got %q", got)
	}
}

func TestReadErrorBody_Truncates(t *testing.T) {
	body := io.NopCloser(strings.NewReader(strings.Repeat("x", 100)))
	if got := ReadErrorBody(body, 10); len(got) != 10 {
		t.Errorf("got %d bytes, want 10", len(got))
	}
}

func TestReadErrorBody_Nil(t *testing.T) {
	if got := ReadErrorBody(nil, 1024); got != "" {
		t.Errorf("got %q", got)
	}
}

func TestDrainAndClose_Nil(t *testing.T) {
	DrainAndClose(nil, 1024) // must not panic
}
