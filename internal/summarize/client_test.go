package summarize

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chatdigest/internal/digest"
	"chatdigest/pkg/logx"
)

func newServer(t *testing.T, status int, body string, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer k" {
			t.Errorf("auth = %q", got)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if len(req.Messages) != 2 || !strings.Contains(req.Messages[1].Content, "[10:00] ann: hi") {
			t.Errorf("unexpected messages: %+v", req.Messages)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSummarizeOK(t *testing.T) {
	t.Parallel()

	srv := newServer(t, 200, `{"choices":[{"message":{"role":"assistant","content":"  ## Topics\n- x  "}}]}`, nil)
	c := New(Config{APIBase: srv.URL + "/", APIKey: "k"}, logx.Nop())

	got, err := c.Summarize(context.Background(), "[10:00] ann: hi", digest.ModelOptions{})
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if got != "## Topics\n- x" {
		t.Fatalf("got %q", got)
	}
}

func TestSummarizeFailuresAreUnavailable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", 500, `{"error":{"message":"overloaded"}}`, "overloaded"},
		{"plain error body", 502, `bad gateway`, "status 502"},
		{"empty choices", 200, `{"choices":[]}`, "empty completion"},
		{"garbage", 200, `{`, "decode response"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := newServer(t, tc.status, tc.body, nil)
			c := New(Config{APIBase: srv.URL, APIKey: "k", Breaker: BreakerConfig{Trip: -1}}, logx.Nop())
			_, err := c.Summarize(context.Background(), "[10:00] ann: hi", digest.ModelOptions{})
			if !errors.Is(err, ErrUnavailable) {
				t.Fatalf("err = %v, want ErrUnavailable", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want substring %q", err, tc.want)
			}
		})
	}
}

func TestSummarizeNoKey(t *testing.T) {
	t.Parallel()

	c := New(Config{}, logx.Nop())
	if _, err := c.Summarize(context.Background(), "x", digest.ModelOptions{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
}

func TestSummarizeOwnerOverrides(t *testing.T) {
	t.Parallel()

	srv := newServer(t, 200, `{"choices":[{"message":{"content":"ok"}}]}`, nil)
	c := New(Config{APIBase: "http://127.0.0.1:1", APIKey: "wrong"}, logx.Nop())
	got, err := c.Summarize(context.Background(), "[10:00] ann: hi", digest.ModelOptions{APIBase: srv.URL, APIKey: "k", Model: "m"})
	if err != nil || got != "ok" {
		t.Fatalf("got %q, %v", got, err)
	}
}

func TestSummarizeTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	c := New(Config{APIBase: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond}, logx.Nop())
	start := time.Now()
	_, err := c.Summarize(context.Background(), "x", digest.ModelOptions{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestBreakerOpensAfterTrip(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := newServer(t, 500, `{}`, &hits)
	c := New(Config{APIBase: srv.URL, APIKey: "k", Breaker: BreakerConfig{Trip: 2, BaseDelay: time.Hour}}, logx.Nop())

	for i := 0; i < 4; i++ {
		_, _ = c.Summarize(context.Background(), "[10:00] ann: hi", digest.ModelOptions{})
	}
	if got := hits.Load(); got != 2 {
		t.Fatalf("hits = %d, want 2 (circuit should be open)", got)
	}
	_, err := c.Summarize(context.Background(), "x", digest.ModelOptions{})
	if err == nil || !strings.Contains(err.Error(), "circuit open") {
		t.Fatalf("err = %v", err)
	}
}

func TestBreakerBackoffCapped(t *testing.T) {
	t.Parallel()

	s := &breakerStore{}
	cfg := BreakerConfig{Trip: 1, BaseDelay: time.Second, MaxDelay: 5 * time.Second, ResetAfter: time.Hour}
	now := time.Unix(0, 0)
	for i := 0; i < 10; i++ {
		s.record(now, "k", cfg, errors.New("x"))
	}
	_, until := s.isOpen(now, "k", cfg)
	if d := until.Sub(now); d != 5*time.Second {
		t.Fatalf("cooldown = %s", d)
	}
	s.record(now, "k", cfg, nil)
	if open, _ := s.isOpen(now, "k", cfg); open {
		t.Fatalf("success should close circuit")
	}
}

// A 500 from the summarizer degrades the digest to the local narrative.
func TestAggregatorFallsBackOnServerError(t *testing.T) {
	t.Parallel()

	srv := newServer(t, 500, `{"error":{"message":"boom"}}`, nil)
	c := New(Config{APIBase: srv.URL, APIKey: "k"}, logx.Nop())
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	items := []digest.Item{{ID: 1, AuthorID: 1, AuthorName: "ann", Text: "hi", Timestamp: at}}
	src := staticSource{items: items}

	rec, err := digest.NewAggregator(src, c, logx.Nop()).Aggregate(context.Background(), digest.Resource{ID: 1, Name: "general"}, digest.AggregateOptions{Kind: digest.KindDigest, MaxItems: 10})
	if err != nil {
		t.Fatalf("Aggregate: %v", err)
	}
	if rec.Narrative != digest.FallbackNarrative(items) {
		t.Fatalf("narrative = %q", rec.Narrative)
	}
}

type staticSource struct{ items []digest.Item }

func (s staticSource) ListResources(context.Context, int64) ([]digest.Resource, error) { return nil, nil }
func (s staticSource) ListGroupings(context.Context, int64) ([]digest.Grouping, error) { return nil, nil }
func (s staticSource) FetchItems(context.Context, int64, int64, int) ([]digest.Item, error) {
	return s.items, nil
}
