package relay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/revlens/origin"
)

const (
	pageURL   = "https://www.flipkart.com/some-phone/p/itm123?pid=MOB1"
	reviewURL = "https://www.flipkart.com/some-phone/product-reviews/itm123?pid=MOB1"
)

const fullPayload = `{
	"SentimentScore": 82,
	"ReviewsScraped": 40,
	"Summary": "Good battery.",
	"UserSentiment": "positive",
	"FakeRatio": 12,
	"RelatedItems": [{"title": "Case", "image": "https://img/x.png", "url": "https://shop/x", "price": "199"}],
	"Reviews": [{
		"user": "A", "rating": "5", "time": "2 months ago", "review": "Great",
		"score": {"sent": 0.9, "eng": 0.4, "ldr": 0.2, "len": 0.1},
		"sentiment": 0.95, "final_score": 0.8, "ldr": ["10", "2"]
	}]
}`

// backend is a fake analysis service that counts calls.
type backend struct {
	calls  atomic.Int64
	status int
	body   string
	last   atomic.Value // *http.Request body
}

func newBackend(t *testing.T, status int, body string) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{status: status, body: body}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		b.last.Store(map[string]string{
			"path":         r.URL.Path,
			"method":       r.Method,
			"content_type": r.Header.Get("Content-Type"),
			"request_id":   r.Header.Get("X-Request-ID"),
			"body":         string(raw),
		})
		w.WriteHeader(b.status)
		io.WriteString(w, b.body)
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func newService(t *testing.T, baseURL string) *Service {
	t.Helper()
	s, err := NewService(baseURL, origin.NewGuard(origin.DefaultHosts...))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestHandle_Success(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, fullPayload)
	s := newService(t, srv.URL+"/")

	res := s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if b.calls.Load() != 1 {
		t.Fatalf("backend calls: got %d, want 1", b.calls.Load())
	}
	last := b.last.Load().(map[string]string)
	if last["path"] != PathAnalyse || last["method"] != http.MethodPost {
		t.Errorf("request: %v", last)
	}
	if last["content_type"] != "application/json" {
		t.Errorf("content type: %q", last["content_type"])
	}
	var sent Request
	json.Unmarshal([]byte(last["body"]), &sent)
	if sent.URL != reviewURL {
		t.Errorf("forwarded url: %q", sent.URL)
	}

	a := res.Analysis
	if a.SentimentScore != 0.82 {
		t.Errorf("sentiment score: got %v, want 0.82", a.SentimentScore)
	}
	if a.FakeRatio != 0.12 {
		t.Errorf("fake ratio: got %v", a.FakeRatio)
	}
	if a.Partial() {
		t.Errorf("unexpected missing fields: %v", a.Missing)
	}
	if len(a.Reviews) != 1 || a.Reviews[0].Rating != 5 || a.Reviews[0].Ldr[0] != 10 {
		t.Errorf("reviews: %+v", a.Reviews)
	}
	if got := a.Reviews[0].HelpfulRatio(); got < 0.83 || got > 0.84 {
		t.Errorf("helpful ratio: %v", got)
	}
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"server error", 500, "boom", "HTTP error 500"},
		{"not found", 404, "", "HTTP error 404"},
		{"empty body", 200, "", MsgEmptyAnalysis},
		{"null body", 200, "null", MsgEmptyAnalysis},
		{"invalid json", 200, "{not json", "invalid JSON response: "},
		{"array payload", 200, "[1,2]", "malformed analysis payload: "},
		{"wrong field type", 200, `{"Summary": 42}`, "malformed analysis payload: "},
		{"no known fields", 200, `{"foo": 1}`, "malformed analysis payload: "},
		{"double-encoded garbage", 200, `"not json"`, "invalid JSON response: "},
		{"double-encoded null", 200, `"null"`, MsgEmptyAnalysis},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, srv := newBackend(t, tt.status, tt.body)
			s := newService(t, srv.URL)

			res := s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
			if res.OK {
				t.Fatal("expected failure")
			}
			if !strings.HasPrefix(res.Message, tt.want) {
				t.Errorf("message: got %q, want prefix %q", res.Message, tt.want)
			}
			if b.calls.Load() != 1 {
				t.Errorf("backend calls: got %d, want exactly 1", b.calls.Load())
			}
		})
	}
}

func TestHandle_DoubleEncoded(t *testing.T) {
	encoded, _ := json.Marshal(fullPayload)
	_, srv := newBackend(t, http.StatusOK, string(encoded))
	s := newService(t, srv.URL)

	res := s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if res.Analysis.Summary != "Good battery." {
		t.Errorf("summary: %q", res.Analysis.Summary)
	}
	if len(res.Payload) == 0 || res.Payload[0] != '{' {
		t.Errorf("payload not unwrapped: %s", res.Payload)
	}
}

func TestHandle_PartialPayload(t *testing.T) {
	_, srv := newBackend(t, http.StatusOK, `{"SentimentScore": "0.4", "Summary": "ok"}`)
	s := newService(t, srv.URL)

	res := s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
	if !res.OK {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if !res.Analysis.Partial() {
		t.Fatal("expected partial data")
	}
	if res.Analysis.SentimentScore != 0.4 {
		t.Errorf("score: %v", res.Analysis.SentimentScore)
	}
	want := map[string]bool{"ReviewsScraped": true, "UserSentiment": true, "RelatedItems": true, "Reviews": true}
	for _, m := range res.Analysis.Missing {
		delete(want, m)
	}
	if len(want) != 0 {
		t.Errorf("missing fields not reported: %v", want)
	}
}

func TestHandle_OriginRejectedMakesNoCall(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, fullPayload)
	s := newService(t, srv.URL)

	for _, caller := range []string{"", "https://evil.com/p/1", "https://flipkart.com.evil.io/", "not a url"} {
		res := s.Handle(context.Background(), Request{URL: reviewURL}, caller)
		if res.OK || res.Message != MsgOriginNotAllowed {
			t.Errorf("caller %q: got %+v", caller, res)
		}
	}
	if b.calls.Load() != 0 {
		t.Fatalf("backend called %d times for rejected origins", b.calls.Load())
	}
}

func TestHandle_InvalidTargetMakesNoCall(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, fullPayload)
	s := newService(t, srv.URL)

	res := s.Handle(context.Background(), Request{URL: "javascript:alert(1)"}, pageURL)
	if res.OK || res.Message != MsgInvalidTarget {
		t.Fatalf("got %+v", res)
	}
	if b.calls.Load() != 0 {
		t.Fatal("backend called for invalid target")
	}
}

type failingDoer struct{ calls atomic.Int64 }

func (f *failingDoer) Do(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("dial tcp: connection refused")
}

func TestHandle_TransportFault(t *testing.T) {
	d := &failingDoer{}
	s, err := NewService("http://backend.invalid", origin.NewGuard(origin.DefaultHosts...), WithHTTPClient(d))
	if err != nil {
		t.Fatal(err)
	}
	res := s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
	if res.OK || !strings.Contains(res.Message, "connection refused") {
		t.Fatalf("got %+v", res)
	}
	if d.calls.Load() != 1 {
		t.Fatalf("calls: got %d, want 1 (no retries)", d.calls.Load())
	}
}

func TestHandle_Concurrent(t *testing.T) {
	b, srv := newBackend(t, http.StatusOK, fullPayload)
	s := newService(t, srv.URL)

	const n = 20
	var wg sync.WaitGroup
	results := make([]Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Handle(context.Background(), Request{URL: reviewURL}, pageURL)
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if !r.OK {
			t.Errorf("result %d: %q", i, r.Message)
		}
	}
	if b.calls.Load() != n {
		t.Fatalf("backend calls: got %d, want %d", b.calls.Load(), n)
	}
}

func TestNewService_RejectsBadBaseURL(t *testing.T) {
	for _, u := range []string{"", "ftp://x", "not a url"} {
		if _, err := NewService(u, nil); err == nil {
			t.Errorf("NewService(%q): expected error", u)
		}
	}
}

func TestNumber_Lenient(t *testing.T) {
	var v struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a": 1.5, "b": "2", "c": null, "d": ""}`), &v); err != nil {
		t.Fatal(err)
	}
	if v.A != 1.5 || v.B != 2 || v.C != 0 || v.D != 0 {
		t.Fatalf("got %+v", v)
	}
	if err := json.Unmarshal([]byte(`{"a": "x"}`), &v); err == nil {
		t.Fatal("expected error for non-numeric string")
	}
	for _, s := range []string{`"NaN"`, `"Inf"`, `"-Infinity"`, `"1e400"`} {
		if err := json.Unmarshal([]byte(`{"a": `+s+`}`), &v); err == nil {
			t.Errorf("%s accepted as a number: %v", s, v.A)
		}
	}
}

func TestParseAnalysis_NonFinite(t *testing.T) {
	if _, err := ParseAnalysis([]byte(`{"SentimentScore": "NaN", "Summary": "x"}`)); err == nil {
		t.Fatal("NaN sentiment accepted")
	}
}

func TestParseAnalysis_ScaleBoundary(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
	}{
		{"0", 0},
		{"0.42", 0.42},
		{"1", 1},
		{"2", 0.02},
		{"64", 0.64},
		{"100", 1},
	}
	for _, c := range cases {
		a, err := ParseAnalysis([]byte(`{"SentimentScore": ` + c.raw + `}`))
		if err != nil {
			t.Fatal(err)
		}
		if math.Abs(a.SentimentScore.Float()-c.want) > 1e-9 {
			t.Errorf("SentimentScore %s: got %v, want %v", c.raw, a.SentimentScore, c.want)
		}
	}
}
