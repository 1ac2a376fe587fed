package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Number decodes a JSON number, a numeric string or null. The backend emits
// scores as either depending on the code path (fresh scrape vs cache hit).
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*n = 0
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			*n = 0
			return nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("not a number: %q", s)
		}
		*n = Number(f)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*n = Number(f)
	return nil
}

func (n Number) Float() float64 { return float64(n) }

// Analysis is the typed view of an /analyse payload.
type Analysis struct {
	SentimentScore Number        `json:"SentimentScore"`
	ReviewsScraped Number        `json:"ReviewsScraped"`
	Summary        string        `json:"Summary"`
	UserSentiment  string        `json:"UserSentiment"`
	FakeRatio      Number        `json:"FakeRatio"`
	RelatedItems   []RelatedItem `json:"RelatedItems"`
	Reviews        []Review      `json:"Reviews"`

	// Missing lists expected top-level fields absent from the payload.
	Missing []string `json:"-"`
}

// Partial reports whether some expected fields were absent.
func (a *Analysis) Partial() bool { return len(a.Missing) > 0 }

type RelatedItem struct {
	Title string `json:"title"`
	Image string `json:"image"`
	URL   string `json:"url"`
	Price string `json:"price"`
}

type Review struct {
	User       string      `json:"user"`
	Rating     Number      `json:"rating"`
	Time       string      `json:"time"`
	Review     string      `json:"review"`
	Score      ReviewScore `json:"score"`
	Sentiment  *Number     `json:"sentiment"`
	FinalScore Number      `json:"final_score"`
	Ldr        [2]Number   `json:"ldr"` // likes, dislikes
}

type ReviewScore struct {
	Sent Number `json:"sent"`
	Eng  Number `json:"eng"`
	Ldr  Number `json:"ldr"`
	Len  Number `json:"len"`
	Plag Number `json:"plag"`
}

// SentimentValue is the review's sentiment, falling back to score.sent.
func (r Review) SentimentValue() float64 {
	if r.Sentiment != nil {
		return r.Sentiment.Float()
	}
	return r.Score.Sent.Float()
}

// HelpfulRatio is likes / (likes + dislikes), 0 without votes.
func (r Review) HelpfulRatio() float64 {
	likes, dislikes := r.Ldr[0].Float(), r.Ldr[1].Float()
	if likes+dislikes <= 0 {
		return 0
	}
	return likes / (likes + dislikes)
}

// expectedFields are the top-level keys of a complete payload, in display
// order. FakeRatio is optional: older backends do not send it.
var expectedFields = []string{
	"SentimentScore", "ReviewsScraped", "Summary", "UserSentiment", "RelatedItems", "Reviews",
}

var errNoFields = errors.New("no analysis fields present")

// ParseAnalysis decodes an unwrapped payload. Percent-scale values (above 1)
// of SentimentScore and FakeRatio are normalised to [0,1].
func ParseAnalysis(payload []byte) (*Analysis, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(payload, &top); err != nil {
		return nil, fmt.Errorf("expected an object: %w", err)
	}
	if top == nil {
		return nil, errors.New("expected an object")
	}

	var a Analysis
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, err
	}
	present := 0
	for _, f := range expectedFields {
		if raw, ok := top[f]; ok && string(bytes.TrimSpace(raw)) != "null" {
			present++
			continue
		}
		a.Missing = append(a.Missing, f)
	}
	if present == 0 {
		return nil, errNoFields
	}
	a.SentimentScore = normalise(a.SentimentScore)
	a.FakeRatio = normalise(a.FakeRatio)
	return &a, nil
}

// normalise divides percent-scale values by 100. Exactly 1 reads as 1.0 on
// the fraction scale, not as 1%.
func normalise(n Number) Number {
	if n > 1 {
		return n / 100
	}
	return n
}

// unwrap turns a 2xx body into a JSON payload. A JSON string that itself
// holds JSON is decoded once. It returns errEmpty for an empty or null body.
func unwrap(body []byte) (json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 || string(body) == "null" {
		return nil, errEmpty
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%w: %s", errInvalidJSON, syntaxError(body))
	}
	if body[0] != '"' {
		return json.RawMessage(body), nil
	}
	var inner string
	if err := json.Unmarshal(body, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", errInvalidJSON, err)
	}
	ib := bytes.TrimSpace([]byte(inner))
	if len(ib) == 0 || string(ib) == "null" {
		return nil, errEmpty
	}
	if !json.Valid(ib) {
		return nil, fmt.Errorf("%w: %s", errInvalidJSON, syntaxError(ib))
	}
	return json.RawMessage(ib), nil
}

var (
	errEmpty       = errors.New("empty response")
	errInvalidJSON = errors.New("invalid JSON response")
)

func syntaxError(b []byte) string {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err.Error()
	}
	return "unexpected content"
}
