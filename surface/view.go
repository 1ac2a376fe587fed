package surface

import (
	"bytes"
	"cmp"
	"embed"
	"fmt"
	"html/template"
	"math"
	"slices"

	"github.com/hazyhaar/revlens/relay"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("surface").Funcs(template.FuncMap{
	"half":    func(v int) int { return v / 2 },
	"add":     func(a, b int) int { return a + b },
	"percent": func(n relay.Number) int { return int(math.Round(clamp01(n.Float()) * 100)) },
}).ParseFS(templateFS, "templates/*.tmpl"))

const (
	ringSize   = 120
	ringStroke = 10

	// TopReviews is how many reviews the Reviews tab lists.
	TopReviews = 5
)

// view is the template data for one widget.
type view struct {
	ID      string
	Variant string
	Status  string
	Message string

	Partial bool
	Missing []string

	Label, Tone    string
	Ring           Ring
	HasScraped     bool
	ReviewsScraped int
	HasFake        bool
	FakePercent    int
	Summary        string
	UserSentiment  string
	Related        []relay.RelatedItem
	Plot           Plot
	TopReviews     []relay.Review
	Original       template.HTML
}

func newView(w Widget) view {
	v := view{
		ID:      w.ID,
		Variant: w.Variant,
		Status:  string(w.Status),
		Message: w.Message,
		// Original has been through the sanitising policy.
		Original: template.HTML(w.Original),
	}
	a := w.Analysis
	if w.Status != Ready || a == nil {
		return v
	}
	score := a.SentimentScore.Float()
	v.Partial = a.Partial()
	v.Missing = a.Missing
	v.Label, v.Tone = sentiment(score)
	v.Ring = NewRing(score, ringSize, ringStroke)
	v.HasScraped = !slices.Contains(a.Missing, "ReviewsScraped")
	v.ReviewsScraped = int(a.ReviewsScraped.Float())
	if f := a.FakeRatio.Float(); f > 0 {
		v.HasFake = true
		v.FakePercent = int(math.Round(clamp01(f) * 100))
	}
	v.Summary = a.Summary
	v.UserSentiment = a.UserSentiment
	v.Related = a.RelatedItems
	v.Plot = NewPlot(a.Reviews)
	v.TopReviews = topReviews(a.Reviews, TopReviews)
	return v
}

// topReviews returns the n reviews with the highest final score, keeping
// backend order among ties.
func topReviews(reviews []relay.Review, n int) []relay.Review {
	out := slices.Clone(reviews)
	slices.SortStableFunc(out, func(a, b relay.Review) int {
		return cmp.Compare(b.FinalScore.Float(), a.FinalScore.Float())
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

// Render returns the HTML for a widget snapshot.
func Render(w Widget) (string, error) {
	var b bytes.Buffer
	if err := templates.ExecuteTemplate(&b, "widget", newView(w)); err != nil {
		return "", fmt.Errorf("surface: render %s: %w", w.ID, err)
	}
	return b.String(), nil
}
