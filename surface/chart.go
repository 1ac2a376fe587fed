package surface

import (
	"fmt"
	"math"

	"github.com/hazyhaar/revlens/relay"
)

// Ring is the geometry of a circular score gauge.
type Ring struct {
	Size          float64
	Stroke        float64
	Center        float64
	Radius        float64
	Circumference float64
	Offset        float64
	Percent       int
}

// NewRing computes a gauge for score in [0,1]. Out-of-range scores are
// clamped and NaN draws an empty gauge.
func NewRing(score, size, stroke float64) Ring {
	score = clamp01(score)
	r := (size - stroke) / 2
	circ := 2 * math.Pi * r
	return Ring{
		Size:          size,
		Stroke:        stroke,
		Center:        size / 2,
		Radius:        r,
		Circumference: circ,
		Offset:        circ - score*circ,
		Percent:       int(math.Round(score * 100)),
	}
}

// Plot is a scatter of reviews: authenticity on x, sentiment on y.
type Plot struct {
	Width, Height int // full SVG size
	Left, Top     int // margins
	InnerW        int
	InnerH        int
	Points        []Point
}

// Point is one review in a Plot. Coordinates are relative to the inner
// area.
type Point struct {
	CX, CY  float64
	R       float64
	Color   string
	Opacity float64
	Title   string
}

const (
	plotWidth  = 500
	plotHeight = 350
	plotLeft   = 60
	plotRight  = 20
	plotTop    = 20
	plotBottom = 60

	minRadius = 4
	maxRadius = 12
)

var ratingColors = [...]string{"#ef4444", "#f97316", "#eab308", "#22c55e", "#059669"}

// RatingColor returns the colour for a 1..5 star rating. Other values get
// neutral grey.
func RatingColor(rating float64) string {
	i := int(math.Round(rating))
	if i < 1 || i > len(ratingColors) {
		return "#9ca3af"
	}
	return ratingColors[i-1]
}

// NewPlot lays out reviews. x and y scale linearly over their extents;
// the radius scales 4..12 over the extent of helpful ratios.
func NewPlot(reviews []relay.Review) Plot {
	p := Plot{
		Width:  plotWidth,
		Height: plotHeight,
		Left:   plotLeft,
		Top:    plotTop,
		InnerW: plotWidth - plotLeft - plotRight,
		InnerH: plotHeight - plotTop - plotBottom,
	}
	if len(reviews) == 0 {
		return p
	}

	xs := make([]float64, len(reviews))
	ys := make([]float64, len(reviews))
	hs := make([]float64, len(reviews))
	for i, r := range reviews {
		xs[i] = r.FinalScore.Float()
		ys[i] = r.SentimentValue()
		hs[i] = r.HelpfulRatio()
	}
	xLo, xHi := extent(xs)
	yLo, yHi := extent(ys)
	hLo, hHi := extent(hs)

	for i, r := range reviews {
		p.Points = append(p.Points, Point{
			CX:      scale(xs[i], xLo, xHi, 0, float64(p.InnerW)),
			CY:      scale(ys[i], yLo, yHi, float64(p.InnerH), 0),
			R:       scale(hs[i], hLo, hHi, minRadius, maxRadius),
			Color:   RatingColor(r.Rating.Float()),
			Opacity: math.Max(0.4, clamp01(xs[i])),
			Title: fmt.Sprintf("%s, %g stars, authenticity %.1f%%, sentiment %.1f%%, %s",
				r.User, r.Rating.Float(), xs[i]*100, ys[i]*100, r.Time),
		})
	}
	return p
}

func extent(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	return lo, hi
}

// scale maps v from [lo,hi] to [a,b]. A degenerate domain maps to the
// midpoint.
func scale(v, lo, hi, a, b float64) float64 {
	if hi == lo {
		return (a + b) / 2
	}
	return a + (v-lo)/(hi-lo)*(b-a)
}

// clamp01 maps NaN to 0.
func clamp01(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(1, math.Max(0, v))
}
