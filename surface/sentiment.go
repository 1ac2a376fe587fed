package surface

// sentimentBand maps a lower bound on a [0,1] sentiment score to its label
// and tone. Bands are checked in order; the first bound met wins.
type sentimentBand struct {
	min   float64
	label string
	tone  string
}

var sentimentBands = []sentimentBand{
	{0.9, "Overwhelmingly Positive", "pos-3"},
	{0.7, "Very Positive", "pos-2"},
	{0.6, "Mostly Positive", "pos-1"},
	{0.5, "Slightly Positive", "pos-0"},
	{0.4, "Mixed", "mixed"},
	{0.3, "Slightly Negative", "neg-0"},
	{0.2, "Mostly Negative", "neg-1"},
	{0.1, "Very Negative", "neg-2"},
}

// SentimentLabel returns the label for a [0,1] score.
func SentimentLabel(score float64) string {
	label, _ := sentiment(score)
	return label
}

func sentiment(score float64) (label, tone string) {
	for _, b := range sentimentBands {
		if score >= b.min {
			return b.label, b.tone
		}
	}
	return "Overwhelmingly Negative", "neg-3"
}
