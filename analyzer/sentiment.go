package analyzer

import (
	"regexp"
	"strings"

	"observatory/models"
)

const (
	PositiveThreshold = 0.3
	NegativeThreshold = -0.3

	// Negated words keep half their strength with the sign flipped
	negationFactor = -0.5
	// Negation reaches this many tokens ahead
	negationScope = 3
)

var sentimentTokenPattern = regexp.MustCompile(`[a-z]+(?:'[a-z]+)?`)

// Scorer computes the polarity of a text in [-1, 1]
type Scorer interface {
	Polarity(text string) float64
}

// LexiconScorer scores text with a word polarity table. Each polar word is
// scaled by a preceding intensifier and flipped by a negation shortly
// before it; the text polarity is the mean over polar words.
type LexiconScorer struct {
	lexicon      map[string]float64
	intensifiers map[string]float64
}

func NewLexiconScorer() *LexiconScorer {
	return &LexiconScorer{lexicon: polarityLexicon, intensifiers: intensifiers}
}

func isNegation(token string) bool {
	if _, ok := negations[token]; ok {
		return true
	}
	return strings.HasSuffix(token, "n't")
}

func (s *LexiconScorer) Polarity(text string) float64 {
	tokens := sentimentTokenPattern.FindAllString(strings.ToLower(text), -1)

	var sum float64
	var scored int
	negatedUntil := -1
	intensity := 1.0

	for i, token := range tokens {
		if isNegation(token) {
			negatedUntil = i + negationScope
			continue
		}
		if factor, ok := s.intensifiers[token]; ok {
			intensity *= factor
			continue
		}

		polarity, ok := s.lexicon[token]
		if !ok {
			intensity = 1.0
			continue
		}

		polarity *= intensity
		if i <= negatedUntil {
			polarity *= negationFactor
			negatedUntil = -1
		}
		sum += clamp(polarity)
		scored++
		intensity = 1.0
	}

	if scored == 0 {
		return 0
	}
	return clamp(sum / float64(scored))
}

func clamp(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// AverageSentiment is the unweighted mean polarity of the posts. Posts
// without text count as neutral so the denominator is the post count.
func AverageSentiment(scorer Scorer, posts []models.Post) float64 {
	if len(posts) == 0 {
		return 0
	}

	var sum float64
	for _, post := range posts {
		if text := post.Text(); text != "" {
			sum += scorer.Polarity(text)
		}
	}
	return sum / float64(len(posts))
}

// SentimentLabel buckets a polarity into positive, neutral or negative
func SentimentLabel(polarity float64) string {
	switch {
	case polarity >= PositiveThreshold:
		return "positive"
	case polarity <= NegativeThreshold:
		return "negative"
	}
	return "neutral"
}
