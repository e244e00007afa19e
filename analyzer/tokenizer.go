package analyzer

import (
	"regexp"
	"strings"
)

// Words of three or more ASCII letters
var wordPattern = regexp.MustCompile(`\b[a-zA-Z]{3,}\b`)

var defaultStopWords = []string{
	"the", "a", "an", "is", "are", "was", "were", "i", "you", "we", "they",
	"it", "this", "that", "to", "of", "and", "or", "for", "in", "on", "at",
	"be", "have", "has", "had", "do", "does", "did", "but", "not", "what",
	"all", "would", "there", "their", "from", "with", "as", "my", "just",
	"been", "being", "can", "could", "will", "should", "may", "might",
	"must", "shall", "if", "then", "else", "when", "where", "why", "how",
	"which", "who", "whom", "whose", "than", "too", "very", "much", "many",
	"some", "any", "no", "nor", "only", "own", "same", "so", "such",
	"also", "about", "into", "through", "during", "before", "after",
	"above", "below", "between", "under", "again", "further", "once",
	"here", "each", "few", "more", "most", "other", "these", "those",
	"your", "its", "his", "her", "our", "out", "up", "down", "off", "over",
	"even", "now", "well", "back", "way", "new", "one", "two", "first",
	"like", "get", "got", "make", "made", "know", "think", "see", "come",
	"want", "look", "use", "find", "give", "tell", "try", "really", "still",
	"thing", "things", "something", "anything", "nothing",
}

// Tokenizer extracts trend words from post text
type Tokenizer struct {
	stopWords map[string]struct{}
}

// NewTokenizer builds a tokenizer with the default stopwords plus extra
func NewTokenizer(extra ...string) *Tokenizer {
	stopWords := make(map[string]struct{}, len(defaultStopWords)+len(extra))
	for _, word := range defaultStopWords {
		stopWords[word] = struct{}{}
	}
	for _, word := range extra {
		stopWords[strings.ToLower(strings.TrimSpace(word))] = struct{}{}
	}
	return &Tokenizer{stopWords: stopWords}
}

// Words returns the lowercased non-stopword words of text in order
func (t *Tokenizer) Words(text string) []string {
	if text == "" {
		return nil
	}

	var words []string
	for _, word := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := t.stopWords[word]; !stop {
			words = append(words, word)
		}
	}
	return words
}

// Count adds the words of text to counts
func (t *Tokenizer) Count(counts map[string]int64, text string) {
	for _, word := range t.Words(text) {
		counts[word]++
	}
}
