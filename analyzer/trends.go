package analyzer

import (
	"sort"

	"observatory/models"

	"github.com/samber/lo"
)

// RankWords orders counts by descending count, alphabetically on ties, and
// keeps the first k. A k of zero or less keeps everything.
func RankWords(counts map[string]int64, k int) []models.WordCount {
	ranked := lo.MapToSlice(counts, func(word string, count int64) models.WordCount {
		return models.WordCount{Word: word, Count: count}
	})

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Word < ranked[j].Word
	})

	if k > 0 && len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked
}

// CountWords counts the words of every post
func CountWords(tokenizer *Tokenizer, posts []models.Post) map[string]int64 {
	counts := map[string]int64{}
	for _, post := range posts {
		tokenizer.Count(counts, post.Text())
	}
	return counts
}

// CountWordsByHour counts words per hour bucket of post creation, keeping
// the top perHour words of each bucket
func CountWordsByHour(tokenizer *Tokenizer, posts []models.Post, perHour int) map[int64]map[string]int64 {
	grouped := lo.GroupBy(posts, func(post models.Post) int64 {
		return post.CreatedAt - post.CreatedAt%3600
	})

	result := make(map[int64]map[string]int64, len(grouped))
	for hour, hourPosts := range grouped {
		counts := CountWords(tokenizer, hourPosts)
		if perHour > 0 && len(counts) > perHour {
			counts = lo.SliceToMap(RankWords(counts, perHour), func(wc models.WordCount) (string, int64) {
				return wc.Word, wc.Count
			})
		}
		if len(counts) > 0 {
			result[hour] = counts
		}
	}
	return result
}
