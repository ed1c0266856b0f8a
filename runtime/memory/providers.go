package memory

import (
	"context"
	"strings"
	"unicode/utf8"
)

const defaultSummaryLimit = 512

// truncateSummarizer is the degraded fallback when no Summarizer is injected
// or the injected one fails: concatenate source contents and cut at a fixed
// limit. It never returns an error, so compaction always produces a summary.
type truncateSummarizer struct {
	limit int
}

// Summarize implements Summarizer.
func (t truncateSummarizer) Summarize(_ context.Context, entries []*Entry) (string, error) {
	var b strings.Builder
	for _, e := range entries {
		if e.Content == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Content)
	}
	limit := t.limit
	if limit <= 0 {
		limit = defaultSummaryLimit
	}
	s := b.String()
	if len(s) <= limit {
		return s, nil
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + " [truncated]", nil
}
