package rag

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// SystemPrompt instructs the completion model to stay grounded in the recording
const SystemPrompt = `You are a recording assistant that answers questions about transcribed audio.

Your task:
1. Answer the user's question using the provided transcript excerpts.
2. When the excerpts contain the answer, quote or paraphrase them accurately.
3. When they do not, tell the user the recording does not contain that information.
4. Cite the time ranges of the excerpts you used so the user can find them.
5. Keep answers short, accurate and helpful.

Answer only from the recording and never invent information. If you are unsure, say "Based on the recording, I cannot determine..."`

// Citation identifies a segment the answer was grounded in
type Citation struct {
	SegmentID uint64    `json:"segment_id"`
	SessionID string    `json:"session_id"`
	Start     time.Time `json:"start_time"`
	End       time.Time `json:"end_time"`
	Score     float64   `json:"score"`
}

// Composer renders retrieved passages into a bounded prompt context
type Composer struct {
	maxChars int
	loc      *time.Location
}

// NewComposer creates a composer whose context never exceeds maxChars
// characters. Times are rendered in loc (UTC when nil).
func NewComposer(maxChars int, loc *time.Location) *Composer {
	if maxChars <= 0 {
		maxChars = 4000
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Composer{maxChars: maxChars, loc: loc}
}

// Context renders passages in order as "[n] (start - end)\ntext" blocks.
// Rendering stops at the first passage that would exceed the budget, and
// only rendered passages are cited. A first passage longer than the whole
// budget is truncated rather than dropped.
func (c *Composer) Context(passages []Passage) (string, []Citation) {
	var b strings.Builder
	used := 0
	citations := make([]Citation, 0, len(passages))

	for i, p := range passages {
		sep := ""
		if i > 0 {
			sep = "\n\n"
		}
		header := fmt.Sprintf("[%d] (%s - %s)\n", i+1, c.format(p.Segment.Start), c.format(p.Segment.End))
		text := p.Segment.Text
		size := utf8.RuneCountInString(sep + header + text)

		if used+size > c.maxChars {
			room := c.maxChars - used - utf8.RuneCountInString(sep+header)
			if i > 0 || room <= 0 {
				break
			}
			text = string([]rune(text)[:room])
			size = c.maxChars - used
		}

		b.WriteString(sep)
		b.WriteString(header)
		b.WriteString(text)
		used += size
		citations = append(citations, Citation{
			SegmentID: p.Segment.ID,
			SessionID: p.Segment.SessionID,
			Start:     p.Segment.Start,
			End:       p.Segment.End,
			Score:     p.Score,
		})
	}
	return b.String(), citations
}

// UserPrompt wraps the rendered context and the question
func (c *Composer) UserPrompt(context, question string) string {
	return fmt.Sprintf("Recording transcript excerpts:\n%s\n\nQuestion: %s\n\nAnswer the question based on the excerpts above.", context, question)
}

func (c *Composer) format(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02 15:04:05")
}
