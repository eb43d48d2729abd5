// Package summary synthesizes a structured digest of the accumulated
// conversation context through one generation request, parsing the
// semi-structured model output defensively.
package summary

import "time"

// Item is one digest entry: title, body, and a coarse priority.
type Item struct {
	Title    string `json:"title"`
	Body     string `json:"body"`
	Priority string `json:"priority"`
}

// Document is the structured digest produced from a snapshot of the
// conversation context. A document is never mutated after creation; a new
// synthesis produces a new document that replaces the prior one.
type Document struct {
	Title          string    `json:"title"`
	Overview       string    `json:"overview"`
	KeyInsights    []Item    `json:"keyInsights"`
	GeneratedIdeas []Item    `json:"generatedIdeas"`
	ActionItems    []Item    `json:"actionItems"`
	OpenQuestions  []Item    `json:"openQuestions"`
	NextSteps      []string  `json:"nextSteps"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Empty reports whether the document carries no content at all.
func (d *Document) Empty() bool {
	return d.Title == "" && d.Overview == "" &&
		len(d.KeyInsights) == 0 && len(d.GeneratedIdeas) == 0 &&
		len(d.ActionItems) == 0 && len(d.OpenQuestions) == 0 &&
		len(d.NextSteps) == 0
}
