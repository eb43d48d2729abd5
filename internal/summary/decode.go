package summary

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// Decode extracts a Document from raw model output. Three strategies are
// tried in order: a direct parse of the whole text, a parse of the first
// fenced code block, and a brace scan from the first '{' to its matching
// '}'. If none yields a usable payload, the fallback is a minimal document
// whose overview holds the raw text — decoding never fails.
func Decode(raw string) Document {
	trimmed := strings.TrimSpace(raw)

	if doc, ok := tryParse(trimmed); ok {
		return doc
	}

	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		if doc, ok := tryParse(m[1]); ok {
			return doc
		}
	}

	if candidate := braceScan(trimmed); candidate != "" {
		if doc, ok := tryParse(candidate); ok {
			return doc
		}
	}

	return Document{Overview: trimmed}
}

// payload mirrors Document but tolerates list entries that arrive as bare
// strings instead of title/body objects.
type payload struct {
	Title          string      `json:"title"`
	Overview       string      `json:"overview"`
	KeyInsights    []looseItem `json:"keyInsights"`
	GeneratedIdeas []looseItem `json:"generatedIdeas"`
	ActionItems    []looseItem `json:"actionItems"`
	OpenQuestions  []looseItem `json:"openQuestions"`
	NextSteps      []string    `json:"nextSteps"`
}

type looseItem Item

func (it *looseItem) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		it.Title = s
		return nil
	}
	var full Item
	if err := json.Unmarshal(data, &full); err != nil {
		return err
	}
	*it = looseItem(full)
	return nil
}

func tryParse(text string) (Document, bool) {
	var p payload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return Document{}, false
	}
	// A payload with neither overview nor any list is not usable output.
	if p.Overview == "" && p.Title == "" &&
		len(p.KeyInsights) == 0 && len(p.GeneratedIdeas) == 0 &&
		len(p.ActionItems) == 0 && len(p.OpenQuestions) == 0 && len(p.NextSteps) == 0 {
		return Document{}, false
	}
	return Document{
		Title:          p.Title,
		Overview:       p.Overview,
		KeyInsights:    normalize(p.KeyInsights),
		GeneratedIdeas: normalize(p.GeneratedIdeas),
		ActionItems:    normalize(p.ActionItems),
		OpenQuestions:  normalize(p.OpenQuestions),
		NextSteps:      p.NextSteps,
	}, true
}

func normalize(items []looseItem) []Item {
	if len(items) == 0 {
		return nil
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item(it)
		if out[i].Priority == "" {
			out[i].Priority = "medium"
		}
	}
	return out
}

// braceScan returns the substring from the first '{' to its matching closing
// brace, tracking nesting and string literals. Returns "" if no balanced
// object is found.
func braceScan(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
