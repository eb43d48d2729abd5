package summary

import (
	"strings"
	"testing"
)

const structuredOutput = `{
  "title": "Planning session",
  "overview": "Sketched the next release.",
  "keyInsights": [{"title": "Scope is too broad", "body": "Cut the import flow.", "priority": "high"}],
  "generatedIdeas": [{"title": "Ship a CLI first"}],
  "actionItems": [{"title": "Write the migration", "priority": "low"}],
  "openQuestions": [{"title": "Who owns deployment?"}],
  "nextSteps": ["Draft the changelog", "Tag the release"]
}`

func TestDecodeDirectJSON(t *testing.T) {
	doc := Decode(structuredOutput)

	if doc.Title != "Planning session" {
		t.Errorf("title = %q", doc.Title)
	}
	if doc.Overview != "Sketched the next release." {
		t.Errorf("overview = %q", doc.Overview)
	}
	if len(doc.KeyInsights) != 1 || doc.KeyInsights[0].Priority != "high" {
		t.Errorf("key insights = %+v", doc.KeyInsights)
	}
	if len(doc.NextSteps) != 2 || doc.NextSteps[1] != "Tag the release" {
		t.Errorf("next steps = %v", doc.NextSteps)
	}
}

func TestDecodeDefaultsPriority(t *testing.T) {
	doc := Decode(structuredOutput)

	if got := doc.GeneratedIdeas[0].Priority; got != "medium" {
		t.Errorf("idea priority = %q, want medium default", got)
	}
	if got := doc.ActionItems[0].Priority; got != "low" {
		t.Errorf("action priority = %q, explicit value must win", got)
	}
}

// Models often wrap the JSON in prose and a fenced code block.
func TestDecodeFencedBlock(t *testing.T) {
	raw := "Here is the digest you asked for:\n\n```json\n" +
		`{"title": "Fenced", "overview": "from a code block"}` +
		"\n```\n\nLet me know if you need changes."

	doc := Decode(raw)
	if doc.Title != "Fenced" || doc.Overview != "from a code block" {
		t.Errorf("doc = %+v", doc)
	}
}

func TestDecodeFencedBlockWithoutLanguageTag(t *testing.T) {
	raw := "```\n{\"overview\": \"bare fence\"}\n```"

	doc := Decode(raw)
	if doc.Overview != "bare fence" {
		t.Errorf("overview = %q", doc.Overview)
	}
}

// No fence, but an object embedded in surrounding prose: the brace scan
// must find the balanced object even when strings contain braces.
func TestDecodeBraceScan(t *testing.T) {
	raw := `Sure thing. {"title": "Scanned", "overview": "note the } inside: \"{literal}\""} Hope that helps.`

	doc := Decode(raw)
	if doc.Title != "Scanned" {
		t.Errorf("title = %q", doc.Title)
	}
	if !strings.Contains(doc.Overview, "{literal}") {
		t.Errorf("overview = %q", doc.Overview)
	}
}

func TestDecodeRawTextFallback(t *testing.T) {
	raw := "I could not produce JSON, sorry. The conversation covered travel plans."

	doc := Decode(raw)
	if doc.Title != "" {
		t.Errorf("title = %q, want empty", doc.Title)
	}
	if doc.Overview != raw {
		t.Errorf("overview = %q, want the raw text", doc.Overview)
	}
	if len(doc.KeyInsights) != 0 || len(doc.NextSteps) != 0 {
		t.Errorf("lists should be empty: %+v", doc)
	}
}

// An empty object parses as JSON but carries no content; the decoder must
// fall through rather than return a blank document.
func TestDecodeEmptyObjectFallsBack(t *testing.T) {
	doc := Decode("{}")
	if doc.Overview != "{}" {
		t.Errorf("overview = %q, want the raw text fallback", doc.Overview)
	}
}

// List entries sometimes arrive as bare strings instead of objects.
func TestDecodeLooseItems(t *testing.T) {
	raw := `{"overview": "x", "generatedIdeas": ["just a string", {"title": "an object", "priority": "high"}]}`

	doc := Decode(raw)
	if len(doc.GeneratedIdeas) != 2 {
		t.Fatalf("ideas = %+v", doc.GeneratedIdeas)
	}
	if doc.GeneratedIdeas[0].Title != "just a string" || doc.GeneratedIdeas[0].Priority != "medium" {
		t.Errorf("bare string entry = %+v", doc.GeneratedIdeas[0])
	}
	if doc.GeneratedIdeas[1].Title != "an object" || doc.GeneratedIdeas[1].Priority != "high" {
		t.Errorf("object entry = %+v", doc.GeneratedIdeas[1])
	}
}

func TestDocumentEmpty(t *testing.T) {
	var d Document
	if !d.Empty() {
		t.Error("zero document should be empty")
	}
	d.NextSteps = []string{"one"}
	if d.Empty() {
		t.Error("document with a next step is not empty")
	}
}
