// Package ingest imports existing conversation transcripts — plain text,
// PDF, or web pages — into the session as context turns.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"

	"github.com/murmurchat/murmur/internal/conversation"
)

const maxFetchSize = 5 << 20 // 5MB

// Importer converts external transcript sources into conversation turns.
type Importer struct {
	httpClient *http.Client
}

// NewImporter creates an Importer.
func NewImporter() *Importer {
	return &Importer{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ParseTranscript splits plain text into turns using "speaker:" line
// prefixes (user/assistant/system, case-insensitive). Lines without a
// recognized prefix continue the current turn; leading text with no prefix
// becomes a user turn.
func ParseTranscript(text string) []conversation.Turn {
	var turns []conversation.Turn
	var current *conversation.Turn
	now := time.Now().UTC()

	flush := func() {
		if current != nil && strings.TrimSpace(current.Content) != "" {
			current.Content = strings.TrimSpace(current.Content)
			turns = append(turns, *current)
		}
		current = nil
	}

	for _, line := range strings.Split(text, "\n") {
		role, rest, ok := splitSpeaker(line)
		if ok {
			flush()
			current = &conversation.Turn{Role: role, Content: rest, Timestamp: now}
			continue
		}
		if current == nil {
			current = &conversation.Turn{Role: conversation.RoleUser, Timestamp: now}
		}
		if current.Content != "" {
			current.Content += "\n"
		}
		current.Content += line
	}
	flush()
	return turns
}

func splitSpeaker(line string) (conversation.Role, string, bool) {
	prefix, rest, found := strings.Cut(line, ":")
	if !found {
		return "", "", false
	}
	switch strings.ToLower(strings.TrimSpace(prefix)) {
	case "user", "me", "human":
		return conversation.RoleUser, strings.TrimSpace(rest), true
	case "assistant", "ai", "model":
		return conversation.RoleAssistant, strings.TrimSpace(rest), true
	case "system":
		return conversation.RoleSystem, strings.TrimSpace(rest), true
	}
	return "", "", false
}

// ImportPDF extracts the plain text of a PDF transcript and parses it into turns.
func (im *Importer) ImportPDF(path string) ([]conversation.Turn, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	r, err := reader.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extracting PDF text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return nil, fmt.Errorf("reading PDF text: %w", err)
	}

	turns := ParseTranscript(buf.String())
	if len(turns) == 0 {
		return nil, fmt.Errorf("no text found in %s", path)
	}
	return turns, nil
}

// ImportURL fetches a web page (capped at 5MB), strips markup, and parses
// the text into turns.
func (im *Importer) ImportURL(ctx context.Context, rawURL string) ([]conversation.Turn, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := im.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize))
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	text := body
	if strings.Contains(resp.Header.Get("Content-Type"), "html") {
		extracted, err := extractText(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("parsing HTML: %w", err)
		}
		text = []byte(extracted)
	}

	turns := ParseTranscript(string(text))
	if len(turns) == 0 {
		return nil, fmt.Errorf("no text found at %s", rawURL)
	}
	return turns, nil
}

// extractText walks the HTML tree collecting text nodes, skipping script and
// style elements.
func extractText(r io.Reader) (string, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				sb.WriteString(t)
				sb.WriteString("\n")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return sb.String(), nil
}
