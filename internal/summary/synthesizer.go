package summary

import (
	"context"
	"log/slog"
	"time"

	"github.com/murmurchat/murmur/internal/composer"
	"github.com/murmurchat/murmur/internal/conversation"
	"github.com/murmurchat/murmur/internal/provider"
)

// Generator abstracts the provider registry for the synthesizer.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Response, error)
}

// Synthesizer produces Summary Documents from a context snapshot.
type Synthesizer struct {
	gen    Generator
	logger *slog.Logger
}

// NewSynthesizer creates a Synthesizer issuing requests through gen.
func NewSynthesizer(gen Generator) *Synthesizer {
	return &Synthesizer{gen: gen, logger: slog.Default()}
}

// Synthesize issues one generation request over the full context and parses
// the result into a fresh Document. With zero turns it returns (nil, nil)
// without invoking the provider. Generation failures propagate; parse
// failures never do — the decode step always yields a best-effort document.
func (s *Synthesizer) Synthesize(ctx context.Context, conv conversation.Context) (*Document, error) {
	if len(conv.Turns) == 0 {
		return nil, nil
	}

	req := provider.Request{
		Messages: []provider.Message{
			{Role: "system", Content: composer.SummarySystemPrompt},
			{Role: "user", Content: composer.SummaryPrompt(conv)},
		},
	}

	resp, err := s.gen.Generate(ctx, req)
	if err != nil {
		return nil, err
	}

	doc := Decode(resp.Content)
	if doc.Title == "" && doc.Overview != "" && len(doc.KeyInsights) == 0 {
		s.logger.Warn("summary output was not structured, using raw text fallback")
	}
	doc.CreatedAt = time.Now().UTC()
	return &doc, nil
}
