package conversation

import (
	"fmt"
	"time"
)

// Strategy records which prompt template produced the latest context update.
type Strategy string

const (
	StrategyAccumulate Strategy = "accumulate"
	StrategySummarize  Strategy = "summarize"
	StrategyGenerate   Strategy = "generate"
)

// Turn is one immutable entry in the conversation context.
type Turn struct {
	Role      Role              `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Context is the accumulating conversational record used to ground every
// generation request. The turn list is append-only for the lifetime of a
// session: it is never reordered or truncated. The queue engine owns the
// context and mutates it only through AppendBatch at the end of a batch cycle.
type Context struct {
	Turns           []Turn    `json:"turns"`
	Topic           string    `json:"topic,omitempty"`
	Insights        []string  `json:"insights,omitempty"`
	Ideas           []string  `json:"ideas,omitempty"`
	SummaryPoints   []string  `json:"summary_points,omitempty"`
	Strategy        Strategy  `json:"strategy,omitempty"`
	LastProcessedAt time.Time `json:"last_processed_at,omitzero"`
}

// AppendBatch appends turns to the context, records the strategy that
// produced them, and stamps LastProcessedAt. It rejects turns with an
// unknown role; on error the context is left unchanged.
func (c *Context) AppendBatch(turns []Turn, strategy Strategy) error {
	for _, t := range turns {
		if !ValidRole(t.Role) {
			return fmt.Errorf("invalid role %q", t.Role)
		}
	}
	c.Turns = append(c.Turns, turns...)
	c.Strategy = strategy
	c.LastProcessedAt = time.Now().UTC()
	return nil
}

// RecordIdeas accumulates idea strings extracted by the summary synthesizer.
func (c *Context) RecordIdeas(ideas []string) {
	c.Ideas = append(c.Ideas, ideas...)
}

// RecordInsights accumulates insight strings extracted by the summary synthesizer.
func (c *Context) RecordInsights(insights []string) {
	c.Insights = append(c.Insights, insights...)
}

// Clone returns a deep copy of the context, safe to read while the original
// keeps accumulating.
func (c *Context) Clone() Context {
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	copy(out.Turns, c.Turns)
	out.Insights = append([]string(nil), c.Insights...)
	out.Ideas = append([]string(nil), c.Ideas...)
	out.SummaryPoints = append([]string(nil), c.SummaryPoints...)
	return out
}
