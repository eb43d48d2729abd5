// Package composer assembles the prompts sent through the provider registry:
// the combined batch prompt for a drained queue and the digest prompt for
// summary synthesis.
package composer

import (
	"fmt"
	"strings"

	"github.com/murmurchat/murmur/internal/conversation"
)

// BatchSystemPrompt is the fixed system instruction for batch processing.
const BatchSystemPrompt = `You are a thoughtful conversational assistant. You receive the full conversation history plus a batch of new messages from the user. Acknowledge the latest inputs in light of the full history, surface connections between ideas, and ask follow-up questions where useful. Respond in plain conversational text; do not produce structured output.`

// SummarySystemPrompt frames the assistant as a synthesis agent for the
// summary flow.
const SummarySystemPrompt = `You are a synthesis agent. You distill a full conversation into a structured digest. Your output must be a single JSON object with the fields: title, overview, keyInsights, generatedIdeas, actionItems, openQuestions, nextSteps. The four list fields hold objects with title, body, and priority ("high", "medium", or "low"); nextSteps is a flat list of strings. Output only the JSON object.`

// BatchPrompt builds the single combined user prompt for one batch cycle:
// the turn-by-turn context, an enumerated list of the just-drained batch
// contents, and the fixed processing instructions.
func BatchPrompt(ctx conversation.Context, batch []conversation.Message) string {
	var sb strings.Builder

	if len(ctx.Turns) > 0 {
		sb.WriteString("[Conversation So Far]\n")
		writeTurns(&sb, ctx.Turns)
		sb.WriteString("\n")
	}
	if ctx.Topic != "" {
		fmt.Fprintf(&sb, "[Current Topic]\n%s\n\n", ctx.Topic)
	}

	sb.WriteString("[New Messages]\n")
	for i, m := range batch {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, m.Content)
	}

	sb.WriteString("\nConsider the new messages together with the full history above. ")
	sb.WriteString("Acknowledge them, point out connections, and continue the conversation.")

	return sb.String()
}

// SummaryPrompt builds the digest prompt over the accumulated context,
// including counts of already-extracted records so the model can build on
// prior syntheses rather than repeat them.
func SummaryPrompt(ctx conversation.Context) string {
	var sb strings.Builder

	sb.WriteString("[Conversation History]\n")
	writeTurns(&sb, ctx.Turns)

	fmt.Fprintf(&sb, "\n[Already Extracted]\ninsights: %d\nideas: %d\nsummary points: %d\n",
		len(ctx.Insights), len(ctx.Ideas), len(ctx.SummaryPoints))

	sb.WriteString("\nProduce the structured digest JSON described in the system instructions, ")
	sb.WriteString("covering key insights, generated ideas, action items, open questions, and next steps.")

	return sb.String()
}

func writeTurns(sb *strings.Builder, turns []conversation.Turn) {
	for _, t := range turns {
		fmt.Fprintf(sb, "%s: %s\n", t.Role, t.Content)
	}
}

// EstimateTokens provides a rough token count using a 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
