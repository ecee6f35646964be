package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/voxa-ai/voxa/internal/gateway"
	"github.com/voxa-ai/voxa/pkg/provider/llm"
)

// factExtractionPrompt is the system prompt for the post-turn memory pass.
// The model reports what it learned about the user; the reply format keeps
// parsing trivial and language-independent.
const factExtractionPrompt = `You maintain long-term memory for a voice assistant. From the exchange below, extract durable facts about the user worth remembering across sessions: name, location, profession, preferences, allergies, relationships, important dates.
Reply with one fact per line in the form
importance|fact
where importance is a number between 0 and 1 and the fact is a short third-person English sentence (e.g. "0.9|The user's name is Ada."), regardless of the language the user spoke.
Reply with the single word "none" when the exchange contains nothing worth keeping. Output nothing else.`

// factExtractionMaxTokens caps the extraction completion; a handful of facts
// fits comfortably.
const factExtractionMaxTokens = 256

// extractFacts asks the model what it learned from the finished exchange and
// stores the reported facts. Extraction is best-effort; failures are logged
// and never affect the reply, and the pass is skipped entirely when no chat
// backend is configured.
func (o *Orchestrator) extractFacts(ctx context.Context, userID, userText, assistantText string) {
	if o.chat == nil {
		return
	}

	excerpt := fmt.Sprintf("[user]: %s\n[assistant]: %s", userText, assistantText)
	res, err := o.chat.Chat(ctx,
		[]llm.Message{{Role: "user", Content: excerpt}},
		nil,
		gateway.Options{
			SystemPrompt: factExtractionPrompt,
			Temperature:  0.2,
			MaxTokens:    factExtractionMaxTokens,
		},
	)
	if err != nil {
		slog.Warn("fact extraction pass failed", "user_id", userID, "error", err)
		return
	}

	for _, f := range parseFacts(res.Text) {
		if _, err := o.memory.AddFact(ctx, userID, f.text, f.importance, ""); err != nil {
			slog.Warn("fact not stored", "user_id", userID, "error", err)
		}
	}
}

type extractedFact struct {
	text       string
	importance float64
}

// parseFacts decodes the extraction reply: one "importance|fact" pair per
// line. Lines that do not parse are skipped so a chatty model degrades to
// fewer facts rather than an error.
func parseFacts(reply string) []extractedFact {
	var out []extractedFact
	for _, line := range strings.Split(reply, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.EqualFold(line, "none") {
			continue
		}
		imp, text, ok := strings.Cut(line, "|")
		if !ok {
			continue
		}
		importance, err := strconv.ParseFloat(strings.TrimSpace(imp), 64)
		if err != nil {
			continue
		}
		if importance < 0 {
			importance = 0
		}
		if importance > 1 {
			importance = 1
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		out = append(out, extractedFact{text: text, importance: importance})
	}
	return out
}
