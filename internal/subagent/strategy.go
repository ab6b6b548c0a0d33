package subagent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mojo117/orchestra/internal/providers"
	"github.com/mojo117/orchestra/internal/tool"
)

// DevoStrategy is the EvidenceStrategy for the "devo" (dev/ops) sub-agent:
// no preflight restrictions, plain-text tool results, terse summaries.
type DevoStrategy struct{}

func (DevoStrategy) Preflight(toolName string, args map[string]interface{}) error { return nil }

func (DevoStrategy) EncodeResult(toolName string, result *tool.Result) string {
	if result.IsError {
		return "error: " + result.ForLLM
	}
	return result.ForLLM
}

func (DevoStrategy) Summarize(reason ExitReason, transcript []providers.Message, escalation *Escalation) string {
	if escalation != nil {
		return fmt.Sprintf("devo escalated: %s", escalation.Reason)
	}
	return fmt.Sprintf("devo finished (%s): %s", reason, lastAssistantContent(transcript))
}

// caioEvidenceSchema lists the fields CaioStrategy requires an evidence-
// shaped tool call's arguments to carry (spec §4.6: "CAIO strategy rejects
// calls that violate a schema").
var caioEvidenceSchema = []string{"claim", "source"}

// CaioStrategy is the EvidenceStrategy for the "caio" (admin) sub-agent:
// rejects tool calls missing required evidence fields, encodes results as
// structured JSON evidence rather than free text.
type CaioStrategy struct {
	// RequiresEvidence names the tool calls caio must justify with a claim
	// and source (e.g. account/config mutations).
	RequiresEvidence map[string]bool
}

func (s CaioStrategy) Preflight(toolName string, args map[string]interface{}) error {
	if !s.RequiresEvidence[toolName] {
		return nil
	}
	for _, field := range caioEvidenceSchema {
		v, ok := args[field].(string)
		if !ok || strings.TrimSpace(v) == "" {
			return fmt.Errorf("%s requires non-empty %q", toolName, field)
		}
	}
	return nil
}

type caioEvidence struct {
	Tool    string `json:"tool"`
	IsError bool   `json:"isError"`
	Content string `json:"content"`
}

func (CaioStrategy) EncodeResult(toolName string, result *tool.Result) string {
	encoded, err := json.Marshal(caioEvidence{Tool: toolName, IsError: result.IsError, Content: result.ForLLM})
	if err != nil {
		return result.ForLLM
	}
	return string(encoded)
}

func (CaioStrategy) Summarize(reason ExitReason, transcript []providers.Message, escalation *Escalation) string {
	if escalation != nil {
		return fmt.Sprintf("caio escalated: %s", escalation.Reason)
	}
	return fmt.Sprintf("caio finished (%s): %s", reason, lastAssistantContent(transcript))
}

func lastAssistantContent(transcript []providers.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == "assistant" && transcript[i].Content != "" {
			return transcript[i].Content
		}
	}
	return ""
}
