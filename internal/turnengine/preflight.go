package turnengine

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/mojo117/orchestra/internal/domain"
	"github.com/mojo117/orchestra/internal/providers"
)

const toolPreflightAnswer = "preflightAnswer"

// PreflightResult is the {ok, issues, score, checkedItems} shape of spec
// §4.5.6.
type PreflightResult struct {
	OK           bool     `json:"ok"`
	Issues       []string `json:"issues"`
	Score        float64  `json:"score"`
	CheckedItems []string `json:"checkedItems"`
}

var preflightStopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "have": true, "will": true,
	"your": true, "about": true, "into": true, "their": true, "there": true, "which": true,
	"been": true, "were": true, "what": true, "when": true, "then": true, "than": true,
}

var (
	positiveCompletionPattern = regexp.MustCompile(`(?i)\b(done|completed|finished|succeeded|deployed|fixed)\b`)
	negativeCompletionPattern = regexp.MustCompile(`(?i)\b(not done|couldn'?t|failed|unable to|could not|incomplete|blocked)\b`)
	externalActionPattern     = regexp.MustCompile(`(?i)\b(created|deployed|sent|deleted|merged|pushed|updated|restarted)\b`)
	evidenceMarkerPattern     = regexp.MustCompile(`(?i)\b(id|status|result)\s*[:=]`)
)

// germanTellPattern matches common German function words; used as a cheap
// bigram-free language signal (spec §4.5.6 calls for "a simple bigram
// heuristic for DE/EN" — this is the simplified token-based equivalent).
var germanTellPattern = regexp.MustCompile(`(?i)\b(und|der|die|das|nicht|ist|mit|für|wurde|habe)\b`)

// PreflightAnswer implements spec §4.5.6's heuristic scoring of a draft
// answer against the obligations (or explicit mustAddress items) it needs
// to address before the turn can terminate.
func PreflightAnswer(draft string, mustAddress []string, strict bool, originalRequest string) PreflightResult {
	var issues []string
	checked := append([]string(nil), mustAddress...)

	if strings.TrimSpace(draft) == "" {
		return PreflightResult{OK: false, Issues: []string{"missing_answer"}, Score: 0, CheckedItems: checked}
	}

	draftTokens := tokenize(draft)
	missing := 0
	for _, item := range checked {
		itemTokens := tokenize(item)
		if len(itemTokens) == 0 {
			continue
		}
		matches := 0
		for _, t := range itemTokens {
			if draftTokens[t] {
				matches++
			}
		}
		required := 1
		if len(itemTokens) > 1 {
			required = int(math.Ceil(0.4 * float64(len(itemTokens))))
			if required < 2 {
				required = 2
			}
		}
		if matches < required {
			missing++
		}
	}
	if missing > 0 {
		issues = append(issues, "missing_answer")
	}

	contradiction := 0
	if positiveCompletionPattern.MatchString(draft) && negativeCompletionPattern.MatchString(draft) {
		contradiction = 1
		issues = append(issues, "contradiction")
	}

	unverified := 0
	if externalActionPattern.MatchString(draft) && !evidenceMarkerPattern.MatchString(draft) {
		unverified = 1
		issues = append(issues, "unverified_claim")
	}

	languageMismatch := 0
	if originalRequest != "" && germanTellPattern.MatchString(originalRequest) != germanTellPattern.MatchString(draft) {
		languageMismatch = 1
		issues = append(issues, "language_mismatch")
	}

	score := 1.0 - 0.18*float64(missing) - 0.35*float64(contradiction) - 0.2*float64(unverified) - 0.1*float64(languageMismatch)
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	ok := score >= 0.75 && contradiction == 0
	if strict {
		ok = len(issues) == 0
	}

	return PreflightResult{OK: ok, Issues: issues, Score: score, CheckedItems: checked}
}

// tokenize lowercases, splits on every character other than ASCII letters
// and digits, and drops tokens shorter than
// 4 chars or in the stopword set (spec §4.5.6).
func tokenize(s string) map[string]bool {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		if len(f) >= 4 && !preflightStopwords[f] {
			out[f] = true
		}
	}
	return out
}

// handlePreflightAnswer wires the preflightAnswer control tool into the
// agent loop: mustAddress defaults to the active turn's blocking open
// obligations (≤10) when the caller doesn't supply one explicitly.
func (e *Engine) handlePreflightAnswer(ctx context.Context, tc turnContext, call providers.ToolCall) providers.Message {
	draft, _ := call.Arguments["draft"].(string)
	strict, _ := call.Arguments["strict"].(bool)

	var mustAddress []string
	if raw, ok := call.Arguments["mustAddress"].([]interface{}); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				mustAddress = append(mustAddress, s)
			}
		}
	}

	original := tc.seed
	if len(mustAddress) == 0 {
		if st, ok := e.state.Get(tc.sessionID); ok {
			original = st.TaskContext.OriginalRequest
			for _, ob := range st.Obligations {
				if len(mustAddress) >= 10 {
					break
				}
				if ob.TurnID == tc.turnID && ob.Blocking && ob.Status == domain.ObligationOpen {
					mustAddress = append(mustAddress, ob.Description)
				}
			}
		}
	}

	result := PreflightAnswer(draft, mustAddress, strict, original)
	encoded, _ := json.Marshal(result)
	return providers.Message{Role: "tool", Content: string(encoded), ToolCallID: call.ID}
}
