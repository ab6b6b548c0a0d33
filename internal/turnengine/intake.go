package turnengine

import (
	"regexp"
	"strings"

	"github.com/mojo117/orchestra/internal/domain"
)

// IntakeKind is the heuristic classification of spec §4.5.1 step 3.
type IntakeKind string

const (
	IntakeNewRequest       IntakeKind = "new_request"
	IntakeAnswerToQuestion IntakeKind = "answer_to_question"
	IntakeApprovalYes      IntakeKind = "approval_yes"
	IntakeApprovalNo       IntakeKind = "approval_no"
	IntakeClarification    IntakeKind = "clarification"
	IntakeCasualChat       IntakeKind = "casual_chat"
)

var (
	yesPattern     = regexp.MustCompile(`^(yes|yep|yeah|sure|ok(ay)?|approve[d]?|confirm(ed)?|go ahead|do it|ja|genau)\b`)
	noPattern      = regexp.MustCompile(`^(no|nope|nah|cancel|stop|don'?t|deny|reject|abort|nein)\b`)
	casualPattern  = regexp.MustCompile(`^(hi|hello|hey|thanks|thank you|cool|nice|lol|haha|👍|ok|okay|hallo|danke)\W*$`)
	clarifyPattern = regexp.MustCompile(`(what do you mean|which one|can you clarify|huh\?|was meinst du)`)
)

// ClassifyIntake maps inbound text to one of the six intake kinds, reading
// st only to know whether there is a pending gate that yes/no/free-text
// could be resolving (spec §4.5.1 step 3).
func ClassifyIntake(text string, st *domain.ConversationState) IntakeKind {
	trimmed := strings.ToLower(strings.TrimSpace(text))
	if trimmed == "" {
		return IntakeCasualChat
	}

	waitingGate := st != nil && st.Phase == domain.PhaseWaitingUser

	if waitingGate && len(st.PendingApprovals) > 0 {
		if yesPattern.MatchString(trimmed) {
			return IntakeApprovalYes
		}
		if noPattern.MatchString(trimmed) {
			return IntakeApprovalNo
		}
	}

	if waitingGate && len(st.PendingQuestions) > 0 && !looksLikeNewRequest(trimmed) {
		return IntakeAnswerToQuestion
	}

	if casualPattern.MatchString(trimmed) {
		return IntakeCasualChat
	}

	if clarifyPattern.MatchString(trimmed) || (len(trimmed) < 24 && strings.HasSuffix(trimmed, "?")) {
		return IntakeClarification
	}

	return IntakeNewRequest
}

// looksLikeNewRequest is a cheap override: a long imperative-looking
// message while a gate is open is treated as an explicit new request
// (spec §4.5.1 step 4), not an answer to the open question.
func looksLikeNewRequest(trimmed string) bool {
	imperatives := []string{"instead", "forget that", "new task", "actually", "never mind", "ignore that"}
	for _, p := range imperatives {
		if strings.Contains(trimmed, p) {
			return true
		}
	}
	return len(trimmed) > 400
}

// ShouldCreateObligation reports whether kind warrants seeding a blocking
// obligation for the turn (spec §4.5.1 step 3: "seed obligations only for
// shouldCreateObligation-class inputs"). Only a genuinely new request
// creates a fresh commitment to respond; resuming an existing gate or
// exchanging pleasantries does not.
func ShouldCreateObligation(kind IntakeKind) bool {
	return kind == IntakeNewRequest
}
