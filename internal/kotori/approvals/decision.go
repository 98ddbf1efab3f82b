package approvals

import (
	"errors"
	"fmt"
	"strings"
)

// Action is what a chat decision asks for.
type Action string

const (
	ActionApprove Action = "approve"
	ActionDeny    Action = "deny"
	ActionCancel  Action = "cancel"
	ActionList    Action = "list"
)

// Decision is a parsed chat message acting on approvals.
type Decision struct {
	Action     Action
	ApprovalID string
	// Reason is the optional trailing text.
	Reason string
}

// ErrNotADecision is returned when the message is not about approvals and
// should go through normal parsing.
var ErrNotADecision = errors.New("not an approval decision")

var verbs = map[string]Action{
	"approve":    ActionApprove,
	"genehmige":  ActionApprove,
	"genehmigen": ActionApprove,
	"deny":       ActionDeny,
	"reject":     ActionDeny,
	"ablehnen":   ActionDeny,
	"lehne":      ActionDeny,
	"cancel":     ActionCancel,
	"abbrechen":  ActionCancel,
	"storniere":  ActionCancel,
	"stornieren": ActionCancel,
}

var listPhrases = map[string]bool{
	"approvals":         true,
	"pending":           true,
	"pending approvals": true,
	"freigaben":         true,
	"offene freigaben":  true,
}

// ParseDecision recognises:
//
//	approve <id> [reason]     genehmige <id> [grund]
//	deny <id> [reason]        ablehnen <id> [grund]
//	cancel <id> [reason]      abbrechen <id> [grund]
//	approvals                 freigaben
//
// reason="..." is accepted as well as plain trailing text. A verb followed by
// something that is not an approval id yields ErrNotADecision, so "cancel my
// meeting" reaches the intent parser. A bare verb yields a usage error.
func ParseDecision(text string) (*Decision, error) {
	text = strings.TrimSpace(text)
	lower := strings.ToLower(strings.TrimRight(text, "?!. "))
	if listPhrases[lower] {
		return &Decision{Action: ActionList}, nil
	}

	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, ErrNotADecision
	}
	verb := strings.ToLower(fields[0])
	action, ok := verbs[verb]
	if !ok {
		return nil, ErrNotADecision
	}
	if len(fields) == 1 {
		return nil, fmt.Errorf("usage: %s <approval-id> [reason]", verb)
	}

	id := strings.ToLower(fields[1])
	if !looksLikeID(id) {
		return nil, ErrNotADecision
	}
	rest := fields[2:]
	// "lehne <id> ab"
	if verb == "lehne" {
		if len(rest) == 0 || strings.ToLower(rest[0]) != "ab" {
			return nil, ErrNotADecision
		}
		rest = rest[1:]
	}

	return &Decision{
		Action:     action,
		ApprovalID: id,
		Reason:     parseReason(strings.Join(rest, " ")),
	}, nil
}

// looksLikeID accepts the short form handed out in chat and full ULIDs.
func looksLikeID(s string) bool {
	if len(s) != 10 && len(s) != 26 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z' && c != 'i' && c != 'l' && c != 'o' && c != 'u':
		default:
			return false
		}
	}
	return true
}

func parseReason(s string) string {
	s = strings.TrimSpace(s)
	lower := strings.ToLower(s)
	for _, prefix := range []string{"reason=", "grund="} {
		if strings.HasPrefix(lower, prefix) {
			return strings.Trim(s[len(prefix):], `"'`)
		}
	}
	return s
}
