package approvals_test

import (
	"errors"
	"testing"

	"github.com/bdobrica/Kotori/internal/kotori/approvals"
)

func TestParseDecision(t *testing.T) {
	cases := []struct {
		in     string
		action approvals.Action
		id     string
		reason string
	}{
		{"approve 01j9x2k4m7", approvals.ActionApprove, "01j9x2k4m7", ""},
		{"Approve 01J9X2K4M7", approvals.ActionApprove, "01j9x2k4m7", ""},
		{"genehmige 01j9x2k4m7", approvals.ActionApprove, "01j9x2k4m7", ""},
		{"approve 01j9x2k4m7 looks fine", approvals.ActionApprove, "01j9x2k4m7", "looks fine"},
		{`deny 01j9x2k4m7 reason="wrong address"`, approvals.ActionDeny, "01j9x2k4m7", "wrong address"},
		{"deny 01j9x2k4m7 wrong address", approvals.ActionDeny, "01j9x2k4m7", "wrong address"},
		{"deny 01j9x2k4m7", approvals.ActionDeny, "01j9x2k4m7", ""},
		{"ablehnen 01j9x2k4m7 grund=falsch", approvals.ActionDeny, "01j9x2k4m7", "falsch"},
		{"lehne 01j9x2k4m7 ab", approvals.ActionDeny, "01j9x2k4m7", ""},
		{"cancel 01j9x2k4m7", approvals.ActionCancel, "01j9x2k4m7", ""},
		{"abbrechen 01j9x2k4m7", approvals.ActionCancel, "01j9x2k4m7", ""},
		{"approve 01JH8Z3Q4R5S6T7V8W9X0Y1Z2A", approvals.ActionApprove, "01jh8z3q4r5s6t7v8w9x0y1z2a", ""},
		{"approvals", approvals.ActionList, "", ""},
		{"Offene Freigaben?", approvals.ActionList, "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			d, err := approvals.ParseDecision(tc.in)
			if err != nil {
				t.Fatalf("ParseDecision: %v", err)
			}
			if d.Action != tc.action || d.ApprovalID != tc.id || d.Reason != tc.reason {
				t.Errorf("got %+v, want {%s %s %q}", d, tc.action, tc.id, tc.reason)
			}
		})
	}
}

func TestParseDecision_NotADecision(t *testing.T) {
	for _, in := range []string{
		"",
		"ping",
		"cancel my dentist appointment",
		"approve everything",
		"lehne 01j9x2k4m7 nicht",
		"what are approvals for",
	} {
		if _, err := approvals.ParseDecision(in); !errors.Is(err, approvals.ErrNotADecision) {
			t.Errorf("%q: expected ErrNotADecision, got %v", in, err)
		}
	}
}

func TestParseDecision_BareVerbIsUsageError(t *testing.T) {
	_, err := approvals.ParseDecision("approve")
	if err == nil || errors.Is(err, approvals.ErrNotADecision) {
		t.Fatalf("expected usage error, got %v", err)
	}
}
