package gate

import (
	"fmt"
	"strings"
	"time"
)

// Level is the severity of a detected signature.
type Level int

const (
	LevelLow Level = iota + 1
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Weight is the contribution of one detection at this level to a source's
// rolling threat score.
func (l Level) Weight() float64 {
	switch l {
	case LevelLow:
		return 1
	case LevelMedium:
		return 2
	case LevelHigh:
		return 3
	case LevelCritical:
		return 5
	}
	return 0
}

// ParseLevel accepts the lower-case names produced by String.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LevelLow, nil
	case "medium":
		return LevelMedium, nil
	case "high":
		return LevelHigh, nil
	case "critical":
		return LevelCritical, nil
	}
	return 0, fmt.Errorf("gate: unknown threat level %q", s)
}

// Category groups signatures by attack technique.
type Category string

const (
	CategoryPromptInjection    Category = "prompt_injection"
	CategoryJailbreak          Category = "jailbreak_attempt"
	CategorySystemPromptLeak   Category = "system_prompt_leak"
	CategoryDataExfiltration   Category = "data_exfiltration"
	CategoryRoleManipulation   Category = "role_manipulation"
	CategoryEncodingAttack     Category = "encoding_attack"
	CategoryDelimiterInjection Category = "delimiter_injection"
	CategoryCodeInjection      Category = "code_injection"
)

// Sensitivity scales signature confidence and sets the reporting threshold.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Threshold is the minimum adjusted confidence for a match to count.
func (s Sensitivity) Threshold() float64 {
	switch s {
	case SensitivityLow:
		return 0.8
	case SensitivityHigh:
		return 0.4
	}
	return 0.6
}

// Base multiplies each signature's own confidence.
func (s Sensitivity) Base() float64 {
	switch s {
	case SensitivityLow:
		return 0.7
	case SensitivityHigh:
		return 0.9
	}
	return 0.8
}

// Signature is one known adversarial phrase.
type Signature struct {
	Pattern    string
	Category   Category
	Level      Level
	Confidence float64
}

// Threat is a signature match that passed the sensitivity threshold.
// Start and End are byte offsets into the text given to Inspect.
type Threat struct {
	Category   Category
	Level      Level
	Confidence float64
	Pattern    string
	Start      int
	End        int
}

// ThreatRecord is the persisted trace of one detection.
type ThreatRecord struct {
	SourceIP  string
	Category  Category
	Level     Level
	Details   string
	CreatedAt time.Time
}

// Block is an active block on a source.
type Block struct {
	IP           string
	BlockedUntil time.Time
	Reason       string
}

// Rejection says why a request was refused. The zero value means allowed.
type Rejection int

const (
	RejectNone Rejection = iota
	// RejectBlocked: the source is inside a cooldown window.
	RejectBlocked
	// RejectInjection: this request carried a high-severity signature.
	RejectInjection
)

func (r Rejection) String() string {
	switch r {
	case RejectNone:
		return "none"
	case RejectBlocked:
		return "blocked"
	case RejectInjection:
		return "injection"
	}
	return "unknown"
}

// Message is what the caller may show the user. It is the same for every
// rejection so that nothing about the signature set leaks.
func (r Rejection) Message() string {
	if r == RejectNone {
		return ""
	}
	return "⛔ Request blocked."
}

// Verdict is the outcome of Inspect.
type Verdict struct {
	// Allowed is true when Text may continue to the parser.
	Allowed bool
	// Text is the input with matched phrases neutralised. Empty when rejected.
	Text string
	// Rejection is RejectNone when Allowed.
	Rejection Rejection
	// Threats lists detections in this request. Internal only.
	Threats []Threat
	// Score is the source's rolling score after recording this request.
	Score float64
	// BlockedUntil is set when the source is (now) blocked.
	BlockedUntil time.Time
	// NewlyBlocked is true when this request caused the block.
	NewlyBlocked bool
}

// MaxLevel returns the highest level among the verdict's threats.
func (v Verdict) MaxLevel() Level {
	var max Level
	for _, t := range v.Threats {
		if t.Level > max {
			max = t.Level
		}
	}
	return max
}

// Categories returns the distinct categories detected, for logging.
func (v Verdict) Categories() []string {
	out := make([]string, 0, len(v.Threats))
	for _, t := range v.Threats {
		out = append(out, string(t.Category))
	}
	return out
}
