// Package gate screens raw user text for adversarial phrasing before it
// reaches the intent parser, and blocks sources that keep trying.
//
// Detection is a single Aho-Corasick pass over a normalised copy of the text.
// Every detection is recorded against the source; when the rolling score of a
// source crosses the configured threshold the source is blocked for a
// cooldown and every request from it is refused without being scanned.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Kotori/common/trace"
)

// Config tunes detection and blocking.
type Config struct {
	Sensitivity Sensitivity
	// Window is how far back detections count towards a source's score.
	Window time.Duration
	// ScoreThreshold is the rolling score at which a source is blocked.
	ScoreThreshold float64
	// Cooldown is how long a block lasts.
	Cooldown time.Duration
	// AutoBlockOnCritical blocks on any critical detection regardless of score.
	AutoBlockOnCritical bool
	// RejectLevel refuses a single request carrying a detection at or above
	// this level even when the source is not blocked.
	RejectLevel Level
	// StripMatches removes matched phrases from allowed text.
	StripMatches bool
	// Retention is how long threat records are kept by Sweep.
	Retention time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Sensitivity:         SensitivityMedium,
		Window:              time.Hour,
		ScoreThreshold:      9,
		Cooldown:            24 * time.Hour,
		AutoBlockOnCritical: true,
		RejectLevel:         LevelHigh,
		StripMatches:        true,
		Retention:           7 * 24 * time.Hour,
	}
}

// Gate is safe for concurrent use.
type Gate struct {
	store   ThreatStore
	sigs    []Signature
	matcher *Matcher
	cfg     Config
	now     func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// New builds a gate over the given signatures. Zero config fields fall back
// to DefaultConfig.
func New(store ThreatStore, sigs []Signature, cfg Config, opts ...Option) (*Gate, error) {
	if store == nil {
		return nil, fmt.Errorf("gate: threat store is required")
	}
	if len(sigs) == 0 {
		sigs = DefaultSignatures()
	}
	def := DefaultConfig()
	if cfg.Sensitivity == "" {
		cfg.Sensitivity = def.Sensitivity
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.ScoreThreshold <= 0 {
		cfg.ScoreThreshold = def.ScoreThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.RejectLevel == 0 {
		cfg.RejectLevel = def.RejectLevel
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}

	patterns := make([]string, len(sigs))
	for i, s := range sigs {
		patterns[i] = normalizePattern(s.Pattern)
	}
	g := &Gate{
		store:   store,
		sigs:    sigs,
		matcher: NewMatcher(patterns),
		cfg:     cfg,
		now:     time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g, nil
}

// Config returns the effective configuration.
func (g *Gate) Config() Config { return g.cfg }

// Analyze scans text without touching the store. It returns at most one
// threat per category, the one with the highest adjusted confidence.
func (g *Gate) Analyze(text string) []Threat {
	threats, _ := g.scan(text)
	return threats
}

// Screen vets text that was already accepted once, such as earlier turns of
// a conversation, without touching the store. It reports false when the
// text carries a detection at or above the reject level; otherwise it
// returns the text with matched phrases neutralised when StripMatches is on.
func (g *Gate) Screen(text string) (string, bool) {
	threats, spans := g.scan(text)
	for _, t := range threats {
		if t.Level >= g.cfg.RejectLevel {
			return "", false
		}
	}
	if g.cfg.StripMatches {
		return strip(text, spans), true
	}
	return text, true
}

// scan returns the per-category best threats and the byte spans of every
// match that passed the sensitivity threshold.
func (g *Gate) scan(text string) ([]Threat, [][2]int) {
	n := normalize(text)
	matches := g.matcher.FindAll(n.runes)
	if len(matches) == 0 {
		return nil, nil
	}

	base := g.cfg.Sensitivity.Base()
	threshold := g.cfg.Sensitivity.Threshold()
	best := map[Category]Threat{}
	var spans [][2]int
	for _, m := range matches {
		sig := g.sigs[m.Pattern]
		conf := sig.Confidence * base
		if conf < threshold {
			continue
		}
		start, end := n.start[m.Start], n.end[m.End-1]
		spans = append(spans, [2]int{start, end})
		cur, ok := best[sig.Category]
		if ok && cur.Confidence >= conf {
			continue
		}
		best[sig.Category] = Threat{
			Category:   sig.Category,
			Level:      sig.Level,
			Confidence: conf,
			Pattern:    sig.Pattern,
			Start:      start,
			End:        end,
		}
	}

	threats := make([]Threat, 0, len(best))
	for _, t := range best {
		threats = append(threats, t)
	}
	sort.Slice(threats, func(i, j int) bool {
		if threats[i].Level != threats[j].Level {
			return threats[i].Level > threats[j].Level
		}
		return threats[i].Category < threats[j].Category
	})
	return threats, spans
}

// Inspect decides whether text from ip may continue. The error is non-nil
// only when the threat store fails.
func (g *Gate) Inspect(ctx context.Context, text, ip string) (Verdict, error) {
	if ip == "" {
		ip = "unknown"
	}
	now := g.now().UTC()
	logger := trace.Logger(ctx).With("source", ip)

	blocked, until, err := g.store.IsBlocked(ctx, ip, now)
	if err != nil {
		return Verdict{}, err
	}
	if blocked {
		logger.Warn("gate: request from blocked source", "blocked_until", until)
		return Verdict{Rejection: RejectBlocked, BlockedUntil: until}, nil
	}

	threats, spans := g.scan(text)
	if len(threats) == 0 {
		return Verdict{Allowed: true, Text: text}, nil
	}

	for _, t := range threats {
		err := g.store.Record(ctx, ThreatRecord{
			SourceIP:  ip,
			Category:  t.Category,
			Level:     t.Level,
			Details:   t.Pattern,
			CreatedAt: now,
		})
		if err != nil {
			return Verdict{}, err
		}
	}

	score, err := g.store.Score(ctx, ip, now.Add(-g.cfg.Window))
	if err != nil {
		return Verdict{}, err
	}
	v := Verdict{Threats: threats, Score: score}
	maxLevel := v.MaxLevel()

	logger.Warn("gate: threats detected",
		"categories", v.Categories(),
		"max_level", maxLevel.String(),
		"score", score,
	)

	if score >= g.cfg.ScoreThreshold || (g.cfg.AutoBlockOnCritical && maxLevel == LevelCritical) {
		until := now.Add(g.cfg.Cooldown)
		reason := fmt.Sprintf("score %.0f, %s", score, strings.Join(v.Categories(), ","))
		if err := g.store.Block(ctx, ip, until, reason); err != nil {
			return Verdict{}, err
		}
		logger.Warn("gate: source blocked", "blocked_until", until, "reason", reason)
		v.Rejection = RejectInjection
		v.BlockedUntil = until
		v.NewlyBlocked = true
		return v, nil
	}

	if maxLevel >= g.cfg.RejectLevel {
		v.Rejection = RejectInjection
		return v, nil
	}

	v.Allowed = true
	v.Text = text
	if g.cfg.StripMatches {
		v.Text = strip(text, spans)
	}
	return v, nil
}

// Blocked reports whether ip is blocked right now, without scanning or
// scoring anything.
func (g *Gate) Blocked(ctx context.Context, ip string) (bool, time.Time, error) {
	if ip == "" {
		ip = "unknown"
	}
	return g.store.IsBlocked(ctx, ip, g.now().UTC())
}

// Unblock lifts a block early.
func (g *Gate) Unblock(ctx context.Context, ip string) error {
	return g.store.Unblock(ctx, ip)
}

// ListBlocks returns the active blocks when the store can enumerate them.
func (g *Gate) ListBlocks(ctx context.Context) ([]Block, error) {
	bl, ok := g.store.(BlockLister)
	if !ok {
		return nil, fmt.Errorf("gate: threat store cannot list blocks")
	}
	return bl.ListBlocks(ctx, g.now().UTC())
}

// Sweep removes expired blocks and threat records past retention.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	return g.store.Cleanup(ctx, g.now().UTC(), g.cfg.Retention)
}

// strip replaces each byte span with a single space. Overlapping and
// adjacent spans are merged first so that they become one space.
func strip(text string, spans [][2]int) string {
	if len(spans) == 0 {
		return text
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i][0] < spans[j][0] })
	merged := [][2]int{spans[0]}
	for _, s := range spans[1:] {
		last := &merged[len(merged)-1]
		if s[0] <= last[1] {
			if s[1] > last[1] {
				last[1] = s[1]
			}
			continue
		}
		merged = append(merged, s)
	}

	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, s := range merged {
		b.WriteString(text[pos:s[0]])
		b.WriteByte(' ')
		pos = s[1]
	}
	b.WriteString(text[pos:])
	return b.String()
}
