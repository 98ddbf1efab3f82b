// Package intent turns sanitized user text into a command.
//
// Parsing runs in tiers. A fixed table of German and English quick patterns
// handles the frequent, unambiguous inputs without touching the model. All
// other text goes to the inference port with a system prompt that lists the
// closed intent set; the JSON answer is schema-checked, mapped onto a
// command and validated. Whatever cannot be parsed becomes a Converse
// command, so Parse never fails.
package intent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/bdobrica/Kotori/common/trace"
	"github.com/bdobrica/Kotori/internal/kotori/command"
	"github.com/bdobrica/Kotori/internal/kotori/inference"
)

// Tier names the stage that produced a Result.
type Tier string

const (
	TierQuick    Tier = "quick"
	TierLLM      Tier = "llm"
	TierFallback Tier = "fallback"
)

// Defaults for Config.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultMinConfidence = 0.5
)

// Result is the outcome of Parse. Command is never nil.
type Result struct {
	Command command.Command
	Tier    Tier
	// Degraded is set when the model tier was tried and gave up.
	Degraded bool
	// Reason says why the model tier gave up (one of the Reason constants).
	Reason string
	// Rule names the quick pattern that matched, for TierQuick.
	Rule string
	// Confidence is the model's self-reported confidence, for TierLLM.
	Confidence float64
	// Usage is the token usage of the model call, when one was made.
	Usage *inference.Usage
}

// ParseContext carries per-request information for Parse.
type ParseContext struct {
	UserID string
	// Location anchors relative dates. Nil uses the parser's default.
	Location *time.Location
	// History holds recent conversation turns, oldest first.
	History []inference.Message
}

// Config holds parser settings.
type Config struct {
	// Timeout bounds a single model call.
	Timeout time.Duration
	// MinConfidence is the lowest model confidence accepted.
	MinConfidence float64
	// PromptTemplate replaces the built-in system prompt when non-empty.
	PromptTemplate string
	// Location is the default timezone for date resolution.
	Location *time.Location
}

// Parser is safe for concurrent use.
type Parser struct {
	llm    inference.Port
	cfg    Config
	prompt *Prompt
	schema *jsonschema.Schema
	now    func() time.Time
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the time source used for date resolution.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// New builds a Parser. A nil llm makes every non-quick input fall back.
func New(llm inference.Port, cfg Config, opts ...Option) (*Parser, error) {
	if llm == nil {
		llm = inference.Unavailable{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = DefaultMinConfidence
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	prompt, err := NewPrompt(cfg.PromptTemplate, nil)
	if err != nil {
		return nil, err
	}
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	p := &Parser{llm: llm, cfg: cfg, prompt: prompt, schema: schema, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Resolver returns the date resolver Parse would use for pctx.
func (p *Parser) Resolver(pctx ParseContext) DateResolver {
	loc := pctx.Location
	if loc == nil {
		loc = p.cfg.Location
	}
	return DateResolver{Location: loc, Now: p.now}
}

// Parse converts text into a command. It never returns an error: failures
// of the model tier yield a degraded Converse result.
func (p *Parser) Parse(ctx context.Context, text string, pctx ParseContext) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Command: command.Help{}, Tier: TierQuick, Rule: "empty"}
	}
	res := p.Resolver(pctx)
	if cmd, rule, ok := quick(text, res); ok {
		return Result{Command: cmd, Tier: TierQuick, Rule: rule}
	}

	cmd, conf, usage, err := p.viaModel(ctx, text, pctx, res)
	if err != nil {
		reason := reasonOf(err)
		trace.Logger(ctx).Warn("intent: model tier failed, falling back",
			"reason", reason,
			"err", err,
		)
		return Result{
			Command:  command.Converse{Text: text},
			Tier:     TierFallback,
			Degraded: true,
			Reason:   reason,
			Usage:    usage,
		}
	}
	trace.Logger(ctx).Debug("intent: parsed", "kind", cmd.Kind(), "confidence", conf)
	return Result{Command: cmd, Tier: TierLLM, Confidence: conf, Usage: usage}
}

func (p *Parser) viaModel(ctx context.Context, text string, pctx ParseContext, res DateResolver) (command.Command, float64, *inference.Usage, error) {
	system, err := p.prompt.Render(p.now().In(res.loc()))
	if err != nil {
		return nil, 0, nil, fail(ReasonBackend, err)
	}
	if pctx.UserID != "" {
		ctx = inference.WithUser(ctx, pctx.UserID)
	}
	c, err := p.llm.Generate(ctx, inference.Prompt{
		System:  system,
		History: pctx.History,
		User:    text,
		JSON:    true,
	}, p.cfg.Timeout)
	if err != nil {
		return nil, 0, nil, fail(inference.Classify(err), err)
	}

	s, err := decode(p.schema, c.Text)
	if err != nil {
		return nil, 0, c.Usage, err
	}
	conf := s.confidence()
	if conf < p.cfg.MinConfidence {
		return nil, conf, c.Usage, fail(ReasonLowConfidence, fmt.Errorf("confidence %.2f below %.2f", conf, p.cfg.MinConfidence))
	}
	cmd, err := toCommand(s, text, res)
	if err != nil {
		return nil, conf, c.Usage, err
	}
	if err := command.Validate(cmd); err != nil {
		return nil, conf, c.Usage, invalidSlot(err)
	}
	return cmd, conf, c.Usage, nil
}
