// Package report classifies OCR'd in-game news screens and extracts their
// fields.
//
// Rules are tried in order and the first whose category pattern matches the
// text wins. Category patterns tolerate the misreads OCR engines produce on
// the game font. Extraction is per field: in strict mode the first failing
// field aborts the parse, otherwise the field is nil and parsing continues.
//
// Text is NFKC-normalized first, so full-width digits and ligatures emitted by
// some OCR engines read as their ASCII forms.
package report

import (
	"errors"
	"log/slog"
	"regexp"

	"golang.org/x/text/unicode/norm"
)

// Fields is a parsed report: the category under "event" plus the extracted
// fields.
type Fields map[string]any

// Rule is one report category.
type Rule struct {
	Event  string
	Match  *regexp.Regexp
	Fields map[string]Extractor
}

// Parser applies an ordered list of rules.
type Parser struct {
	rules  []Rule
	logger *slog.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger for non-strict extraction failures.
func WithLogger(l *slog.Logger) Option { return func(p *Parser) { p.logger = l } }

// WithRules replaces DefaultRules().
func WithRules(rules []Rule) Option { return func(p *Parser) { p.rules = rules } }

// NewParser returns a Parser over DefaultRules().
func NewParser(opts ...Option) *Parser {
	p := &Parser{rules: DefaultRules(), logger: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Classify returns the category of text.
func (p *Parser) Classify(text string) (string, bool) {
	if r := p.match(norm.NFKC.String(text)); r != nil {
		return r.Event, true
	}
	return "", false
}

// Parse classifies text and extracts the fields of its category. Text that
// matches no category yields empty Fields and no error.
func (p *Parser) Parse(text string, strict bool) (Fields, error) {
	text = norm.NFKC.String(text)
	r := p.match(text)
	if r == nil {
		return Fields{}, nil
	}
	out := Fields{"event": r.Event}
	for name, ex := range r.Fields {
		v, err := ex.Extract(text, strict)
		if err != nil {
			var ee *ExtractionError
			if errors.As(err, &ee) {
				ee.Event, ee.Field = r.Event, name
			}
			if strict {
				return nil, err
			}
			p.logger.Warn("report: field skipped", "event", r.Event, "field", name, "error", err)
			v = nil
		}
		out[name] = v
	}
	return out, nil
}

// Categories lists the event types of the rules in match order.
func (p *Parser) Categories() []string {
	out := make([]string, len(p.rules))
	for i, r := range p.rules {
		out[i] = r.Event
	}
	return out
}

func (p *Parser) match(text string) *Rule {
	for i := range p.rules {
		if p.rules[i].Match.MatchString(text) {
			return &p.rules[i]
		}
	}
	return nil
}

// DefaultRules returns the news screen categories in match order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Event: "DetailedTrafficReport",
			Match: regexp.MustCompile(`DETAILED\s+TRAFFIC\s+RE[P_]O?RT`),
			Fields: map[string]Extractor{
				"total": Pattern{Re: regexp.MustCompile(`(\S+)\s+ships`), Post: Int},
				"ships": Func(Ships),
			},
		},
		{
			Event: "LocalFactionStatusSummary",
			Match: regexp.MustCompile(`STATUS\s+SUMMA[AR]Y`),
			Fields: map[string]Extractor{
				"faction":   Pattern{Re: regexp.MustCompile(`^(.+)\s+STATUS\s+SUMMA[AR]Y`)},
				"influence": Pattern{Re: regexp.MustCompile(`in[fr]luence: (\S+)`), Post: Float},
			},
		},
		{Event: "LocalFactionBounties", Match: regexp.MustCompile(`LOCAL\s+BOUNTIES`)},
		{Event: "LocalPowerBounties", Match: regexp.MustCompile(`LOCAL\s+POWER\s+BOUNTIES`)},
		{Event: "LocalPowerUpdate", Match: regexp.MustCompile(`POWER\s+UPDATE`)},
		{Event: "LocalTradeReport", Match: regexp.MustCompile(`TRADE\s+REPORT`)},
		{Event: "LocalCrimeReport", Match: regexp.MustCompile(`CRIME\s+REPORT`)},
		{
			Event: "LocalBountyReport",
			Match: regexp.MustCompile(`BOUNTY\s+REPORT`),
			Fields: map[string]Extractor{
				"value": Pattern{Re: regexp.MustCompile(`(\S+)\s+cred`), Post: Int},
			},
		},
	}
}
