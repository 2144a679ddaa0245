// Package classifier decides whether an operator message needs the
// high-capability model.
package classifier

import (
	"fmt"
	"regexp"
)

// Rule marks a message complex when Pattern matches it.
type Rule struct {
	Tag     string
	Pattern string
}

// DefaultRules is the built-in rule table.
var DefaultRules = []Rule{
	{Tag: "analyze", Pattern: `\banaly[sz](e|es|ed|ing|is)\b`},
	{Tag: "audit", Pattern: `\baudit(s|ed|ing)?\b`},
	{Tag: "refactor", Pattern: `\brefactor(s|ed|ing)?\b`},
	{Tag: "architecture", Pattern: `\barchitect(ure|ural)?\b`},
	{Tag: "debug", Pattern: `\bdebug(s|ged|ging)?\b`},
	{Tag: "strategy", Pattern: `\bstrateg(y|ies|ic)\b`},
	{Tag: "compare", Pattern: `\bcompar(e|es|ed|ing|ison)\b`},
	{Tag: "design", Pattern: `\bdesign(s|ed|ing)?\b`},
	{Tag: "optimize", Pattern: `\boptimi[sz](e|es|ed|ing|ation)\b`},
	{Tag: "migrate", Pattern: `\bmigrat(e|es|ed|ing|ion)\b`},
	{Tag: "root-cause", Pattern: `\broot[ -]cause\b`},
	{Tag: "deep-dive", Pattern: `\bdeep[ -]dive\b`},
	{Tag: "step-by-step", Pattern: `\bstep[ -]by[ -]step\b`},
	{Tag: "trade-off", Pattern: `\btrade[ -]?offs?\b`},
}

// Classification is the outcome of Classify.
type Classification struct {
	Complex bool
	Matched []string
}

type compiledRule struct {
	tag string
	re  *regexp.Regexp
}

// Classifier is a deterministic, side-effect-free rule matcher.
type Classifier struct {
	rules []compiledRule
}

// New compiles rules. Patterns match case-insensitively.
func New(rules []Rule) (*Classifier, error) {
	c := &Classifier{rules: make([]compiledRule, 0, len(rules))}
	for _, r := range rules {
		re, err := regexp.Compile(`(?i)` + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Tag, err)
		}
		c.rules = append(c.rules, compiledRule{tag: r.Tag, re: re})
	}
	return c, nil
}

// Default returns a classifier over DefaultRules.
func Default() *Classifier {
	c, err := New(DefaultRules)
	if err != nil {
		panic(err)
	}
	return c
}

// Classify reports whether text matches any rule, listing matched tags in
// rule order.
func (c *Classifier) Classify(text string) Classification {
	var out Classification
	for _, r := range c.rules {
		if r.re.MatchString(text) {
			out.Matched = append(out.Matched, r.tag)
		}
	}
	out.Complex = len(out.Matched) > 0
	return out
}
