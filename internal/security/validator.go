// Package security statically rejects submissions that reach for the host:
// process spawning, filesystem or network access, dynamic evaluation and
// reflective access to language internals.
//
// The check is a denylist over a syntax tree plus an unconditional regex scan
// of the raw text. It over-blocks on purpose: a forbidden token inside a
// string literal is still rejected.
package security

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/Mirai3103/sandbox-runner/internal/models"
)

// DefaultMaxSourceBytes caps the size of a submission when none is configured.
const DefaultMaxSourceBytes = 64 << 10

// Violation is returned when a submission is rejected. Reasons lists every
// finding, in the order they were found.
type Violation struct {
	Language models.LanguageID
	Reasons  []string
}

func (v *Violation) Error() string {
	return "forbidden: " + strings.Join(v.Reasons, "; ")
}

// pattern is one raw-text rule. When the expression has a capture group,
// the first group is substituted into reason with %s.
type pattern struct {
	re     *regexp.Regexp
	reason string
}

// ruleSet is the policy for one language.
type ruleSet struct {
	// walk inspects the syntax tree. parsed is false when the source did not
	// parse, in which case the findings are ignored.
	walk     func(ctx context.Context, src []byte, rs *ruleSet) (found []string, parsed bool)
	modules  mapset.Set[string]
	calls    mapset.Set[string]
	attrs    mapset.Set[string]
	patterns []pattern
	// moduleSep separates path segments of an import ("." or "/").
	moduleSep string
}

// Validator checks source against per-language rules. It holds no mutable
// state and is safe for concurrent use.
type Validator struct {
	maxSourceBytes int
	rules          map[models.LanguageID]*ruleSet
}

// New creates a Validator with the built-in rule sets.
func New(maxSourceBytes int) *Validator {
	if maxSourceBytes <= 0 {
		maxSourceBytes = DefaultMaxSourceBytes
	}
	return &Validator{
		maxSourceBytes: maxSourceBytes,
		rules: map[models.LanguageID]*ruleSet{
			models.Python:     pythonRules(),
			models.JavaScript: javascriptRules(),
			models.C:          cRules(),
			models.Cpp:        cppRules(),
			models.Go:         goRules(),
			models.SQL:        sqlRules(),
		},
	}
}

// Supports reports whether lang has a rule set.
func (v *Validator) Supports(lang models.LanguageID) bool {
	_, ok := v.rules[lang]
	return ok
}

// Validate returns nil when source is acceptable, a *Violation when it is
// rejected, and an unsupported-language error when lang has no rules.
func (v *Validator) Validate(source string, lang models.LanguageID) error {
	return v.ValidateContext(context.Background(), source, lang)
}

// ValidateContext is Validate with a context for the parser.
func (v *Validator) ValidateContext(ctx context.Context, source string, lang models.LanguageID) error {
	rs, ok := v.rules[lang]
	if !ok {
		return models.WrapError(models.ErrUnsupportedLanguage, models.KindUnsupportedLanguage,
			"no security rules for language %q", lang)
	}
	if len(source) > v.maxSourceBytes {
		return &Violation{
			Language: lang,
			Reasons:  []string{fmt.Sprintf("source is %d bytes, limit is %d", len(source), v.maxSourceBytes)},
		}
	}

	var found findings
	if rs.walk != nil {
		if tree, parsed := rs.walk(ctx, []byte(source), rs); parsed {
			found.add(tree...)
		}
	}
	found.add(scan(source, rs.patterns)...)

	if len(found.list) == 0 {
		return nil
	}
	return &Violation{Language: lang, Reasons: found.list}
}

// scan runs every pattern against the raw text.
func scan(source string, patterns []pattern) []string {
	var out []string
	for _, p := range patterns {
		for _, m := range p.re.FindAllStringSubmatch(source, -1) {
			if len(m) > 1 && strings.Contains(p.reason, "%s") {
				out = append(out, fmt.Sprintf(p.reason, m[1]))
			} else {
				out = append(out, p.reason)
			}
		}
	}
	return out
}

// findings is an insertion-ordered set of reasons.
type findings struct {
	seen map[string]struct{}
	list []string
}

func (f *findings) add(reasons ...string) {
	if f.seen == nil {
		f.seen = make(map[string]struct{})
	}
	for _, r := range reasons {
		if _, ok := f.seen[r]; ok {
			continue
		}
		f.seen[r] = struct{}{}
		f.list = append(f.list, r)
	}
}

// collector accumulates what a tree walk saw; check compares it to the rules.
type collector struct {
	imports []string
	calls   []string
	attrs   []string
}

func (c *collector) check(rs *ruleSet) []string {
	var out []string
	for _, m := range c.imports {
		if moduleDenied(rs.modules, m, rs.moduleSep) {
			out = append(out, importReason(m))
		}
	}
	for _, name := range c.calls {
		if rs.calls.Contains(name) {
			out = append(out, callReason(name))
		}
	}
	for _, a := range c.attrs {
		if rs.attrs.Contains(a) {
			out = append(out, attrReason(a))
		}
	}
	return out
}

// moduleDenied matches name and every parent path of name, so denying "net"
// also denies "net/http".
func moduleDenied(denied mapset.Set[string], name, sep string) bool {
	if denied == nil || name == "" {
		return false
	}
	if sep == "" {
		return denied.Contains(name)
	}
	parts := strings.Split(name, sep)
	for i := range parts {
		if denied.Contains(strings.Join(parts[:i+1], sep)) {
			return true
		}
	}
	return false
}

func importReason(module string) string { return fmt.Sprintf("import of forbidden module %q", module) }
func callReason(name string) string     { return fmt.Sprintf("call to forbidden function %q", name) }
func attrReason(name string) string     { return fmt.Sprintf("access to forbidden attribute %q", name) }
