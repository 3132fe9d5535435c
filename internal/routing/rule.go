// Package routing models the content filters downstream consumers register on
// the bus. The bus evaluates them; this package mirrors the semantics so the
// event shape can be checked against real rules.
package routing

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"change-events/internal/models"
)

const (
	ImageBefore = "before"
	ImageAfter  = "after"
)

// FieldPattern matches one field of the before or after image. With no
// condition set it only requires the field to exist.
type FieldPattern struct {
	Image  string  `yaml:"image"`
	Field  string  `yaml:"field"`
	Equals *string `yaml:"equals"`
	Prefix string  `yaml:"prefix"`
	Glob   string  `yaml:"glob"`
}

// Pattern is the declarative form of a rule. Every non-empty condition must
// hold for an event to match.
type Pattern struct {
	Name          string         `yaml:"name"`
	DetailTypes   []string       `yaml:"detail_types"`   // detailType equals any
	Operations    []string       `yaml:"operations"`     // operation equals any
	ChangedFields []string       `yaml:"changed_fields"` // any is a member of changedFields
	AllOf         []FieldPattern `yaml:"all_of"`
	AnyOf         []FieldPattern `yaml:"any_of"`
}

// Rule is a compiled Pattern
type Rule struct {
	name          string
	detailTypes   map[string]bool
	operations    map[models.Operation]bool
	changedFields []string
	allOf         []fieldMatcher
	anyOf         []fieldMatcher
}

type fieldMatcher struct {
	image  string
	field  string
	equals *string
	prefix string
	glob   glob.Glob
}

// Compile validates p and builds a Rule from it
func Compile(p Pattern) (*Rule, error) {
	rule := &Rule{
		name:          p.Name,
		detailTypes:   make(map[string]bool, len(p.DetailTypes)),
		operations:    make(map[models.Operation]bool, len(p.Operations)),
		changedFields: p.ChangedFields,
	}

	for _, dt := range p.DetailTypes {
		rule.detailTypes[dt] = true
	}
	for _, op := range p.Operations {
		operation := models.Operation(strings.ToUpper(op))
		if !operation.Valid() {
			return nil, fmt.Errorf("rule %q: unknown operation %q", p.Name, op)
		}
		rule.operations[operation] = true
	}

	var err error
	if rule.allOf, err = compileFields(p.Name, p.AllOf); err != nil {
		return nil, err
	}
	if rule.anyOf, err = compileFields(p.Name, p.AnyOf); err != nil {
		return nil, err
	}
	return rule, nil
}

// CompileAll compiles every pattern, stopping at the first invalid one
func CompileAll(patterns []Pattern) ([]*Rule, error) {
	rules := make([]*Rule, 0, len(patterns))
	for _, p := range patterns {
		rule, err := Compile(p)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func compileFields(ruleName string, patterns []FieldPattern) ([]fieldMatcher, error) {
	matchers := make([]fieldMatcher, 0, len(patterns))
	for i, fp := range patterns {
		if fp.Image != ImageBefore && fp.Image != ImageAfter {
			return nil, fmt.Errorf("rule %q field %d: image must be %q or %q", ruleName, i, ImageBefore, ImageAfter)
		}
		if fp.Field == "" {
			return nil, fmt.Errorf("rule %q field %d: field is required", ruleName, i)
		}

		set := 0
		if fp.Equals != nil {
			set++
		}
		if fp.Prefix != "" {
			set++
		}
		if fp.Glob != "" {
			set++
		}
		if set > 1 {
			return nil, fmt.Errorf("rule %q field %d: only one of equals, prefix and glob may be set", ruleName, i)
		}

		m := fieldMatcher{image: fp.Image, field: fp.Field, equals: fp.Equals, prefix: fp.Prefix}
		if fp.Glob != "" {
			g, err := glob.Compile(fp.Glob)
			if err != nil {
				return nil, fmt.Errorf("rule %q field %d: invalid glob %q: %w", ruleName, i, fp.Glob, err)
			}
			m.glob = g
		}
		matchers = append(matchers, m)
	}
	return matchers, nil
}

// Name returns the rule name
func (r *Rule) Name() string {
	return r.name
}

// Match reports whether event satisfies the rule
func (r *Rule) Match(event models.EnrichedEvent) bool {
	if len(r.detailTypes) > 0 && !r.detailTypes[event.DetailType] {
		return false
	}
	if len(r.operations) > 0 && !r.operations[event.Detail.Operation] {
		return false
	}
	if len(r.changedFields) > 0 && !containsAny(event.Detail.ChangedFields, r.changedFields) {
		return false
	}
	for _, m := range r.allOf {
		if !m.match(event.Detail.ChangeRecord) {
			return false
		}
	}
	if len(r.anyOf) == 0 {
		return true
	}
	for _, m := range r.anyOf {
		if m.match(event.Detail.ChangeRecord) {
			return true
		}
	}
	return false
}

// Matching returns the names of the rules event satisfies
func Matching(rules []*Rule, event models.EnrichedEvent) []string {
	var names []string
	for _, r := range rules {
		if r.Match(event) {
			names = append(names, r.name)
		}
	}
	return names
}

func (m fieldMatcher) match(record models.ChangeRecord) bool {
	img := record.After
	if m.image == ImageBefore {
		img = record.Before
	}
	value, ok := img.Get(m.field)
	if !ok {
		return false
	}

	switch {
	case m.equals != nil:
		return value == *m.equals
	case m.prefix != "":
		return strings.HasPrefix(value, m.prefix)
	case m.glob != nil:
		return m.glob.Match(value)
	}
	return true
}

func containsAny(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if h == w {
				return true
			}
		}
	}
	return false
}
