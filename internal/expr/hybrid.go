package expr

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/common/types/ref"
	"github.com/l0p7/purgectrl/internal/templates"
)

// Hybrid compiles URL rules that may be written either as CEL expressions or
// as Go templates. The presence of {{ selects the template path; everything
// else compiles as CEL against the rule environment.
type Hybrid struct {
	env      *Environment
	renderer *templates.Renderer
}

// NewHybrid builds the shared rule compiler over one CEL environment and one
// template renderer.
func NewHybrid(renderer *templates.Renderer) (*Hybrid, error) {
	if renderer == nil {
		return nil, fmt.Errorf("expr: renderer required")
	}
	env, err := NewEnvironment()
	if err != nil {
		return nil, fmt.Errorf("expr: hybrid environment: %w", err)
	}
	return &Hybrid{env: env, renderer: renderer}, nil
}

// Rule is a compiled URL rule ready for repeated evaluation. Rules are safe
// for concurrent use.
type Rule struct {
	source  string
	program Program
	tmpl    *templates.Template
}

// Compile prepares the rule source for evaluation, choosing the template path
// when the source carries {{ actions.
func (h *Hybrid) Compile(name, source string) (Rule, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("expr: rule %s: source required", name)
	}
	if strings.Contains(trimmed, "{{") {
		tmpl, err := h.renderer.CompileInline(name, trimmed)
		if err != nil {
			return Rule{}, fmt.Errorf("expr: rule %s: %w", name, err)
		}
		return Rule{source: trimmed, tmpl: tmpl}, nil
	}
	program, err := h.env.Compile(trimmed)
	if err != nil {
		return Rule{}, fmt.Errorf("expr: rule %s: %w", name, err)
	}
	return Rule{source: trimmed, program: program}, nil
}

// Source returns the rule text for logging.
func (r Rule) Source() string { return r.source }

// URLs evaluates the rule and normalizes its result into URL strings. A
// template contributes one URL; a CEL rule may contribute a string or a list
// of strings. Blank results contribute nothing, which lets conditional rules
// opt out per item.
func (r Rule) URLs(vars map[string]any) ([]string, error) {
	if r.tmpl != nil {
		rendered, err := r.tmpl.Render(vars)
		if err != nil {
			return nil, err
		}
		rendered = strings.TrimSpace(rendered)
		if rendered == "" {
			return nil, nil
		}
		return []string{rendered}, nil
	}
	value, err := r.program.Eval(vars)
	if err != nil {
		return nil, err
	}
	return normalizeRuleValue(r.source, value)
}

// normalizeRuleValue coerces CEL results to URL strings. List results arrive
// either as native slices or as []ref.Val depending on how the interpreter
// constructed them.
func normalizeRuleValue(source string, value any) ([]string, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return nil, nil
		}
		return []string{v}, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("expr: rule %q produced list element %T, want string", source, entry)
			}
			out = append(out, s)
		}
		return out, nil
	case []ref.Val:
		out := make([]string, 0, len(v))
		for _, entry := range v {
			s, ok := entry.Value().(string)
			if !ok {
				return nil, fmt.Errorf("expr: rule %q produced list element of type %s, want string", source, entry.Type())
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expr: rule %q produced %T, want string or list of strings", source, value)
}
