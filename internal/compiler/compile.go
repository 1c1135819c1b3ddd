package compiler

import (
	"fmt"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/profile"
)

type Result struct {
	Proxies []model.Proxy
	Groups  []model.Group
	Rules   []model.Rule
}

type Options struct {
	// CustomRules go before every template rule.
	CustomRules []model.Rule

	// Rulesets holds the expanded remote rulesets keyed by URL. A ruleset
	// whose URL is missing is skipped; the caller records why.
	Rulesets map[string][]model.Rule
}

type CompileError struct {
	AppError model.AppError
	Cause    error
}

func (e *CompileError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *CompileError) Unwrap() error { return e.Cause }

func compileError(detail, message, snippet string) *CompileError {
	return &CompileError{
		AppError: model.AppError{
			Code:    model.CodeConfigError,
			Message: message,
			Stage:   "compile",
			Snippet: model.TruncateSnippet(snippet, 200),
			Hint:    detail,
		},
	}
}

// Compile binds the already transformed nodes into the template groups and
// flattens the rule list. Nodes are not modified.
func Compile(proxies []model.Proxy, prof *profile.Spec, opt Options) (*Result, error) {
	if prof == nil {
		return nil, compileError("PROFILE_VALIDATE_ERROR", "规则模板不能为空", "")
	}

	groups := compileGroups(proxies, prof.Groups)
	if err := checkCycles(groups); err != nil {
		return nil, err
	}

	targets := make(map[string]struct{}, len(groups)+len(proxies))
	for _, g := range groups {
		targets[g.Name] = struct{}{}
	}
	for _, p := range proxies {
		targets[p.Name] = struct{}{}
	}

	rulesOut, err := compileRules(prof, opt, groups, targets)
	if err != nil {
		return nil, err
	}
	return &Result{Proxies: proxies, Groups: groups, Rules: rulesOut}, nil
}

// compileGroups resolves each group on its own: a node matching several
// groups' patterns is a member of all of them. Members keep declaration
// order, patterns expand in node order, and repeats are dropped. A group may
// end up empty.
func compileGroups(proxies []model.Proxy, specs []profile.GroupSpec) []model.Group {
	allNames := make([]string, 0, len(proxies))
	for _, p := range proxies {
		allNames = append(allNames, p.Name)
	}

	out := make([]model.Group, 0, len(specs))
	for _, gs := range specs {
		seen := make(map[string]struct{})
		members := make([]string, 0)
		add := func(name string) {
			if _, ok := seen[name]; ok {
				return
			}
			seen[name] = struct{}{}
			members = append(members, name)
		}
		for _, m := range gs.Members {
			switch {
			case m.Ref == "@all":
				for _, n := range allNames {
					add(n)
				}
			case m.Ref != "":
				add(m.Ref)
			case m.Regex != nil:
				for _, n := range allNames {
					if m.Regex.MatchString(n) {
						add(n)
					}
				}
			}
		}
		g := model.Group{
			Name:    gs.Name,
			Type:    gs.Type,
			Members: members,
		}
		if gs.Type.HealthChecked() {
			g.TestURL = gs.TestURL
			g.IntervalSec = gs.IntervalSec
			g.ToleranceMS = gs.ToleranceMS
			g.HasTolerance = gs.HasTolerance
			g.Strategy = gs.Strategy
		}
		out = append(out, g)
	}
	return out
}

// checkCycles rejects group graphs where a group reaches itself through
// nested group members.
func checkCycles(groups []model.Group) error {
	edges := make(map[string][]string, len(groups))
	for _, g := range groups {
		edges[g.Name] = nil
	}
	for _, g := range groups {
		for _, m := range g.Members {
			if _, ok := edges[m]; ok {
				edges[g.Name] = append(edges[g.Name], m)
			}
		}
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(groups))
	var stack []string
	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = grey
		stack = append(stack, name)
		for _, next := range edges[name] {
			switch color[next] {
			case grey:
				for i, s := range stack {
					if s == next {
						return append(append([]string(nil), stack[i:]...), next)
					}
				}
			case white:
				if cyc := visit(next); cyc != nil {
					return cyc
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, g := range groups {
		if color[g.Name] != white {
			continue
		}
		if cyc := visit(g.Name); cyc != nil {
			path := strings.Join(cyc, " -> ")
			return compileError("GROUP_CYCLE", fmt.Sprintf("策略组存在循环引用：%s", path), path)
		}
	}
	return nil
}

func compileRules(prof *profile.Spec, opt Options, groups []model.Group, targets map[string]struct{}) ([]model.Rule, error) {
	out := make([]model.Rule, 0, len(opt.CustomRules)+len(prof.Rules))
	out = append(out, opt.CustomRules...)
	for _, it := range prof.Rules {
		if it.Ruleset == nil {
			out = append(out, it.Rule)
			continue
		}
		for _, r := range opt.Rulesets[it.Ruleset.URL] {
			r.Action = it.Ruleset.Action
			out = append(out, r)
		}
	}

	// At most one MATCH, and only in last position.
	for i, r := range out {
		if r.Type != "MATCH" {
			continue
		}
		if i != len(out)-1 {
			return nil, compileError("RULE_ORDER_ERROR", "兜底规则 MATCH 必须是最后一条", RuleString(r))
		}
	}
	if len(out) == 0 || out[len(out)-1].Type != "MATCH" {
		fallback := model.ActionDirect
		if len(groups) > 0 {
			fallback = groups[0].Name
		}
		out = append(out, model.Rule{Type: "MATCH", Action: fallback})
	}

	for _, r := range out {
		if model.IsBuiltinAction(r.Action) {
			continue
		}
		if _, ok := targets[r.Action]; !ok {
			return nil, compileError("REFERENCE_NOT_FOUND", fmt.Sprintf("规则 ACTION 引用不存在：%s", r.Action), RuleString(r))
		}
	}
	return out, nil
}

// RuleString formats r in the comma form shared by Clash and Surge.
func RuleString(r model.Rule) string {
	if r.Type == "MATCH" {
		return fmt.Sprintf("MATCH,%s", r.Action)
	}
	if r.NoResolve {
		return fmt.Sprintf("%s,%s,%s,no-resolve", r.Type, r.Value, r.Action)
	}
	return fmt.Sprintf("%s,%s,%s", r.Type, r.Value, r.Action)
}
