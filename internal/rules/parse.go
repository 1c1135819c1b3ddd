package rules

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

type RuleError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *RuleError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *RuleError) Unwrap() error { return e.Cause }

type ParseError struct {
	AppError model.AppError
	Cause    error
}

func (e *ParseError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }

type valueKind int

const (
	valueText valueKind = iota
	valueCIDR4
	valueCIDR6
	valueCIDRAny
	valuePort
)

type ruleSpec struct {
	value     valueKind
	noResolve bool // accepts the trailing no-resolve option
}

var ruleTypes = map[string]ruleSpec{
	"DOMAIN":         {},
	"DOMAIN-SUFFIX":  {},
	"DOMAIN-KEYWORD": {},
	"GEOIP":          {noResolve: true},
	"IP-CIDR":        {value: valueCIDR4, noResolve: true},
	"IP-CIDR6":       {value: valueCIDR6, noResolve: true},
	"SRC-IP-CIDR":    {value: valueCIDRAny},
	"DST-PORT":       {value: valuePort},
	"SRC-PORT":       {value: valuePort},
	"PROCESS-NAME":   {},
	"URL-REGEX":      {},
	"USER-AGENT":     {},
}

// Spellings used by Quantumult X, Loon and older Surge lists.
var typeAliases = map[string]string{
	"HOST":         "DOMAIN",
	"HOST-SUFFIX":  "DOMAIN-SUFFIX",
	"HOST-KEYWORD": "DOMAIN-KEYWORD",
	"IP6-CIDR":     "IP-CIDR6",
	"DEST-PORT":    "DST-PORT",
	"FINAL":        "MATCH",
}

// SupportedTypes lists the canonical matcher kinds, sorted, MATCH included.
func SupportedTypes() []string {
	out := make([]string, 0, len(ruleTypes)+1)
	for k := range ruleTypes {
		out = append(out, k)
	}
	out = append(out, "MATCH")
	sort.Strings(out)
	return out
}

// Result is a parsed remote ruleset; Warnings hold the lines that were skipped.
type Result struct {
	Rules    []model.Rule
	Warnings []model.AppError
}

// ParseRulesetText parses a remote ruleset file: classical "TYPE,VALUE[,..]"
// lines, optionally inside a rule-provider "payload:" list. Every rule is bound
// to action, which is the group the ruleset was declared for; an action
// written on the line itself is ignored. Bad lines are skipped as warnings.
func ParseRulesetText(sourceURL string, text string, action string) (Result, error) {
	if strings.TrimSpace(action) == "" {
		return Result{}, &ParseError{
			AppError: model.AppError{
				Code:    model.CodeConfigError,
				Message: "ruleset 绑定的策略组不能为空",
				Stage:   "parse_ruleset",
				URL:     sourceURL,
			},
		}
	}

	lines := strings.Split(text, "\n")
	res := Result{Rules: make([]model.Rule, 0, len(lines))}
	for i, raw := range lines {
		line := strings.TrimSpace(strings.TrimSuffix(raw, "\r"))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") || strings.HasPrefix(line, ";") {
			continue
		}
		if line == "payload:" {
			continue
		}
		if strings.HasPrefix(line, "- ") {
			line = strings.Trim(strings.TrimSpace(line[2:]), `'"`)
		}

		r, err := parseRuleLine(line, ruleParseOptions{
			AllowNoAction: true,
			DefaultAction: action,
			AllowMatch:    false,
		})
		if err != nil {
			w := model.AppError{
				Code:    model.CodeDecodeError,
				Message: "规则行无法解析，已跳过",
				Stage:   "parse_ruleset",
				URL:     sourceURL,
				Line:    i + 1,
				Snippet: model.TruncateSnippet(raw, 200),
			}
			var rerr *RuleError
			if errors.As(err, &rerr) {
				w.Message = rerr.Message
				w.Hint = rerr.Code
			}
			res.Warnings = append(res.Warnings, w)
			continue
		}
		res.Rules = append(res.Rules, r)
	}
	return res, nil
}

// ParseInlineRule parses a single inline rule line. ACTION is required.
// Caller is expected to attach proper stage/url/line if needed.
func ParseInlineRule(line string) (model.Rule, error) {
	line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
	if line == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is empty"}
	}
	if strings.HasPrefix(line, "#") {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "rule line is comment"}
	}
	return parseRuleLine(line, ruleParseOptions{
		AllowNoAction: false,
		DefaultAction: "",
		AllowMatch:    true,
	})
}

type ruleParseOptions struct {
	AllowNoAction bool
	DefaultAction string
	AllowMatch    bool
}

func parseRuleLine(line string, opt ruleParseOptions) (model.Rule, error) {
	parts := strings.Split(line, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	if len(parts) == 0 || parts[0] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则类型不能为空"}
	}
	if len(parts) == 1 && opt.AllowNoAction {
		return parseBareEntry(parts[0], opt.DefaultAction)
	}

	typ := strings.ToUpper(parts[0])
	if canon, ok := typeAliases[typ]; ok {
		typ = canon
	}

	if typ == "MATCH" {
		if !opt.AllowMatch {
			return model.Rule{}, &RuleError{
				Code:    "RULESET_PARSE_ERROR",
				Message: "ruleset 不允许包含 MATCH 规则",
				Hint:    "move MATCH into the template rules",
			}
		}
		if len(parts) != 2 || parts[1] == "" {
			return model.Rule{}, &RuleError{
				Code:    "RULE_PARSE_ERROR",
				Message: "MATCH 规则必须是 MATCH,<ACTION>",
			}
		}
		return model.Rule{Type: "MATCH", Action: parts[1]}, nil
	}

	spec, ok := ruleTypes[typ]
	if !ok {
		return model.Rule{}, &RuleError{
			Code:    "UNSUPPORTED_RULE_TYPE",
			Message: fmt.Sprintf("不支持的规则类型：%s", typ),
			Hint:    "supported: " + strings.Join(SupportedTypes(), ", "),
		}
	}
	if len(parts) < 2 || parts[1] == "" {
		return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "规则 VALUE 不能为空", Hint: "expected: TYPE,VALUE,ACTION"}
	}
	value := parts[1]
	rest := parts[2:]

	noResolve := false
	if n := len(rest); n > 0 && strings.EqualFold(rest[n-1], "no-resolve") {
		if !spec.noResolve {
			return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: typ + " 不支持 no-resolve"}
		}
		noResolve = true
		rest = rest[:n-1]
	}

	var action string
	switch {
	case opt.AllowNoAction:
		action = opt.DefaultAction
	case len(rest) == 1 && rest[0] != "":
		action = rest[0]
	case len(rest) == 0 && noResolve:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: typ + " 缺少 ACTION（不允许仅写 no-resolve）",
			Hint:    "expected: " + typ + ",VALUE,ACTION[,no-resolve]",
		}
	case len(rest) == 0:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则缺少 ACTION",
			Hint:    "expected: TYPE,VALUE,ACTION",
		}
	default:
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: "规则字段数量不合法",
			Hint:    "expected: TYPE,VALUE,ACTION[,no-resolve]",
		}
	}

	if err := validateValue(spec.value, value); err != nil {
		return model.Rule{}, &RuleError{
			Code:    "RULE_PARSE_ERROR",
			Message: fmt.Sprintf("%s 的 VALUE 不合法", typ),
			Cause:   err,
		}
	}
	if typ == "GEOIP" {
		value = strings.ToUpper(value)
	}
	return model.Rule{Type: typ, Value: value, Action: action, NoResolve: noResolve}, nil
}

// parseBareEntry accepts rule-provider domain/ipcidr payload entries:
// "+.example.com", ".example.com", "example.com" or a CIDR.
func parseBareEntry(entry, action string) (model.Rule, error) {
	entry = strings.TrimSpace(entry)
	switch {
	case strings.HasPrefix(entry, "+."):
		return model.Rule{Type: "DOMAIN-SUFFIX", Value: entry[2:], Action: action}, nil
	case strings.HasPrefix(entry, "."):
		return model.Rule{Type: "DOMAIN-SUFFIX", Value: entry[1:], Action: action}, nil
	}
	if _, ipnet, err := net.ParseCIDR(entry); err == nil {
		if ipnet.IP.To4() != nil {
			return model.Rule{Type: "IP-CIDR", Value: entry, Action: action, NoResolve: true}, nil
		}
		return model.Rule{Type: "IP-CIDR6", Value: entry, Action: action, NoResolve: true}, nil
	}
	if strings.Contains(entry, ".") && !strings.ContainsAny(entry, " /*:") {
		return model.Rule{Type: "DOMAIN", Value: entry, Action: action}, nil
	}
	return model.Rule{}, &RuleError{Code: "RULE_PARSE_ERROR", Message: "无法识别的规则条目"}
}

func validateValue(kind valueKind, s string) error {
	switch kind {
	case valueCIDR4:
		return validateCIDR(s, true)
	case valueCIDR6:
		return validateCIDR(s, false)
	case valueCIDRAny:
		_, _, err := net.ParseCIDR(s)
		return err
	case valuePort:
		return validatePortSpec(s)
	default:
		return nil
	}
}

func validateCIDR(s string, v4 bool) error {
	ip, _, err := net.ParseCIDR(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if (ip.To4() != nil) != v4 {
		if v4 {
			return errors.New("not an ipv4 cidr")
		}
		return errors.New("not an ipv6 cidr")
	}
	return nil
}

// validatePortSpec accepts "443" and "8000-9000".
func validatePortSpec(s string) error {
	lo, hi, isRange := strings.Cut(s, "-")
	a, err := strconv.Atoi(lo)
	if err != nil || a < 0 || a > 65535 {
		return errors.New("invalid port")
	}
	if !isRange {
		return nil
	}
	b, err := strconv.Atoi(hi)
	if err != nil || b < a || b > 65535 {
		return errors.New("invalid port range")
	}
	return nil
}
