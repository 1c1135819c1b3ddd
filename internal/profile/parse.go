package profile

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/rules"
)

// Spec is a parsed rule template: group shapes plus the ordered rule list.
type Spec struct {
	Source string // template URL, or "builtin:<name>"

	// Template maps a target to a remote base document carrying anchors.
	Template map[model.Target]string

	Groups []GroupSpec
	Rules  []RuleItem
}

// RuleItem is one entry of the ordered rule list: either a parsed rule or a
// remote ruleset to be fetched and expanded at this position.
type RuleItem struct {
	Raw     string
	Rule    model.Rule
	Ruleset *RulesetSpec
}

type RulesetSpec struct {
	Action string
	URL    string
}

// Member is one group member: a reference to a group/policy, or a pattern
// over node names.
type Member struct {
	Ref     string // group name, DIRECT, REJECT or @all
	Pattern string
	Regex   *regexp.Regexp
}

type GroupSpec struct {
	Raw     string
	Name    string
	Type    model.GroupType
	Members []Member

	TestURL      string
	IntervalSec  int
	ToleranceMS  int
	HasTolerance bool
	Strategy     string
}

// GroupNames returns the declared group names in order.
func (s *Spec) GroupNames() []string {
	out := make([]string, 0, len(s.Groups))
	for _, g := range s.Groups {
		out = append(out, g.Name)
	}
	return out
}

// RulesetURLs returns the distinct remote ruleset URLs in first-use order.
func (s *Spec) RulesetURLs() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, it := range s.Rules {
		if it.Ruleset == nil {
			continue
		}
		if _, ok := seen[it.Ruleset.URL]; ok {
			continue
		}
		seen[it.Ruleset.URL] = struct{}{}
		out = append(out, it.Ruleset.URL)
	}
	return out
}

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

type directiveError struct {
	Code    string
	Message string
	Hint    string
	Cause   error
}

func (e *directiveError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

func (e *directiveError) Unwrap() error { return e.Cause }

// configError builds a CONFIG_ERROR; detail is the finer-grained code and
// lands in Hint.
func configError(sourceURL, snippet, detail, message, hint string, cause error) *ParseError {
	if hint != "" {
		detail = detail + ": " + hint
	}
	return &ParseError{
		AppError: model.AppError{
			Code:    model.CodeConfigError,
			Message: message,
			Stage:   "parse_template",
			URL:     sourceURL,
			Snippet: model.TruncateSnippet(snippet, 200),
			Hint:    detail,
		},
		Cause: cause,
	}
}

func wrapDirective(sourceURL, raw, fallbackCode, fallbackMsg string, err error) *ParseError {
	var de *directiveError
	if errors.As(err, &de) {
		return configError(sourceURL, raw, de.Code, de.Message, de.Hint, de.Cause)
	}
	var re *rules.RuleError
	if errors.As(err, &re) {
		return configError(sourceURL, raw, re.Code, re.Message, re.Hint, re.Cause)
	}
	return configError(sourceURL, raw, fallbackCode, fallbackMsg, "", err)
}

// Parse detects the template format (YAML profile or INI-style config) and
// parses it.
func Parse(sourceURL, content string) (*Spec, error) {
	content = strings.TrimPrefix(content, "\uFEFF")
	if strings.TrimSpace(content) == "" {
		return nil, configError(sourceURL, "", "TEMPLATE_EMPTY", "规则模板为空", "", nil)
	}
	if looksLikeINI(content) {
		return ParseINI(sourceURL, content)
	}
	return ParseYAML(sourceURL, content)
}

func looksLikeINI(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || strings.HasPrefix(t, "#") || strings.HasPrefix(t, ";") {
			continue
		}
		if strings.HasPrefix(t, "[") && strings.HasSuffix(t, "]") {
			return true
		}
		k, _, ok := strings.Cut(t, "=")
		if ok && !strings.Contains(k, ":") && !strings.Contains(k, " ") {
			return true
		}
		return false
	}
	return false
}

type rawProfile struct {
	Version          int               `yaml:"version"`
	Template         map[string]string `yaml:"template"`
	CustomProxyGroup []string          `yaml:"custom_proxy_group"`
	Ruleset          []string          `yaml:"ruleset"`
	Rule             []string          `yaml:"rule"`
}

// ParseYAML parses a YAML profile. Unknown keys are rejected. Rulesets come
// before the inline rules.
func ParseYAML(sourceURL string, content string) (*Spec, error) {
	var rp rawProfile
	if err := yamlDecodeStrict(content, &rp); err != nil {
		return nil, configError(sourceURL, content, "PROFILE_PARSE_ERROR", "规则模板 YAML 解析失败", "", err)
	}
	if rp.Version != 1 {
		return nil, configError(sourceURL, "", "PROFILE_VALIDATE_ERROR", "profile version 必须为 1", "", nil)
	}

	b := newBuilder(sourceURL)
	for k, v := range rp.Template {
		if err := b.template(k, v); err != nil {
			return nil, err
		}
	}
	for _, raw := range rp.CustomProxyGroup {
		if err := b.group(raw); err != nil {
			return nil, err
		}
	}
	for _, raw := range rp.Ruleset {
		if err := b.ruleset(raw); err != nil {
			return nil, err
		}
	}
	for _, raw := range rp.Rule {
		if err := b.rule(raw); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// ParseINI parses the line-oriented remote config format:
//
//	custom_proxy_group=NAME`TYPE`...
//	ruleset=ACTION,URL
//	ruleset=ACTION,[]RULE
//
// Other keys and section headers are ignored. Order is kept as declared.
func ParseINI(sourceURL string, content string) (*Spec, error) {
	b := newBuilder(sourceURL)
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") || strings.HasPrefix(line, "[") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		var err error
		switch strings.TrimSpace(key) {
		case "custom_proxy_group":
			err = b.group(value)
		case "ruleset", "surge_ruleset":
			err = b.ruleset(value)
		case "rule":
			err = b.rule(value)
		}
		if err != nil {
			return nil, err
		}
	}
	return b.finish()
}

type builder struct {
	src  string
	spec *Spec
}

func newBuilder(sourceURL string) *builder {
	return &builder{src: sourceURL, spec: &Spec{Source: sourceURL}}
}

func (b *builder) template(key, value string) error {
	t, ok := model.ParseTarget(key)
	if !ok {
		return configError(b.src, key, "PROFILE_VALIDATE_ERROR", fmt.Sprintf("template key 不支持：%s", key), "", nil)
	}
	if err := validateHTTPURL(value); err != nil {
		return configError(b.src, value, "PROFILE_VALIDATE_ERROR", fmt.Sprintf("template.%s URL 不合法", key), "", err)
	}
	if b.spec.Template == nil {
		b.spec.Template = make(map[model.Target]string)
	}
	b.spec.Template[t] = strings.TrimSpace(value)
	return nil
}

func (b *builder) group(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	g, err := parseGroupDirective(raw)
	if err != nil {
		return wrapDirective(b.src, raw, "GROUP_PARSE_ERROR", "custom_proxy_group 解析失败", err)
	}
	b.spec.Groups = append(b.spec.Groups, g)
	return nil
}

func (b *builder) ruleset(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	it, err := parseRulesetDirective(raw)
	if err != nil {
		return wrapDirective(b.src, raw, "RULESET_PARSE_ERROR", "ruleset 指令解析失败", err)
	}
	b.spec.Rules = append(b.spec.Rules, it)
	return nil
}

func (b *builder) rule(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	r, err := rules.ParseInlineRule(raw)
	if err != nil {
		return wrapDirective(b.src, raw, "RULE_PARSE_ERROR", "rule 指令解析失败", err)
	}
	b.spec.Rules = append(b.spec.Rules, RuleItem{Raw: raw, Rule: r})
	return nil
}

// finish validates group names and member references.
func (b *builder) finish() (*Spec, error) {
	names := make(map[string]struct{}, len(b.spec.Groups))
	for _, g := range b.spec.Groups {
		if model.IsBuiltinAction(g.Name) {
			return nil, configError(b.src, g.Raw, "PROFILE_VALIDATE_ERROR", "策略组名不能使用保留名 DIRECT/REJECT", "", nil)
		}
		if _, ok := names[g.Name]; ok {
			return nil, configError(b.src, g.Raw, "PROFILE_VALIDATE_ERROR", fmt.Sprintf("重复的策略组名：%s", g.Name), "", nil)
		}
		names[g.Name] = struct{}{}
	}
	for _, g := range b.spec.Groups {
		for _, m := range g.Members {
			if m.Ref == "" || m.Ref == "@all" || model.IsBuiltinAction(m.Ref) {
				continue
			}
			if _, ok := names[m.Ref]; !ok {
				return nil, configError(b.src, g.Raw, "REFERENCE_NOT_FOUND", fmt.Sprintf("策略组引用不存在：%s", m.Ref), "", nil)
			}
		}
	}
	return b.spec, nil
}

func yamlDecodeStrict(content string, out any) error {
	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return err
	}

	// Reject multi-document YAML to keep behavior deterministic.
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return errors.New("multiple YAML documents are not allowed")
	} else if !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func validateHTTPURL(s string) error {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return err
	}
	if u == nil || !u.IsAbs() || u.Host == "" {
		return errors.New("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http/https")
	}
	return nil
}

// Prefixes some remote configs put in front of a ruleset URL to name its
// format. The ruleset parser detects the format itself.
var rulesetURLPrefixes = []string{"clash-domain:", "clash-ipcidr:", "clash-classic:", "surge:", "quanx:"}

func parseRulesetDirective(raw string) (RuleItem, error) {
	a, rest, ok := strings.Cut(raw, ",")
	if !ok {
		return RuleItem{}, &directiveError{Code: "RULESET_PARSE_ERROR", Message: "ruleset 指令格式不合法", Hint: "expected: ACTION,URL or ACTION,[]RULE"}
	}
	action := strings.TrimSpace(a)
	rest = strings.TrimSpace(rest)
	if action == "" || rest == "" {
		return RuleItem{}, &directiveError{Code: "RULESET_PARSE_ERROR", Message: "ruleset 的 ACTION/URL 不能为空"}
	}

	if body, ok := strings.CutPrefix(rest, "[]"); ok {
		r, err := inlineRulesetRule(body, action)
		if err != nil {
			return RuleItem{}, err
		}
		return RuleItem{Raw: raw, Rule: r}, nil
	}

	for _, p := range rulesetURLPrefixes {
		rest = strings.TrimPrefix(rest, p)
	}
	if err := validateHTTPURL(rest); err != nil {
		return RuleItem{}, &directiveError{Code: "RULESET_PARSE_ERROR", Message: "ruleset URL 不合法", Cause: err}
	}
	return RuleItem{Raw: raw, Ruleset: &RulesetSpec{Action: action, URL: rest}}, nil
}

// inlineRulesetRule turns "GEOIP,CN[,no-resolve]" plus an action into a rule.
// "FINAL" and "MATCH" stand for the catch-all.
func inlineRulesetRule(body, action string) (model.Rule, error) {
	body = strings.TrimSpace(body)
	switch strings.ToUpper(body) {
	case "FINAL", "MATCH":
		return model.Rule{Type: "MATCH", Action: action}, nil
	}
	line := body + "," + action
	if head, ok := strings.CutSuffix(body, ",no-resolve"); ok {
		line = head + "," + action + ",no-resolve"
	}
	return rules.ParseInlineRule(line)
}

func parseGroupDirective(raw string) (GroupSpec, error) {
	parts := strings.Split(raw, "`")
	if len(parts) < 3 {
		return GroupSpec{}, &directiveError{
			Code:    "GROUP_PARSE_ERROR",
			Message: "custom_proxy_group 指令格式不合法",
			Hint:    "expected: <NAME>`<TYPE>`<MEMBER>...[`<URL>`<INTERVAL>[,,<TOLERANCE>]]",
		}
	}

	name := strings.TrimSpace(parts[0])
	typ := model.GroupType(strings.TrimSpace(parts[1]))
	if strings.ContainsAny(name, "\r\n\x00") {
		return GroupSpec{}, errors.New("group name contains control chars")
	}
	if name == "" {
		return GroupSpec{}, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "策略组名不能为空"}
	}

	g := GroupSpec{Raw: raw, Name: name, Type: typ}
	rest := parts[2:]

	switch typ {
	case model.GroupSelect:
	case model.GroupURLTest, model.GroupFallback, model.GroupLoadBalance:
		var err error
		rest, err = g.healthCheck(rest)
		if err != nil {
			return GroupSpec{}, err
		}
		if typ == model.GroupLoadBalance {
			g.Strategy = "consistent-hashing"
		}
	default:
		return GroupSpec{}, &directiveError{
			Code:    "GROUP_UNSUPPORTED_TYPE",
			Message: fmt.Sprintf("不支持的策略组类型：%s", typ),
			Hint:    "supported: select, url-test, fallback, load-balance",
		}
	}

	for _, tok := range rest {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		// Explicit references: []A or []A[]B.
		if strings.HasPrefix(tok, "[]") {
			for _, ref := range strings.Split(tok, "[]")[1:] {
				ref = strings.TrimSpace(ref)
				if ref == "" {
					return GroupSpec{}, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "策略组成员不能为空"}
				}
				g.Members = append(g.Members, Member{Ref: ref})
			}
			continue
		}
		re, err := regexp.Compile(tok)
		if err != nil {
			return GroupSpec{}, &directiveError{
				Code:    "GROUP_PARSE_ERROR",
				Message: fmt.Sprintf("%s 正则不可编译", typ),
				Cause:   err,
			}
		}
		g.Members = append(g.Members, Member{Pattern: tok, Regex: re})
	}
	if len(g.Members) == 0 {
		return GroupSpec{}, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "策略组至少需要一个成员或正则"}
	}
	return g, nil
}

// healthCheck consumes the trailing `URL`INTERVAL[,,TOLERANCE] (or
// `URL`INTERVAL`TOLERANCE) tokens and returns the member tokens before them.
// Without a URL the defaults apply.
func (g *GroupSpec) healthCheck(tokens []string) ([]string, error) {
	g.TestURL = model.DefaultTestURL
	g.IntervalSec = model.DefaultIntervalSec

	urlAt := -1
	for i := len(tokens) - 1; i >= 0 && i >= len(tokens)-3; i-- {
		t := strings.TrimSpace(tokens[i])
		if strings.HasPrefix(t, "http://") || strings.HasPrefix(t, "https://") {
			urlAt = i
			break
		}
	}
	if urlAt < 0 {
		return tokens, nil
	}

	testURL := strings.TrimSpace(tokens[urlAt])
	if err := validateHTTPURL(testURL); err != nil {
		return nil, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "健康检查 URL 不合法", Cause: err}
	}
	g.TestURL = testURL

	tail := tokens[urlAt+1:]
	if len(tail) == 0 {
		return tokens[:urlAt], nil
	}
	fields := strings.Split(strings.TrimSpace(tail[0]), ",")
	interval, err := strconv.Atoi(strings.TrimSpace(fields[0]))
	if err != nil || interval <= 0 {
		return nil, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "健康检查 interval 必须是正整数"}
	}
	g.IntervalSec = interval

	tolRaw := ""
	if len(fields) >= 3 {
		tolRaw = strings.TrimSpace(fields[2])
	}
	if len(tail) >= 2 {
		tolRaw = strings.TrimSpace(tail[1])
	}
	if tolRaw != "" {
		tol, err := strconv.Atoi(tolRaw)
		if err != nil || tol < 0 {
			return nil, &directiveError{Code: "GROUP_PARSE_ERROR", Message: "tolerance 必须是非负整数"}
		}
		g.ToleranceMS = tol
		g.HasTolerance = true
	}
	return tokens[:urlAt], nil
}
