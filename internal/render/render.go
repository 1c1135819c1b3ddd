package render

import (
	"fmt"
	"strings"

	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/model"
)

// Blocks are the three rendered sections injected at the template anchors.
type Blocks struct {
	Proxies string
	Groups  string
	Rules   string
}

// Output is a render result. Warnings list the nodes, rules and flags the
// target could not express; they were left out of Blocks.
type Output struct {
	Blocks    Blocks
	NodeCount int
	Warnings  []model.AppError
}

type RenderError struct {
	AppError model.AppError
	Cause    error
}

func (e *RenderError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *RenderError) Unwrap() error { return e.Cause }

// unsupported is returned by a dialect's node encoder for a node it cannot
// express; the node is dropped with a warning.
type unsupported string

func (u unsupported) Error() string { return string(u) }

type emitter interface {
	proxy(p model.Proxy) (any, error)
	blocks(proxies []any, groups []model.Group, rules []model.Rule) (Blocks, error)
}

// Render serialises the compiled model for target. It makes no filtering
// decisions beyond leaving out what target cannot express.
func Render(target model.Target, res *compiler.Result) (*Output, error) {
	if res == nil {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    model.CodeInvalidArgument,
				Message: "render input 不能为空",
				Stage:   "render",
			},
		}
	}
	d, ok := dialects[target]
	if !ok {
		return nil, &RenderError{
			AppError: model.AppError{
				Code:    model.CodeInvalidArgument,
				Message: fmt.Sprintf("不支持的 target：%s", target),
				Stage:   "render",
			},
		}
	}

	var w warnings
	out := &Output{}

	dropped := make(map[string]struct{})
	proxies := make([]any, 0, len(res.Proxies))
	var udpLost, tfoLost, scvLost bool
	for _, p := range res.Proxies {
		if !d.protocols[p.Type] {
			w.add(target, fmt.Sprintf("%s 不支持 %s 协议，节点已跳过", d.title, p.Type), p.Name)
			dropped[p.Name] = struct{}{}
			continue
		}
		v, err := d.emit.proxy(p)
		if err != nil {
			if u, ok := err.(unsupported); ok {
				w.add(target, fmt.Sprintf("%s 无法表达该节点（%s），节点已跳过", d.title, string(u)), p.Name)
				dropped[p.Name] = struct{}{}
				continue
			}
			return nil, err
		}
		proxies = append(proxies, v)
		udpLost = udpLost || (p.UDP && !d.udp)
		tfoLost = tfoLost || (p.TFO && !d.tfo)
		scvLost = scvLost || (p.SkipCertVerify && !d.scv)
	}
	if udpLost {
		w.add(target, d.title+" 不支持 UDP 转发开关，已忽略", "udp")
	}
	if tfoLost {
		w.add(target, d.title+" 不支持 TCP Fast Open，已忽略", "tfo")
	}
	if scvLost {
		w.add(target, d.title+" 不支持跳过证书验证，已忽略", "skip-cert-verify")
	}

	groups := make([]model.Group, 0, len(res.Groups))
	for _, g := range res.Groups {
		if _, ok := d.groupKinds[g.Type]; !ok {
			return nil, &RenderError{
				AppError: model.AppError{
					Code:    model.CodeConfigError,
					Message: fmt.Sprintf("%s 不支持策略组类型：%s", d.title, g.Type),
					Stage:   "render",
					Snippet: g.Name,
				},
			}
		}
		members := make([]string, 0, len(g.Members))
		for _, m := range g.Members {
			if _, gone := dropped[m]; gone {
				continue
			}
			members = append(members, m)
		}
		// Every dialect rejects a group without members.
		if len(members) == 0 {
			members = append(members, model.ActionDirect)
		}
		g.Members = members
		groups = append(groups, g)
	}

	rules := make([]model.Rule, 0, len(res.Rules))
	for _, r := range res.Rules {
		kind, ok := d.ruleKinds[r.Type]
		if !ok {
			w.add(target, fmt.Sprintf("%s 不支持规则类型 %s，规则已跳过", d.title, r.Type), compiler.RuleString(r))
			continue
		}
		if _, gone := dropped[r.Action]; gone {
			w.add(target, "规则指向的节点已被跳过，改为 DIRECT", compiler.RuleString(r))
			r.Action = model.ActionDirect
		}
		r.Type = kind
		rules = append(rules, r)
	}

	b, err := d.emit.blocks(proxies, groups, rules)
	if err != nil {
		return nil, err
	}
	out.Blocks = b
	out.NodeCount = len(proxies)
	out.Warnings = w.list
	return out, nil
}

type warnings struct {
	list []model.AppError
}

func (w *warnings) add(target model.Target, msg, snippet string) {
	w.list = append(w.list, model.AppError{
		Code:    model.CodeRenderUnsupported,
		Message: msg,
		Stage:   "render_" + string(target),
		Snippet: model.TruncateSnippet(snippet, 200),
	})
}

// policyNameOK rejects names the comma separated dialects cannot carry.
func policyNameOK(title, name string) error {
	if strings.ContainsAny(name, "\r\n\x00,=") {
		return &RenderError{
			AppError: model.AppError{
				Code:    model.CodeConfigError,
				Message: fmt.Sprintf("策略组名/规则 action 含有 %s 不支持的字符（, 或 = 或控制字符）", title),
				Stage:   "render",
				Snippet: name,
				Hint:    "rename the group in the rule template",
			},
		}
	}
	return nil
}

// obfsPlugin extracts the simple-obfs settings of an ss node.
func obfsPlugin(p model.Proxy) (mode string, host string, err error) {
	if p.PluginName == "" {
		return "", "", nil
	}
	if p.PluginName != "simple-obfs" && p.PluginName != "obfs-local" {
		return "", "", unsupported("plugin " + p.PluginName)
	}
	for _, kv := range p.PluginOpts {
		switch strings.TrimSpace(kv.Key) {
		case "obfs":
			mode = strings.TrimSpace(kv.Value)
		case "obfs-host":
			host = strings.TrimSpace(kv.Value)
		}
	}
	if mode == "" {
		return "", "", unsupported("simple-obfs 缺少 obfs=<mode>")
	}
	return mode, host, nil
}

func lines(in []any) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		out = append(out, v.(string))
	}
	return out
}
