package sub

import (
	"errors"
	"sort"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

type decoder struct {
	protocol model.Protocol
	// decode receives the text after "<scheme>://".
	decode func(body string) (model.Proxy, error)
}

// decoders is keyed by lower-cased URI scheme.
var decoders = map[string]decoder{
	"ss":        {model.ProtocolSS, decodeSS},
	"ssr":       {model.ProtocolSSR, decodeSSR},
	"vmess":     {model.ProtocolVMess, decodeVMess},
	"vless":     {model.ProtocolVLESS, decodeVLESS},
	"trojan":    {model.ProtocolTrojan, decodeTrojan},
	"hysteria":  {model.ProtocolHysteria, decodeHysteria},
	"hysteria2": {model.ProtocolHysteria2, decodeHysteria2},
	"hy2":       {model.ProtocolHysteria2, decodeHysteria2},
	"tuic":      {model.ProtocolTUIC, decodeTUIC},
	"wireguard": {model.ProtocolWireGuard, decodeWireGuard},
	"wg":        {model.ProtocolWireGuard, decodeWireGuard},
}

// Schemes returns every accepted URI scheme, sorted.
func Schemes() []string {
	out := make([]string, 0, len(decoders))
	for k := range decoders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SchemeProtocol reports which protocol a URI scheme decodes to.
func SchemeProtocol(scheme string) (model.Protocol, bool) {
	d, ok := decoders[strings.ToLower(scheme)]
	return d.protocol, ok
}

// Decode turns one link into a node. An empty hint accepts any scheme;
// otherwise the scheme must map to the hinted protocol.
func Decode(hint model.Protocol, raw string) (model.Proxy, error) {
	line := strings.TrimSpace(raw)
	scheme, body, ok := strings.Cut(line, "://")
	if !ok || scheme == "" {
		return model.Proxy{}, fail("缺少协议前缀", "expected: <scheme>://...", nil)
	}
	d, ok := decoders[strings.ToLower(scheme)]
	if !ok {
		return model.Proxy{}, fail("不支持的协议："+truncate(scheme, 32), "supported: "+strings.Join(Schemes(), ", "), nil)
	}
	if hint != "" && hint != d.protocol {
		return model.Proxy{}, fail("协议与期望不符", "expected: "+string(hint), nil)
	}
	if strings.TrimSpace(body) == "" {
		return model.Proxy{}, fail(scheme+":// 后缺少内容", "", nil)
	}

	p, err := d.decode(body)
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			return model.Proxy{}, pe
		}
		return model.Proxy{}, fail("节点解析失败", "", err)
	}
	p.Type = d.protocol
	if err := p.Validate(); err != nil {
		return model.Proxy{}, fail("节点缺少必填字段", "", err)
	}
	return p, nil
}

// Result is the decoded content of one subscription source. Warnings hold the
// lines that were skipped.
type Result struct {
	Proxies  []model.Proxy
	Warnings []model.AppError
}

// ParseSubscriptionText decodes one source body. Accepted shapes: a plain link
// list, the same list base64-wrapped once, or a Clash YAML document with a
// proxies list. The error is non-nil when nothing usable was found.
func ParseSubscriptionText(sourceURL string, content string) (Result, error) {
	s := strings.TrimSpace(stripUTF8BOM(content))
	if s == "" {
		return Result{}, newParseError(sourceURL, 0, "", "订阅内容为空", "", nil)
	}

	if !looksLikeClashYAML(s) && !strings.Contains(s, "://") {
		decoded, err := decodeB64ToString(removeSpaceTabCRLF(s))
		if err != nil {
			return Result{}, newParseError(sourceURL, 0, truncateSnippet(s), "订阅 base64 解码失败", "expected: link list, base64 link list or clash yaml", err)
		}
		s = strings.TrimSpace(stripUTF8BOM(decoded))
		if s == "" {
			return Result{}, newParseError(sourceURL, 0, "", "订阅内容为空", "", nil)
		}
	}

	var res Result
	if looksLikeClashYAML(s) {
		var err error
		res, err = parseClashYAML(sourceURL, s)
		if err != nil {
			return Result{}, err
		}
	} else {
		res = parseRawList(sourceURL, s)
	}

	if len(res.Proxies) == 0 {
		return res, newParseError(sourceURL, 0, "", "订阅中没有任何可用节点", "", nil)
	}
	return res, nil
}

func parseRawList(sourceURL, raw string) Result {
	lines := strings.Split(raw, "\n")
	res := Result{Proxies: make([]model.Proxy, 0, len(lines))}
	for i, line := range lines {
		orig := line
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "//") {
			continue
		}
		p, err := Decode("", line)
		if err != nil {
			res.Warnings = append(res.Warnings, lineWarning(sourceURL, i+1, orig, err))
			continue
		}
		res.Proxies = append(res.Proxies, p)
	}
	return res
}

func lineWarning(sourceURL string, lineNo int, line string, err error) model.AppError {
	var pe *ParseError
	if !errors.As(err, &pe) {
		pe = fail("节点解析失败", "", err)
	}
	ae := pe.AppError
	ae.URL = sourceURL
	ae.Line = lineNo
	ae.Snippet = truncateSnippet(redactLine(line))
	return ae
}

// redactLine keeps the scheme and the name so warnings stay useful without
// echoing credentials back to the caller.
func redactLine(line string) string {
	line = strings.TrimSpace(line)
	scheme, _, ok := strings.Cut(line, "://")
	if !ok {
		return truncate(line, 32)
	}
	_, name, _ := strings.Cut(line, "#")
	if name == "" {
		return scheme + "://***"
	}
	return scheme + "://***#" + name
}
