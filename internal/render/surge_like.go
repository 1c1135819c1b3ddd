package render

import (
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// surgeEmitter serves Surge and Surfboard, which share the [Proxy] line
// syntax. Surfboard lacks tfo and the QUIC based protocols.
type surgeEmitter struct {
	title string
	surge bool
}

func (e surgeEmitter) proxy(p model.Proxy) (any, error) {
	head := p.Name + " = "
	var kv params

	switch p.Type {
	case model.ProtocolSS:
		head += "ss, " + p.Server + ", " + strconv.Itoa(p.Port)
		kv.add("encrypt-method", strings.ToLower(p.Cipher))
		kv.add("password", p.Password)
		mode, host, err := obfsPlugin(p)
		if err != nil {
			return nil, err
		}
		kv.add("obfs", mode)
		kv.add("obfs-host", host)
	case model.ProtocolVMess:
		head += "vmess, " + p.Server + ", " + strconv.Itoa(p.Port)
		kv.add("username", p.UUID)
		if err := surgeTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.flag("tls", p.TLS)
		kv.add("sni", p.SNI)
		kv.flag("vmess-aead", p.AlterID == 0)
	case model.ProtocolTrojan:
		head += "trojan, " + p.Server + ", " + strconv.Itoa(p.Port)
		kv.add("password", p.Password)
		if err := surgeTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.add("sni", p.SNI)
	case model.ProtocolHysteria2:
		if p.Obfs != "" {
			return nil, unsupported("hysteria2 obfs " + p.Obfs)
		}
		head += "hysteria2, " + p.Server + ", " + strconv.Itoa(p.Port)
		kv.add("password", p.Password)
		kv.add("sni", p.SNI)
		kv.num("download-bandwidth", p.DownMbps)
	case model.ProtocolTUIC:
		head += "tuic-v5, " + p.Server + ", " + strconv.Itoa(p.Port)
		kv.add("password", p.Password)
		kv.add("uuid", p.UUID)
		kv.add("sni", p.SNI)
		if len(p.ALPN) > 0 {
			kv.add("alpn", p.ALPN[0])
		}
	default:
		return nil, unsupported("protocol " + string(p.Type))
	}

	kv.flag("skip-cert-verify", p.SkipCertVerify)
	kv.flag("udp-relay", p.UDP)
	if e.surge {
		kv.flag("tfo", p.TFO)
	}
	if err := kv.check(); err != nil {
		return nil, err
	}
	if len(kv) == 0 {
		return head, nil
	}
	return head + ", " + strings.Join(kv, ", "), nil
}

func surgeTransport(kv *params, p model.Proxy) error {
	switch p.Network {
	case "", "tcp":
		return nil
	case "ws":
		kv.flag("ws", true)
		kv.add("ws-path", p.Path)
		if p.Host != "" {
			kv.add("ws-headers", "Host:"+p.Host)
		}
		return nil
	}
	return unsupported("transport " + p.Network)
}

func (e surgeEmitter) blocks(proxies []any, groups []model.Group, rules []model.Rule) (Blocks, error) {
	if err := checkNames(e.title, groups, rules); err != nil {
		return Blocks{}, err
	}

	proxyLines := make([]string, 0, len(proxies)+2)
	proxyLines = append(proxyLines, "DIRECT = direct", "REJECT = reject")
	proxyLines = append(proxyLines, lines(proxies)...)

	groupLines := make([]string, 0, len(groups))
	for _, g := range groups {
		var b strings.Builder
		b.WriteString(g.Name)
		b.WriteString(" = ")
		b.WriteString(string(g.Type))
		for _, m := range g.Members {
			b.WriteString(", ")
			b.WriteString(m)
		}
		if g.Type.HealthChecked() {
			var kv params
			kv.add("url", g.TestURL)
			kv.num("interval", g.IntervalSec)
			if g.HasTolerance {
				kv = append(kv, "tolerance="+strconv.Itoa(g.ToleranceMS))
			}
			for _, s := range kv {
				b.WriteString(", ")
				b.WriteString(s)
			}
		}
		groupLines = append(groupLines, b.String())
	}

	ruleLines := make([]string, 0, len(rules))
	for _, r := range rules {
		ruleLines = append(ruleLines, lineRule(r, r.Action, true))
	}
	return joinBlocks(proxyLines, groupLines, ruleLines), nil
}
