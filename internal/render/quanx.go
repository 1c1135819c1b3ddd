package render

import (
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

type quanxEmitter struct{}

// quanxPolicy spells the builtin policies the way Quantumult X expects them.
func quanxPolicy(name string) string {
	switch name {
	case model.ActionDirect:
		return "direct"
	case model.ActionReject:
		return "reject"
	}
	return name
}

func (quanxEmitter) proxy(p model.Proxy) (any, error) {
	addr := p.Server + ":" + strconv.Itoa(p.Port)
	if strings.Contains(p.Server, ":") {
		addr = "[" + p.Server + "]:" + strconv.Itoa(p.Port)
	}
	var kv params

	switch p.Type {
	case model.ProtocolSS:
		kv = append(kv, "shadowsocks="+addr)
		kv.add("method", strings.ToLower(p.Cipher))
		kv.add("password", p.Password)
		mode, host, err := obfsPlugin(p)
		if err != nil {
			return nil, err
		}
		kv.add("obfs", mode)
		kv.add("obfs-host", host)
	case model.ProtocolSSR:
		kv = append(kv, "shadowsocks="+addr)
		kv.add("method", strings.ToLower(p.Cipher))
		kv.add("password", p.Password)
		kv.add("ssr-protocol", p.SSRProtocol)
		kv.add("ssr-protocol-param", p.SSRProtocolParam)
		kv.add("obfs", p.Obfs)
		kv.add("obfs-host", p.ObfsParam)
	case model.ProtocolVMess:
		method := p.Cipher
		if method == "" || method == "auto" {
			method = "chacha20-poly1305"
		}
		kv = append(kv, "vmess="+addr)
		kv.add("method", method)
		kv.add("password", p.UUID)
		if err := quanxTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.flag("aead", p.AlterID == 0)
	case model.ProtocolVLESS:
		if p.RealityPublicKey != "" {
			return nil, unsupported("vless reality")
		}
		kv = append(kv, "vless="+addr)
		kv.add("method", "none")
		kv.add("password", p.UUID)
		if err := quanxTransport(&kv, p); err != nil {
			return nil, err
		}
	case model.ProtocolTrojan:
		kv = append(kv, "trojan="+addr)
		kv.add("password", p.Password)
		if p.Network == "ws" {
			if err := quanxTransport(&kv, model.Proxy{Network: "ws", TLS: true, Host: p.Host, Path: p.Path, SNI: p.SNI}); err != nil {
				return nil, err
			}
		} else if p.Network == "" || p.Network == "tcp" {
			kv.flag("over-tls", true)
			kv.add("tls-host", p.SNI)
		} else {
			return nil, unsupported("transport " + p.Network)
		}
	default:
		return nil, unsupported("protocol " + string(p.Type))
	}

	if p.SkipCertVerify {
		kv = append(kv, "tls-verification=false")
	}
	kv.flag("fast-open", p.TFO)
	kv.flag("udp-relay", p.UDP)
	kv = append(kv, "tag="+p.Name)
	if err := kv.check(); err != nil {
		return nil, err
	}
	return strings.Join(kv, ", "), nil
}

func quanxTransport(kv *params, p model.Proxy) error {
	switch p.Network {
	case "", "tcp":
		if p.TLS {
			kv.add("obfs", "over-tls")
			kv.add("obfs-host", p.SNI)
		}
		return nil
	case "ws":
		if p.TLS {
			kv.add("obfs", "wss")
		} else {
			kv.add("obfs", "ws")
		}
		host := p.Host
		if host == "" {
			host = p.SNI
		}
		kv.add("obfs-host", host)
		kv.add("obfs-uri", p.Path)
		return nil
	}
	return unsupported("transport " + p.Network)
}

func (quanxEmitter) blocks(proxies []any, groups []model.Group, rules []model.Rule) (Blocks, error) {
	if err := checkNames("Quantumult X", groups, rules); err != nil {
		return Blocks{}, err
	}

	groupLines := make([]string, 0, len(groups))
	for _, g := range groups {
		parts := []string{quanxGroupKinds[g.Type] + "=" + g.Name}
		for _, m := range g.Members {
			parts = append(parts, quanxPolicy(m))
		}
		switch g.Type {
		case model.GroupURLTest:
			var kv params
			kv.num("check-interval", g.IntervalSec)
			if g.HasTolerance {
				kv = append(kv, "tolerance="+strconv.Itoa(g.ToleranceMS))
			}
			parts = append(parts, kv...)
		case model.GroupFallback:
			var kv params
			kv.num("check-interval", g.IntervalSec)
			parts = append(parts, kv...)
		}
		groupLines = append(groupLines, strings.Join(parts, ", "))
	}

	ruleLines := make([]string, 0, len(rules))
	for _, r := range rules {
		ruleLines = append(ruleLines, lineRule(r, quanxPolicy(r.Action), false))
	}
	return joinBlocks(lines(proxies), groupLines, ruleLines), nil
}
