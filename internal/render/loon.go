package render

import (
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

type loonEmitter struct{}

func (loonEmitter) proxy(p model.Proxy) (any, error) {
	fields := []string{"", p.Server, strconv.Itoa(p.Port)}
	var kv params

	switch p.Type {
	case model.ProtocolSS:
		fields[0] = "Shadowsocks"
		fields = append(fields, strings.ToLower(p.Cipher), strconv.Quote(p.Password))
		mode, host, err := obfsPlugin(p)
		if err != nil {
			return nil, err
		}
		kv.add("obfs-name", mode)
		kv.add("obfs-host", host)
	case model.ProtocolSSR:
		fields[0] = "ShadowsocksR"
		fields = append(fields, strings.ToLower(p.Cipher), strconv.Quote(p.Password))
		kv.add("protocol", p.SSRProtocol)
		kv.add("protocol-param", p.SSRProtocolParam)
		kv.add("obfs", p.Obfs)
		kv.add("obfs-param", p.ObfsParam)
	case model.ProtocolVMess:
		cipher := p.Cipher
		if cipher == "" {
			cipher = "auto"
		}
		fields[0] = "vmess"
		fields = append(fields, cipher, strconv.Quote(p.UUID))
		if err := loonTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.flag("over-tls", p.TLS)
		kv.add("sni", p.SNI)
		kv = append(kv, "alterId="+strconv.Itoa(p.AlterID))
	case model.ProtocolVLESS:
		if p.RealityPublicKey != "" {
			return nil, unsupported("vless reality")
		}
		fields[0] = "VLESS"
		fields = append(fields, strconv.Quote(p.UUID))
		if err := loonTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.flag("over-tls", p.TLS)
		kv.add("sni", p.SNI)
		kv.add("flow", p.Flow)
	case model.ProtocolTrojan:
		fields[0] = "trojan"
		fields = append(fields, strconv.Quote(p.Password))
		if err := loonTransport(&kv, p); err != nil {
			return nil, err
		}
		kv.flag("over-tls", true)
		kv.add("sni", p.SNI)
	case model.ProtocolHysteria2:
		fields[0] = "Hysteria2"
		fields = append(fields, strconv.Quote(p.Password))
		kv.add("sni", p.SNI)
		if p.Obfs == "salamander" {
			kv.add("salamander-password", p.ObfsParam)
		} else if p.Obfs != "" {
			return nil, unsupported("hysteria2 obfs " + p.Obfs)
		}
	default:
		return nil, unsupported("protocol " + string(p.Type))
	}

	kv.flag("skip-cert-verify", p.SkipCertVerify)
	kv.flag("fast-open", p.TFO)
	kv.flag("udp", p.UDP)
	if err := kv.check(); err != nil {
		return nil, err
	}

	line := p.Name + " = " + strings.Join(append(fields, kv...), ",")
	return line, nil
}

func loonTransport(kv *params, p model.Proxy) error {
	switch p.Network {
	case "", "tcp":
		kv.add("transport", "tcp")
		return nil
	case "ws":
		kv.add("transport", "ws")
		kv.add("path", p.Path)
		kv.add("host", p.Host)
		return nil
	case "h2":
		kv.add("transport", "http")
		kv.add("path", p.Path)
		kv.add("host", p.Host)
		return nil
	}
	return unsupported("transport " + p.Network)
}

func (loonEmitter) blocks(proxies []any, groups []model.Group, rules []model.Rule) (Blocks, error) {
	if err := checkNames("Loon", groups, rules); err != nil {
		return Blocks{}, err
	}

	groupLines := make([]string, 0, len(groups))
	for _, g := range groups {
		parts := append([]string{string(g.Type)}, g.Members...)
		if g.Type.HealthChecked() {
			var kv params
			kv.add("url", g.TestURL)
			kv.num("interval", g.IntervalSec)
			if g.HasTolerance {
				kv = append(kv, "tolerance="+strconv.Itoa(g.ToleranceMS))
			}
			parts = append(parts, kv...)
		}
		groupLines = append(groupLines, g.Name+" = "+strings.Join(parts, ","))
	}

	ruleLines := make([]string, 0, len(rules))
	for _, r := range rules {
		ruleLines = append(ruleLines, lineRule(r, r.Action, true))
	}
	return joinBlocks(lines(proxies), groupLines, ruleLines), nil
}
