package render

import (
	"sort"

	"github.com/guancn/clashsubsys/internal/model"
)

type dialect struct {
	title      string
	protocols  map[model.Protocol]bool
	groupKinds map[model.GroupType]string
	ruleKinds  map[string]string // canonical type -> dialect spelling
	udp        bool
	tfo        bool
	scv        bool
	emit       emitter
}

func protocolSet(ps ...model.Protocol) map[model.Protocol]bool {
	m := make(map[model.Protocol]bool, len(ps))
	for _, p := range ps {
		m[p] = true
	}
	return m
}

func identity(types ...string) map[string]string {
	m := make(map[string]string, len(types))
	for _, t := range types {
		m[t] = t
	}
	return m
}

var surgeGroupKinds = map[model.GroupType]string{
	model.GroupSelect:      "select",
	model.GroupURLTest:     "url-test",
	model.GroupFallback:    "fallback",
	model.GroupLoadBalance: "load-balance",
}

var quanxGroupKinds = map[model.GroupType]string{
	model.GroupSelect:      "static",
	model.GroupURLTest:     "url-latency-benchmark",
	model.GroupFallback:    "available",
	model.GroupLoadBalance: "round-robin",
}

var dialects = map[model.Target]*dialect{
	model.TargetClash: {
		title:      "Clash",
		protocols:  protocolSet(model.Protocols...),
		groupKinds: surgeGroupKinds,
		ruleKinds: identity("DOMAIN", "DOMAIN-SUFFIX", "DOMAIN-KEYWORD", "GEOIP", "IP-CIDR", "IP-CIDR6",
			"SRC-IP-CIDR", "DST-PORT", "SRC-PORT", "PROCESS-NAME", "MATCH"),
		udp:  true,
		tfo:  true,
		scv:  true,
		emit: clashEmitter{},
	},
	model.TargetSurge: {
		title:      "Surge",
		protocols:  protocolSet(model.ProtocolSS, model.ProtocolVMess, model.ProtocolTrojan, model.ProtocolHysteria2, model.ProtocolTUIC),
		groupKinds: surgeGroupKinds,
		ruleKinds: map[string]string{
			"DOMAIN": "DOMAIN", "DOMAIN-SUFFIX": "DOMAIN-SUFFIX", "DOMAIN-KEYWORD": "DOMAIN-KEYWORD",
			"GEOIP": "GEOIP", "IP-CIDR": "IP-CIDR", "IP-CIDR6": "IP-CIDR6",
			"SRC-IP-CIDR": "SRC-IP", "DST-PORT": "DEST-PORT", "SRC-PORT": "SRC-PORT",
			"PROCESS-NAME": "PROCESS-NAME", "URL-REGEX": "URL-REGEX", "USER-AGENT": "USER-AGENT",
			"MATCH": "FINAL",
		},
		udp:  true,
		tfo:  true,
		scv:  true,
		emit: surgeEmitter{title: "Surge", surge: true},
	},
	model.TargetSurfboard: {
		title:      "Surfboard",
		protocols:  protocolSet(model.ProtocolSS, model.ProtocolVMess, model.ProtocolTrojan),
		groupKinds: surgeGroupKinds,
		ruleKinds: map[string]string{
			"DOMAIN": "DOMAIN", "DOMAIN-SUFFIX": "DOMAIN-SUFFIX", "DOMAIN-KEYWORD": "DOMAIN-KEYWORD",
			"GEOIP": "GEOIP", "IP-CIDR": "IP-CIDR", "IP-CIDR6": "IP-CIDR6",
			"SRC-IP-CIDR": "SRC-IP", "DST-PORT": "DEST-PORT",
			"MATCH": "FINAL",
		},
		udp:  true,
		tfo:  false,
		scv:  true,
		emit: surgeEmitter{title: "Surfboard"},
	},
	model.TargetLoon: {
		title:      "Loon",
		protocols:  protocolSet(model.ProtocolSS, model.ProtocolSSR, model.ProtocolVMess, model.ProtocolVLESS, model.ProtocolTrojan, model.ProtocolHysteria2),
		groupKinds: surgeGroupKinds,
		ruleKinds: map[string]string{
			"DOMAIN": "DOMAIN", "DOMAIN-SUFFIX": "DOMAIN-SUFFIX", "DOMAIN-KEYWORD": "DOMAIN-KEYWORD",
			"GEOIP": "GEOIP", "IP-CIDR": "IP-CIDR", "IP-CIDR6": "IP-CIDR6",
			"SRC-IP-CIDR": "SRC-IP-CIDR", "DST-PORT": "DEST-PORT", "SRC-PORT": "SRC-PORT",
			"URL-REGEX": "URL-REGEX", "USER-AGENT": "USER-AGENT",
			"MATCH": "FINAL",
		},
		udp:  true,
		tfo:  true,
		scv:  true,
		emit: loonEmitter{},
	},
	model.TargetQuanX: {
		title:      "Quantumult X",
		protocols:  protocolSet(model.ProtocolSS, model.ProtocolSSR, model.ProtocolVMess, model.ProtocolVLESS, model.ProtocolTrojan),
		groupKinds: quanxGroupKinds,
		ruleKinds: map[string]string{
			"DOMAIN": "HOST", "DOMAIN-SUFFIX": "HOST-SUFFIX", "DOMAIN-KEYWORD": "HOST-KEYWORD",
			"GEOIP": "GEOIP", "IP-CIDR": "IP-CIDR", "IP-CIDR6": "IP6-CIDR",
			"USER-AGENT": "USER-AGENT",
			"MATCH": "FINAL",
		},
		udp:  true,
		tfo:  true,
		scv:  true,
		emit: quanxEmitter{},
	},
}

// Capability describes what one target can express.
type Capability struct {
	Target     model.Target      `json:"target"`
	Name       string            `json:"name"`
	Protocols  []model.Protocol  `json:"protocols"`
	GroupTypes []model.GroupType `json:"group_types"`
	RuleTypes  []string          `json:"rule_types"`
	Flags      []string          `json:"flags"`
}

// Capabilities lists every target in model.Targets order.
func Capabilities() []Capability {
	out := make([]Capability, 0, len(model.Targets))
	for _, t := range model.Targets {
		d := dialects[t]
		c := Capability{Target: t, Name: d.title}
		for _, p := range model.Protocols {
			if d.protocols[p] {
				c.Protocols = append(c.Protocols, p)
			}
		}
		for _, g := range model.GroupTypes {
			if _, ok := d.groupKinds[g]; ok {
				c.GroupTypes = append(c.GroupTypes, g)
			}
		}
		for k := range d.ruleKinds {
			c.RuleTypes = append(c.RuleTypes, k)
		}
		sort.Strings(c.RuleTypes)
		c.Flags = []string{"emoji", "sort", "fdn"}
		if d.udp {
			c.Flags = append(c.Flags, "udp")
		}
		if d.tfo {
			c.Flags = append(c.Flags, "tfo")
		}
		if d.scv {
			c.Flags = append(c.Flags, "scv")
		}
		out = append(out, c)
	}
	return out
}

// Supports reports whether target can express protocol p.
func Supports(target model.Target, p model.Protocol) bool {
	d, ok := dialects[target]
	return ok && d.protocols[p]
}
