package sub

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/model"
)

// looksLikeClashYAML reports whether s has a top-level "proxies:" key.
func looksLikeClashYAML(s string) bool {
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimRight(line, "\r \t"), "proxies:") {
			return true
		}
	}
	return false
}

// yamlInt accepts 443 and "443".
type yamlInt int

func (v *yamlInt) UnmarshalYAML(n *yaml.Node) error {
	s := strings.TrimSpace(n.Value)
	if s == "" {
		*v = 0
		return nil
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("line %d: %q is not an integer", n.Line, n.Value)
	}
	*v = yamlInt(i)
	return nil
}

type clashProxy struct {
	Name   string  `yaml:"name"`
	Type   string  `yaml:"type"`
	Server string  `yaml:"server"`
	Port   yamlInt `yaml:"port"`

	Cipher     string         `yaml:"cipher"`
	Password   string         `yaml:"password"`
	Plugin     string         `yaml:"plugin"`
	PluginOpts map[string]any `yaml:"plugin-opts"`

	Protocol      string `yaml:"protocol"`
	ProtocolParam string `yaml:"protocol-param"`
	Obfs          string `yaml:"obfs"`
	ObfsParam     string `yaml:"obfs-param"`
	ObfsPassword  string `yaml:"obfs-password"`

	UUID    string  `yaml:"uuid"`
	AlterID yamlInt `yaml:"alterId"`
	Flow    string  `yaml:"flow"`

	Network        string   `yaml:"network"`
	TLS            bool     `yaml:"tls"`
	SNI            string   `yaml:"sni"`
	ServerName     string   `yaml:"servername"`
	SkipCertVerify bool     `yaml:"skip-cert-verify"`
	ALPN           []string `yaml:"alpn"`
	Fingerprint    string   `yaml:"client-fingerprint"`
	UDP            bool     `yaml:"udp"`
	TFO            bool     `yaml:"tfo"`

	WSOpts struct {
		Path    string            `yaml:"path"`
		Headers map[string]string `yaml:"headers"`
	} `yaml:"ws-opts"`
	H2Opts struct {
		Path string   `yaml:"path"`
		Host []string `yaml:"host"`
	} `yaml:"h2-opts"`
	GRPCOpts struct {
		ServiceName string `yaml:"grpc-service-name"`
	} `yaml:"grpc-opts"`
	RealityOpts struct {
		PublicKey string `yaml:"public-key"`
		ShortID   string `yaml:"short-id"`
	} `yaml:"reality-opts"`

	Auth    string `yaml:"auth"`
	AuthStr string `yaml:"auth-str"`
	AuthOld string `yaml:"auth_str"`
	Up      string `yaml:"up"`
	Down    string `yaml:"down"`

	CongestionController string `yaml:"congestion-controller"`
	UDPRelayMode         string `yaml:"udp-relay-mode"`

	PrivateKey   string   `yaml:"private-key"`
	PublicKey    string   `yaml:"public-key"`
	PresharedKey string   `yaml:"pre-shared-key"`
	IP           string   `yaml:"ip"`
	IPv6         string   `yaml:"ipv6"`
	MTU          yamlInt  `yaml:"mtu"`
	DNS          []string `yaml:"dns"`
}

var clashTypes = map[string]model.Protocol{
	"ss":        model.ProtocolSS,
	"ssr":       model.ProtocolSSR,
	"vmess":     model.ProtocolVMess,
	"vless":     model.ProtocolVLESS,
	"trojan":    model.ProtocolTrojan,
	"hysteria":  model.ProtocolHysteria,
	"hysteria2": model.ProtocolHysteria2,
	"hy2":       model.ProtocolHysteria2,
	"tuic":      model.ProtocolTUIC,
	"wireguard": model.ProtocolWireGuard,
}

// parseClashYAML decodes the proxies list entry by entry so one malformed
// entry only costs a warning.
func parseClashYAML(sourceURL, s string) (Result, error) {
	var doc struct {
		Proxies []yaml.Node `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(s), &doc); err != nil {
		return Result{}, newParseError(sourceURL, 0, "", "Clash YAML 解析失败", "", err)
	}

	res := Result{Proxies: make([]model.Proxy, 0, len(doc.Proxies))}
	for i := range doc.Proxies {
		n := &doc.Proxies[i]
		var cp clashProxy
		if err := n.Decode(&cp); err != nil {
			res.Warnings = append(res.Warnings, entryWarning(sourceURL, n.Line, "", fail("proxies 条目格式不合法", "", err)))
			continue
		}
		p, err := cp.toProxy()
		if err != nil {
			res.Warnings = append(res.Warnings, entryWarning(sourceURL, n.Line, cp.Type+": "+cp.Name, err))
			continue
		}
		res.Proxies = append(res.Proxies, p)
	}
	return res, nil
}

func entryWarning(sourceURL string, line int, snippet string, err *ParseError) model.AppError {
	ae := err.AppError
	ae.URL = sourceURL
	ae.Line = line
	ae.Snippet = truncateSnippet(snippet)
	return ae
}

func (cp clashProxy) toProxy() (model.Proxy, *ParseError) {
	proto, ok := clashTypes[strings.ToLower(strings.TrimSpace(cp.Type))]
	if !ok {
		return model.Proxy{}, fail("不支持的协议："+truncate(cp.Type, 32), "", nil)
	}
	if strings.ContainsAny(cp.Name, "\r\n\x00") {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", nil)
	}

	p := model.Proxy{
		Type:           proto,
		Name:           strings.TrimSpace(cp.Name),
		Server:         strings.TrimSpace(cp.Server),
		Port:           int(cp.Port),
		Cipher:         strings.ToLower(cp.Cipher),
		Password:       cp.Password,
		UUID:           cp.UUID,
		AlterID:        int(cp.AlterID),
		Flow:           cp.Flow,
		TLS:            cp.TLS,
		SNI:            firstNonEmpty(cp.SNI, cp.ServerName),
		SkipCertVerify: cp.SkipCertVerify,
		ALPN:           cp.ALPN,
		Fingerprint:    cp.Fingerprint,
		UDP:            cp.UDP,
		TFO:            cp.TFO,
	}

	switch proto {
	case model.ProtocolSS:
		if cp.Plugin != "" {
			p.PluginName, p.PluginOpts = clashPlugin(cp.Plugin, cp.PluginOpts)
		}
	case model.ProtocolSSR:
		p.SSRProtocol = cp.Protocol
		p.SSRProtocolParam = cp.ProtocolParam
		p.Obfs = cp.Obfs
		p.ObfsParam = cp.ObfsParam
	case model.ProtocolVMess, model.ProtocolVLESS, model.ProtocolTrojan:
		if proto == model.ProtocolVMess {
			p.Cipher = firstNonEmpty(p.Cipher, "auto")
		}
		if proto == model.ProtocolTrojan {
			p.TLS = true
		}
		p.Network = normalizeNetwork(cp.Network)
		switch p.Network {
		case "ws":
			p.Path = cp.WSOpts.Path
			p.Host = cp.WSOpts.Headers["Host"]
		case "h2":
			p.Path = cp.H2Opts.Path
			if len(cp.H2Opts.Host) > 0 {
				p.Host = cp.H2Opts.Host[0]
			}
		case "grpc":
			p.Path = cp.GRPCOpts.ServiceName
		}
		p.RealityPublicKey = cp.RealityOpts.PublicKey
		p.RealityShortID = cp.RealityOpts.ShortID
	case model.ProtocolHysteria:
		p.Auth = firstNonEmpty(cp.AuthStr, cp.AuthOld, cp.Auth)
		p.UpMbps = leadingInt(cp.Up)
		p.DownMbps = leadingInt(cp.Down)
		p.Obfs = cp.Obfs
		p.TLS = true
	case model.ProtocolHysteria2:
		p.Password = firstNonEmpty(cp.Password, cp.Auth)
		p.Obfs = cp.Obfs
		p.ObfsParam = cp.ObfsPassword
		p.UpMbps = leadingInt(cp.Up)
		p.DownMbps = leadingInt(cp.Down)
		p.TLS = true
	case model.ProtocolTUIC:
		p.CongestionControl = cp.CongestionController
		p.UDPRelayMode = cp.UDPRelayMode
		p.TLS = true
	case model.ProtocolWireGuard:
		p.PrivateKey = cp.PrivateKey
		p.PublicKey = cp.PublicKey
		p.PresharedKey = cp.PresharedKey
		for _, a := range []string{cp.IP, cp.IPv6} {
			if a != "" {
				p.Address = append(p.Address, a)
			}
		}
		p.MTU = int(cp.MTU)
		p.DNS = cp.DNS
	}

	if err := p.Validate(); err != nil {
		return model.Proxy{}, fail("节点缺少必填字段", "", err)
	}
	return p, nil
}

// clashPlugin maps clash plugin/plugin-opts onto SIP002 names, keeping
// options in a stable key order.
func clashPlugin(plugin string, m map[string]any) (string, []model.KV) {
	obfs := plugin == "obfs"
	if obfs {
		plugin = "simple-obfs"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]model.KV, 0, len(keys))
	for _, k := range keys {
		key := k
		if obfs {
			switch k {
			case "mode":
				key = "obfs"
			case "host":
				key = "obfs-host"
			}
		}
		out = append(out, model.KV{Key: key, Value: fmt.Sprint(m[k])})
	}
	return plugin, out
}
