package render

import (
	"bytes"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/model"
)

// Field names follow the Clash.Meta (mihomo) proxy documentation.
type clashProxy struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Server string `yaml:"server"`
	Port   int    `yaml:"port"`

	Cipher   string `yaml:"cipher,omitempty"`
	Password string `yaml:"password,omitempty"`
	UUID     string `yaml:"uuid,omitempty"`
	AlterID  *int   `yaml:"alterId,omitempty"`
	Flow     string `yaml:"flow,omitempty"`

	Plugin     string            `yaml:"plugin,omitempty"`
	PluginOpts map[string]string `yaml:"plugin-opts,omitempty"`

	Protocol      string `yaml:"protocol,omitempty"`
	ProtocolParam string `yaml:"protocol-param,omitempty"`
	Obfs          string `yaml:"obfs,omitempty"`
	ObfsParam     string `yaml:"obfs-param,omitempty"`
	ObfsPassword  string `yaml:"obfs-password,omitempty"`

	AuthStr string `yaml:"auth-str,omitempty"`
	Up      string `yaml:"up,omitempty"`
	Down    string `yaml:"down,omitempty"`

	CongestionController string `yaml:"congestion-controller,omitempty"`
	UDPRelayMode         string `yaml:"udp-relay-mode,omitempty"`

	PrivateKey   string   `yaml:"private-key,omitempty"`
	PublicKey    string   `yaml:"public-key,omitempty"`
	PreSharedKey string   `yaml:"pre-shared-key,omitempty"`
	IP           string   `yaml:"ip,omitempty"`
	IPv6         string   `yaml:"ipv6,omitempty"`
	MTU          int      `yaml:"mtu,omitempty"`
	DNS          []string `yaml:"dns,omitempty"`

	Network    string   `yaml:"network,omitempty"`
	TLS        bool     `yaml:"tls,omitempty"`
	SNI        string   `yaml:"sni,omitempty"`
	ServerName string   `yaml:"servername,omitempty"`
	ALPN       []string `yaml:"alpn,omitempty"`

	ClientFingerprint string        `yaml:"client-fingerprint,omitempty"`
	RealityOpts       *clashReality `yaml:"reality-opts,omitempty"`
	WSOpts            *clashWS      `yaml:"ws-opts,omitempty"`
	H2Opts            *clashH2      `yaml:"h2-opts,omitempty"`
	GRPCOpts          *clashGRPC    `yaml:"grpc-opts,omitempty"`

	SkipCertVerify bool `yaml:"skip-cert-verify,omitempty"`
	UDP            bool `yaml:"udp,omitempty"`
	TFO            bool `yaml:"tfo,omitempty"`
}

type clashReality struct {
	PublicKey string `yaml:"public-key"`
	ShortID   string `yaml:"short-id,omitempty"`
}

type clashWS struct {
	Path    string            `yaml:"path,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
}

type clashH2 struct {
	Host []string `yaml:"host,omitempty"`
	Path string   `yaml:"path,omitempty"`
}

type clashGRPC struct {
	ServiceName string `yaml:"grpc-service-name,omitempty"`
}

type clashGroup struct {
	Name      string   `yaml:"name"`
	Type      string   `yaml:"type"`
	Proxies   []string `yaml:"proxies"`
	URL       string   `yaml:"url,omitempty"`
	Interval  int      `yaml:"interval,omitempty"`
	Tolerance *int     `yaml:"tolerance,omitempty"`
	Strategy  string   `yaml:"strategy,omitempty"`
}

type clashEmitter struct{}

func (clashEmitter) proxy(p model.Proxy) (any, error) {
	cp := clashProxy{
		Name:           p.Name,
		Type:           string(p.Type),
		Server:         p.Server,
		Port:           p.Port,
		SkipCertVerify: p.SkipCertVerify,
		UDP:            p.UDP,
		TFO:            p.TFO,
	}

	switch p.Type {
	case model.ProtocolSS:
		cp.Cipher = strings.ToLower(p.Cipher)
		cp.Password = p.Password
		if err := clashSSPlugin(&cp, p); err != nil {
			return nil, err
		}
	case model.ProtocolSSR:
		cp.Cipher = strings.ToLower(p.Cipher)
		cp.Password = p.Password
		cp.Protocol = p.SSRProtocol
		cp.ProtocolParam = p.SSRProtocolParam
		cp.Obfs = p.Obfs
		cp.ObfsParam = p.ObfsParam
	case model.ProtocolVMess:
		aid := p.AlterID
		cp.UUID = p.UUID
		cp.AlterID = &aid
		cp.Cipher = p.Cipher
		if cp.Cipher == "" {
			cp.Cipher = "auto"
		}
		cp.TLS = p.TLS
		cp.ServerName = p.SNI
		clashTransport(&cp, p)
	case model.ProtocolVLESS:
		cp.UUID = p.UUID
		cp.Flow = p.Flow
		cp.TLS = p.TLS || p.RealityPublicKey != ""
		cp.ServerName = p.SNI
		cp.ClientFingerprint = p.Fingerprint
		if p.RealityPublicKey != "" {
			cp.RealityOpts = &clashReality{PublicKey: p.RealityPublicKey, ShortID: p.RealityShortID}
		}
		clashTransport(&cp, p)
	case model.ProtocolTrojan:
		cp.Password = p.Password
		cp.SNI = p.SNI
		cp.ALPN = p.ALPN
		clashTransport(&cp, p)
	case model.ProtocolHysteria:
		cp.AuthStr = p.Auth
		if p.UpMbps > 0 {
			cp.Up = strconv.Itoa(p.UpMbps)
		}
		if p.DownMbps > 0 {
			cp.Down = strconv.Itoa(p.DownMbps)
		}
		cp.Obfs = p.Obfs
		cp.SNI = p.SNI
		cp.ALPN = p.ALPN
	case model.ProtocolHysteria2:
		cp.Password = p.Password
		cp.Obfs = p.Obfs
		cp.ObfsPassword = p.ObfsParam
		cp.SNI = p.SNI
		cp.ALPN = p.ALPN
	case model.ProtocolTUIC:
		cp.UUID = p.UUID
		cp.Password = p.Password
		cp.CongestionController = p.CongestionControl
		cp.UDPRelayMode = p.UDPRelayMode
		cp.SNI = p.SNI
		cp.ALPN = p.ALPN
	case model.ProtocolWireGuard:
		cp.PrivateKey = p.PrivateKey
		cp.PublicKey = p.PublicKey
		cp.PreSharedKey = p.PresharedKey
		for _, a := range p.Address {
			ip := a
			if i := strings.IndexByte(ip, '/'); i >= 0 {
				ip = ip[:i]
			}
			if strings.Contains(ip, ":") {
				if cp.IPv6 == "" {
					cp.IPv6 = ip
				}
			} else if cp.IP == "" {
				cp.IP = ip
			}
		}
		cp.MTU = p.MTU
		cp.DNS = p.DNS
	default:
		return nil, unsupported("protocol " + string(p.Type))
	}
	return cp, nil
}

func clashSSPlugin(cp *clashProxy, p model.Proxy) error {
	switch p.PluginName {
	case "":
		return nil
	case "v2ray-plugin":
		opts := make(map[string]string)
		for _, kv := range p.PluginOpts {
			switch kv.Key {
			case "mode", "host", "path":
				opts[kv.Key] = kv.Value
			case "tls":
				opts["tls"] = "true"
			}
		}
		if opts["mode"] == "" {
			opts["mode"] = "websocket"
		}
		cp.Plugin = "v2ray-plugin"
		cp.PluginOpts = opts
		return nil
	}
	mode, host, err := obfsPlugin(p)
	if err != nil {
		return err
	}
	cp.Plugin = "obfs"
	cp.PluginOpts = map[string]string{"mode": mode}
	if host != "" {
		cp.PluginOpts["host"] = host
	}
	return nil
}

func clashTransport(cp *clashProxy, p model.Proxy) {
	switch p.Network {
	case "ws":
		cp.Network = "ws"
		ws := &clashWS{Path: p.Path}
		if p.Host != "" {
			ws.Headers = map[string]string{"Host": p.Host}
		}
		cp.WSOpts = ws
	case "h2":
		cp.Network = "h2"
		h2 := &clashH2{Path: p.Path}
		if p.Host != "" {
			h2.Host = []string{p.Host}
		}
		cp.H2Opts = h2
	case "grpc":
		cp.Network = "grpc"
		cp.GRPCOpts = &clashGRPC{ServiceName: p.Path}
	}
}

func (clashEmitter) blocks(proxies []any, groups []model.Group, rules []model.Rule) (Blocks, error) {
	var b Blocks
	var err error
	if b.Proxies, err = clashList(proxies); err != nil {
		return Blocks{}, err
	}

	gs := make([]clashGroup, 0, len(groups))
	for _, g := range groups {
		cg := clashGroup{Name: g.Name, Type: string(g.Type), Proxies: g.Members}
		if g.Type.HealthChecked() {
			cg.URL = g.TestURL
			cg.Interval = g.IntervalSec
			if g.HasTolerance {
				tol := g.ToleranceMS
				cg.Tolerance = &tol
			}
			if g.Type == model.GroupLoadBalance {
				cg.Strategy = g.Strategy
			}
		}
		gs = append(gs, cg)
	}
	if b.Groups, err = clashList(gs); err != nil {
		return Blocks{}, err
	}

	rs := make([]string, 0, len(rules))
	for _, r := range rules {
		rs = append(rs, compiler.RuleString(r))
	}
	if b.Rules, err = clashList(rs); err != nil {
		return Blocks{}, err
	}
	return b, nil
}

// clashList encodes v as a block sequence without the trailing newline, so
// it can be indented under an anchor line.
func clashList(v any) (string, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return "", &RenderError{
			AppError: model.AppError{
				Code:    model.CodeInternal,
				Message: "Clash YAML 编码失败",
				Stage:   "render_clash",
			},
			Cause: err,
		}
	}
	if err := enc.Close(); err != nil {
		return "", &RenderError{
			AppError: model.AppError{
				Code:    model.CodeInternal,
				Message: "Clash YAML 编码失败",
				Stage:   "render_clash",
			},
			Cause: err,
		}
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
