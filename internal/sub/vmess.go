package sub

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// flexString accepts JSON strings, numbers and booleans; providers disagree
// on whether port and aid are quoted.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

type vmessJSON struct {
	V    flexString `json:"v"`
	Ps   flexString `json:"ps"`
	Add  flexString `json:"add"`
	Port flexString `json:"port"`
	ID   flexString `json:"id"`
	Aid  flexString `json:"aid"`
	Scy  flexString `json:"scy"`
	Net  flexString `json:"net"`
	Type flexString `json:"type"`
	Host flexString `json:"host"`
	Path flexString `json:"path"`
	TLS  flexString `json:"tls"`
	SNI  flexString `json:"sni"`
	ALPN flexString `json:"alpn"`
	FP   flexString `json:"fp"`
}

// decodeVMess accepts the v2rayN base64 JSON form and falls back to the
// URL form vmess://host:port?id=..&net=..#name.
func decodeVMess(body string) (model.Proxy, error) {
	encoded, _, _ := strings.Cut(strings.TrimSpace(body), "#")
	if payload, err := decodeB64ToBytes(encoded); err == nil {
		var node vmessJSON
		if jerr := json.Unmarshal(payload, &node); jerr == nil {
			return vmessFromJSON(node)
		}
	}
	return vmessFromURL(body)
}

func vmessFromJSON(node vmessJSON) (model.Proxy, error) {
	server := strings.TrimSpace(string(node.Add))
	port, err := parsePort(string(node.Port))
	if err != nil {
		return model.Proxy{}, fail("vmess 端口不合法", "", err)
	}
	aid := 0
	if s := strings.TrimSpace(string(node.Aid)); s != "" {
		if aid, err = strconv.Atoi(s); err != nil {
			return model.Proxy{}, fail("vmess aid 不合法", "", err)
		}
	}
	name := strings.TrimSpace(string(node.Ps))
	if strings.ContainsAny(name, "\r\n\x00") {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", nil)
	}

	p := model.Proxy{
		Name:        name,
		Server:      server,
		Port:        port,
		UUID:        strings.TrimSpace(string(node.ID)),
		AlterID:     aid,
		Cipher:      firstNonEmpty(string(node.Scy), "auto"),
		Network:     normalizeNetwork(string(node.Net)),
		Host:        strings.TrimSpace(string(node.Host)),
		Path:        strings.TrimSpace(string(node.Path)),
		TLS:         strings.EqualFold(strings.TrimSpace(string(node.TLS)), "tls"),
		SNI:         strings.TrimSpace(string(node.SNI)),
		ALPN:        splitList(string(node.ALPN)),
		Fingerprint: strings.TrimSpace(string(node.FP)),
	}
	return p, nil
}

func vmessFromURL(body string) (model.Proxy, error) {
	withoutFrag, name, err := splitName(body)
	if err != nil {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", err)
	}
	u, err := url.Parse("vmess://" + withoutFrag)
	if err != nil || u.Host == "" {
		return model.Proxy{}, fail("vmess 既不是 base64 JSON 也不是 URL 形式", "", err)
	}
	server, port, err := urlHostPort(u, 443)
	if err != nil {
		return model.Proxy{}, fail("服务器地址或端口不合法", "", err)
	}
	q := u.Query()
	uuid := firstNonEmpty(q.Get("id"), q.Get("uuid"))
	if uuid == "" && u.User != nil {
		uuid = u.User.Username()
	}
	aid, _ := strconv.Atoi(firstNonEmpty(q.Get("aid"), q.Get("alterId"), "0"))
	security := firstNonEmpty(q.Get("tls"), q.Get("security"))

	return model.Proxy{
		Name:           name,
		Server:         server,
		Port:           port,
		UUID:           uuid,
		AlterID:        aid,
		Cipher:         firstNonEmpty(q.Get("scy"), q.Get("encryption"), "auto"),
		Network:        normalizeNetwork(firstNonEmpty(q.Get("net"), q.Get("network"), q.Get("type"))),
		Host:           q.Get("host"),
		Path:           firstNonEmpty(q.Get("path"), q.Get("serviceName")),
		TLS:            strings.EqualFold(security, "tls") || parseBool(security),
		SNI:            firstNonEmpty(q.Get("sni"), q.Get("peer")),
		SkipCertVerify: parseBool(firstNonEmpty(q.Get("allowInsecure"), q.Get("insecure"))),
		ALPN:           splitList(q.Get("alpn")),
		Fingerprint:    q.Get("fp"),
	}, nil
}

// normalizeNetwork maps transport names onto tcp/ws/h2/grpc/quic; unknown or
// "none" headers collapse to tcp.
func normalizeNetwork(n string) string {
	switch strings.ToLower(strings.TrimSpace(n)) {
	case "ws", "websocket":
		return "ws"
	case "h2", "http":
		return "h2"
	case "grpc", "gun":
		return "grpc"
	case "quic":
		return "quic"
	default:
		return "tcp"
	}
}
