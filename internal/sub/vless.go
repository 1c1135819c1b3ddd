package sub

import (
	"net/url"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// parseUserURL parses scheme://user@host:port?query#name. The name is split
// off first so raw '%' in names does not fail url.Parse.
func parseUserURL(scheme, body string, defPort int) (*url.URL, string, string, int, error) {
	withoutFrag, name, err := splitName(body)
	if err != nil {
		return nil, "", "", 0, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", err)
	}
	u, err := url.Parse(scheme + "://" + withoutFrag)
	if err != nil {
		return nil, "", "", 0, fail(scheme+" URL 格式不合法", "", err)
	}
	server, port, err := urlHostPort(u, defPort)
	if err != nil {
		return nil, "", "", 0, fail("服务器地址或端口不合法", "", err)
	}
	return u, name, server, port, nil
}

// transportFromQuery reads the v2ray-style share-link transport parameters.
func transportFromQuery(p *model.Proxy, q url.Values) {
	p.Network = normalizeNetwork(firstNonEmpty(q.Get("type"), q.Get("network")))
	p.Host = q.Get("host")
	p.Path = q.Get("path")
	if p.Network == "grpc" {
		p.Path = firstNonEmpty(q.Get("serviceName"), q.Get("path"))
	}
	p.SkipCertVerify = parseBool(firstNonEmpty(q.Get("allowInsecure"), q.Get("insecure"), q.Get("allow_insecure")))
	p.ALPN = splitList(q.Get("alpn"))
	p.Fingerprint = q.Get("fp")
}

func decodeVLESS(body string) (model.Proxy, error) {
	u, name, server, port, err := parseUserURL("vless", body, 443)
	if err != nil {
		return model.Proxy{}, err
	}
	if u.User == nil {
		return model.Proxy{}, fail("vless 缺少 uuid", "expected: vless://uuid@host:port", nil)
	}
	q := u.Query()

	p := model.Proxy{
		Name:   name,
		Server: server,
		Port:   port,
		UUID:   strings.TrimSpace(u.User.Username()),
		Flow:   q.Get("flow"),
		SNI:    firstNonEmpty(q.Get("sni"), q.Get("peer")),
	}
	transportFromQuery(&p, q)

	switch strings.ToLower(q.Get("security")) {
	case "tls", "xtls":
		p.TLS = true
	case "reality":
		p.TLS = true
		p.RealityPublicKey = q.Get("pbk")
		p.RealityShortID = q.Get("sid")
		if p.RealityPublicKey == "" {
			return model.Proxy{}, fail("reality 缺少 pbk", "", nil)
		}
	}
	return p, nil
}

func decodeTrojan(body string) (model.Proxy, error) {
	u, name, server, port, err := parseUserURL("trojan", body, 443)
	if err != nil {
		return model.Proxy{}, err
	}
	if u.User == nil {
		return model.Proxy{}, fail("trojan 缺少密码", "expected: trojan://password@host:port", nil)
	}
	q := u.Query()

	p := model.Proxy{
		Name:     name,
		Server:   server,
		Port:     port,
		Password: u.User.Username(),
		TLS:      true,
		SNI:      firstNonEmpty(q.Get("sni"), q.Get("peer"), server),
	}
	transportFromQuery(&p, q)
	return p, nil
}
