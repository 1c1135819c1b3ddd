package sub

import (
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

const defaultWireGuardPort = 51820

// decodeWireGuard handles wg://privatekey@host:port?publickey=..&address=..#name
// and a base64-wrapped wg-quick INI file. Keys are base64 and may contain
// '/', so the link is split by hand instead of url.Parse.
func decodeWireGuard(body string) (model.Proxy, error) {
	withoutFrag, name, err := splitName(body)
	if err != nil {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", err)
	}
	head, query, _ := strings.Cut(withoutFrag, "?")

	at := strings.LastIndex(head, "@")
	if at < 0 {
		p, err := wireGuardFromINI(head)
		if err != nil {
			return model.Proxy{}, err
		}
		p.Name = firstNonEmpty(name, p.Name)
		return p, nil
	}

	privateKey, err := url.PathUnescape(head[:at])
	if err != nil {
		return model.Proxy{}, fail("wireguard 私钥解码失败", "", err)
	}
	hostPart := strings.TrimSuffix(head[at+1:], "/")
	server, port, err := parseHostPort(hostPart)
	if err != nil {
		// Port is optional for wireguard links.
		server = strings.Trim(hostPart, "[]")
		if server == "" || (strings.Contains(server, ":") && net.ParseIP(server) == nil) {
			return model.Proxy{}, fail("服务器地址或端口不合法", "", err)
		}
		port = defaultWireGuardPort
	}
	q := pathQuery(query)
	mtu, _ := strconv.Atoi(q.Get("mtu"))

	return model.Proxy{
		Name:         name,
		Server:       server,
		Port:         port,
		PrivateKey:   strings.TrimSpace(privateKey),
		PublicKey:    firstNonEmpty(q.Get("publickey"), q.Get("public-key"), q.Get("peer_public_key")),
		PresharedKey: firstNonEmpty(q.Get("presharedkey"), q.Get("pre-shared-key")),
		Address:      splitList(firstNonEmpty(q.Get("address"), q.Get("ip"))),
		MTU:          mtu,
		DNS:          splitList(q.Get("dns")),
		UDP:          true,
	}, nil
}

// wireGuardFromINI reads [Interface]/[Peer] keys out of a base64 wg-quick file.
func wireGuardFromINI(encoded string) (model.Proxy, error) {
	text, err := decodeB64ToString(encoded)
	if err != nil {
		return model.Proxy{}, fail("wireguard 链接既不是 URL 形式也不是 base64 配置", "", err)
	}
	var p model.Proxy
	endpoint := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "[") {
			continue
		}
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch strings.ToLower(k) {
		case "privatekey":
			p.PrivateKey = v
		case "publickey":
			p.PublicKey = v
		case "presharedkey":
			p.PresharedKey = v
		case "address":
			p.Address = append(p.Address, splitList(v)...)
		case "dns":
			p.DNS = append(p.DNS, splitList(v)...)
		case "mtu":
			p.MTU, _ = strconv.Atoi(v)
		case "endpoint":
			endpoint = v
		}
	}
	if endpoint == "" {
		return model.Proxy{}, fail("wireguard 配置缺少 Endpoint", "", nil)
	}
	server, port, err := parseHostPort(endpoint)
	if err != nil {
		return model.Proxy{}, fail("wireguard Endpoint 不合法", "", err)
	}
	p.Server, p.Port, p.UDP = server, port, true
	return p, nil
}
