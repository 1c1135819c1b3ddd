package sub

import (
	"net/url"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// decodeSSR handles ssr://b64(server:port:protocol:method:obfs:b64(password)/?obfsparam=..&protoparam=..&remarks=..).
// The head is split from the right so IPv6 servers keep their colons.
func decodeSSR(body string) (model.Proxy, error) {
	encoded, _, _ := strings.Cut(strings.TrimSpace(body), "#")
	decoded, err := decodeB64ToString(encoded)
	if err != nil {
		return model.Proxy{}, fail("ssr base64 解码失败", "", err)
	}

	head, params, _ := strings.Cut(decoded, "/?")
	if h, p, ok := strings.Cut(head, "?"); ok && params == "" {
		head, params = h, p
	}
	head = strings.TrimSuffix(head, "/")

	fields := strings.Split(head, ":")
	if len(fields) < 6 {
		return model.Proxy{}, fail("ssr 字段数量不足", "expected: server:port:protocol:method:obfs:password", nil)
	}
	n := len(fields)
	server := strings.Trim(strings.Join(fields[:n-5], ":"), "[]")
	port, err := parsePort(fields[n-5])
	if err != nil {
		return model.Proxy{}, fail("服务器地址或端口不合法", "", err)
	}
	password, err := decodeB64ToString(fields[n-1])
	if err != nil {
		return model.Proxy{}, fail("ssr password base64 解码失败", "", err)
	}

	p := model.Proxy{
		Server:      server,
		Port:        port,
		SSRProtocol: fields[n-4],
		Cipher:      strings.ToLower(fields[n-3]),
		Obfs:        fields[n-2],
		Password:    password,
	}

	if params != "" {
		q, _ := url.ParseQuery(params)
		p.SSRProtocolParam = b64Param(q.Get("protoparam"))
		p.ObfsParam = b64Param(q.Get("obfsparam"))
		p.Name = strings.TrimSpace(b64Param(q.Get("remarks")))
		if p.UDP = parseBool(q.Get("udp")); !p.UDP {
			p.UDP = parseBool(q.Get("udpport"))
		}
	}
	if strings.ContainsAny(p.Name, "\r\n\x00") {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", nil)
	}
	return p, nil
}

// b64Param decodes an ssr query value; undecodable values are dropped.
func b64Param(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	s, err := decodeB64ToString(strings.ReplaceAll(v, " ", "+"))
	if err != nil {
		return ""
	}
	return s
}
