package sub

import (
	"errors"
	"net/url"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// decodeSS accepts SIP002 (ss://<b64 or plain method:password>@host:port[/][?plugin=..]#name)
// and the legacy form ss://<b64(method:password@host:port)>#name.
func decodeSS(body string) (model.Proxy, error) {
	withoutFrag, name, err := splitName(body)
	if err != nil {
		return model.Proxy{}, fail("节点名称包含非法控制字符", "forbidden: \\r \\n \\0", err)
	}

	withoutQuery, query, hasQuery := strings.Cut(withoutFrag, "?")
	pluginName, pluginOpts, err := parseQueryPlugin(query, hasQuery)
	if err != nil {
		return model.Proxy{}, err
	}

	rest := strings.TrimSuffix(withoutQuery, "/")
	if rest == "" {
		return model.Proxy{}, fail("ss:// 后缺少内容", "", nil)
	}

	var method, password, hostPort string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo, hostPart := rest[:at], rest[at+1:]
		if userinfo == "" || hostPart == "" {
			return model.Proxy{}, fail("ss uri 格式不合法", "", nil)
		}
		if strings.Contains(hostPart, "/") {
			return model.Proxy{}, fail("ss uri path 不支持（仅允许空或 /）", "", nil)
		}
		method, password, err = decodeMethodPassword(userinfo)
		if err != nil {
			return model.Proxy{}, fail("ss userinfo 解码失败", "", err)
		}
		hostPort = hostPart
	} else {
		decoded, err := decodeB64ToString(rest)
		if err != nil {
			return model.Proxy{}, fail("ss base64 解码失败", "", err)
		}
		at := strings.LastIndex(decoded, "@")
		if at < 0 {
			return model.Proxy{}, fail("ss base64 解码结果缺少 @ 分隔符", "", nil)
		}
		method, password, err = splitMethodPassword(decoded[:at])
		if err != nil {
			return model.Proxy{}, fail("ss base64 解码结果缺少 cipher:password", "", err)
		}
		hostPort = decoded[at+1:]
	}

	server, port, err := parseHostPort(hostPort)
	if err != nil {
		return model.Proxy{}, fail("服务器地址或端口不合法", "", err)
	}

	return model.Proxy{
		Name:       name,
		Server:     server,
		Port:       port,
		Cipher:     method,
		Password:   password,
		PluginName: pluginName,
		PluginOpts: pluginOpts,
	}, nil
}

// parseQueryPlugin reads the SIP002 plugin parameter. net/url.ParseQuery would
// reject the raw semicolons inside the plugin value, so the query is split by
// hand. Parameters other than plugin are ignored.
func parseQueryPlugin(query string, hasQuery bool) (string, []model.KV, error) {
	if !hasQuery || query == "" {
		return "", nil, nil
	}

	var pluginValue *string
	for _, part := range strings.Split(query, "&") {
		kRaw, vRaw, hasEq := strings.Cut(part, "=")
		if !hasEq {
			continue
		}
		k, err := url.QueryUnescape(kRaw)
		if err != nil || k != "plugin" {
			continue
		}
		v, err := url.QueryUnescape(vRaw)
		if err != nil {
			return "", nil, fail("plugin 参数解码失败", "", err)
		}
		if pluginValue != nil {
			return "", nil, fail("重复的 plugin 参数", "", nil)
		}
		pluginValue = &v
	}

	if pluginValue == nil {
		return "", nil, nil
	}
	if strings.TrimSpace(*pluginValue) == "" {
		return "", nil, fail("plugin 参数不能为空", "", nil)
	}

	segs := strings.Split(*pluginValue, ";")
	pluginName := strings.TrimSpace(segs[0])
	if pluginName == "" {
		return "", nil, fail("plugin 名称不能为空", "", nil)
	}
	opts := make([]model.KV, 0, len(segs)-1)
	for _, seg := range segs[1:] {
		if seg == "" {
			continue
		}
		k, v, ok := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return "", nil, fail("plugin 选项 key 不能为空", "", nil)
		}
		if !ok {
			// Bare flags such as "tls" in v2ray-plugin options.
			v = "true"
		}
		opts = append(opts, model.KV{Key: k, Value: v})
	}
	return pluginName, opts, nil
}

// decodeMethodPassword accepts base64 userinfo and the percent-encoded plain
// form used by 2022-blake3 ciphers.
func decodeMethodPassword(userinfo string) (string, string, error) {
	if decoded, err := decodeB64ToString(userinfo); err == nil {
		if m, p, err := splitMethodPassword(decoded); err == nil {
			return m, p, nil
		}
	}
	plain, err := url.PathUnescape(userinfo)
	if err != nil {
		return "", "", err
	}
	return splitMethodPassword(plain)
}

func splitMethodPassword(s string) (string, string, error) {
	colon := strings.IndexByte(s, ':')
	if colon <= 0 {
		return "", "", errors.New("missing ':'")
	}
	method := strings.TrimSpace(s[:colon])
	password := strings.TrimSpace(s[colon+1:])
	if method == "" || password == "" {
		return "", "", errors.New("empty method or password")
	}
	if strings.ContainsAny(method, "\r\n\x00") || strings.ContainsAny(password, "\r\n\x00") {
		return "", "", errors.New("control chars in method/password")
	}
	return strings.ToLower(method), password, nil
}
