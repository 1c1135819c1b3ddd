package sub

import "testing"

func FuzzParseSubscriptionText(f *testing.F) {
	seed := []string{
		"",
		"   \n",
		"# comment\nss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388#Node%201\n",
		"ss://YWVzLTEyOC1nY206cGFzcw==@example.com:8388/?plugin=simple-obfs%3Bobfs%3Dtls%3Bobfs-host%3Dexample.com#obfs\n",
		"ss://YWVzLTEyOC1nY206cGFzcw==@[::1]:8388#ipv6\n",
		"vmess://eyJhZGQiOiJhLmNvbSIsInBvcnQiOjQ0MywiaWQiOiJ1In0=\n",
		"trojan://pw@t.example.com:443?sni=x#t\nhy2://pw@h.example.com#h\n",
		"wg://priv@1.2.3.4?publickey=pub\n",
		"proxies:\n  - {name: a, type: ss, server: 1.2.3.4, port: 1, cipher: x, password: y}\n",
	}
	for _, s := range seed {
		f.Add(s)
	}

	f.Fuzz(func(t *testing.T, content string) {
		res, err := ParseSubscriptionText("https://example.com/sub", content)
		if err != nil {
			return
		}
		if len(res.Proxies) == 0 {
			t.Fatalf("proxies is empty on nil error")
		}
		for _, p := range res.Proxies {
			if err := p.Validate(); err != nil {
				t.Fatalf("decoded node fails validation: %v (%+v)", err, p)
			}
			for _, kv := range p.PluginOpts {
				if kv.Key == "" {
					t.Fatalf("empty plugin option key")
				}
			}
		}
		for _, w := range res.Warnings {
			if len(w.Snippet) > 200 {
				t.Fatalf("snippet too long: %d", len(w.Snippet))
			}
		}
	})
}

func FuzzDecode(f *testing.F) {
	for _, s := range []string{
		"ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ@1.2.3.4:8388#HK-01",
		"ssr://ZXhhbXBsZS5jb206NDQzOm9yaWdpbjphZXMtMjU2LWNmYjpwbGFpbjpjR0Z6Y3cvP3JlbWFya3M9U0VzPQ",
		"vless://u@h.example.com:443?security=reality&pbk=k",
		"tuic://u:p@h.example.com:443",
		"hysteria://h.example.com:443?auth=a",
	} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, line string) {
		p, err := Decode("", line)
		if err != nil {
			return
		}
		if err := p.Validate(); err != nil {
			t.Fatalf("decoded node fails validation: %v", err)
		}
	})
}
