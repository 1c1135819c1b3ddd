package render

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/model"
)

func ssNode(name string) model.Proxy {
	return model.Proxy{Type: model.ProtocolSS, Name: name, Server: "example.com", Port: 8388, Cipher: "AES-128-GCM", Password: "pass"}
}

func wgNode(name string) model.Proxy {
	return model.Proxy{
		Type: model.ProtocolWireGuard, Name: name, Server: "1.2.3.4", Port: 51820,
		PrivateKey: "priv", PublicKey: "pub", Address: []string{"10.0.0.2/32"}, MTU: 1420,
	}
}

func TestRender_Clash_PasswordStaysStringAndPlugin(t *testing.T) {
	p := ssNode("n1")
	p.Password = "123"
	p.PluginName = "simple-obfs"
	p.PluginOpts = []model.KV{{Key: "obfs", Value: "tls"}, {Key: "obfs-host", Value: "cdn.example.com"}}
	res := &compiler.Result{
		Proxies: []model.Proxy{p},
		Groups:  []model.Group{{Name: "PROXY", Type: model.GroupSelect, Members: []string{"n1", "DIRECT"}}},
		Rules:   []model.Rule{{Type: "MATCH", Action: "PROXY"}},
	}

	out, err := Render(model.TargetClash, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []map[string]any
	if err := yaml.Unmarshal([]byte(out.Blocks.Proxies), &got); err != nil {
		t.Fatalf("proxies block is not YAML: %v\n%s", err, out.Blocks.Proxies)
	}
	if len(got) != 1 {
		t.Fatalf("proxies=%d, want=1", len(got))
	}
	if pw, ok := got[0]["password"].(string); !ok || pw != "123" {
		t.Fatalf("password=%#v, want string 123", got[0]["password"])
	}
	if got[0]["cipher"] != "aes-128-gcm" {
		t.Fatalf("cipher=%v, want=%q", got[0]["cipher"], "aes-128-gcm")
	}
	if got[0]["plugin"] != "obfs" {
		t.Fatalf("plugin=%v, want=obfs", got[0]["plugin"])
	}
	opts, _ := got[0]["plugin-opts"].(map[string]any)
	if opts["mode"] != "tls" || opts["host"] != "cdn.example.com" {
		t.Fatalf("plugin-opts=%v", opts)
	}
	if out.NodeCount != 1 || len(out.Warnings) != 0 {
		t.Fatalf("count=%d warnings=%v", out.NodeCount, out.Warnings)
	}
}

func TestRender_Clash_RealityAndHealthCheck(t *testing.T) {
	res := &compiler.Result{
		Proxies: []model.Proxy{{
			Type: model.ProtocolVLESS, Name: "r1", Server: "example.com", Port: 443, UUID: "id",
			Flow: "xtls-rprx-vision", RealityPublicKey: "pbk", RealityShortID: "ab", Fingerprint: "chrome", SNI: "www.example.com",
		}},
		Groups: []model.Group{{
			Name: "AUTO", Type: model.GroupURLTest, Members: []string{"r1"},
			TestURL: model.DefaultTestURL, IntervalSec: 300, ToleranceMS: 0, HasTolerance: true,
		}},
		Rules: []model.Rule{{Type: "MATCH", Action: "AUTO"}},
	}
	out, err := Render(model.TargetClash, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var proxies []map[string]any
	if err := yaml.Unmarshal([]byte(out.Blocks.Proxies), &proxies); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	ro, _ := proxies[0]["reality-opts"].(map[string]any)
	if ro["public-key"] != "pbk" || ro["short-id"] != "ab" {
		t.Fatalf("reality-opts=%v", ro)
	}
	if proxies[0]["tls"] != true {
		t.Fatalf("tls=%v, want=true", proxies[0]["tls"])
	}

	var groups []map[string]any
	if err := yaml.Unmarshal([]byte(out.Blocks.Groups), &groups); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if groups[0]["tolerance"] != 0 || groups[0]["interval"] != 300 {
		t.Fatalf("group=%v", groups[0])
	}
}

func TestRender_DropsUnsupportedNode(t *testing.T) {
	res := &compiler.Result{
		Proxies: []model.Proxy{ssNode("keep"), wgNode("wg")},
		Groups: []model.Group{
			{Name: "PROXY", Type: model.GroupSelect, Members: []string{"keep", "wg"}},
			{Name: "WG", Type: model.GroupSelect, Members: []string{"wg"}},
		},
		Rules: []model.Rule{
			{Type: "DOMAIN", Value: "wg.example.com", Action: "wg"},
			{Type: "MATCH", Action: "PROXY"},
		},
	}

	out, err := Render(model.TargetSurge, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.NodeCount != 1 {
		t.Fatalf("count=%d, want=1", out.NodeCount)
	}
	if strings.Contains(out.Blocks.Proxies, "wg =") {
		t.Fatalf("wireguard node should be dropped:\n%s", out.Blocks.Proxies)
	}
	wantGroups := "PROXY = select, keep\nWG = select, DIRECT"
	if out.Blocks.Groups != wantGroups {
		t.Fatalf("groups=%q, want=%q", out.Blocks.Groups, wantGroups)
	}
	wantRules := "DOMAIN,wg.example.com,DIRECT\nFINAL,PROXY"
	if out.Blocks.Rules != wantRules {
		t.Fatalf("rules=%q, want=%q", out.Blocks.Rules, wantRules)
	}
	if len(out.Warnings) != 2 {
		t.Fatalf("warnings=%+v, want 2", out.Warnings)
	}
	for _, w := range out.Warnings {
		if w.Code != model.CodeRenderUnsupported {
			t.Fatalf("code=%q, want=%q", w.Code, model.CodeRenderUnsupported)
		}
	}
}

func TestRender_FlagWarningOncePerFlag(t *testing.T) {
	a, b := ssNode("a"), ssNode("b")
	a.TFO, b.TFO = true, true
	a.UDP = true
	res := &compiler.Result{
		Proxies: []model.Proxy{a, b},
		Rules:   []model.Rule{{Type: "MATCH", Action: "DIRECT"}},
	}
	out, err := Render(model.TargetSurfboard, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Snippet != "tfo" {
		t.Fatalf("warnings=%+v, want one tfo warning", out.Warnings)
	}
	if strings.Contains(out.Blocks.Proxies, "tfo") {
		t.Fatalf("tfo rendered for surfboard:\n%s", out.Blocks.Proxies)
	}
	if !strings.Contains(out.Blocks.Proxies, "a = ss, example.com, 8388, encrypt-method=aes-128-gcm, password=pass, udp-relay=true") {
		t.Fatalf("proxies=\n%s", out.Blocks.Proxies)
	}
}

func TestRender_RuleOrderInEveryTarget(t *testing.T) {
	res := &compiler.Result{
		Proxies: []model.Proxy{ssNode("n1")},
		Groups:  []model.Group{{Name: "PROXY", Type: model.GroupSelect, Members: []string{"n1"}}},
		Rules: []model.Rule{
			{Type: "DOMAIN-SUFFIX", Value: "r1.example.com", Action: "PROXY"},
			{Type: "DOMAIN-SUFFIX", Value: "r1.example.com", Action: "DIRECT"},
			{Type: "IP-CIDR", Value: "10.0.0.0/8", Action: "DIRECT", NoResolve: true},
			{Type: "MATCH", Action: "PROXY"},
		},
	}
	want := map[model.Target][]string{
		model.TargetClash:     {"DOMAIN-SUFFIX,r1.example.com,PROXY", "DOMAIN-SUFFIX,r1.example.com,DIRECT", "IP-CIDR,10.0.0.0/8,DIRECT,no-resolve", "MATCH,PROXY"},
		model.TargetSurge:     {"DOMAIN-SUFFIX,r1.example.com,PROXY", "DOMAIN-SUFFIX,r1.example.com,DIRECT", "IP-CIDR,10.0.0.0/8,DIRECT,no-resolve", "FINAL,PROXY"},
		model.TargetSurfboard: {"DOMAIN-SUFFIX,r1.example.com,PROXY", "DOMAIN-SUFFIX,r1.example.com,DIRECT", "IP-CIDR,10.0.0.0/8,DIRECT,no-resolve", "FINAL,PROXY"},
		model.TargetLoon:      {"DOMAIN-SUFFIX,r1.example.com,PROXY", "DOMAIN-SUFFIX,r1.example.com,DIRECT", "IP-CIDR,10.0.0.0/8,DIRECT,no-resolve", "FINAL,PROXY"},
		model.TargetQuanX:     {"HOST-SUFFIX,r1.example.com,PROXY", "HOST-SUFFIX,r1.example.com,direct", "IP-CIDR,10.0.0.0/8,direct", "FINAL,PROXY"},
	}
	for _, target := range model.Targets {
		out, err := Render(target, res)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", target, err)
		}
		var got []string
		if target == model.TargetClash {
			if err := yaml.Unmarshal([]byte(out.Blocks.Rules), &got); err != nil {
				t.Fatalf("clash rules not YAML: %v", err)
			}
		} else {
			got = strings.Split(out.Blocks.Rules, "\n")
		}
		if strings.Join(got, "\n") != strings.Join(want[target], "\n") {
			t.Fatalf("%s rules=%q, want=%q", target, got, want[target])
		}
	}
}

func TestRender_LineDialectRejectsCommaGroupName(t *testing.T) {
	res := &compiler.Result{
		Proxies: []model.Proxy{ssNode("n1")},
		Groups:  []model.Group{{Name: "a,b", Type: model.GroupSelect, Members: []string{"n1"}}},
		Rules:   []model.Rule{{Type: "MATCH", Action: "a,b"}},
	}
	if _, err := Render(model.TargetClash, res); err != nil {
		t.Fatalf("clash should accept the name: %v", err)
	}
	for _, target := range []model.Target{model.TargetSurge, model.TargetLoon, model.TargetQuanX} {
		_, err := Render(target, res)
		var re *RenderError
		if !errors.As(err, &re) {
			t.Fatalf("%s: expected *RenderError, got %T: %v", target, err, err)
		}
		if re.AppError.Code != model.CodeConfigError {
			t.Fatalf("%s: code=%q, want=%q", target, re.AppError.Code, model.CodeConfigError)
		}
	}
}

func TestRender_QuanXSyntax(t *testing.T) {
	p := ssNode("HK 01")
	p.UDP = true
	p.SkipCertVerify = true
	res := &compiler.Result{
		Proxies: []model.Proxy{p},
		Groups: []model.Group{
			{Name: "PROXY", Type: model.GroupSelect, Members: []string{"HK 01", "DIRECT"}},
			{Name: "AUTO", Type: model.GroupURLTest, Members: []string{"HK 01"}, TestURL: model.DefaultTestURL, IntervalSec: 600},
		},
		Rules: []model.Rule{{Type: "MATCH", Action: "PROXY"}},
	}
	out, err := Render(model.TargetQuanX, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantProxy := "shadowsocks=example.com:8388, method=aes-128-gcm, password=pass, tls-verification=false, udp-relay=true, tag=HK 01"
	if out.Blocks.Proxies != wantProxy {
		t.Fatalf("proxies=%q, want=%q", out.Blocks.Proxies, wantProxy)
	}
	wantGroups := "static=PROXY, HK 01, direct\nurl-latency-benchmark=AUTO, HK 01, check-interval=600"
	if out.Blocks.Groups != wantGroups {
		t.Fatalf("groups=%q, want=%q", out.Blocks.Groups, wantGroups)
	}
}

func TestRender_LoonSyntax(t *testing.T) {
	res := &compiler.Result{
		Proxies: []model.Proxy{{
			Type: model.ProtocolTrojan, Name: "t1", Server: "example.com", Port: 443, Password: "pw", SNI: "sni.example.com", TFO: true,
		}},
		Groups: []model.Group{{Name: "PROXY", Type: model.GroupFallback, Members: []string{"t1"}, TestURL: model.DefaultTestURL, IntervalSec: 300}},
		Rules:  []model.Rule{{Type: "MATCH", Action: "PROXY"}},
	}
	out, err := Render(model.TargetLoon, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	wantProxy := `t1 = trojan,example.com,443,"pw",transport=tcp,over-tls=true,sni=sni.example.com,fast-open=true`
	if out.Blocks.Proxies != wantProxy {
		t.Fatalf("proxies=%q, want=%q", out.Blocks.Proxies, wantProxy)
	}
	wantGroup := "PROXY = fallback,t1,url=" + model.DefaultTestURL + ",interval=300"
	if out.Blocks.Groups != wantGroup {
		t.Fatalf("groups=%q, want=%q", out.Blocks.Groups, wantGroup)
	}
}

func TestRender_UnsupportedRuleTypeDropped(t *testing.T) {
	res := &compiler.Result{
		Rules: []model.Rule{
			{Type: "URL-REGEX", Value: "^https://ad", Action: "REJECT"},
			{Type: "MATCH", Action: "DIRECT"},
		},
	}
	out, err := Render(model.TargetClash, res)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Blocks.Rules != "- MATCH,DIRECT" {
		t.Fatalf("rules=%q", out.Blocks.Rules)
	}
	if len(out.Warnings) != 1 || out.Warnings[0].Stage != "render_clash" {
		t.Fatalf("warnings=%+v", out.Warnings)
	}
}

func TestRender_UnknownTarget(t *testing.T) {
	_, err := Render(model.Target("v2ray"), &compiler.Result{})
	var re *RenderError
	if !errors.As(err, &re) || re.AppError.Code != model.CodeInvalidArgument {
		t.Fatalf("err=%v, want INVALID_ARGUMENT", err)
	}
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	if len(caps) != len(model.Targets) {
		t.Fatalf("caps=%d, want=%d", len(caps), len(model.Targets))
	}
	if !Supports(model.TargetClash, model.ProtocolWireGuard) {
		t.Fatalf("clash should support wireguard")
	}
	if Supports(model.TargetSurfboard, model.ProtocolWireGuard) {
		t.Fatalf("surfboard should not support wireguard")
	}
	for _, c := range caps {
		if c.Target == model.TargetSurfboard {
			for _, f := range c.Flags {
				if f == "tfo" {
					t.Fatalf("surfboard flags=%v should not list tfo", c.Flags)
				}
			}
		}
	}
}

func TestRender_DelimiterInValueDropsNode(t *testing.T) {
	bad := ssNode("bad")
	bad.Password = "a,b=c"
	res := &compiler.Result{
		Proxies: []model.Proxy{ssNode("ok"), bad},
		Groups:  []model.Group{{Name: "PROXY", Type: model.GroupSelect, Members: []string{"ok", "bad"}}},
		Rules:   []model.Rule{{Type: "MATCH", Action: "PROXY"}},
	}

	for _, target := range []model.Target{model.TargetSurge, model.TargetSurfboard, model.TargetQuanX} {
		out, err := Render(target, res)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", target, err)
		}
		if out.NodeCount != 1 {
			t.Fatalf("%s: count=%d, want=1", target, out.NodeCount)
		}
		if strings.Contains(out.Blocks.Proxies, "a,b=c") {
			t.Fatalf("%s: broken line rendered:\n%s", target, out.Blocks.Proxies)
		}
		if len(out.Warnings) != 1 || out.Warnings[0].Code != model.CodeRenderUnsupported || out.Warnings[0].Snippet != "bad" {
			t.Fatalf("%s: warnings=%+v, want one RENDER_UNSUPPORTED for bad", target, out.Warnings)
		}
	}

	// Loon quotes credentials, so the node survives.
	out, err := Render(model.TargetLoon, res)
	if err != nil {
		t.Fatalf("loon: unexpected error: %v", err)
	}
	if out.NodeCount != 2 || !strings.Contains(out.Blocks.Proxies, `"a,b=c"`) {
		t.Fatalf("loon: count=%d proxies=\n%s", out.NodeCount, out.Blocks.Proxies)
	}

	// "=" alone is fine: base64 keys end with padding.
	padded := ssNode("padded")
	padded.Password = "c2VjcmV0=="
	out, err = Render(model.TargetSurge, &compiler.Result{
		Proxies: []model.Proxy{padded},
		Rules:   []model.Rule{{Type: "MATCH", Action: "DIRECT"}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.Blocks.Proxies, "password=c2VjcmV0==") {
		t.Fatalf("proxies=\n%s", out.Blocks.Proxies)
	}
}
