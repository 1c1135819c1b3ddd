package template

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/render"
)

func sampleResult() *compiler.Result {
	return &compiler.Result{
		Proxies: []model.Proxy{
			{Type: model.ProtocolSS, Name: "HK 01", Server: "hk.example.com", Port: 443, Cipher: "aes-128-gcm", Password: "123"},
			{Type: model.ProtocolTrojan, Name: "JP 01", Server: "jp.example.com", Port: 443, Password: "pw", SNI: "jp.example.com"},
		},
		Groups: []model.Group{
			{Name: "PROXY", Type: model.GroupSelect, Members: []string{"AUTO", "HK 01", "JP 01", "DIRECT"}},
			{Name: "AUTO", Type: model.GroupURLTest, Members: []string{"HK 01", "JP 01"}, TestURL: model.DefaultTestURL, IntervalSec: 300},
		},
		Rules: []model.Rule{
			{Type: "DOMAIN-SUFFIX", Value: "example.com", Action: "PROXY"},
			{Type: "GEOIP", Value: "CN", Action: "DIRECT"},
			{Type: "MATCH", Action: "PROXY"},
		},
	}
}

func TestAssemble_EveryTargetWithEmbeddedBase(t *testing.T) {
	for _, target := range model.Targets {
		out, err := render.Render(target, sampleResult())
		if err != nil {
			t.Fatalf("%s: render: %v", target, err)
		}
		text, err := Assemble(out.Blocks, AssembleOptions{Target: target, ManagedURL: "http://127.0.0.1:8080/sub/abc"})
		if err != nil {
			t.Fatalf("%s: assemble: %v", target, err)
		}
		for _, a := range anchors {
			if strings.Contains(text, a) {
				t.Fatalf("%s: anchor %s left in output", target, a)
			}
		}
		managed := strings.HasPrefix(text, "#!MANAGED-CONFIG http://127.0.0.1:8080/sub/abc interval=86400 strict=false\n")
		wantManaged := target == model.TargetSurge || target == model.TargetSurfboard
		if managed != wantManaged {
			t.Fatalf("%s: managed header=%v, want=%v", target, managed, wantManaged)
		}
	}
}

func TestAssemble_ClashBaseDocument(t *testing.T) {
	out, err := render.Render(model.TargetClash, sampleResult())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text, err := Assemble(out.Blocks, AssembleOptions{Target: model.TargetClash})
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}

	var doc struct {
		MixedPort          int    `yaml:"mixed-port"`
		Mode               string `yaml:"mode"`
		ExternalController string `yaml:"external-controller"`
		DNS                struct {
			EnhancedMode string `yaml:"enhanced-mode"`
		} `yaml:"dns"`
		Proxies     []map[string]any `yaml:"proxies"`
		ProxyGroups []map[string]any `yaml:"proxy-groups"`
		Rules       []string         `yaml:"rules"`
	}
	if err := yaml.Unmarshal([]byte(text), &doc); err != nil {
		t.Fatalf("output is not YAML: %v\n%s", err, text)
	}
	if doc.MixedPort != 7890 || doc.Mode != "rule" || doc.ExternalController != "127.0.0.1:9090" {
		t.Fatalf("base fields not kept: %+v", doc)
	}
	if doc.DNS.EnhancedMode != "fake-ip" {
		t.Fatalf("dns enhanced-mode=%q, want=%q", doc.DNS.EnhancedMode, "fake-ip")
	}
	if len(doc.Proxies) != 2 || len(doc.ProxyGroups) != 2 {
		t.Fatalf("proxies=%d groups=%d", len(doc.Proxies), len(doc.ProxyGroups))
	}
	want := []string{"DOMAIN-SUFFIX,example.com,PROXY", "GEOIP,CN,DIRECT", "MATCH,PROXY"}
	if strings.Join(doc.Rules, "|") != strings.Join(want, "|") {
		t.Fatalf("rules=%q, want=%q", doc.Rules, want)
	}
}

func TestAssemble_ClashEmptyProxies(t *testing.T) {
	res := &compiler.Result{Rules: []model.Rule{{Type: "MATCH", Action: "DIRECT"}}}
	out, err := render.Render(model.TargetClash, res)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if _, err := Assemble(out.Blocks, AssembleOptions{Target: model.TargetClash}); err != nil {
		t.Fatalf("assemble: %v", err)
	}
}

func TestAssemble_RemoteClashBaseMustStayValid(t *testing.T) {
	base := "proxies:\n  #@PROXIES@#\nproxy-groups: {}\n  #@GROUPS@#\nrules:\n  #@RULES@#\n"
	_, err := Assemble(render.Blocks{Proxies: "- name: a", Groups: "- name: g", Rules: "- MATCH,DIRECT"}, AssembleOptions{
		Target:      model.TargetClash,
		Base:        base,
		TemplateURL: "https://example.com/base.yaml",
	})
	var te *TemplateError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TemplateError, got %T: %v", err, err)
	}
	assertDetail(t, te, "TEMPLATE_YAML_INVALID")
	if te.AppError.URL != "https://example.com/base.yaml" {
		t.Fatalf("url=%q", te.AppError.URL)
	}
}

func TestBase_Unknown(t *testing.T) {
	if _, err := Base(model.Target("v2ray")); err == nil {
		t.Fatalf("expected error for unknown target")
	}
}
