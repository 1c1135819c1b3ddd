package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/guancn/clashsubsys/internal/model"
)

const bt = "`"

const (
	linkHK = "ss://YWVzLTI1Ni1nY206cGFzc3dvcmQ@1.2.3.4:8388#HK-01"
	linkJP = "ss://YWVzLTEyOC1nY206cGFzcw==@jp.example.com:443#JP-01"
	linkUS = "trojan://pw@us.example.com:443?sni=us.example.com#US-01"
)

func newEngine(t *testing.T, opt Options) *Engine {
	t.Helper()
	e, err := New(opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

// upstream serves fixed bodies by path; unknown paths are 404. {{BASE}} in a
// body expands to the server's own origin.
func upstream(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		body = strings.ReplaceAll(body, "{{BASE}}", "http://"+r.Host)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func request(target model.Target, urls ...string) model.ConversionRequest {
	req := model.DefaultRequest()
	req.Target = target
	req.URLs = urls
	return req
}

func hasWarning(ws []model.AppError, code, hint string) bool {
	for _, w := range ws {
		if w.Code == code && (hint == "" || w.Hint == hint) {
			return true
		}
	}
	return false
}

func TestConvert_ScenarioClashWithEmoji(t *testing.T) {
	up := upstream(t, map[string]string{"/sub": linkHK + "\n"})
	e := newEngine(t, Options{})

	res := e.Convert(context.Background(), request(model.TargetClash, up.URL+"/sub"))
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	var doc struct {
		Proxies []struct {
			Name   string `yaml:"name"`
			Type   string `yaml:"type"`
			Server string `yaml:"server"`
			Port   int    `yaml:"port"`
		} `yaml:"proxies"`
	}
	if err := yaml.Unmarshal([]byte(res.Config), &doc); err != nil {
		t.Fatalf("config is not YAML: %v", err)
	}
	if len(doc.Proxies) != 1 {
		t.Fatalf("proxies=%d, want=1", len(doc.Proxies))
	}
	p := doc.Proxies[0]
	if !strings.HasPrefix(p.Name, "🇭🇰") {
		t.Fatalf("name=%q, want flag prefix", p.Name)
	}
	if p.Type != "ss" || p.Server != "1.2.3.4" || p.Port != 8388 {
		t.Fatalf("proxy=%+v", p)
	}
	if res.Filename != "config.yaml" || res.NodeCount != 1 || res.ID == "" {
		t.Fatalf("res=%+v", res)
	}
}

func TestConvert_PartialSourceFailure(t *testing.T) {
	up := upstream(t, map[string]string{"/a": linkHK + "\n" + linkJP + "\n"})
	e := newEngine(t, Options{})

	res := e.Convert(context.Background(), request(model.TargetClash, up.URL+"/a", up.URL+"/missing"))
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	if res.NodeCount != 2 {
		t.Fatalf("node_count=%d, want=2", res.NodeCount)
	}
	if !hasWarning(res.Warnings, model.CodeSourceUnreachable, "FETCH_FAILED") {
		t.Fatalf("warnings=%+v, want SOURCE_UNREACHABLE/FETCH_FAILED", res.Warnings)
	}
}

func TestConvert_UnusableSourceKeepsLineWarnings(t *testing.T) {
	up := upstream(t, map[string]string{
		"/a":   linkHK,
		"/bad": "foo://x\nvmess://\n",
	})
	e := newEngine(t, Options{})

	res := e.Convert(context.Background(), request(model.TargetClash, up.URL+"/a", up.URL+"/bad"))
	if !res.Success || res.NodeCount != 1 {
		t.Fatalf("res=%+v", res)
	}
	lines := map[int]bool{}
	for _, w := range res.Warnings {
		if w.URL == up.URL+"/bad" && w.Code == model.CodeDecodeError {
			lines[w.Line] = true
		}
	}
	// Lines 1 and 2 plus the source-level summary on line 0.
	if !lines[0] || !lines[1] || !lines[2] {
		t.Fatalf("warnings=%+v, want line 1, line 2 and the summary", res.Warnings)
	}
}

func TestConvert_AllSourcesFailIsEmptyResult(t *testing.T) {
	up := upstream(t, nil)
	e := newEngine(t, Options{})

	res := e.Convert(context.Background(), request(model.TargetClash, up.URL+"/x", up.URL+"/y"))
	if res.Success || res.Error == nil || res.Error.Code != model.CodeEmptyResult {
		t.Fatalf("res=%+v, want EMPTY_RESULT", res)
	}
	if res.Config != "" {
		t.Fatalf("failed result carries config")
	}
}

func TestConvert_FilterLeavesNothing(t *testing.T) {
	up := upstream(t, map[string]string{"/sub": linkHK})
	e := newEngine(t, Options{})

	req := request(model.TargetClash, up.URL+"/sub")
	req.Include = "JP"
	res := e.Convert(context.Background(), req)
	if res.Success || res.Error.Code != model.CodeEmptyResult {
		t.Fatalf("res=%+v, want EMPTY_RESULT", res)
	}
}

func TestConvert_RuleOrderInEveryTarget(t *testing.T) {
	tmpl := strings.Join([]string{
		"[custom]",
		"custom_proxy_group=PROXY" + bt + "select" + bt + ".*",
		"ruleset=PROXY,[]DOMAIN-SUFFIX,r1.example.com",
		"ruleset=DIRECT,[]DOMAIN,r2.example.com",
		"ruleset=PROXY,[]FINAL",
	}, "\n")
	up := upstream(t, map[string]string{"/sub": linkHK + "\n" + linkJP, "/tmpl.ini": tmpl})
	e := newEngine(t, Options{})

	for _, target := range model.Targets {
		req := request(target, up.URL+"/sub")
		req.TemplateURL = up.URL + "/tmpl.ini"
		res := e.Convert(context.Background(), req)
		if !res.Success {
			t.Fatalf("%s: conversion failed: %+v", target, res.Error)
		}
		i1 := strings.Index(res.Config, "r1.example.com")
		i2 := strings.Index(res.Config, "r2.example.com")
		final := strings.LastIndex(res.Config, "FINAL,")
		if target == model.TargetClash {
			final = strings.LastIndex(res.Config, "MATCH,PROXY")
		}
		if i1 < 0 || i2 < 0 || final < 0 || !(i1 < i2 && i2 < final) {
			t.Fatalf("%s: rule order broken (r1=%d r2=%d final=%d)\n%s", target, i1, i2, final, res.Config)
		}
	}
}

func TestConvert_TemplateFallbackToDirectAll(t *testing.T) {
	up := upstream(t, map[string]string{"/sub": linkHK})
	e := newEngine(t, Options{})

	req := request(model.TargetClash, up.URL+"/sub")
	req.TemplateURL = up.URL + "/gone.ini"
	res := e.Convert(context.Background(), req)
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	if !hasWarning(res.Warnings, model.CodeSourceUnreachable, "") {
		t.Fatalf("warnings=%+v, want SOURCE_UNREACHABLE", res.Warnings)
	}
	if !strings.Contains(res.Config, "MATCH,DIRECT") {
		t.Fatalf("direct-all template not used:\n%s", res.Config)
	}
}

func TestConvert_RemoteRulesetExpanded(t *testing.T) {
	tmpl := strings.Join([]string{
		"[custom]",
		"custom_proxy_group=PROXY" + bt + "select" + bt + ".*",
		"ruleset=DIRECT,{{BASE}}/cn.list",
		"ruleset=PROXY,{{BASE}}/missing.list",
		"ruleset=PROXY,[]FINAL",
	}, "\n")
	up := upstream(t, map[string]string{
		"/sub":      linkHK,
		"/tmpl.ini": tmpl,
		"/cn.list":  "# comment\nDOMAIN-SUFFIX,cn.example\nNOT-A-RULE,foo\nIP-CIDR,10.0.0.0/8,no-resolve\n",
	})
	e := newEngine(t, Options{})

	req := request(model.TargetClash, up.URL+"/sub")
	req.TemplateURL = up.URL + "/tmpl.ini"
	res := e.Convert(context.Background(), req)
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	if !strings.Contains(res.Config, "DOMAIN-SUFFIX,cn.example,DIRECT") || !strings.Contains(res.Config, "IP-CIDR,10.0.0.0/8,DIRECT,no-resolve") {
		t.Fatalf("ruleset not expanded:\n%s", res.Config)
	}
	if !hasWarning(res.Warnings, model.CodeDecodeError, "") {
		t.Fatalf("warnings=%+v, want DECODE_ERROR for the bad ruleset line", res.Warnings)
	}
	if !hasWarning(res.Warnings, model.CodeSourceUnreachable, "FETCH_FAILED") {
		t.Fatalf("warnings=%+v, want SOURCE_UNREACHABLE for the missing ruleset", res.Warnings)
	}
}

func TestConvert_GroupCycleIsConfigError(t *testing.T) {
	tmpl := strings.Join([]string{
		"[custom]",
		"custom_proxy_group=A" + bt + "select" + bt + "[]B",
		"custom_proxy_group=B" + bt + "select" + bt + "[]A",
		"ruleset=A,[]FINAL",
	}, "\n")
	up := upstream(t, map[string]string{"/sub": linkHK, "/tmpl.ini": tmpl})
	e := newEngine(t, Options{})

	req := request(model.TargetClash, up.URL+"/sub")
	req.TemplateURL = up.URL + "/tmpl.ini"
	res := e.Convert(context.Background(), req)
	if res.Success || res.Error == nil || res.Error.Code != model.CodeConfigError {
		t.Fatalf("res=%+v, want CONFIG_ERROR", res)
	}
	if !strings.HasPrefix(res.Error.Hint, "GROUP_CYCLE") {
		t.Fatalf("hint=%q, want GROUP_CYCLE", res.Error.Hint)
	}
}

func TestConvert_InvalidArguments(t *testing.T) {
	e := newEngine(t, Options{})
	with := func(edit func(r *model.ConversionRequest)) model.ConversionRequest {
		r := request(model.TargetClash, "https://example.com/sub")
		edit(&r)
		return r
	}
	cases := map[string]model.ConversionRequest{
		"no urls":      request(model.TargetClash),
		"ftp url":      request(model.TargetClash, "ftp://example.com/sub"),
		"bad target":   request("v2ray", "https://example.com/sub"),
		"bad include":  with(func(r *model.ConversionRequest) { r.Include = "(" }),
		"bad rule":     with(func(r *model.ConversionRequest) { r.CustomRules = []string{"BOGUS,x,DIRECT"} }),
		"match rule":   with(func(r *model.ConversionRequest) { r.CustomRules = []string{"MATCH,DIRECT"} }),
		"final rule":   with(func(r *model.ConversionRequest) { r.CustomRules = []string{"FINAL,DIRECT"} }),
		"bad template": with(func(r *model.ConversionRequest) { r.TemplateURL = "file:///etc/passwd" }),
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			res := e.Convert(context.Background(), req)
			if res.Success || res.Error == nil || res.Error.Code != model.CodeInvalidArgument {
				t.Fatalf("res=%+v, want INVALID_ARGUMENT", res)
			}
		})
	}
}

func TestConvert_CustomRulesGoFirst(t *testing.T) {
	up := upstream(t, map[string]string{"/sub": linkHK})
	e := newEngine(t, Options{})

	req := request(model.TargetClash, up.URL+"/sub")
	req.CustomRules = []string{"DOMAIN,first.example.com,DIRECT"}
	res := e.Convert(context.Background(), req)
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	var doc struct {
		Rules []string `yaml:"rules"`
	}
	if err := yaml.Unmarshal([]byte(res.Config), &doc); err != nil {
		t.Fatalf("config is not YAML: %v", err)
	}
	if len(doc.Rules) == 0 || doc.Rules[0] != "DOMAIN,first.example.com,DIRECT" {
		t.Fatalf("rules=%q", doc.Rules)
	}
}

func TestConvert_CachedIdempotent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(linkHK + "\n" + linkUS))
	}))
	defer srv.Close()
	e := newEngine(t, Options{})

	req := request(model.TargetSurge, srv.URL)
	cold := e.Convert(context.Background(), req)
	warm := e.Convert(context.Background(), req)
	if !cold.Success || !warm.Success {
		t.Fatalf("cold=%+v warm=%+v", cold.Error, warm.Error)
	}
	if cold.Cached || !warm.Cached {
		t.Fatalf("cached flags cold=%v warm=%v", cold.Cached, warm.Cached)
	}
	if cold.Config != warm.Config || cold.ID != warm.ID {
		t.Fatalf("warm result differs from cold")
	}
	if hits.Load() != 1 {
		t.Fatalf("upstream hits=%d, want=1", hits.Load())
	}

	got, aerr := e.Lookup(cold.ID)
	if aerr != nil || got.Config != cold.Config {
		t.Fatalf("Lookup(%q) err=%+v", cold.ID, aerr)
	}
	if !e.Invalidate(cold.ID) {
		t.Fatalf("Invalidate=false")
	}
	if _, aerr := e.Lookup(cold.ID); aerr == nil || aerr.Code != model.CodeNotFound {
		t.Fatalf("Lookup after invalidate err=%+v, want NOT_FOUND", aerr)
	}
}

func TestConvert_SingleflightConcurrent(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(100 * time.Millisecond)
		_, _ = w.Write([]byte(linkHK))
	}))
	defer srv.Close()
	e := newEngine(t, Options{})

	const k = 6
	var wg sync.WaitGroup
	configs := make([]string, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res := e.Convert(context.Background(), request(model.TargetClash, srv.URL))
			if !res.Success {
				t.Errorf("caller %d: %+v", i, res.Error)
			}
			configs[i] = res.Config
		}(i)
	}
	wg.Wait()

	if hits.Load() != 1 {
		t.Fatalf("upstream hits=%d, want=1", hits.Load())
	}
	for i := 1; i < k; i++ {
		if configs[i] != configs[0] {
			t.Fatalf("caller %d got a different config", i)
		}
	}
	if st := e.Stats(); st.Builds != 1 {
		t.Fatalf("builds=%d, want=1", st.Builds)
	}
}

func TestConvert_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer srv.Close()
	e := newEngine(t, Options{ConvertTimeout: 100 * time.Millisecond})

	start := time.Now()
	res := e.Convert(context.Background(), request(model.TargetClash, srv.URL))
	if res.Success || res.Error == nil || res.Error.Code != model.CodeTimeout {
		t.Fatalf("res=%+v, want TIMEOUT", res)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatalf("timeout not enforced: %s", time.Since(start))
	}
	if e.Stats().Entries != 0 {
		t.Fatalf("timed out result was cached")
	}
}

func TestConvert_ManagedConfigHeader(t *testing.T) {
	up := upstream(t, map[string]string{"/sub": linkHK})
	e := newEngine(t, Options{PublicBaseURL: "https://sub.example.com/"})

	res := e.Convert(context.Background(), request(model.TargetSurge, up.URL+"/sub"))
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	want := "#!MANAGED-CONFIG https://sub.example.com/sub/" + res.ID + " interval=86400 strict=false\n"
	if !strings.HasPrefix(res.Config, want) {
		t.Fatalf("config head=%q, want=%q", strings.SplitN(res.Config, "\n", 2)[0], want)
	}
}

func TestConvert_UnsupportedProtocolDroppedWithWarning(t *testing.T) {
	wg := "wg://priv@203.0.113.9:51820?publickey=pub#WG-01"
	up := upstream(t, map[string]string{"/sub": linkHK + "\n" + wg})
	e := newEngine(t, Options{})

	res := e.Convert(context.Background(), request(model.TargetSurge, up.URL+"/sub"))
	if !res.Success {
		t.Fatalf("conversion failed: %+v", res.Error)
	}
	if res.NodeCount != 1 {
		t.Fatalf("node_count=%d, want=1", res.NodeCount)
	}
	if !hasWarning(res.Warnings, model.CodeRenderUnsupported, "") {
		t.Fatalf("warnings=%+v, want RENDER_UNSUPPORTED", res.Warnings)
	}
}

func TestFilename(t *testing.T) {
	cases := []struct {
		in     string
		target model.Target
		want   string
	}{
		{"", model.TargetClash, "config.yaml"},
		{"  ", model.TargetSurge, "config.conf"},
		{"my:config?", model.TargetClash, "my_config_.yaml"},
		{"a/b\\c", model.TargetLoon, "a_b_c.conf"},
		{"home.yaml", model.TargetClash, "home.yaml"},
		{strings.Repeat("节", 40), model.TargetClash, strings.Repeat("节", 33) + ".yaml"},
	}
	for _, tc := range cases {
		if got := Filename(tc.in, tc.target); got != tc.want {
			t.Fatalf("Filename(%q)=%q, want=%q", tc.in, got, tc.want)
		}
	}
}

func TestFeaturesAndProtocols(t *testing.T) {
	e := newEngine(t, Options{})
	f := e.Features()
	if len(f.Targets) != len(model.Targets) || len(f.GroupTypes) != 4 {
		t.Fatalf("features=%+v", f)
	}

	var hy2, wg *ProtocolSupport
	ps := e.Protocols()
	for i := range ps {
		switch ps[i].Protocol {
		case model.ProtocolHysteria2:
			hy2 = &ps[i]
		case model.ProtocolWireGuard:
			wg = &ps[i]
		}
	}
	if hy2 == nil || strings.Join(hy2.Schemes, ",") != "hy2,hysteria2" {
		t.Fatalf("hysteria2=%+v", hy2)
	}
	if wg == nil || len(wg.Targets) != 1 || wg.Targets[0] != model.TargetClash {
		t.Fatalf("wireguard=%+v", wg)
	}
}
