package transform

import (
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/guancn/clashsubsys/internal/model"
)

func ss(name, server string, port int) model.Proxy {
	return model.Proxy{Type: model.ProtocolSS, Name: name, Server: server, Port: port, Cipher: "aes-256-gcm", Password: "pw-" + server}
}

func names(ps []model.Proxy) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		out = append(out, p.Name)
	}
	return out
}

func mustPipeline(t *testing.T, req model.ConversionRequest) *Pipeline {
	t.Helper()
	p, err := New(req, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestApply_ExcludeBeforeRename(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{
		Exclude: "B",
		Rename:  []model.RenameRule{{Pattern: "old", Replace: "new"}},
	})
	got := names(p.Apply([]model.Proxy{ss("A-old", "a.com", 443), ss("B-old", "b.com", 443)}, nil))
	if strings.Join(got, ",") != "A-new" {
		t.Fatalf("names=%q, want=%q", got, []string{"A-new"})
	}
}

func TestApply_RenameFirstMatchWins(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{
		Rename: []model.RenameRule{
			{Pattern: `^HK-(\d+)$`, Replace: "Hong Kong $1"},
			{Pattern: "HK", Replace: "XX"},
		},
	})
	got := names(p.Apply([]model.Proxy{ss("HK-01", "a.com", 443), ss("hk relay", "b.com", 443)}, nil))
	if got[0] != "Hong Kong 01" || got[1] != "XX relay" {
		t.Fatalf("names=%q", got)
	}
}

func TestApply_RenamedDuplicatesCollapse(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{
		Rename: []model.RenameRule{{Pattern: `\s*\(copy\)`, Replace: ""}},
	})
	a := ss("JP", "jp.example.com", 443)
	b := a
	b.Name = "JP (copy)"
	got := p.Apply([]model.Proxy{a, b, ss("JP", "jp2.example.com", 443)}, nil)
	if want := "JP,JP-2"; strings.Join(names(got), ",") != want {
		t.Fatalf("names=%q, want=%q", names(got), want)
	}
}

func TestApply_FDNRunsBeforeDedup(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{FDN: true})
	got := p.Apply([]model.Proxy{ss("a", "a.com", 8388), ss("b", "b.com", 443), ss("c", "c.com", 80)}, nil)
	if want := "b,c"; strings.Join(names(got), ",") != want {
		t.Fatalf("names=%q, want=%q", names(got), want)
	}
}

func TestApply_IncludeCaseInsensitive(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{Include: "hk|jp"})
	got := p.Apply([]model.Proxy{ss("HK-01", "a.com", 1), ss("US-01", "b.com", 1), ss("Jp 2", "c.com", 1)}, nil)
	if want := "HK-01,Jp 2"; strings.Join(names(got), ",") != want {
		t.Fatalf("names=%q, want=%q", names(got), want)
	}
}

func TestApply_EmojiAndSort(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{Emoji: true, Sort: true})
	got := names(p.Apply([]model.Proxy{
		ss("US-01", "a.com", 1),
		ss("HK-01", "b.com", 1),
		ss("\U0001F1EF\U0001F1F5 Tokyo", "c.com", 1),
		ss("Russia 1", "d.com", 1),
		ss("mystery", "e.com", 1),
	}, nil))
	want := []string{
		"mystery",
		"\U0001F1ED\U0001F1F0 HK-01",
		"\U0001F1EF\U0001F1F5 Tokyo",
		"\U0001F1F7\U0001F1FA Russia 1",
		"\U0001F1FA\U0001F1F8 US-01",
	}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("names=%q, want=%q", got, want)
	}
}

type fakeGeo map[string]string

func (f fakeGeo) Country(ip net.IP) (string, bool) {
	c, ok := f[ip.String()]
	return c, ok
}

func TestApply_EmojiFallsBackToGeo(t *testing.T) {
	p, err := New(model.ConversionRequest{Emoji: true}, fakeGeo{"203.0.113.7": "SG"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	got := names(p.Apply([]model.Proxy{ss("node", "203.0.113.7", 1), ss("other", "198.51.100.1", 1)}, nil))
	if got[0] != "\U0001F1F8\U0001F1EC node" || got[1] != "other" {
		t.Fatalf("names=%q", got)
	}
}

func TestApply_FlagsForceEnable(t *testing.T) {
	p := mustPipeline(t, model.ConversionRequest{UDP: true, TFO: true, SCV: true})
	got := p.Apply([]model.Proxy{ss("a", "a.com", 1)}, nil)
	if !got[0].UDP || !got[0].TFO || !got[0].SkipCertVerify {
		t.Fatalf("flags not applied: %+v", got[0])
	}
}

func TestAssignNames_ReservedAndEmpty(t *testing.T) {
	nodes := []model.Proxy{ss("DIRECT", "a.com", 1), ss("", "b.com", 2), ss("Proxy", "c.com", 3), ss("a=b", "d.com", 4)}
	AssignNames(nodes, []string{"Proxy"})
	want := []string{"DIRECT-2", "b.com:2", "Proxy-2", "a-b"}
	if strings.Join(names(nodes), ",") != strings.Join(want, ",") {
		t.Fatalf("names=%q, want=%q", names(nodes), want)
	}
}

func TestNew_BadPattern(t *testing.T) {
	_, err := New(model.ConversionRequest{Include: "("}, nil)
	var te *TransformError
	if !errors.As(err, &te) {
		t.Fatalf("expected *TransformError, got %T: %v", err, err)
	}
	if te.AppError.Code != model.CodeInvalidArgument {
		t.Fatalf("code=%q, want=%q", te.AppError.Code, model.CodeInvalidArgument)
	}
}

func TestFlagOf(t *testing.T) {
	if got := flagOf("hk"); got != "\U0001F1ED\U0001F1F0" {
		t.Fatalf("flag=%q", got)
	}
	if got := flagOf("H1"); got != "" {
		t.Fatalf("flag=%q, want empty", got)
	}
}

func TestRegionOf(t *testing.T) {
	cases := map[string]string{
		"US No.1":       "US",
		"No.1 US":       "US",
		"Node in US":    "US",
		"It's JP-02":    "JP",
		"HK-01":         "HK",
		"香港 IPLC":       "HK",
		"台湾 01":         "TW",
		"印度尼西亚 01":      "ID",
		"印度 01":         "IN",
		"香港-美国中转":       "HK",
		"Russia 03":     "RU",
		"[SG] Premium":  "SG",
		"Oslo Norway 1": "NO",
	}
	for name, want := range cases {
		got, ok := RegionOf(name)
		if !ok || got != want {
			t.Fatalf("RegionOf(%q)=%q,%v, want=%q", name, got, ok, want)
		}
	}

	for _, name := range []string{"平台 01", "Premium 01", "my node", "in stock"} {
		if got, ok := RegionOf(name); ok {
			t.Fatalf("RegionOf(%q)=%q, want no match", name, got)
		}
	}
}
