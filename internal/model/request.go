package model

import (
	"strings"
	"time"
)

type Target string

const (
	TargetClash     Target = "clash"
	TargetSurge     Target = "surge"
	TargetQuanX     Target = "quantumult-x"
	TargetLoon      Target = "loon"
	TargetSurfboard Target = "surfboard"
)

var Targets = []Target{TargetClash, TargetSurge, TargetQuanX, TargetLoon, TargetSurfboard}

// ParseTarget accepts the canonical names plus the short forms clients send.
func ParseTarget(s string) (Target, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "clash", "clashmeta", "clash-meta", "mihomo":
		return TargetClash, true
	case "surge":
		return TargetSurge, true
	case "quantumult-x", "quantumultx", "quanx", "qx":
		return TargetQuanX, true
	case "loon":
		return TargetLoon, true
	case "surfboard":
		return TargetSurfboard, true
	}
	return "", false
}

// Ext is the file extension of a rendered artifact.
func (t Target) Ext() string {
	if t == TargetClash {
		return ".yaml"
	}
	return ".conf"
}

func (t Target) ContentType() string {
	if t == TargetClash {
		return "text/yaml; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// RenameRule replaces Pattern (a regexp) with Replace; $1 style expansion
// is supported.
type RenameRule struct {
	Pattern string `json:"pattern"`
	Replace string `json:"replace"`
}

type ConversionRequest struct {
	URLs        []string     `json:"urls"`
	Target      Target       `json:"target"`
	TemplateURL string       `json:"template_url,omitempty"`
	Include     string       `json:"include,omitempty"`
	Exclude     string       `json:"exclude,omitempty"`
	Rename      []RenameRule `json:"rename,omitempty"`
	CustomRules []string     `json:"custom_rules,omitempty"`
	Filename    string       `json:"filename,omitempty"`

	Emoji bool `json:"emoji"`
	UDP   bool `json:"udp"`
	TFO   bool `json:"tfo"`
	SCV   bool `json:"scv"` // skip-cert-verify
	FDN   bool `json:"fdn"` // filter non-default ports
	Sort  bool `json:"sort"`
}

// DefaultRequest returns the request defaults used by both the JSON and the
// query-string form.
func DefaultRequest() ConversionRequest {
	return ConversionRequest{Target: TargetClash, Emoji: true, UDP: true}
}

// Normalized trims every field, drops empty URLs and rule lines, and
// canonicalises the target. URL order is kept.
func (r ConversionRequest) Normalized() ConversionRequest {
	out := r
	out.URLs = trimNonEmpty(r.URLs)
	out.CustomRules = trimNonEmpty(r.CustomRules)
	if t, ok := ParseTarget(string(r.Target)); ok {
		out.Target = t
	} else {
		out.Target = Target(strings.ToLower(strings.TrimSpace(string(r.Target))))
	}
	out.TemplateURL = strings.TrimSpace(r.TemplateURL)
	out.Include = strings.TrimSpace(r.Include)
	out.Exclude = strings.TrimSpace(r.Exclude)
	out.Filename = strings.TrimSpace(r.Filename)
	if len(r.Rename) > 0 {
		out.Rename = make([]RenameRule, 0, len(r.Rename))
		for _, rr := range r.Rename {
			if rr.Pattern == "" {
				continue
			}
			out.Rename = append(out.Rename, rr)
		}
	}
	if len(out.Rename) == 0 {
		out.Rename = nil
	}
	return out
}

func trimNonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

type ConversionResult struct {
	Success   bool       `json:"success"`
	ID        string     `json:"id,omitempty"`
	Target    Target     `json:"target,omitempty"`
	Filename  string     `json:"filename,omitempty"`
	NodeCount int        `json:"node_count"`
	Config    string     `json:"config,omitempty"`
	Warnings  []AppError `json:"warnings,omitempty"`
	Error     *AppError  `json:"error,omitempty"`
	Cached    bool       `json:"cached"`
	CreatedAt time.Time  `json:"created_at,omitzero"`
}

// Failed builds a failed result carrying err.
func Failed(err AppError) ConversionResult {
	return ConversionResult{Success: false, Error: &err}
}
