package profile

import (
	_ "embed"
)

var (
	//go:embed builtin/default.ini
	defaultINI string
	//go:embed builtin/direct.ini
	directINI string
)

const (
	SourceDefault = "builtin:default"
	SourceDirect  = "builtin:direct"
)

// Default is the template used when a request names none.
func Default() *Spec { return mustBuiltin(SourceDefault, defaultINI) }

// DirectAll is the fallback when the requested template is unavailable: one
// select group over every node plus DIRECT, and MATCH,DIRECT.
func DirectAll() *Spec { return mustBuiltin(SourceDirect, directINI) }

// A fresh Spec is parsed on every call; callers may not share it.
func mustBuiltin(name, text string) *Spec {
	s, err := ParseINI(name, text)
	if err != nil {
		panic("profile: bad builtin template " + name + ": " + err.Error())
	}
	return s
}
