package transform

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

type TransformError struct {
	AppError model.AppError
	Cause    error
}

func (e *TransformError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *TransformError) Unwrap() error { return e.Cause }

// defaultPorts are kept by the non-default-port filter.
var defaultPorts = map[int]struct{}{
	80:   {},
	443:  {},
	8080: {},
	8443: {},
}

type renameRule struct {
	re      *regexp.Regexp
	replace string
}

// Pipeline is the compiled node transformation of one request. Every step is
// a pure function over the node list and the steps run in a fixed order.
type Pipeline struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
	rename  []renameRule

	fdn   bool
	emoji bool
	sort  bool

	udp bool
	tfo bool
	scv bool

	geo GeoResolver
}

// New compiles the request patterns. Patterns match case-insensitively.
// geo may be nil.
func New(req model.ConversionRequest, geo GeoResolver) (*Pipeline, error) {
	p := &Pipeline{
		fdn:   req.FDN,
		emoji: req.Emoji,
		sort:  req.Sort,
		udp:   req.UDP,
		tfo:   req.TFO,
		scv:   req.SCV,
		geo:   geo,
	}
	var err error
	if p.include, err = compilePattern("include", req.Include); err != nil {
		return nil, err
	}
	if p.exclude, err = compilePattern("exclude", req.Exclude); err != nil {
		return nil, err
	}
	for _, rr := range req.Rename {
		re, err := compilePattern("rename", rr.Pattern)
		if err != nil {
			return nil, err
		}
		if re == nil {
			continue
		}
		p.rename = append(p.rename, renameRule{re: re, replace: rr.Replace})
	}
	return p, nil
}

func compilePattern(field, s string) (*regexp.Regexp, error) {
	if s == "" {
		return nil, nil
	}
	re, err := regexp.Compile("(?i)" + s)
	if err != nil {
		return nil, &TransformError{
			AppError: model.AppError{
				Code:    model.CodeInvalidArgument,
				Message: fmt.Sprintf("%s 正则不可编译", field),
				Stage:   "transform",
				Snippet: model.TruncateSnippet(s, 200),
			},
			Cause: err,
		}
	}
	return re, nil
}

// Apply runs include, exclude, rename, non-default-port filter, dedup,
// emoji, naming and sort, in that order. reserved names (policy and group
// names) are never handed out to nodes. The input slice is not modified.
func (p *Pipeline) Apply(in []model.Proxy, reserved []string) []model.Proxy {
	out := make([]model.Proxy, 0, len(in))
	for _, n := range in {
		if p.include != nil && !p.include.MatchString(n.Name) {
			continue
		}
		if p.exclude != nil && p.exclude.MatchString(n.Name) {
			continue
		}
		n.Name = p.renamed(n.Name)
		if p.fdn {
			if _, ok := defaultPorts[n.Port]; !ok {
				continue
			}
		}
		out = append(out, n)
	}

	out = Dedup(out)

	for i := range out {
		if p.emoji {
			out[i].Name = withFlag(out[i].Name, out[i].Server, p.geo)
		}
		if p.udp {
			out[i].UDP = true
		}
		if p.tfo {
			out[i].TFO = true
		}
		if p.scv {
			out[i].SkipCertVerify = true
		}
	}

	AssignNames(out, reserved)

	if p.sort {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}
	return out
}

// renamed applies the first rename rule whose pattern matches.
func (p *Pipeline) renamed(name string) string {
	for _, rr := range p.rename {
		if rr.re.MatchString(name) {
			return strings.TrimSpace(rr.re.ReplaceAllString(name, rr.replace))
		}
	}
	return name
}

// Dedup keeps the first node of every identity (protocol, server, port,
// credentials), in input order.
func Dedup(in []model.Proxy) []model.Proxy {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, n := range in {
		key := n.IdentityKey()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}

// AssignNames makes node names unique and non-empty in place, in input order.
// A taken name gets the first free "-N" suffix starting from 2.
func AssignNames(nodes []model.Proxy, reserved []string) {
	used := make(map[string]struct{}, len(nodes)+len(reserved)+2)
	used[model.ActionDirect] = struct{}{}
	used[model.ActionReject] = struct{}{}
	for _, r := range reserved {
		used[r] = struct{}{}
	}
	for i := range nodes {
		base := strings.TrimSpace(nodes[i].Name)
		if base == "" {
			base = fmt.Sprintf("%s:%d", nodes[i].Server, nodes[i].Port)
		}
		// "=", "," and '"' break the Surge-like line formats.
		base = strings.NewReplacer("=", "-", ",", " ", `"`, "'").Replace(base)

		name := base
		if _, ok := used[name]; ok {
			for n := 2; ; n++ {
				try := fmt.Sprintf("%s-%d", base, n)
				if _, ok := used[try]; !ok {
					name = try
					break
				}
			}
		}
		nodes[i].Name = name
		used[name] = struct{}{}
	}
}
