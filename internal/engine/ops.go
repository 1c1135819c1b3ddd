package engine

import (
	"context"
	"sort"

	"github.com/guancn/clashsubsys/internal/cache"
	"github.com/guancn/clashsubsys/internal/fetch"
	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/render"
	"github.com/guancn/clashsubsys/internal/rules"
	"github.com/guancn/clashsubsys/internal/sub"
)

// Lookup returns a previously rendered artifact. NOT_FOUND covers both an
// unknown id and one that expired or was evicted.
func (e *Engine) Lookup(id string) (model.ConversionResult, *model.AppError) {
	res, ok := e.opt.Cache.Get(id)
	if !ok {
		return model.ConversionResult{}, &model.AppError{
			Code:    model.CodeNotFound,
			Message: "缓存条目不存在或已过期",
			Stage:   "cache",
			Hint:    "重新发起转换请求",
		}
	}
	return res, nil
}

func (e *Engine) Stats() cache.Stats { return e.opt.Cache.Stats() }

// Clear empties the conversion cache and the probe memo.
func (e *Engine) Clear() int {
	e.opt.Prober.Flush()
	return e.opt.Cache.Clear()
}

func (e *Engine) Invalidate(id string) bool { return e.opt.Cache.Invalidate(id) }

// Validate is a HEAD reachability probe independent of any conversion.
func (e *Engine) Validate(ctx context.Context, rawURL string) fetch.ProbeResult {
	return e.opt.Prober.Probe(ctx, rawURL)
}

type Features struct {
	Targets    []render.Capability `json:"targets"`
	Schemes    []string            `json:"schemes"`
	RuleTypes  []string            `json:"rule_types"`
	GroupTypes []model.GroupType   `json:"group_types"`
	Flags      []string            `json:"flags"`
}

func (e *Engine) Features() Features {
	return Features{
		Targets:    render.Capabilities(),
		Schemes:    sub.Schemes(),
		RuleTypes:  rules.SupportedTypes(),
		GroupTypes: model.GroupTypes,
		Flags:      []string{"emoji", "udp", "tfo", "scv", "fdn", "sort"},
	}
}

type ProtocolSupport struct {
	Protocol model.Protocol `json:"protocol"`
	Schemes  []string       `json:"schemes"`
	Targets  []model.Target `json:"targets"`
}

// Protocols lists every decodable protocol with the targets able to render it.
func (e *Engine) Protocols() []ProtocolSupport {
	byProto := make(map[model.Protocol][]string)
	for _, s := range sub.Schemes() {
		p, ok := sub.SchemeProtocol(s)
		if !ok {
			continue
		}
		byProto[p] = append(byProto[p], s)
	}

	out := make([]ProtocolSupport, 0, len(byProto))
	for p, schemes := range byProto {
		ps := ProtocolSupport{Protocol: p, Schemes: schemes}
		for _, t := range model.Targets {
			if render.Supports(t, p) {
				ps.Targets = append(ps.Targets, t)
			}
		}
		out = append(out, ps)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Protocol < out[j].Protocol })
	return out
}
