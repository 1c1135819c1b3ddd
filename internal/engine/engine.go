// Package engine runs one conversion end to end: parallel fetch of the
// subscriptions and the rule template, decode, node transformation, group
// binding, rendering and template assembly. Results go through the
// conversion cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/guancn/clashsubsys/internal/cache"
	"github.com/guancn/clashsubsys/internal/compiler"
	"github.com/guancn/clashsubsys/internal/fetch"
	"github.com/guancn/clashsubsys/internal/model"
	"github.com/guancn/clashsubsys/internal/profile"
	"github.com/guancn/clashsubsys/internal/render"
	"github.com/guancn/clashsubsys/internal/rules"
	"github.com/guancn/clashsubsys/internal/sub"
	"github.com/guancn/clashsubsys/internal/template"
	"github.com/guancn/clashsubsys/internal/transform"
)

type Options struct {
	// ConvertTimeout bounds one whole conversion, fetches included.
	ConvertTimeout time.Duration

	Fetcher *fetch.Fetcher
	Cache   *cache.Cache
	Prober  *fetch.Prober

	// Geo is optional; without it the emoji step only looks at node names.
	Geo transform.GeoResolver

	// PublicBaseURL is the externally visible origin of the HTTP API. When
	// set, managed-config headers point at PublicBaseURL/sub/<id>.
	PublicBaseURL string
}

func (o Options) withDefaults() Options {
	if o.ConvertTimeout <= 0 {
		o.ConvertTimeout = 60 * time.Second
	}
	o.PublicBaseURL = strings.TrimRight(strings.TrimSpace(o.PublicBaseURL), "/")
	return o
}

type Engine struct {
	opt Options
}

func New(opt Options) (*Engine, error) {
	opt = opt.withDefaults()
	if opt.Fetcher == nil {
		f, err := fetch.New(fetch.Options{})
		if err != nil {
			return nil, err
		}
		opt.Fetcher = f
	}
	if opt.Cache == nil {
		c, err := cache.New(cache.Options{})
		if err != nil {
			return nil, err
		}
		opt.Cache = c
	}
	if opt.Prober == nil {
		opt.Prober = fetch.NewProber(opt.Fetcher, 0)
	}
	return &Engine{opt: opt}, nil
}

func (e *Engine) Options() Options { return e.opt }

// Convert never returns a Go error: every failure is carried by the result.
func (e *Engine) Convert(ctx context.Context, req model.ConversionRequest) model.ConversionResult {
	req = req.Normalized()
	if err := validate(req); err != nil {
		return model.Failed(AppErrorOf(err))
	}

	res, err := e.opt.Cache.GetOrBuild(ctx, req, func(bctx context.Context) model.ConversionResult {
		return e.build(bctx, req)
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return model.Failed(timeoutError(err).AppError)
		}
		return model.Failed(model.AppError{
			Code:    model.CodeTimeout,
			Message: "请求已取消",
			Stage:   "convert",
			Hint:    err.Error(),
		})
	}
	return res
}

func validate(req model.ConversionRequest) error {
	if len(req.URLs) == 0 {
		return invalidArgument("至少需要一个订阅 URL", "")
	}
	for _, u := range req.URLs {
		if err := fetch.ValidateURL(u); err != nil {
			return invalidArgument("订阅 URL 仅允许 http/https", u)
		}
	}
	if _, ok := model.ParseTarget(string(req.Target)); !ok {
		return invalidArgument("不支持的目标格式："+string(req.Target), string(req.Target))
	}
	if req.TemplateURL != "" {
		if err := fetch.ValidateURL(req.TemplateURL); err != nil {
			return invalidArgument("规则模板 URL 仅允许 http/https", req.TemplateURL)
		}
	}
	if _, err := transform.New(req, nil); err != nil {
		return err
	}
	for _, line := range req.CustomRules {
		r, err := rules.ParseInlineRule(line)
		if err != nil {
			ee := invalidArgument("自定义规则不合法", line)
			ee.AppError.Hint = err.Error()
			ee.Cause = err
			return ee
		}
		// Custom rules go in front of the template, so a catch-all here
		// would never be last.
		if r.Type == "MATCH" {
			ee := invalidArgument("自定义规则不允许 MATCH/FINAL", line)
			ee.AppError.Hint = "the template supplies the catch-all rule"
			return ee
		}
	}
	return nil
}

// loaded is what the fetch phase hands to the CPU-bound phase.
type loaded struct {
	sources  []fetch.SourceResult
	prof     *profile.Spec
	rulesets map[string][]model.Rule
	base     string
	baseURL  string
	warnings []model.AppError
}

func (e *Engine) build(ctx context.Context, req model.ConversionRequest) model.ConversionResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, e.opt.ConvertTimeout)
	defer cancel()

	res, err := e.run(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		ae := AppErrorOf(err)
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			ae = timeoutError(err).AppError
		}
		logrus.Warnf("[Engine] 转换失败 target=%s code=%s stage=%s: %s", req.Target, ae.Code, ae.Stage, ae.Message)
		return model.Failed(ae)
	}

	for _, w := range res.Warnings {
		logrus.Debugf("[Engine] warning code=%s stage=%s url=%s line=%d: %s", w.Code, w.Stage, w.URL, w.Line, w.Message)
	}
	logrus.Infof("[Engine] 转换完成 target=%s sources=%d nodes=%d warnings=%d elapsed=%s",
		req.Target, len(req.URLs), res.NodeCount, len(res.Warnings), time.Since(start).Round(time.Millisecond))
	return res
}

func (e *Engine) run(ctx context.Context, req model.ConversionRequest) (model.ConversionResult, error) {
	target, _ := model.ParseTarget(string(req.Target))

	ld, err := e.load(ctx, req, target)
	if err != nil {
		return model.ConversionResult{}, err
	}
	warnings := ld.warnings

	// Union in URL order so dedup keeps the first source's node.
	var nodes []model.Proxy
	for _, sr := range ld.sources {
		if !sr.OK() {
			warnings = append(warnings, warningOf(sr.Err))
			continue
		}
		parsed, err := sub.ParseSubscriptionText(sr.URL, sr.Text)
		// Skipped lines are reported even when the source as a whole failed.
		warnings = append(warnings, parsed.Warnings...)
		if err != nil {
			warnings = append(warnings, AppErrorOf(err))
			continue
		}
		nodes = append(nodes, parsed.Proxies...)
	}
	if len(nodes) == 0 {
		return model.ConversionResult{}, emptyResult("所有订阅源均未解析出节点", "检查订阅 URL 是否可访问以及内容格式")
	}

	pipe, err := transform.New(req, e.opt.Geo)
	if err != nil {
		return model.ConversionResult{}, err
	}
	nodes = pipe.Apply(nodes, ld.prof.GroupNames())
	if len(nodes) == 0 {
		return model.ConversionResult{}, emptyResult("过滤后没有剩余节点", "检查 include/exclude/fdn 设置")
	}

	custom := make([]model.Rule, 0, len(req.CustomRules))
	for _, line := range req.CustomRules {
		r, err := rules.ParseInlineRule(line)
		if err != nil {
			return model.ConversionResult{}, err
		}
		custom = append(custom, r)
	}
	compiled, err := compiler.Compile(nodes, ld.prof, compiler.Options{CustomRules: custom, Rulesets: ld.rulesets})
	if err != nil {
		return model.ConversionResult{}, err
	}

	out, err := render.Render(target, compiled)
	if err != nil {
		return model.ConversionResult{}, err
	}
	warnings = append(warnings, out.Warnings...)
	if out.NodeCount == 0 {
		return model.ConversionResult{}, emptyResult(fmt.Sprintf("目标格式 %s 不支持任何已解析的节点", target), "换一个目标格式或检查节点协议")
	}

	opt := template.AssembleOptions{Target: target, Base: ld.base, TemplateURL: ld.baseURL}
	if e.opt.PublicBaseURL != "" {
		opt.ManagedURL = e.opt.PublicBaseURL + "/sub/" + cache.Fingerprint(req)
	}
	config, err := template.Assemble(out.Blocks, opt)
	if err != nil {
		return model.ConversionResult{}, err
	}

	return model.ConversionResult{
		Success:   true,
		Target:    target,
		Filename:  Filename(req.Filename, target),
		NodeCount: out.NodeCount,
		Config:    config,
		Warnings:  warnings,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// load runs the I/O phase: subscriptions in one goroutine, the template and
// whatever it references in another. Per-source failures are data; only a
// broken template document or the deadline fails the phase.
func (e *Engine) load(ctx context.Context, req model.ConversionRequest, target model.Target) (*loaded, error) {
	ld := &loaded{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ld.sources = e.opt.Fetcher.FetchAll(gctx, fetch.KindSubscription, req.URLs)
		return nil
	})

	var tw []model.AppError
	g.Go(func() error {
		prof, warns, err := e.loadProfile(gctx, req.TemplateURL)
		if err != nil {
			return err
		}
		tw = warns
		ld.prof = prof

		sets, warns := e.loadRulesets(gctx, prof)
		tw = append(tw, warns...)
		ld.rulesets = sets

		if u := prof.Template[target]; u != "" {
			text, err := e.opt.Fetcher.Fetch(gctx, fetch.KindTemplate, u)
			if err != nil {
				tw = append(tw, warningOf(err))
			} else {
				ld.base, ld.baseURL = text, u
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ld.warnings = tw
	return ld, nil
}

func (e *Engine) loadProfile(ctx context.Context, templateURL string) (*profile.Spec, []model.AppError, error) {
	if templateURL == "" {
		return profile.Default(), nil, nil
	}
	text, err := e.opt.Fetcher.Fetch(ctx, fetch.KindTemplate, templateURL)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		w := warningOf(err)
		w.Message = "规则模板拉取失败，已回退为全部直连模板：" + w.Message
		logrus.Warnf("[Engine] 规则模板不可用 url=%s: %v", templateURL, err)
		return profile.DirectAll(), []model.AppError{w}, nil
	}
	prof, err := profile.Parse(templateURL, text)
	if err != nil {
		return nil, nil, err
	}
	return prof, nil, nil
}

// loadRulesets fetches every remote ruleset once. A ruleset that cannot be
// fetched or parsed is left out of the map, which the compiler skips.
func (e *Engine) loadRulesets(ctx context.Context, prof *profile.Spec) (map[string][]model.Rule, []model.AppError) {
	urls := prof.RulesetURLs()
	if len(urls) == 0 {
		return nil, nil
	}
	actions := make(map[string]string, len(urls))
	for _, it := range prof.Rules {
		if it.Ruleset == nil {
			continue
		}
		if _, ok := actions[it.Ruleset.URL]; !ok {
			actions[it.Ruleset.URL] = it.Ruleset.Action
		}
	}

	var warns []model.AppError
	out := make(map[string][]model.Rule, len(urls))
	for _, sr := range e.opt.Fetcher.FetchAll(ctx, fetch.KindRuleset, urls) {
		if !sr.OK() {
			warns = append(warns, warningOf(sr.Err))
			continue
		}
		parsed, err := rules.ParseRulesetText(sr.URL, sr.Text, actions[sr.URL])
		if err != nil {
			warns = append(warns, AppErrorOf(err))
			continue
		}
		warns = append(warns, parsed.Warnings...)
		out[sr.URL] = parsed.Rules
	}
	return out, warns
}

const maxFilenameBytes = 100

// Filename sanitises a requested download name and appends the target's
// extension. An existing matching extension is not doubled.
func Filename(name string, target model.Target) string {
	ext := target.Ext()
	name = strings.TrimSpace(name)
	if strings.HasSuffix(strings.ToLower(name), ext) {
		name = name[:len(name)-len(ext)]
	}
	name = strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		}
		if r < 0x20 || r == 0x7f {
			return '_'
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if len(name) > maxFilenameBytes {
		cut := maxFilenameBytes
		for cut > 0 && name[cut]&0xC0 == 0x80 {
			cut--
		}
		name = strings.TrimSpace(name[:cut])
	}
	if name == "" {
		name = "config"
	}
	return name + ext
}
