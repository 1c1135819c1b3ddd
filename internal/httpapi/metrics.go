package httpapi

import (
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/guancn/clashsubsys/internal/model"
)

// metricsStore holds a few process-wide counters rendered in Prometheus text
// format.
type metricsStore struct {
	mu sync.Mutex

	httpRequestsTotal uint64
	httpByPattern     map[reqKey]uint64

	appErrors   map[errKey]uint64
	conversions map[convKey]uint64
	warnings    map[string]uint64
}

type convKey struct {
	Target string
	Result string // success | failure
	Cache  string // hit | miss
}

type reqKey struct {
	Pattern string
	Status  int
}

type errKey struct {
	Stage string
	Code  string
}

func newMetricsStore() *metricsStore {
	return &metricsStore{
		httpByPattern: make(map[reqKey]uint64),
		appErrors:     make(map[errKey]uint64),
		conversions:   make(map[convKey]uint64),
		warnings:      make(map[string]uint64),
	}
}

var metrics = newMetricsStore()

func metricsIncRequest(pattern string, status int) {
	if status == 0 {
		status = http.StatusOK
	}
	if pattern == "" {
		pattern = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.httpRequestsTotal++
	metrics.httpByPattern[reqKey{Pattern: pattern, Status: status}]++
	metrics.mu.Unlock()
}

func metricsIncAppError(stage, code string) {
	stage = strings.TrimSpace(stage)
	code = strings.TrimSpace(code)
	if stage == "" {
		stage = "(unknown)"
	}
	if code == "" {
		code = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.appErrors[errKey{Stage: stage, Code: code}]++
	metrics.mu.Unlock()
}

func metricsIncConversion(res model.ConversionResult) {
	k := convKey{Target: string(res.Target), Result: "success", Cache: "miss"}
	if !res.Success {
		k.Result = "failure"
	}
	if res.Cached {
		k.Cache = "hit"
	}
	if k.Target == "" {
		k.Target = "(unknown)"
	}

	metrics.mu.Lock()
	metrics.conversions[k]++
	if !res.Cached {
		for _, w := range res.Warnings {
			metrics.warnings[w.Code]++
		}
	}
	metrics.mu.Unlock()
}

type reqMetric struct {
	reqKey
	N uint64
}

type errMetric struct {
	errKey
	N uint64
}

type convMetric struct {
	convKey
	N uint64
}

type warnMetric struct {
	Code string
	N    uint64
}

func metricsConversions() (convs []convMetric, warns []warnMetric) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	for k, n := range metrics.conversions {
		convs = append(convs, convMetric{convKey: k, N: n})
	}
	for code, n := range metrics.warnings {
		warns = append(warns, warnMetric{Code: code, N: n})
	}
	sort.Slice(convs, func(i, j int) bool {
		a, b := convs[i], convs[j]
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		if a.Result != b.Result {
			return a.Result < b.Result
		}
		return a.Cache < b.Cache
	})
	sort.Slice(warns, func(i, j int) bool { return warns[i].Code < warns[j].Code })
	return convs, warns
}

func metricsSnapshot() (httpTotal uint64, reqs []reqMetric, errs []errMetric) {
	metrics.mu.Lock()
	defer metrics.mu.Unlock()

	httpTotal = metrics.httpRequestsTotal

	reqs = make([]reqMetric, 0, len(metrics.httpByPattern))
	for k, n := range metrics.httpByPattern {
		reqs = append(reqs, reqMetric{reqKey: k, N: n})
	}
	errs = make([]errMetric, 0, len(metrics.appErrors))
	for k, n := range metrics.appErrors {
		errs = append(errs, errMetric{errKey: k, N: n})
	}

	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Pattern != reqs[j].Pattern {
			return reqs[i].Pattern < reqs[j].Pattern
		}
		return reqs[i].Status < reqs[j].Status
	})
	sort.Slice(errs, func(i, j int) bool {
		if errs[i].Stage != errs[j].Stage {
			return errs[i].Stage < errs[j].Stage
		}
		return errs[i].Code < errs[j].Code
	})
	return httpTotal, reqs, errs
}

func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")

	total, reqs, errs := metricsSnapshot()
	convs, warns := metricsConversions()
	st := s.eng.Stats()

	var b strings.Builder

	b.WriteString("# HELP clashsubsys_http_requests_total Total HTTP requests.\n")
	b.WriteString("# TYPE clashsubsys_http_requests_total counter\n")
	b.WriteString("clashsubsys_http_requests_total ")
	b.WriteString(strconv.FormatUint(total, 10))
	b.WriteByte('\n')

	b.WriteString("# HELP clashsubsys_http_requests_by_pattern_total HTTP requests by ServeMux pattern and status.\n")
	b.WriteString("# TYPE clashsubsys_http_requests_by_pattern_total counter\n")
	for _, m := range reqs {
		fmt.Fprintf(&b, "clashsubsys_http_requests_by_pattern_total{pattern=\"%s\",status=\"%d\"} %d\n",
			promLabelEscape(m.Pattern), m.Status, m.N)
	}

	b.WriteString("# HELP clashsubsys_app_errors_total Application errors returned to clients.\n")
	b.WriteString("# TYPE clashsubsys_app_errors_total counter\n")
	for _, m := range errs {
		fmt.Fprintf(&b, "clashsubsys_app_errors_total{stage=\"%s\",code=\"%s\"} %d\n",
			promLabelEscape(m.Stage), promLabelEscape(m.Code), m.N)
	}

	b.WriteString("# HELP clashsubsys_conversions_total Conversions by target, outcome and cache use.\n")
	b.WriteString("# TYPE clashsubsys_conversions_total counter\n")
	for _, m := range convs {
		fmt.Fprintf(&b, "clashsubsys_conversions_total{target=\"%s\",result=\"%s\",cache=\"%s\"} %d\n",
			promLabelEscape(m.Target), m.Result, m.Cache, m.N)
	}

	b.WriteString("# HELP clashsubsys_conversion_warnings_total Non-fatal conversion warnings by code.\n")
	b.WriteString("# TYPE clashsubsys_conversion_warnings_total counter\n")
	for _, m := range warns {
		fmt.Fprintf(&b, "clashsubsys_conversion_warnings_total{code=\"%s\"} %d\n", promLabelEscape(m.Code), m.N)
	}

	gauge := func(name, help string, v float64) {
		fmt.Fprintf(&b, "# HELP %s %s\n# TYPE %s gauge\n%s %s\n", name, help, name, name, strconv.FormatFloat(v, 'g', -1, 64))
	}
	gauge("clashsubsys_cache_entries", "Live conversion cache entries.", float64(st.Entries))
	gauge("clashsubsys_cache_capacity", "Conversion cache capacity.", float64(st.Capacity))
	gauge("clashsubsys_cache_bytes", "Compressed bytes held by the conversion cache.", float64(st.Bytes))
	gauge("clashsubsys_cache_hits", "Conversion cache hits since start.", float64(st.Hits))
	gauge("clashsubsys_cache_misses", "Conversion cache misses since start.", float64(st.Misses))
	gauge("clashsubsys_cache_builds", "Conversion builds since start.", float64(st.Builds))
	gauge("clashsubsys_cache_evictions", "LRU evictions since start.", float64(st.Evictions))

	_, _ = fmt.Fprint(w, b.String())
}

func promLabelEscape(s string) string {
	// Prometheus label value escaping: backslash and double quote.
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
