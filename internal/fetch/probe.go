package fetch

import (
	"context"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const probeTimeout = 10 * time.Second

type ProbeResult struct {
	URL    string `json:"url"`
	Valid  bool   `json:"valid"`
	Status int    `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Prober issues HEAD requests and remembers answers briefly, so a UI that
// validates on every keystroke does not hammer the upstream.
type Prober struct {
	f    *Fetcher
	memo *gocache.Cache
}

func NewProber(f *Fetcher, ttl time.Duration) *Prober {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Prober{f: f, memo: gocache.New(ttl, 2*ttl)}
}

func (p *Prober) Probe(ctx context.Context, rawURL string) ProbeResult {
	if v, ok := p.memo.Get(rawURL); ok {
		return v.(ProbeResult)
	}

	res := ProbeResult{URL: rawURL}
	if err := ValidateURL(rawURL); err != nil {
		res.Error = "仅允许 http/https URL"
		return res
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	req.Header.Set("User-Agent", p.f.opt.UserAgent)

	resp, err := p.f.client.Do(req)
	if err != nil {
		res.Error = p.f.classifyDoError(err, "validate", rawURL).AppError.Message
		// Network failures are not memoized; the next probe may succeed.
		return res
	}
	_ = resp.Body.Close()

	res.Status = resp.StatusCode
	res.Valid = resp.StatusCode >= 200 && resp.StatusCode < 400
	p.memo.Set(rawURL, res, gocache.DefaultExpiration)
	return res
}

func (p *Prober) Flush() { p.memo.Flush() }
