package fetch

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// SourceResult is the outcome of one URL in a FetchAll batch. Exactly one of
// Text and Err is meaningful.
type SourceResult struct {
	URL  string
	Text string
	Err  error
}

func (r SourceResult) OK() bool { return r.Err == nil }

// FetchAll fetches urls with at most Options.Concurrency requests in flight.
// Individual failures are reported per result and never cancel siblings; the
// returned slice is index-aligned with urls.
func (f *Fetcher) FetchAll(ctx context.Context, kind Kind, urls []string) []SourceResult {
	out := make([]SourceResult, len(urls))
	if len(urls) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(f.opt.Concurrency)
	for i, u := range urls {
		out[i].URL = u
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Err = err
				return nil
			}
			text, err := f.Fetch(ctx, kind, u)
			out[i].Text = text
			out[i].Err = err
			return nil
		})
	}
	_ = g.Wait()
	return out
}
