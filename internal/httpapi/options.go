package httpapi

import (
	"strings"
	"time"

	"github.com/guancn/clashsubsys/internal/engine"
)

// Options controls HTTP API runtime behavior.
type Options struct {
	// Engine runs conversions and owns the cache. When nil a default engine
	// is built, which is what tests use.
	Engine *engine.Engine

	// ProbeTimeout bounds one /api/validate HEAD request.
	ProbeTimeout time.Duration

	// MaxBodyBytes caps JSON request bodies.
	MaxBodyBytes int64

	// PublicBaseURL is the origin used for download links. When empty it is
	// derived from the incoming request.
	PublicBaseURL string
}

func (o Options) withDefaults() Options {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 10 * time.Second
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	o.PublicBaseURL = strings.TrimRight(strings.TrimSpace(o.PublicBaseURL), "/")
	return o
}
