// Package cache keeps rendered conversion results for a bounded time and
// collapses concurrent identical conversions into one build.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/guancn/clashsubsys/internal/model"
)

type Options struct {
	TTL      time.Duration
	Capacity int
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = 180 * time.Second
	}
	if o.Capacity <= 0 {
		o.Capacity = 256
	}
	return o
}

type entry struct {
	meta    model.ConversionResult // Config is kept compressed in blob
	blob    []byte
	rawSize int
}

// Cache is an expiring LRU of successful conversion results. Config text is
// stored zstd-compressed.
type Cache struct {
	opt Options
	lru *expirable.LRU[string, *entry]

	hits      atomic.Uint64
	misses    atomic.Uint64
	builds    atomic.Uint64
	evictions atomic.Uint64

	sf  singleflight.Group
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func New(opt Options) (*Cache, error) {
	opt = opt.withDefaults()
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	onEvict := func(id string, _ *entry) {
		logrus.Debugf("[Cache] drop id=%s", id)
	}
	return &Cache{
		opt: opt,
		lru: expirable.NewLRU[string, *entry](opt.Capacity, onEvict, opt.TTL),
		enc: enc,
		dec: dec,
	}, nil
}

// Fingerprint identifies a request: the first 16 hex chars of sha256 over
// the JSON encoding of the normalized request. URL order is significant.
func Fingerprint(req model.ConversionRequest) string {
	b, _ := json.Marshal(req.Normalized())
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])[:16]
}

// BuildFunc produces a result for a cache miss. It runs at most once per
// fingerprint at a time, detached from the cancellation of the caller that
// triggered it so that other waiters still get the result.
type BuildFunc func(ctx context.Context) model.ConversionResult

// GetOrBuild returns the cached result of req or builds it. Only successful
// results are stored. The returned error is ctx.Err() when the caller gives
// up waiting.
func (c *Cache) GetOrBuild(ctx context.Context, req model.ConversionRequest, build BuildFunc) (model.ConversionResult, error) {
	id := Fingerprint(req)
	if res, ok := c.Get(id); ok {
		return res, nil
	}

	ch := c.sf.DoChan(id, func() (any, error) {
		// A build that finished while this one was queued already stored it.
		if res, ok := c.lookup(id, false); ok {
			res.Cached = true
			return res, nil
		}
		c.builds.Add(1)

		res := build(context.WithoutCancel(ctx))
		res.ID = id
		if res.Success {
			c.put(id, res)
		}
		return res, nil
	})

	select {
	case <-ctx.Done():
		return model.ConversionResult{}, ctx.Err()
	case r := <-ch:
		return r.Val.(model.ConversionResult), nil
	}
}

// Get returns a live entry and marks it recently used.
func (c *Cache) Get(id string) (model.ConversionResult, bool) {
	res, ok := c.lookup(id, true)
	if !ok {
		c.misses.Add(1)
		return res, false
	}
	c.hits.Add(1)
	res.Cached = true
	return res, true
}

// lookup reads an entry; touch moves it to the front of the LRU order.
func (c *Cache) lookup(id string, touch bool) (model.ConversionResult, bool) {
	var (
		e  *entry
		ok bool
	)
	if touch {
		e, ok = c.lru.Get(id)
	} else {
		e, ok = c.lru.Peek(id)
	}
	if !ok {
		return model.ConversionResult{}, false
	}

	raw, err := c.dec.DecodeAll(e.blob, nil)
	if err != nil {
		logrus.Warnf("[Cache] 解压缓存条目失败 id=%s: %v", id, err)
		c.lru.Remove(id)
		return model.ConversionResult{}, false
	}
	res := e.meta
	res.Config = string(raw)
	return res, true
}

func (c *Cache) put(id string, res model.ConversionResult) {
	meta := res
	meta.Config = ""
	meta.Cached = false
	e := &entry{meta: meta, blob: c.enc.EncodeAll([]byte(res.Config), nil), rawSize: len(res.Config)}

	if c.lru.Add(id, e) {
		c.evictions.Add(1)
	}
}

// Invalidate drops one entry and reports whether it existed.
func (c *Cache) Invalidate(id string) bool {
	if _, ok := c.lru.Peek(id); !ok {
		return false
	}
	return c.lru.Remove(id)
}

// Clear drops every entry and returns how many live ones there were.
func (c *Cache) Clear() int {
	n := len(c.lru.Keys())
	c.lru.Purge()
	return n
}

type Stats struct {
	Entries         int     `json:"entries"`
	Capacity        int     `json:"capacity"`
	TTLSeconds      int     `json:"ttl_seconds"`
	Bytes           int     `json:"bytes"`
	RawBytes        int     `json:"raw_bytes"`
	Hits            uint64  `json:"hits"`
	Misses          uint64  `json:"misses"`
	Builds          uint64  `json:"builds"`
	Evictions       uint64  `json:"evictions"`
	CompressionRate float64 `json:"compression_ratio"`
}

// Stats counts live entries only; expired ones awaiting cleanup are skipped.
func (c *Cache) Stats() Stats {
	var bytes, raw int
	live := c.lru.Values()
	for _, e := range live {
		bytes += len(e.blob)
		raw += e.rawSize
	}
	s := Stats{
		Entries:    len(live),
		Capacity:   c.opt.Capacity,
		TTLSeconds: int(c.opt.TTL / time.Second),
		Bytes:      bytes,
		RawBytes:   raw,
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		Builds:     c.builds.Load(),
		Evictions:  c.evictions.Load(),
	}
	if raw > 0 {
		s.CompressionRate = float64(bytes) / float64(raw)
	}
	return s
}
