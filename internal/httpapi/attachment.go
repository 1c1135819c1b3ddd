package httpapi

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

// writeArtifact sends a rendered config as a download.
func writeArtifact(w http.ResponseWriter, res model.ConversionResult) {
	h := w.Header()
	h.Set("Content-Type", res.Target.ContentType())
	h.Set("Content-Disposition", contentDispositionAttachment(res.Filename))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Conversion-Id", res.ID)
	h.Set("X-Node-Count", strconv.Itoa(res.NodeCount))
	if res.Cached {
		h.Set("X-Cache", "HIT")
	} else {
		h.Set("X-Cache", "MISS")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(res.Config))
}

func contentDispositionAttachment(filename string) string {
	// RFC 6266 + RFC 5987. The quoted form is ASCII-only for old clients.
	fallback := strings.Map(func(r rune) rune {
		if r > 0x7e || r < 0x20 {
			return '_'
		}
		return r
	}, filename)
	fallback = strings.ReplaceAll(fallback, "\\", "\\\\")
	fallback = strings.ReplaceAll(fallback, "\"", "\\\"")
	return fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", fallback, pctEncode(filename))
}

// pctEncode is QueryEscape with space as %20.
func pctEncode(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// baseURL prefers the configured public origin, then the request's own.
func (s *server) baseURL(r *http.Request) string {
	if s.opt.PublicBaseURL != "" {
		return s.opt.PublicBaseURL
	}
	if b := s.eng.Options().PublicBaseURL; b != "" {
		return b
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "https" || p == "http" {
		scheme = p
	}
	host := r.Host
	if host == "" {
		host = "127.0.0.1:25500"
	}
	return scheme + "://" + host
}
