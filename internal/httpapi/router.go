package httpapi

import (
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/guancn/clashsubsys/internal/engine"
)

type server struct {
	opt Options
	eng *engine.Engine
}

func newServer(opt Options) *server {
	opt = opt.withDefaults()
	eng := opt.Engine
	if eng == nil {
		var err error
		eng, err = engine.New(engine.Options{PublicBaseURL: opt.PublicBaseURL})
		if err != nil {
			logrus.Fatalf("[HTTP] 初始化转换引擎失败: %v", err)
		}
	}
	return &server{opt: opt, eng: eng}
}

func NewMux() *http.ServeMux {
	return NewMuxWithOptions(Options{})
}

func NewMuxWithOptions(opt Options) *http.ServeMux {
	s := newServer(opt)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("POST /api/convert", s.handleConvert)
	mux.HandleFunc("GET /sub", s.handleSub)
	mux.HandleFunc("GET /sub/{id}", s.handleSubByID)
	mux.HandleFunc("GET /sub/{id}/info", s.handleSubInfo)

	mux.HandleFunc("GET /api/features", s.handleFeatures)
	mux.HandleFunc("GET /api/protocols", s.handleProtocols)
	mux.HandleFunc("POST /api/validate", s.handleValidate)

	mux.HandleFunc("GET /api/cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /api/cache/clear", s.handleCacheClear)
	mux.HandleFunc("DELETE /api/cache/{id}", s.handleCacheDelete)
	return mux
}
