package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/guancn/clashsubsys/internal/model"
)

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	WriteText(w, http.StatusOK, "ok\n")
}

func (s *server) handleFeatures(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.eng.Features())
}

func (s *server) handleProtocols(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"protocols": s.eng.Protocols()})
}

type validateRequest struct {
	URL string `json:"url"`
}

func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var body validateRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opt.MaxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeErrorFromErr(w, requestError("JSON body 解析失败", "", err.Error()))
		return
	}
	u := strings.TrimSpace(body.URL)
	if u == "" {
		writeErrorFromErr(w, requestError("url 不能为空", "", ""))
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opt.ProbeTimeout)
	defer cancel()
	WriteJSON(w, http.StatusOK, s.eng.Validate(ctx, u))
}

func (s *server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.eng.Stats())
}

func (s *server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]int{"cleared": s.eng.Clear()})
}

func (s *server) handleCacheDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.eng.Invalidate(id) {
		writeAppError(w, model.AppError{
			Code:    model.CodeNotFound,
			Message: "缓存条目不存在或已过期",
			Stage:   "cache",
		})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"id": id, "deleted": true})
}
