package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/guancn/clashsubsys/internal/model"
)

type convertResponse struct {
	model.ConversionResult
	DownloadURL string `json:"download_url,omitempty"`
}

func (s *server) handleConvert(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseConvertPOST(w, r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res := s.eng.Convert(r.Context(), req)
	metricsIncConversion(res)
	if !res.Success {
		metricsIncAppError(res.Error.Stage, res.Error.Code)
		WriteJSON(w, StatusOf(res.Error.Code), convertResponse{ConversionResult: res})
		return
	}
	WriteJSON(w, http.StatusOK, convertResponse{
		ConversionResult: res,
		DownloadURL:      s.baseURL(r) + "/sub/" + res.ID,
	})
}

func (s *server) handleSub(w http.ResponseWriter, r *http.Request) {
	req, err := parseConvertGET(r)
	if err != nil {
		writeErrorFromErr(w, err)
		return
	}
	res := s.eng.Convert(r.Context(), req)
	metricsIncConversion(res)
	if !res.Success {
		writeAppError(w, *res.Error)
		return
	}
	writeArtifact(w, res)
}

func (s *server) parseConvertPOST(w http.ResponseWriter, r *http.Request) (model.ConversionRequest, error) {
	req := model.DefaultRequest()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opt.MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return req, requestError("JSON body 解析失败", "", err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err == nil {
		return req, requestError("JSON body 不允许多段", "", "")
	} else if !errors.Is(err, io.EOF) {
		return req, requestError("JSON body 解析失败", "", err.Error())
	}
	return req, nil
}

var boolParams = []string{"emoji", "udp", "tfo", "scv", "fdn", "sort"}

// parseConvertGET reads the query form of a request. url and rule may repeat;
// url also accepts a "|"-separated list. rename is "pattern,replace" split at
// the last comma and may repeat.
func parseConvertGET(r *http.Request) (model.ConversionRequest, error) {
	q := r.URL.Query()
	for key := range q {
		switch key {
		case "url", "target", "template", "include", "exclude", "rename", "rule", "filename",
			"emoji", "udp", "tfo", "scv", "fdn", "sort":
		default:
			return model.ConversionRequest{}, requestError(fmt.Sprintf("不支持的 query 参数：%s", key), key, "")
		}
	}

	req := model.DefaultRequest()
	for _, v := range q["url"] {
		for _, u := range strings.Split(v, "|") {
			if u = strings.TrimSpace(u); u != "" {
				req.URLs = append(req.URLs, u)
			}
		}
	}
	if len(req.URLs) == 0 {
		return req, requestError("缺少 url 参数", "", "expected: url=<subscription url>")
	}

	single := map[string]*string{
		"template": &req.TemplateURL,
		"include":  &req.Include,
		"exclude":  &req.Exclude,
		"filename": &req.Filename,
	}
	for key, dst := range single {
		v, err := singleQuery(q, key)
		if err != nil {
			return req, err
		}
		*dst = v
	}

	target, err := singleQuery(q, "target")
	if err != nil {
		return req, err
	}
	if target != "" {
		t, ok := model.ParseTarget(target)
		if !ok {
			return req, requestError("不支持的 target", target, "supported: clash, surge, quantumult-x, loon, surfboard")
		}
		req.Target = t
	}

	for _, v := range q["rename"] {
		i := strings.LastIndexByte(v, ',')
		if i <= 0 {
			return req, requestError("rename 格式应为 pattern,replace", v, "")
		}
		req.Rename = append(req.Rename, model.RenameRule{Pattern: v[:i], Replace: v[i+1:]})
	}
	req.CustomRules = append(req.CustomRules, q["rule"]...)

	flags := map[string]*bool{
		"emoji": &req.Emoji, "udp": &req.UDP, "tfo": &req.TFO,
		"scv": &req.SCV, "fdn": &req.FDN, "sort": &req.Sort,
	}
	for _, key := range boolParams {
		v, err := singleQuery(q, key)
		if err != nil {
			return req, err
		}
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, requestError(fmt.Sprintf("%s 参数应为布尔值", key), v, "expected: true/false/1/0")
		}
		*flags[key] = b
	}
	return req, nil
}

func singleQuery(q url.Values, key string) (string, error) {
	values := q[key]
	if len(values) > 1 {
		return "", requestError(fmt.Sprintf("%s 参数只能出现一次", key), "", "")
	}
	if len(values) == 0 {
		return "", nil
	}
	return strings.TrimSpace(values[0]), nil
}

func (s *server) lookup(w http.ResponseWriter, r *http.Request) (model.ConversionResult, bool) {
	id := r.PathValue("id")
	res, aerr := s.eng.Lookup(id)
	if aerr != nil {
		writeAppError(w, *aerr)
		return res, false
	}
	return res, true
}

func (s *server) handleSubByID(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	switch r.URL.Query().Get("format") {
	case "", "text":
		writeArtifact(w, res)
	case "json":
		WriteJSON(w, http.StatusOK, convertResponse{ConversionResult: res, DownloadURL: s.baseURL(r) + "/sub/" + res.ID})
	default:
		writeErrorFromErr(w, requestError("不支持的 format", r.URL.Query().Get("format"), "supported: text, json"))
	}
}

type subInfo struct {
	ID          string           `json:"id"`
	Target      model.Target     `json:"target"`
	Filename    string           `json:"filename"`
	NodeCount   int              `json:"node_count"`
	Size        int              `json:"size"`
	Warnings    []model.AppError `json:"warnings,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	DownloadURL string           `json:"download_url"`
}

func (s *server) handleSubInfo(w http.ResponseWriter, r *http.Request) {
	res, ok := s.lookup(w, r)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, subInfo{
		ID:          res.ID,
		Target:      res.Target,
		Filename:    res.Filename,
		NodeCount:   res.NodeCount,
		Size:        len(res.Config),
		Warnings:    res.Warnings,
		CreatedAt:   res.CreatedAt,
		DownloadURL: s.baseURL(r) + "/sub/" + res.ID,
	})
}
