package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"golang.org/x/net/proxy"

	"github.com/guancn/clashsubsys/internal/model"
)

type Kind int

const (
	KindSubscription Kind = iota
	KindTemplate
	KindRuleset
)

func (k Kind) stage() string {
	switch k {
	case KindSubscription:
		return "fetch_sub"
	case KindTemplate:
		return "fetch_template"
	case KindRuleset:
		return "fetch_ruleset"
	default:
		return "fetch"
	}
}

func (k Kind) defaultMaxBytes() int64 {
	switch k {
	case KindSubscription:
		return 5 * 1024 * 1024
	case KindTemplate:
		return 1 * 1024 * 1024
	case KindRuleset:
		return 2 * 1024 * 1024
	default:
		return 1 * 1024 * 1024
	}
}

type Options struct {
	Timeout      time.Duration // default 15s, per fetch
	MaxBytes     int64         // default per kind
	MaxRedirects int           // default 5
	Concurrency  int           // FetchAll worker bound, default 8

	// ProxyURL routes outbound fetches through an upstream, e.g. socks5://127.0.0.1:1080.
	ProxyURL string

	UserAgent string
}

func (o Options) withDefaults() Options {
	if o.Timeout == 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxRedirects == 0 {
		o.MaxRedirects = 5
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.UserAgent == "" {
		o.UserAgent = "clashsubsys/1.0"
	}
	return o
}

type FetchError struct {
	Status   int
	AppError model.AppError
	Cause    error
}

func (e *FetchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.AppError.Code, e.AppError.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.AppError.Code, e.AppError.Message, e.Cause)
}

func (e *FetchError) Unwrap() error { return e.Cause }

func newFetchError(status int, code, msg, stage, rawURL string, cause error) *FetchError {
	return &FetchError{
		Status: status,
		AppError: model.AppError{
			Code:    code,
			Message: msg,
			Stage:   stage,
			URL:     rawURL,
		},
		Cause: cause,
	}
}

var (
	errTooManyRedirects   = errors.New("too many redirects")
	errRedirectBadScheme  = errors.New("redirect target scheme is not http/https")
	errInvalidURLOrScheme = errors.New("invalid url or scheme")
)

// Fetcher retrieves remote text documents. It is safe for concurrent use and
// meant to be built once per process.
type Fetcher struct {
	opt    Options
	client *http.Client
}

func New(opt Options) (*Fetcher, error) {
	opt = opt.withDefaults()

	tr := http.DefaultTransport.(*http.Transport).Clone()
	if opt.ProxyURL != "" {
		u, err := url.Parse(opt.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse fetch proxy: %w", err)
		}
		d, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("fetch proxy dialer: %w", err)
		}
		tr.Proxy = nil
		tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := d.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return d.Dial(network, addr)
		}
	}

	maxRedirects := opt.MaxRedirects
	client := &http.Client{
		Timeout:   opt.Timeout,
		Transport: tr,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			// 1st redirect => len(via)==1, 5th redirect => len(via)==5.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return errRedirectBadScheme
			}
			return nil
		},
	}
	return &Fetcher{opt: opt, client: client}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, kind Kind, rawURL string) (string, error) {
	stage := kind.stage()

	maxBytes := f.opt.MaxBytes
	if maxBytes == 0 {
		maxBytes = kind.defaultMaxBytes()
	}
	if maxBytes <= 0 {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "响应大小上限必须大于 0", stage, rawURL, nil)
	}

	if err := ValidateURL(rawURL); err != nil {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "仅允许 http/https URL", stage, rawURL, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "请求 URL 不合法", stage, rawURL, err)
	}
	req.Header.Set("User-Agent", f.opt.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		return "", f.classifyDoError(err, stage, rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("上游返回非 2xx 状态码：%d", resp.StatusCode), stage, rawURL, nil)
	}

	// Read at most maxBytes+1 to detect overflow deterministically.
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		if isTimeout(err) {
			return "", newFetchError(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", stage, rawURL, err)
		}
		return "", newFetchError(http.StatusBadGateway, "FETCH_FAILED", "读取上游响应失败", stage, rawURL, err)
	}
	if int64(len(body)) > maxBytes {
		return "", newFetchError(http.StatusUnprocessableEntity, "TOO_LARGE", fmt.Sprintf("远程资源过大（>%d bytes）", maxBytes), stage, rawURL, nil)
	}
	if !utf8.Valid(body) {
		return "", newFetchError(http.StatusUnprocessableEntity, "FETCH_INVALID_UTF8", "远程资源不是合法 UTF-8 文本", stage, rawURL, nil)
	}

	return string(body), nil
}

func (f *Fetcher) classifyDoError(err error, stage, rawURL string) *FetchError {
	switch {
	case errors.Is(err, errTooManyRedirects):
		return newFetchError(http.StatusBadGateway, "FETCH_FAILED", fmt.Sprintf("重定向次数超过上限（>%d）", f.opt.MaxRedirects), stage, rawURL, err)
	case errors.Is(err, errRedirectBadScheme):
		return newFetchError(http.StatusBadRequest, "INVALID_ARGUMENT", "重定向目标仅允许 http/https", stage, rawURL, err)
	case isTimeout(err):
		return newFetchError(http.StatusGatewayTimeout, "FETCH_TIMEOUT", "拉取远程资源超时", stage, rawURL, err)
	default:
		return newFetchError(http.StatusBadGateway, "FETCH_FAILED", "拉取远程资源失败", stage, rawURL, err)
	}
}

// isTimeout sees through *url.Error wrapping.
func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ValidateURL accepts absolute http/https URLs with a host.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return errors.Join(errInvalidURLOrScheme, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errInvalidURLOrScheme
	}
	if u.Host == "" {
		return errInvalidURLOrScheme
	}
	return nil
}
