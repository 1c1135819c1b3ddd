package model

// Error taxonomy codes. SOURCE_UNREACHABLE, DECODE_ERROR and
// RENDER_UNSUPPORTED are warnings on a successful result; the rest are fatal.
const (
	CodeSourceUnreachable = "SOURCE_UNREACHABLE"
	CodeDecodeError       = "DECODE_ERROR"
	CodeEmptyResult       = "EMPTY_RESULT"
	CodeConfigError       = "CONFIG_ERROR"
	CodeRenderUnsupported = "RENDER_UNSUPPORTED"
	CodeTimeout           = "TIMEOUT"

	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeNotFound        = "NOT_FOUND"
	CodeInternal        = "INTERNAL_ERROR"
)

// AppError is the only error payload this service returns, both as the fatal
// error of a conversion and as an individual warning.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage"`

	URL     string `json:"url,omitempty"`
	Line    int    `json:"line,omitempty"`    // 1-based; 0 means "not set"
	Snippet string `json:"snippet,omitempty"` // <= 200 chars
	Hint    string `json:"hint,omitempty"`
}

type ErrorResponse struct {
	Error AppError `json:"error"`
}

// TruncateSnippet flattens s to one line and cuts it to at most max bytes
// without splitting a UTF-8 sequence.
func TruncateSnippet(s string, max int) string {
	b := []byte(s)
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == '\r' || c == '\n' {
			continue
		}
		out = append(out, c)
	}
	if max <= 0 {
		return ""
	}
	if len(out) <= max {
		return string(out)
	}
	cut := max
	for cut > 0 && out[cut]&0xC0 == 0x80 {
		cut--
	}
	return string(out[:cut])
}
