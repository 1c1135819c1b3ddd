package transform

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"
)

// regionHint maps node-name keywords to an ISO 3166 code. The keyword that
// starts earliest in the name wins, then the longer one, then the earlier
// entry. Codes that are also everyday English words (in, no, it, my, id) are
// left out of the Latin keywords.
type regionHint struct {
	code string
	re   *regexp.Regexp
}

// Latin keywords only match when not surrounded by other letters, so "us"
// does not fire inside "Russia" but "US01" and "[US]" still match.
func region(code, cjk, latin string) regionHint {
	return regionHint{
		code: code,
		re:   regexp.MustCompile(`(?i)(` + cjk + `)|(?:^|[^a-z])(` + latin + `)(?:[^a-z]|$)`),
	}
}

var regionHints = []regionHint{
	region("HK", "港|香港", `hk|hong\s?kong`),
	region("TW", "台湾|臺灣|台北|臺北", `tw|taiwan|taipei`),
	region("MO", "澳门|澳門", `mo|macao|macau`),
	region("CN", "中国|回国", `cn|china`),
	region("JP", "日本|东京|大阪", `jp|japan|tokyo|osaka`),
	region("KR", "韩国|韓國|首尔", `kr|korea|seoul`),
	region("SG", "新加坡|狮城", `sg|singapore`),
	region("MY", "马来西亚", `malaysia|kuala\s?lumpur`),
	region("TH", "泰国", `th|thailand`),
	region("IN", "印度", `india|mumbai`),
	region("PH", "菲律宾", `ph|philippines`),
	region("ID", "印尼|印度尼西亚", `indonesia|jakarta`),
	region("VN", "越南", `vn|vietnam`),
	region("GB", "英国", `uk|gb|britain|united\s?kingdom|london`),
	region("FR", "法国", `fr|france|paris`),
	region("DE", "德国", `de|germany|frankfurt`),
	region("NL", "荷兰", `nl|netherlands|amsterdam`),
	region("IT", "意大利", `italy|milan`),
	region("ES", "西班牙", `es|spain`),
	region("RU", "俄罗斯", `ru|russia|moscow`),
	region("CH", "瑞士", `ch|switzerland`),
	region("SE", "瑞典", `se|sweden`),
	region("NO", "挪威", `norway|oslo`),
	region("FI", "芬兰", `fi|finland`),
	region("DK", "丹麦", `dk|denmark`),
	region("PL", "波兰", `pl|poland`),
	region("TR", "土耳其", `tr|turkey`),
	region("US", "美国|洛杉矶|硅谷", `us|usa|united\s?states|america|los\s?angeles|san\s?jose`),
	region("CA", "加拿大", `ca|canada`),
	region("MX", "墨西哥", `mx|mexico`),
	region("BR", "巴西", `br|brazil`),
	region("AR", "阿根廷", `ar|argentina`),
	region("AU", "澳大利亚|澳洲", `au|australia|sydney`),
	region("NZ", "新西兰", `nz|new\s?zealand`),
	region("ZA", "南非", `za|south\s?africa`),
	region("EG", "埃及", `eg|egypt`),
	region("IL", "以色列", `il|israel`),
	region("AE", "阿联酋|迪拜", `ae|uae|dubai`),
}

// flagOf turns "HK" into its regional-indicator flag.
func flagOf(code string) string {
	if len(code) != 2 {
		return ""
	}
	code = strings.ToUpper(code)
	var b strings.Builder
	for i := 0; i < 2; i++ {
		c := code[i]
		if c < 'A' || c > 'Z' {
			return ""
		}
		b.WriteRune(rune(0x1F1E6 + int(c-'A')))
	}
	return b.String()
}

func hasFlagPrefix(name string) bool {
	r, _ := utf8.DecodeRuneInString(name)
	return r >= 0x1F1E6 && r <= 0x1F1FF
}

// RegionOf guesses the country code of a node from its name. A longer keyword
// beats a shorter one at the same position, so 印度尼西亚 is not 印度.
func RegionOf(name string) (string, bool) {
	code, best, bestLen := "", -1, 0
	for _, h := range regionHints {
		m := h.re.FindStringSubmatchIndex(name)
		if m == nil {
			continue
		}
		// Group 1 is the CJK keyword, group 2 the Latin one.
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		if best < 0 || start < best || (start == best && end-start > bestLen) {
			code, best, bestLen = h.code, start, end-start
		}
	}
	return code, best >= 0
}

// withFlag prefixes name with a flag. The name decides first; an IP-literal
// server resolved through geo is the fallback. A miss leaves name as is.
func withFlag(name, server string, geo GeoResolver) string {
	if hasFlagPrefix(name) {
		return name
	}
	code, ok := RegionOf(name)
	if !ok && geo != nil {
		if ip := net.ParseIP(server); ip != nil {
			code, ok = geo.Country(ip)
		}
	}
	if !ok {
		return name
	}
	flag := flagOf(code)
	if flag == "" {
		return name
	}
	return flag + " " + name
}
