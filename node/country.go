package node

import (
	"sort"
	"strings"
	"unicode/utf8"
)

type Country struct {
	Code    string
	Name    string
	Chinese string
}

// countries is the marker table used to read a claimed location out of a
// node name. nameAliases adds city names and other spellings.
var countries = []Country{
	{"US", "United States", "美国"},
	{"JP", "Japan", "日本"},
	{"HK", "Hong Kong", "香港"},
	{"TW", "Taiwan", "台湾"},
	{"SG", "Singapore", "新加坡"},
	{"KR", "Korea", "韩国"},
	{"GB", "United Kingdom", "英国"},
	{"DE", "Germany", "德国"},
	{"FR", "France", "法国"},
	{"NL", "Netherlands", "荷兰"},
	{"RU", "Russia", "俄罗斯"},
	{"CA", "Canada", "加拿大"},
	{"AU", "Australia", "澳大利亚"},
	{"IN", "India", "印度"},
	{"BR", "Brazil", "巴西"},
	{"TR", "Turkey", "土耳其"},
	{"IT", "Italy", "意大利"},
	{"ES", "Spain", "西班牙"},
	{"CH", "Switzerland", "瑞士"},
	{"SE", "Sweden", "瑞典"},
	{"NO", "Norway", "挪威"},
	{"FI", "Finland", "芬兰"},
	{"DK", "Denmark", "丹麦"},
	{"PL", "Poland", "波兰"},
	{"UA", "Ukraine", "乌克兰"},
	{"IE", "Ireland", "爱尔兰"},
	{"AT", "Austria", "奥地利"},
	{"BE", "Belgium", "比利时"},
	{"PT", "Portugal", "葡萄牙"},
	{"GR", "Greece", "希腊"},
	{"CZ", "Czechia", "捷克"},
	{"RO", "Romania", "罗马尼亚"},
	{"HU", "Hungary", "匈牙利"},
	{"BG", "Bulgaria", "保加利亚"},
	{"LU", "Luxembourg", "卢森堡"},
	{"IS", "Iceland", "冰岛"},
	{"IL", "Israel", "以色列"},
	{"AE", "United Arab Emirates", "阿联酋"},
	{"SA", "Saudi Arabia", "沙特"},
	{"ZA", "South Africa", "南非"},
	{"EG", "Egypt", "埃及"},
	{"NG", "Nigeria", "尼日利亚"},
	{"VN", "Vietnam", "越南"},
	{"TH", "Thailand", "泰国"},
	{"MY", "Malaysia", "马来西亚"},
	{"ID", "Indonesia", "印度尼西亚"},
	{"PH", "Philippines", "菲律宾"},
	{"KH", "Cambodia", "柬埔寨"},
	{"MO", "Macao", "澳门"},
	{"CN", "China", "中国"},
	{"MN", "Mongolia", "蒙古"},
	{"KZ", "Kazakhstan", "哈萨克斯坦"},
	{"PK", "Pakistan", "巴基斯坦"},
	{"BD", "Bangladesh", "孟加拉"},
	{"NZ", "New Zealand", "新西兰"},
	{"MX", "Mexico", "墨西哥"},
	{"AR", "Argentina", "阿根廷"},
	{"CL", "Chile", "智利"},
	{"CO", "Colombia", "哥伦比亚"},
	{"PE", "Peru", "秘鲁"},
}

var nameAliases = map[string]string{
	"USA":            "US",
	"America":        "US",
	"Los Angeles":    "US",
	"San Jose":       "US",
	"Silicon Valley": "US",
	"Seattle":        "US",
	"New York":       "US",
	"洛杉矶":            "US",
	"圣何塞":            "US",
	"硅谷":             "US",
	"Tokyo":          "JP",
	"Osaka":          "JP",
	"东京":             "JP",
	"大阪":             "JP",
	"HongKong":       "HK",
	"中国香港":           "HK",
	"Taipei":         "TW",
	"台北":             "TW",
	"中国台湾":           "TW",
	"狮城":             "SG",
	"South Korea":    "KR",
	"Seoul":          "KR",
	"首尔":             "KR",
	"Britain":        "GB",
	"England":        "GB",
	"London":         "GB",
	"伦敦":             "GB",
	"Frankfurt":      "DE",
	"法兰克福":           "DE",
	"Paris":          "FR",
	"Holland":        "NL",
	"Amsterdam":      "NL",
	"Moscow":         "RU",
	"莫斯科":            "RU",
	"澳洲":             "AU",
	"Sydney":         "AU",
	"悉尼":             "AU",
	"Mumbai":         "IN",
	"Istanbul":       "TR",
	"Dubai":          "AE",
	"迪拜":             "AE",
	"Macau":          "MO",
	"中国澳门":           "MO",
	"回国":             "CN",
}

// codeAliases covers non ISO spellings seen in node names.
var codeAliases = map[string]string{
	"UK":  "GB",
	"USA": "US",
	"JPN": "JP",
	"SGP": "SG",
	"HKG": "HK",
	"KOR": "KR",
	"TWN": "TW",
	"GBR": "GB",
	"DEU": "DE",
}

type MarkerKind int

const (
	MarkerFlag MarkerKind = iota
	MarkerChinese
	MarkerName
	MarkerCode
)

// Marker is one country reference found inside a node name.
type Marker struct {
	Code  string
	Kind  MarkerKind
	Text  string
	Start int
}

type alias struct {
	text string
	code string
	kind MarkerKind
}

var (
	countryByCode = map[string]Country{}
	textAliases   []alias
)

func init() {
	for _, c := range countries {
		countryByCode[c.Code] = c
		textAliases = append(textAliases,
			alias{text: c.Chinese, code: c.Code, kind: MarkerChinese},
			alias{text: c.Name, code: c.Code, kind: MarkerName},
		)
	}
	for text, code := range nameAliases {
		kind := MarkerName
		if !isASCII(text) {
			kind = MarkerChinese
		}
		textAliases = append(textAliases, alias{text: text, code: code, kind: kind})
	}
	// longest first so that 印度尼西亚 wins over 印度 and "South Korea" over "Korea"
	sort.SliceStable(textAliases, func(i, j int) bool {
		if len(textAliases[i].text) != len(textAliases[j].text) {
			return len(textAliases[i].text) > len(textAliases[j].text)
		}
		return textAliases[i].text < textAliases[j].text
	})
}

// CanonicalCode upper-cases a country code and folds known aliases (UK -> GB).
func CanonicalCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if v, ok := codeAliases[code]; ok {
		return v
	}
	return code
}

func LookupCountry(code string) (Country, bool) {
	c, ok := countryByCode[CanonicalCode(code)]
	return c, ok
}

// Flag renders a two letter code as a regional indicator pair.
func Flag(code string) string {
	code = CanonicalCode(code)
	if len(code) != 2 {
		return ""
	}
	var b strings.Builder
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return ""
		}
		b.WriteRune(0x1F1E6 + (r - 'A'))
	}
	return b.String()
}

func isRegionalIndicator(r rune) bool {
	return r >= 0x1F1E6 && r <= 0x1F1FF
}

// Markers returns every country marker in name ordered by position.
func Markers(name string) []Marker {
	var out []Marker
	taken := make([]bool, len(name))
	claim := func(start, end int) bool {
		for i := start; i < end; i++ {
			if taken[i] {
				return false
			}
		}
		for i := start; i < end; i++ {
			taken[i] = true
		}
		return true
	}

	for i := 0; i < len(name); {
		r, size := utf8.DecodeRuneInString(name[i:])
		if isRegionalIndicator(r) {
			r2, size2 := utf8.DecodeRuneInString(name[i+size:])
			if isRegionalIndicator(r2) {
				code := string([]rune{'A' + (r - 0x1F1E6), 'A' + (r2 - 0x1F1E6)})
				if claim(i, i+size+size2) {
					out = append(out, Marker{Code: code, Kind: MarkerFlag, Text: name[i : i+size+size2], Start: i})
				}
				i += size + size2
				continue
			}
		}
		i += size
	}

	lower := asciiLower(name)
	for _, a := range textAliases {
		needle := a.text
		hay := name
		if a.kind == MarkerName {
			needle = asciiLower(needle)
			hay = lower
		}
		for from := 0; from < len(hay); {
			idx := strings.Index(hay[from:], needle)
			if idx < 0 {
				break
			}
			start := from + idx
			end := start + len(needle)
			from = end
			if a.kind == MarkerName && !asciiWordBoundary(name, start, end) {
				continue
			}
			if claim(start, end) {
				out = append(out, Marker{Code: a.code, Kind: a.kind, Text: name[start:end], Start: start})
			}
		}
	}

	for start := 0; start < len(name); {
		if !isASCIILetter(name[start]) {
			start++
			continue
		}
		end := start
		for end < len(name) && isASCIILetter(name[end]) {
			end++
		}
		token := name[start:end]
		// route tags such as CN2 or HK2 are not country claims
		bounded := (start == 0 || isCodeSeparator(name[start-1])) && (end == len(name) || isCodeSeparator(name[end]))
		if bounded && token == strings.ToUpper(token) && (len(token) == 2 || len(token) == 3) {
			code := CanonicalCode(token)
			if _, ok := countryByCode[code]; ok && claim(start, end) {
				out = append(out, Marker{Code: code, Kind: MarkerCode, Text: token, Start: start})
			}
		}
		start = end
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DetectCountry returns the country a node name claims, preferring flags,
// then Chinese names, then English names, then bare codes. Among markers of
// the same kind the last one wins, so relay names like "IPLC IN-SG" resolve
// to the exit country.
func DetectCountry(name string) (string, bool) {
	markers := Markers(name)
	if len(markers) == 0 {
		return "", false
	}
	best := markers[0]
	for _, m := range markers[1:] {
		if m.Kind <= best.Kind {
			best = m
		}
	}
	return best.Code, true
}

// Rename rewrites every marker of the claimed country in name to point at
// code, keeping the style of each marker. A name without markers gets the
// new flag prepended.
func Rename(name, code string) string {
	code = CanonicalCode(code)
	target, known := countryByCode[code]
	claimed, ok := DetectCountry(name)
	if !ok {
		flag := Flag(code)
		if flag == "" {
			return strings.TrimSpace(code + " " + name)
		}
		return flag + " " + name
	}
	if claimed == code {
		return name
	}

	markers := Markers(name)
	var b strings.Builder
	last := 0
	for _, m := range markers {
		if m.Code != claimed {
			continue
		}
		b.WriteString(name[last:m.Start])
		b.WriteString(markerText(m.Kind, code, target, known))
		last = m.Start + len(m.Text)
	}
	b.WriteString(name[last:])
	return b.String()
}

func markerText(kind MarkerKind, code string, c Country, known bool) string {
	switch kind {
	case MarkerFlag:
		return Flag(code)
	case MarkerChinese:
		if known {
			return c.Chinese
		}
	case MarkerName:
		if known {
			return c.Name
		}
	}
	return code
}

func asciiWordBoundary(s string, start, end int) bool {
	if start > 0 && isASCIILetter(s[start-1]) {
		return false
	}
	if end < len(s) && isASCIILetter(s[end]) {
		return false
	}
	return true
}

// isCodeSeparator reports whether b may sit next to a bare country code.
// Letters and digits may not; spaces, punctuation, brackets and non-ASCII
// text may.
func isCodeSeparator(b byte) bool {
	return !isASCIILetter(b) && (b < '0' || b > '9')
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// asciiLower keeps byte offsets stable so matches index back into the
// original name.
func asciiLower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
