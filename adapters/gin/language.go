package iapgin

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	iaplang "github.com/PaulFidika/iapkit/lang"
)

// LanguageKey is the gin context key holding the resolved request language.
const LanguageKey = "iapkit.language"

// LanguageConfig controls how the storefront copy language is picked.
// Supported defaults to the languages that have span copy.
type LanguageConfig struct {
	Supported  []string
	Default    string
	QueryParam string
	CookieName string
}

func (c *LanguageConfig) defaulted() LanguageConfig {
	var out LanguageConfig
	if c != nil {
		out = *c
	}
	if len(out.Supported) == 0 {
		out.Supported = iaplang.Supported()
	}
	if strings.TrimSpace(out.Default) == "" {
		out.Default = "en"
	}
	if strings.TrimSpace(out.QueryParam) == "" {
		out.QueryParam = "lang"
	}
	if strings.TrimSpace(out.CookieName) == "" {
		out.CookieName = "lang"
	}
	return out
}

var reSimpleLang = regexp.MustCompile(`^[a-z]{2}$`)

// languageSet accepts two letter codes; a nil set accepts any.
type languageSet map[string]struct{}

func newLanguageSet(supported []string) languageSet {
	if len(supported) == 0 {
		return nil
	}
	m := make(languageSet, len(supported))
	for _, s := range supported {
		if n := normalizeLangCode(s); n != "" {
			m[n] = struct{}{}
		}
	}
	return m
}

// pick normalizes raw and returns it when allowed, else "".
func (s languageSet) pick(raw string) string {
	code := normalizeLangCode(raw)
	if code == "" {
		return ""
	}
	if s == nil {
		return code
	}
	if _, ok := s[code]; ok {
		return code
	}
	return ""
}

func normalizeLangCode(s string) string {
	s = iaplang.Base(s)
	if !reSimpleLang.MatchString(s) {
		return ""
	}
	return s
}

// pickFromAcceptLanguage honours q weights; equal weights keep header order.
func pickFromAcceptLanguage(header string, set languageSet) string {
	type weighted struct {
		tag string
		q   float64
	}
	var tags []weighted
	for _, part := range strings.Split(header, ",") {
		tag, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if tag == "" || tag == "*" {
			continue
		}
		q := 1.0
		if v, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				q = f
			}
		}
		if q <= 0 {
			continue
		}
		tags = append(tags, weighted{tag, q})
	}
	sort.SliceStable(tags, func(i, j int) bool { return tags[i].q > tags[j].q })
	for _, w := range tags {
		if code := set.pick(w.tag); code != "" {
			return code
		}
	}
	return ""
}

func pickFromPathPrefix(path string, set languageSet) string {
	seg, _, _ := strings.Cut(strings.TrimLeft(path, "/"), "/")
	if len(seg) != 2 {
		return ""
	}
	return set.pick(seg)
}

// resolveRequestLanguage picks, in order: `?lang` query param, `/:lang/`
// path prefix, `lang` cookie, `Accept-Language` header, configured default.
func resolveRequestLanguage(c *gin.Context, cfg LanguageConfig) string {
	set := newLanguageSet(cfg.Supported)

	if code := set.pick(c.Query(cfg.QueryParam)); code != "" {
		return code
	}
	if code := pickFromPathPrefix(c.Request.URL.Path, set); code != "" {
		return code
	}
	if cfg.CookieName != "" {
		if cv, err := c.Cookie(cfg.CookieName); err == nil {
			if code := set.pick(cv); code != "" {
				return code
			}
		}
	}
	if code := pickFromAcceptLanguage(c.GetHeader("Accept-Language"), set); code != "" {
		return code
	}
	if code := set.pick(cfg.Default); code != "" {
		return code
	}
	return "en"
}

// LanguageMiddleware resolves the copy language for product listings and
// stores it on both the gin context and the request context.
func LanguageMiddleware(cfg *LanguageConfig) gin.HandlerFunc {
	c := cfg.defaulted()
	return func(g *gin.Context) {
		code := resolveRequestLanguage(g, c)
		g.Set(LanguageKey, code)
		g.Request = g.Request.WithContext(iaplang.WithLanguage(g.Request.Context(), code))
		g.Next()
	}
}
