package common

import (
	"html"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

var (
	tagPattern  = regexp.MustCompile(`<[^>]+>`)
	yearPattern = regexp.MustCompile(`\b(1[5-9]\d{2}|20\d{2})\b`)
)

// maxDescriptionRunes bounds normalized descriptions.
const maxDescriptionRunes = 1000

func CleanHTMLText(raw string) string {
	value := strings.TrimSpace(raw)
	value = html.UnescapeString(value)
	value = tagPattern.ReplaceAllString(value, " ")
	value = strings.Join(strings.Fields(value), " ")
	return value
}

// CleanDescription strips markup and truncates to a display-friendly length.
func CleanDescription(raw string) string {
	return TruncateRunes(CleanHTMLText(raw), maxDescriptionRunes)
}

func TruncateRunes(value string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit-1])) + "…"
}

// ResolveURL turns a provider image reference into an absolute http(s) URL.
// Relative paths are joined onto base; protocol-relative references get
// https. Anything that cannot be made absolute yields "".
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "//") {
		ref = "https:" + ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	if parsed.IsAbs() {
		return absoluteHTTP(parsed)
	}
	base = strings.TrimSpace(base)
	if base == "" {
		return ""
	}
	baseURL, err := url.Parse(base)
	if err != nil || !baseURL.IsAbs() {
		return ""
	}
	joined := strings.TrimRight(baseURL.String(), "/") + "/" + strings.TrimLeft(ref, "/")
	resolved, err := url.Parse(joined)
	if err != nil {
		return ""
	}
	return absoluteHTTP(resolved)
}

func absoluteHTTP(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Host == "" {
		return ""
	}
	return u.String()
}

// YearFromDate extracts the year from values like "2021-09-15", "2021" or
// "September 1965".
func YearFromDate(raw string) int {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0
	}
	if len(value) >= 4 {
		if year, err := strconv.Atoi(value[:4]); err == nil && year > 0 {
			return year
		}
	}
	if match := yearPattern.FindStringSubmatch(value); len(match) >= 2 {
		year, _ := strconv.Atoi(match[1])
		return year
	}
	return 0
}

// YearFromUnix converts an epoch-seconds release timestamp into a UTC year.
func YearFromUnix(ts int64) int {
	if ts == 0 {
		return 0
	}
	return time.Unix(ts, 0).UTC().Year()
}

// PageOrDefault clamps a 1-based page number.
func PageOrDefault(page int) int {
	if page < 1 {
		return 1
	}
	return page
}

// LimitOrDefault clamps a result limit to (0, max].
func LimitOrDefault(limit, fallback, max int) int {
	if limit <= 0 {
		limit = fallback
	}
	if max > 0 && limit > max {
		limit = max
	}
	return limit
}
