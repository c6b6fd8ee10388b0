// Package addon serves the public, read-only addon protocol: manifest,
// catalog, and meta resources rendered from per-user configurations.
package addon

import (
	"net/url"
	"strconv"
	"strings"
)

// Extra holds the optional catalog/meta modifiers carried in the extra
// path segment as k=v pairs, e.g. "skip=100/genre=Action". Pairs are
// slash-separated; the &-separated form some clients send is accepted
// too.
type Extra struct {
	Skip     int
	Genre    string
	Search   string
	Language string
}

// validLanguage matches the xx-YY language tags the upstream accepts.
func validLanguage(tag string) bool {
	parts := strings.Split(tag, "-")
	if len(parts) != 2 || len(parts[0]) != 2 || len(parts[1]) != 2 {
		return false
	}
	for _, r := range parts[0] {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	for _, r := range parts[1] {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

// ParseExtra decodes an extra path segment. Unknown keys and malformed
// values are ignored rather than erroring: clients vary.
func ParseExtra(segment string) Extra {
	var extra Extra
	pairs := strings.FieldsFunc(segment, func(r rune) bool {
		return r == '/' || r == '&'
	})
	for _, pair := range pairs {
		k, v, found := strings.Cut(pair, "=")
		if !found {
			continue
		}
		if decoded, err := url.QueryUnescape(v); err == nil {
			v = decoded
		}
		switch k {
		case "skip":
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				extra.Skip = n
			}
		case "genre":
			extra.Genre = v
		case "search":
			extra.Search = v
		case "language":
			if validLanguage(v) {
				extra.Language = v
			}
		}
	}
	return extra
}

// TitleID is a parsed meta identifier: either an IMDb id ("tt0111161")
// or an upstream id ("tmdb:550").
type TitleID struct {
	IMDB string
	TMDB int64
}

// ParseTitleID accepts the two supported id syntaxes. Anything else is
// unknown, which handlers answer with an empty meta rather than 404.
func ParseTitleID(raw string) (TitleID, bool) {
	if strings.HasPrefix(raw, "tt") && len(raw) > 2 {
		for _, r := range raw[2:] {
			if r < '0' || r > '9' {
				return TitleID{}, false
			}
		}
		return TitleID{IMDB: raw}, true
	}
	if rest, found := strings.CutPrefix(raw, "tmdb:"); found {
		if n, err := strconv.ParseInt(rest, 10, 64); err == nil && n > 0 {
			return TitleID{TMDB: n}, true
		}
	}
	return TitleID{}, false
}
