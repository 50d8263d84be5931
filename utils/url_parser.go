package utils

import (
	"net/url"
	"strings"
)

// ParseQuery splits a raw query string into its parameters. Keys are
// lower-cased so that OGC clients mixing "typeName", "TYPENAME" and
// "typename" all land on the same entry. A backslash-escaped ampersand
// ("\&") is kept as part of the value.
func ParseQuery(query string) (m url.Values, err error) {
	m = make(url.Values)
	for query != "" {
		key := query
		iSep := -1
		for i := 0; i < len(key); i++ {
			if key[i] == '&' {
				if i > 0 && key[i-1] == '\\' {
					continue
				}
				iSep = i
				break
			}
		}
		if iSep >= 0 {
			key, query = key[:iSep], key[iSep+1:]
		} else {
			query = ""
		}
		if key == "" {
			continue
		}
		value := ""
		if i := strings.Index(key, "="); i >= 0 {
			key, value = key[:i], key[i+1:]
			value = strings.Replace(value, "\\&", "&", -1)
		}
		key, err1 := url.QueryUnescape(key)
		if err1 != nil {
			if err == nil {
				err = err1
			}
			continue
		}
		key = strings.ToLower(key)

		value, err1 = url.QueryUnescape(value)
		if err1 != nil {
			if err == nil {
				err = err1
			}
			continue
		}

		m[key] = append(m[key], value)
	}
	return m, err
}

// FirstValue returns the first non-blank value of key, trimmed.
func FirstValue(m url.Values, key string) string {
	for _, v := range m[strings.ToLower(key)] {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// HostAllowed reports whether rawURL is an http(s) URL whose host is in
// allowed. Host comparison ignores case. An empty allow list permits
// nothing.
func HostAllowed(rawURL string, allowed []string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	for _, h := range allowed {
		if strings.EqualFold(u.Host, h) || strings.EqualFold(u.Hostname(), h) {
			return true
		}
	}
	return false
}
