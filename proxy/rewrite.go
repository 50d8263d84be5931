package proxy

import (
	"bytes"
	"html"
	"mime"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

var (
	xlinkHref      = regexp.MustCompile(`xlink:href="([^"]*)"|xlink:href='([^']*)'`)
	xmlDeclaration = regexp.MustCompile(`^(\s*<\?xml[^>]*?encoding=)(["'])([^"']*)(["'])`)
)

// StripWorkspace removes every "#workspace" marker from doc.
func StripWorkspace(doc []byte, workspace string) []byte {
	return bytes.Replace(doc, []byte("#"+workspace), nil, -1)
}

// RewriteLinks points every xlink:href of doc at the proxy on siteURL.
// Each attribute is rewritten once, in document order, with its original
// target as the query-escaped url parameter.
func RewriteLinks(doc []byte, siteURL, workspace string) []byte {
	matches := xlinkHref.FindAllSubmatchIndex(doc, -1)
	if len(matches) == 0 {
		return doc
	}
	prefix := strings.TrimRight(siteURL, "/") + Path + "?url="
	suffix := "&amp;workspace=" + url.QueryEscape(workspace)

	var out bytes.Buffer
	out.Grow(len(doc) + len(matches)*(len(prefix)+len(suffix)))
	last := 0
	for _, m := range matches {
		// m[2:4] is the double quoted value, m[4:6] the single quoted one
		start, end := m[2], m[3]
		if start < 0 {
			start, end = m[4], m[5]
		}
		out.Write(doc[last:start])
		target := html.UnescapeString(string(doc[start:end]))
		out.WriteString(prefix)
		out.WriteString(url.QueryEscape(target))
		out.WriteString(suffix)
		last = end
	}
	out.Write(doc[last:])
	return out.Bytes()
}

// toUTF8 decodes body using the charset of contentType or of the XML
// declaration, and updates the declaration to match.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	label := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		label = params["charset"]
	}
	decl := xmlDeclaration.FindSubmatch(body)
	if label == "" && decl != nil {
		label = string(decl[3])
	}

	if label == "" {
		if utf8.Valid(body) {
			return body, nil
		}
		label = "windows-1252"
	}
	enc, name := charset.Lookup(label)
	if enc == nil || name == "utf-8" {
		return body, nil
	}

	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, err
	}
	if decl != nil {
		out = xmlDeclaration.ReplaceAll(out, []byte("${1}${2}UTF-8${4}"))
	}
	return out, nil
}
