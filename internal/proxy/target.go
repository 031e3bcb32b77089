package proxy

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"github.com/koltyakov/steer/internal/domain"
)

// RewritePath maps a public request path onto the backend path: the leading
// /front_uri segment is stripped, /back_uri is prepended, duplicate slashes
// are collapsed, and the result always starts with a single /.
func RewritePath(path string, m domain.Mapping) string {
	result := path

	if m.FrontURI != "" {
		front := "/" + m.FrontURI
		if strings.HasPrefix(result, front) {
			result = result[len(front):]
		} else if strings.HasPrefix(result, m.FrontURI) {
			// Tolerate callers that pass the prefix without its slash.
			result = result[len(m.FrontURI):]
		}
	}

	if m.BackURI != "" {
		result = "/" + m.BackURI + result
	}

	for strings.Contains(result, "//") {
		result = strings.ReplaceAll(result, "//", "/")
	}
	if result == "" {
		return "/"
	}
	if !strings.HasPrefix(result, "/") {
		result = "/" + result
	}
	return result
}

// TargetURL forms the absolute upstream URL for a request. The backend column
// overrides the loopback base when present; the query string is carried over
// byte-for-byte. When both URIs are empty the rewriter is bypassed and the
// raw request path is forwarded unchanged.
func TargetURL(m domain.Mapping, requestPath, rawQuery string) (*url.URL, error) {
	targetPath := requestPath
	if m.FrontURI != "" || m.BackURI != "" {
		targetPath = RewritePath(requestPath, m)
	}

	base := m.Backend
	if base == "" {
		base = "http://localhost"
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Hostname() == "" {
		return nil, errors.New("backend must be an absolute URL")
	}

	u.Host = u.Hostname() + ":" + strconv.Itoa(m.BackPort)
	u.Path = targetPath
	u.RawQuery = rawQuery
	u.Fragment = ""
	return u, nil
}
