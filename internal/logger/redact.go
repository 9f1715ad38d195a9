package logger

import (
	"net/url"
	"regexp"
)

// key=value password pairs in libpq-style DSNs
var passwordPair = regexp.MustCompile(`(?i)(password=)\S+`)

// user:password@ prefix of driver DSNs that are not URLs
var userinfoPrefix = regexp.MustCompile(`^([^:/@\s]+):[^@\s]*@`)

// Redact hides credentials in a stream URI or database DSN so it can be
// logged.
func Redact(s string) string {
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	s = passwordPair.ReplaceAllString(s, "${1}xxxxx")
	return userinfoPrefix.ReplaceAllString(s, "${1}:xxxxx@")
}
