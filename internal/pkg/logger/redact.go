package logger

import (
	"net/url"
	"regexp"
)

var userInfoRe = regexp.MustCompile(`//([^/@:]+)(:[^/@]*)?@`)

// RedactDSN masks credentials in a connection URL so the startup
// config dump is safe to ship to log aggregation.
// "postgres://app:s3cret@db:5432/feed" → "postgres://app:***@db:5432/feed"
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "***")
			return u.String()
		}
		return dsn
	}
	// Not a parseable URL; fall back to a textual scrub.
	return userInfoRe.ReplaceAllString(dsn, "//$1:***@")
}
