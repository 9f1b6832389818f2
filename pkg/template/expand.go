// Package template expands placeholders in session labels, so a label
// like "{user}@{hostname} {branch}" identifies an agent at a glance in
// "session status".
package template

import (
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var placeholder = regexp.MustCompile(`\{([a-z0-9_]+)\}`)

// Expand replaces {name} placeholders in text in a single pass, so values
// containing braces are never expanded again. Unknown placeholders are
// left as written.
//
// Built-in placeholders:
//
//	{date}      now as YYYY-MM-DD
//	{time}      now as HH:MM:SS
//	{iso8601}   now in RFC 3339
//	{unix}      now as Unix seconds
//	{user}      current username
//	{hostname}  short host name
//	{pid}       current process ID
//
// vars override the built-ins.
func Expand(text string, vars map[string]string) string {
	return expandAt(text, vars, time.Now())
}

func expandAt(text string, vars map[string]string, now time.Time) string {
	if !strings.Contains(text, "{") {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := vars[name]; ok {
			return v
		}
		if v, ok := builtin(name, now); ok {
			return v
		}
		return m
	})
}

func builtin(name string, now time.Time) (string, bool) {
	switch name {
	case "date":
		return now.Format("2006-01-02"), true
	case "time":
		return now.Format("15:04:05"), true
	case "iso8601":
		return now.Format(time.RFC3339), true
	case "unix":
		return strconv.FormatInt(now.Unix(), 10), true
	case "user":
		if u, err := user.Current(); err == nil {
			return u.Username, true
		}
		return "unknown", true
	case "hostname":
		if h, err := os.Hostname(); err == nil {
			return strings.Split(h, ".")[0], true
		}
		return "unknown", true
	case "pid":
		return strconv.Itoa(os.Getpid()), true
	}
	return "", false
}
