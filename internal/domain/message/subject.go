// Package message defines the wire-level building blocks of the bus:
// the subject grammar, the JSON envelope, DLQ records and the error
// taxonomy used by the delivery pipeline.
package message

import (
	"fmt"
	"strings"
)

// Subject is a parsed broker routing key: {env}.{app}.{topic}.
type Subject struct {
	Env   string
	App   string
	Topic string
}

// String renders the subject back to its dot-delimited wire form.
func (s Subject) String() string {
	return s.Env + "." + s.App + "." + s.Topic
}

// Normalize lowercases a token and replaces every character outside
// [a-z0-9_.>*-] with an underscore. Normalization is idempotent.
func Normalize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '.' || r == '>' || r == '*' || r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// HasWildcard reports whether the subject or filter contains a NATS
// wildcard token (* or >).
func HasWildcard(s string) bool {
	return strings.ContainsAny(s, "*>")
}

// BuildSubject assembles the wire subject for a publish. Wildcards are
// rejected: publishes must target a concrete subject.
func BuildSubject(env, app, topic string) (string, error) {
	if env == "" || app == "" || topic == "" {
		return "", fmt.Errorf("build subject: env, app and topic are required")
	}
	subj := Normalize(env) + "." + Normalize(app) + "." + Normalize(topic)
	if HasWildcard(subj) {
		return "", fmt.Errorf("build subject %q: wildcards are not allowed on publish", subj)
	}
	if strings.Contains(subj, "..") || strings.HasSuffix(subj, ".") {
		return "", fmt.Errorf("build subject %q: empty token", subj)
	}
	return subj, nil
}

// BuildFilter assembles a subscribe filter. Unlike BuildSubject it
// permits * and > tokens in the topic part.
func BuildFilter(env, app, topic string) (string, error) {
	if env == "" || app == "" || topic == "" {
		return "", fmt.Errorf("build filter: env, app and topic are required")
	}
	filter := Normalize(env) + "." + Normalize(app) + "." + Normalize(topic)
	if strings.Contains(filter, "..") {
		return "", fmt.Errorf("build filter %q: empty token", filter)
	}
	return filter, nil
}

// ParseSubject splits a wire subject into its env, app and topic parts.
// The topic keeps any remaining dots.
func ParseSubject(s string) (Subject, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return Subject{}, fmt.Errorf("parse subject %q: want {env}.{app}.{topic}", s)
	}
	return Subject{Env: parts[0], App: parts[1], Topic: parts[2]}, nil
}

// DurableName derives a broker durable consumer name from an app name
// and a filter subject. Dots and wildcard characters are not valid in
// durable names, so they collapse to underscores.
func DurableName(app, filter string) string {
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '.', '*', '>':
				return '_'
			}
			return r
		}, s)
	}
	return sanitize(Normalize(app)) + "_" + sanitize(Normalize(filter))
}

// DLQSubject returns the dead-letter subject for an env/app pair.
func DLQSubject(env, app string) string {
	return Normalize(env) + "." + Normalize(app) + ".dlq"
}

// EventsFilter returns the catch-all filter for an environment's
// primary stream.
func EventsFilter(env string) string {
	return Normalize(env) + ".>"
}
