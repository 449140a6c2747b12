// Package subjects owns the bridge's NATS naming scheme and the wildcard
// algebra used by the topology reconciler.
//
// Naming scheme:
//   - domain traffic:  <app>.sync.<destination>
//   - dead letters:    <app>.sync.<destination>.dlq
//   - shared stream:   <env>-jetstream-bridge-stream
//   - durable pull consumer: <app>--<destination>
//
// The two directions of a bridge are disjoint by construction: each side
// publishes only under its own app prefix.
package subjects

import "strings"

const (
	sep        = "."
	syncToken  = "sync"
	dlqToken   = "dlq"
	wildOne    = "*"
	wildTail   = ">"
	streamStem = "jetstream-bridge-stream"
)

// Event returns the domain traffic subject published by app toward dest.
func Event(app, dest string) string {
	return app + sep + syncToken + sep + dest
}

// DLQ returns the dead-letter subject app uses for events it failed to
// consume from dest.
func DLQ(app, dest string) string {
	return Event(app, dest) + sep + dlqToken
}

// Stream returns the shared stream name for an environment.
func Stream(env string) string {
	return env + "-" + streamStem
}

// Durable returns the durable consumer name for app consuming from dest.
func Durable(app, dest string) string {
	return app + "--" + dest
}

// Filter returns the subject app subscribes to: dest's publish subject.
func Filter(app, dest string) string {
	return Event(dest, app)
}

// ValidToken reports whether s can be used as a single subject token
// (app names, environments). Wildcards, separators and whitespace are
// rejected because they would change the meaning of derived subjects.
func ValidToken(s string) bool {
	if s == "" {
		return false
	}
	return !strings.ContainsAny(s, ". *>\t\n")
}

// Matches reports whether subject is matched by pattern under NATS
// wildcard rules: "*" matches exactly one token, ">" matches one or more
// trailing tokens. Wildcards are honored on the pattern side only.
func Matches(pattern, subject string) bool {
	pt := strings.Split(pattern, sep)
	st := strings.Split(subject, sep)
	for i, p := range pt {
		if p == wildTail {
			// ">" requires at least one remaining subject token.
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != wildOne && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

// Covered reports whether any pattern in patterns matches subject.
func Covered(patterns []string, subject string) bool {
	for _, p := range patterns {
		if Matches(p, subject) {
			return true
		}
	}
	return false
}

// Overlaps reports whether two subject patterns can both match at least one
// concrete subject. Token positions overlap when they are equal, when either
// is "*", or when either is ">" (which absorbs the remainder).
func Overlaps(a, b string) bool {
	at := strings.Split(a, sep)
	bt := strings.Split(b, sep)
	n := len(at)
	if len(bt) < n {
		n = len(bt)
	}
	for i := 0; i < n; i++ {
		x, y := at[i], bt[i]
		if x == wildTail || y == wildTail {
			return true
		}
		if x == wildOne || y == wildOne {
			continue
		}
		if x != y {
			return false
		}
	}
	return len(at) == len(bt)
}

// OverlapsAny returns the subset of patterns that overlap subject.
func OverlapsAny(patterns []string, subject string) []string {
	var hits []string
	for _, p := range patterns {
		if Overlaps(p, subject) {
			hits = append(hits, p)
		}
	}
	return hits
}

// Normalize trims and deduplicates a subject list, preserving first-seen
// order and dropping empties.
func Normalize(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
