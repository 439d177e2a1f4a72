// Package subscription implements the Subscription Engine: MQTT-style
// topic wildcard matching and local fan-out for publish/subscribe, plus the
// pending/accept/reject/send-value state machine backing streaming
// subscriptions. Grounded on cellorg's internal/broker/service.go Topic
// type (subscriber list + per-topic delivery), generalized from exact-topic
// matching to wildcard patterns and from broker-side fan-out to
// per-process local fan-out over the bus's own broadcast delivery.
package subscription

import (
	"fmt"
	"strings"

	"github.com/tenzoki/agen/meshbus/internal/xerrors"
)

// Pattern is a compiled subscription pattern: "+" matches exactly one
// topic segment, a trailing "#" matches zero or more trailing segments.
// Both wildcards must occupy a whole segment, and "#" may only appear as
// the final segment (spec §4.4).
type Pattern struct {
	raw      string
	segments []string
}

// Compile validates and compiles pattern, rejecting malformed wildcard
// placement (e.g. "a/#/b", "a+b") at registration time rather than
// silently never matching.
func Compile(pattern string) (*Pattern, error) {
	if pattern == "" {
		return nil, xerrors.New(xerrors.InvalidRequest, "subscription pattern must not be empty")
	}
	segments := strings.Split(pattern, "/")
	for i, seg := range segments {
		if seg == "" {
			return nil, xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("pattern %q has an empty segment", pattern))
		}
		if seg == "#" && i != len(segments)-1 {
			return nil, xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("pattern %q: '#' must be the last segment", pattern))
		}
		if seg != "#" && seg != "+" && (strings.Contains(seg, "#") || strings.Contains(seg, "+")) {
			return nil, xerrors.New(xerrors.InvalidRequest, fmt.Sprintf("pattern %q: wildcards must occupy a whole segment", pattern))
		}
	}
	return &Pattern{raw: pattern, segments: segments}, nil
}

// String returns the original pattern text.
func (p *Pattern) String() string { return p.raw }

// Match reports whether topic satisfies the pattern.
func (p *Pattern) Match(topic string) bool {
	topicSegs := strings.Split(topic, "/")
	for i, seg := range p.segments {
		if seg == "#" {
			return true
		}
		if i >= len(topicSegs) {
			return false
		}
		if seg == "+" {
			continue
		}
		if seg != topicSegs[i] {
			return false
		}
	}
	return len(p.segments) == len(topicSegs)
}
