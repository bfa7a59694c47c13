package parse

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// The normalizer rewrites volatile fragments of error messages into stable
// placeholder tokens so similar messages cluster together. Substitution
// order is significant: the hex rule runs before the UUID rule and usually
// subsumes it, and the number rule runs before the ISO-timestamp rule, so
// dates rarely survive intact to match it. Both quirks are load-bearing for
// cluster-key stability and must not be "fixed" independently.
var (
	normPath      = regexp.MustCompile(`(?:/[\w.\-]+){2,}/?`)
	normHex       = regexp.MustCompile(`\b[0-9a-fA-F]{8,}\b`)
	normUUID      = regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`)
	normNum       = regexp.MustCompile(`\b\d{4,}\b`)
	normISO       = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?Z?\b`)
	normTime      = regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}\b`)
	normIP        = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	normPort      = regexp.MustCompile(`:(\d{2,5})\b`)
	normAgentFrag = regexp.MustCompile(`\b(?:polecats|crew)/[A-Za-z0-9_-]+`)
	normSpace     = regexp.MustCompile(`\s+`)
)

// maxPatternLen caps normalized patterns; longer messages are truncated
// with a trailing ellipsis.
const maxPatternLen = 200

// NormalizeErrorPattern reduces an error or warning message to its cluster
// key by replacing paths, ids, numbers, timestamps, addresses, and agent
// path fragments with placeholders.
func NormalizeErrorPattern(msg string) string {
	s := normPath.ReplaceAllString(msg, "<path>")
	s = normHex.ReplaceAllString(s, "<id>")
	s = normUUID.ReplaceAllString(s, "<uuid>")
	s = normNum.ReplaceAllString(s, "<num>")
	s = normISO.ReplaceAllString(s, "<timestamp>")
	s = normTime.ReplaceAllString(s, "<time>")
	s = normIP.ReplaceAllString(s, "<ip>")
	s = normPort.ReplaceAllString(s, ":<port>")
	s = normAgentFrag.ReplaceAllString(s, "<agent>")
	s = strings.TrimSpace(normSpace.ReplaceAllString(s, " "))
	if len(s) > maxPatternLen {
		// Back up to a rune boundary so the cut never splits a
		// multi-byte character.
		cut := maxPatternLen
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
