// Package sanitize masks secrets in argv, environment-style tokens, and
// URLs before they reach the persistence layer (spec §4.4).
package sanitize

import (
	"regexp"
	"strings"
)

const mask = "***"

// nextArgFlags are flags whose following token is itself the secret and
// must be masked wholesale.
var nextArgFlags = buildLowerSet([]string{
	"-p", "--password", "--token", "--api-key", "--secret", "--auth", "--private-key",
})

// flagEqualsFamily are the same flag names in their "--flag=value" form.
var flagEqualsFamily = []string{
	"--password=", "--token=", "--api-key=", "--secret=", "--auth=", "--private-key=",
}

// envPrefixes are known sensitive environment-variable assignment
// prefixes (including the trailing "=").
var envPrefixes = []string{
	"ANTHROPIC_API_KEY=",
	"OPENAI_API_KEY=",
	"AWS_SECRET_ACCESS_KEY=",
	"AWS_ACCESS_KEY_ID=",
	"GITHUB_TOKEN=",
	"GITLAB_TOKEN=",
	"DATABASE_PASSWORD=",
	"DATABASE_URL=",
	"SECRET_KEY=",
	"STRIPE_SECRET_KEY=",
	"NPM_TOKEN=",
}

var ghPrefixes = []string{"ghp_", "gho_", "ghs_", "ghr_"}

var urlUserinfoRe = regexp.MustCompile(`^([a-zA-Z][a-zA-Z0-9+.\-]*://)([^/@\s]+)@`)

func buildLowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

// Args masks a sequence of argv tokens in place, returning a new slice.
// The next-arg-flag rule always fires before any token-shape rule, and a
// token consumed as the value of a next-arg flag is never re-inspected.
func Args(args []string) []string {
	out := make([]string, len(args))
	skipNext := false
	for i, tok := range args {
		if skipNext {
			out[i] = mask
			skipNext = false
			continue
		}
		if _, ok := nextArgFlags[strings.ToLower(tok)]; ok {
			out[i] = tok
			skipNext = true
			continue
		}
		out[i] = maskToken(tok)
	}
	return out
}

func maskToken(tok string) string {
	if masked, ok := maskFlagEquals(tok); ok {
		return masked
	}
	if masked, ok := maskEnvPrefix(tok); ok {
		return masked
	}
	if masked, ok := maskTokenShape(tok); ok {
		return masked
	}
	if masked, ok := maskHTTPHeader(tok); ok {
		return masked
	}
	if masked, ok := maskURLUserinfo(tok); ok {
		return masked
	}
	return tok
}

func maskFlagEquals(tok string) (string, bool) {
	lower := strings.ToLower(tok)
	for _, prefix := range flagEqualsFamily {
		if strings.HasPrefix(lower, prefix) {
			return tok[:len(prefix)] + mask, true
		}
	}
	return tok, false
}

func maskEnvPrefix(tok string) (string, bool) {
	for _, prefix := range envPrefixes {
		if strings.HasPrefix(tok, prefix) {
			return tok[:len(prefix)] + mask, true
		}
	}
	return tok, false
}

func maskTokenShape(tok string) (string, bool) {
	switch {
	case strings.HasPrefix(tok, "sk-ant-"):
		return "sk-ant-" + mask, true
	case strings.HasPrefix(tok, "sk-") && len(tok) > 20:
		return "sk-" + mask, true
	case hasAnyPrefix(tok, ghPrefixes):
		for _, p := range ghPrefixes {
			if strings.HasPrefix(tok, p) {
				return p + mask, true
			}
		}
	case (strings.HasPrefix(tok, "AKIA") || strings.HasPrefix(tok, "ASIA")) && len(tok) == 20:
		return mask, true
	case strings.HasPrefix(tok, "npm_"):
		return "npm_" + mask, true
	}
	return tok, false
}

func hasAnyPrefix(tok string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(tok, p) {
			return true
		}
	}
	return false
}

func maskHTTPHeader(tok string) (string, bool) {
	lower := strings.ToLower(tok)
	for _, scheme := range []string{"bearer ", "basic "} {
		if strings.HasPrefix(lower, scheme) && len(tok) > len(scheme) {
			return tok[:len(scheme)] + mask, true
		}
	}
	for _, header := range []string{"authorization:", "x-api-key:"} {
		if strings.HasPrefix(lower, header) {
			rest := tok[len(header):]
			if strings.HasPrefix(rest, " ") {
				return tok[:len(header)] + " " + mask, true
			}
			return tok[:len(header)] + mask, true
		}
	}
	return tok, false
}

func maskURLUserinfo(tok string) (string, bool) {
	loc := urlUserinfoRe.FindStringSubmatchIndex(tok)
	if loc == nil {
		return tok, false
	}
	scheme := tok[loc[2]:loc[3]]
	return scheme + mask + "@" + tok[loc[1]:], true
}

// CommandString performs shell-aware splitting (respecting single and
// double quotes and backslash escapes inside double quotes), sanitizes
// each resulting token, and rejoins with single spaces.
func CommandString(s string) string {
	return strings.Join(Args(splitShellWords(s)), " ")
}

func splitShellWords(s string) []string {
	var words []string
	var cur strings.Builder
	hasCur := false
	inSingle := false
	inDouble := false
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case inSingle:
			if r == '\'' {
				inSingle = false
			} else {
				cur.WriteRune(r)
			}
		case inDouble:
			switch {
			case r == '\\' && i+1 < len(runes) && isDoubleQuoteEscapable(runes[i+1]):
				cur.WriteRune(runes[i+1])
				i++
			case r == '"':
				inDouble = false
			default:
				cur.WriteRune(r)
			}
		default:
			switch {
			case r == '\'':
				inSingle = true
				hasCur = true
			case r == '"':
				inDouble = true
				hasCur = true
			case r == ' ' || r == '\t':
				if hasCur {
					words = append(words, cur.String())
					cur.Reset()
					hasCur = false
				}
			default:
				cur.WriteRune(r)
				hasCur = true
			}
		}
	}
	if hasCur {
		words = append(words, cur.String())
	}
	return words
}

func isDoubleQuoteEscapable(r rune) bool {
	switch r {
	case '"', '\\', '$', '`':
		return true
	default:
		return false
	}
}
