package domain

import (
	"net/netip"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"
)

const (
	maxDomainLen = 253
	maxLabelLen  = 63
)

var domainLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
var hexRe = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// ValidateAndCanonicalize checks the indicator's structure, replaces its
// value with the canonical form and fills defaulted fields. It returns
// non-fatal warnings (for example, when canonicalization changed the
// value) and an invalid-format error on structural failure. Nothing is
// mutated when an error is returned.
func ValidateAndCanonicalize(ioc *IOC) ([]string, error) {
	if !ioc.Type.Valid() {
		return nil, E(KindInvalidFormat, "unknown indicator type %q", ioc.Type)
	}
	raw := strings.TrimSpace(ioc.Value)
	if raw == "" {
		return nil, E(KindInvalidFormat, "%s indicator has empty value", ioc.Type)
	}
	if ioc.Confidence < 0 || ioc.Confidence > 1 {
		return nil, E(KindInvalidFormat, "confidence %v outside [0,1]", ioc.Confidence)
	}
	if ioc.Severity != "" && !ioc.Severity.Valid() {
		return nil, E(KindInvalidFormat, "unknown severity %q", ioc.Severity)
	}

	var warnings []string
	var canonical string
	var err error

	switch ioc.Type {
	case IPAddress:
		canonical, warnings, err = canonicalIP(raw)
	case Domain:
		canonical, err = canonicalDomain(raw)
	case URL:
		canonical, err = canonicalURL(raw)
	case Hash:
		canonical, err = canonicalHash(raw)
	case Email:
		canonical, err = canonicalEmail(raw)
	case FilePath:
		canonical, err = validFilePath(raw)
	}
	if err != nil {
		return nil, err
	}
	if canonical != ioc.Value {
		warnings = append(warnings, "value canonicalized from "+ioc.Value)
	}
	ioc.Value = canonical

	if ioc.Severity == "" {
		ioc.Severity = SeverityMedium
	}
	now := time.Now().UTC()
	if ioc.Timestamp.IsZero() {
		ioc.Timestamp = now
	} else if ioc.Timestamp.After(now) {
		warnings = append(warnings, "timestamp in the future, clamped to now")
		ioc.Timestamp = now
	}
	ioc.Tags = dedupeTags(ioc.Tags)

	if ctx := ioc.Context; ctx != nil {
		if !ctx.FirstSeen.IsZero() && ctx.FirstSeen.After(ioc.Timestamp) {
			warnings = append(warnings, "context.first_seen after observation time, clamped")
			ctx.FirstSeen = ioc.Timestamp
		}
		if !ctx.LastSeen.IsZero() && ctx.LastSeen.Before(ioc.Timestamp) {
			warnings = append(warnings, "context.last_seen before observation time, clamped")
			ctx.LastSeen = ioc.Timestamp
		}
	}

	if ioc.ID == "" {
		ioc.ID = DeterministicID(ioc.Type, ioc.Value)
	}
	return warnings, nil
}

func canonicalIP(raw string) (string, []string, error) {
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return "", nil, WrapErr(err, KindInvalidFormat, "invalid ip address %q", raw)
	}
	var warnings []string
	// Internal addresses are legitimate indicators in many
	// investigations, so reserved ranges warn instead of failing.
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsMulticast() || addr.IsUnspecified() {
		warnings = append(warnings, "ip "+addr.String()+" is in a private or reserved range")
	}
	return addr.String(), warnings, nil
}

func canonicalDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSuffix(raw, "."))
	if len(d) > maxDomainLen {
		return "", E(KindInvalidFormat, "domain exceeds %d characters", maxDomainLen)
	}
	labels := strings.Split(d, ".")
	if len(labels) < 2 {
		return "", E(KindInvalidFormat, "domain %q has no dot-separated labels", raw)
	}
	for _, label := range labels {
		if len(label) > maxLabelLen {
			return "", E(KindInvalidFormat, "domain label %q exceeds %d characters", label, maxLabelLen)
		}
		// Punycode labels (xn--) pass through the same shape check.
		if !domainLabelRe.MatchString(label) {
			return "", E(KindInvalidFormat, "domain label %q is malformed", label)
		}
	}
	return d, nil
}

func canonicalURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", WrapErr(err, KindInvalidFormat, "invalid url %q", raw)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", E(KindInvalidFormat, "url scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return "", E(KindInvalidFormat, "url %q has no authority", raw)
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	if scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	} else {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	// Dropping RawPath re-derives percent-encoding from the decoded
	// path, normalizing mixed-case and redundant escapes.
	u.RawPath = ""
	return u.String(), nil
}

func canonicalHash(raw string) (string, error) {
	if !hexRe.MatchString(raw) {
		return "", E(KindInvalidFormat, "hash %q is not hexadecimal", raw)
	}
	switch len(raw) {
	case 32, 40, 64: // MD5, SHA-1, SHA-256
	default:
		return "", E(KindInvalidFormat, "hash length %d is not one of 32, 40 or 64", len(raw))
	}
	return strings.ToLower(raw), nil
}

func canonicalEmail(raw string) (string, error) {
	at := strings.LastIndex(raw, "@")
	if at <= 0 || at == len(raw)-1 {
		return "", E(KindInvalidFormat, "email %q is not local@domain", raw)
	}
	local := raw[:at]
	if strings.ContainsAny(local, " \t") {
		return "", E(KindInvalidFormat, "email local part contains whitespace")
	}
	dom, err := canonicalDomain(raw[at+1:])
	if err != nil {
		return "", E(KindInvalidFormat, "email domain part: %v", err)
	}
	return local + "@" + dom, nil
}

func validFilePath(raw string) (string, error) {
	for _, r := range raw {
		if !unicode.IsPrint(r) {
			return "", E(KindInvalidFormat, "file path contains non-printable characters")
		}
	}
	// Paths are kept verbatim; escaping happens only at display time.
	return raw, nil
}

const shellMeta = "`$&;|<>()'\"\\*?[]{}~#! "

// SanitizeForDisplay escapes shell metacharacters so a file-path
// indicator can be echoed into reports or terminals safely. The stored
// value is never modified.
func SanitizeForDisplay(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for _, r := range path {
		if strings.ContainsRune(shellMeta, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	out := tags[:0]
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
