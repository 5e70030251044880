package sandbox

import "regexp"

// secretKeyRe matches env var names that conventionally carry credentials.
var secretKeyRe = regexp.MustCompile(`(?i)(key|token|secret|password|passwd|credential|auth)`)

// envRefRe matches a ${NAME} environment reference. Values in this form are
// resolved from the gateway's own environment at instance creation and are
// never treated as plaintext secrets.
var envRefRe = regexp.MustCompile(`^\$\{[A-Za-z_][A-Za-z0-9_]*\}$`)

// credentialPatterns match secret material embedded in free text. The card
// pattern requires a known issuer prefix so that millisecond timestamps in
// instance IDs are never mistaken for card numbers.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bghp_[A-Za-z0-9]{36}\b`),
	regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	regexp.MustCompile(`\b(?:4\d{3}|5[1-5]\d{2}|3[47]\d{2}|6011)(?:[ -]?\d{4}){3}\b`),
}

// IsSecretEnvKey reports whether an env var name looks like it carries a
// credential.
func IsSecretEnvKey(key string) bool {
	return secretKeyRe.MatchString(key)
}

// IsEnvRef reports whether a value is a ${NAME} reference rather than an
// inline literal.
func IsEnvRef(value string) bool {
	return envRefRe.MatchString(value)
}

// Mask replaces the middle of a secret with an ellipsis, keeping the first
// and last four characters. Short secrets collapse entirely.
func Mask(s string) string {
	if len(s) <= 8 {
		return "…"
	}
	return s[:4] + "…" + s[len(s)-4:]
}

// RedactString masks credential material found in free text. It is wired
// into the log writer so secrets never reach persisted output.
func RedactString(s string) string {
	for _, re := range credentialPatterns {
		s = re.ReplaceAllStringFunc(s, Mask)
	}
	return s
}
