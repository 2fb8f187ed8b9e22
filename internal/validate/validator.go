// Package validate sanitizes and validates all client-supplied text before
// it reaches the broker: usernames, chat messages, and slash commands.
//
// Validation is defensive by default: a failed check produces a Result with
// Errors populated and the session continues. Strict mode (config-gated,
// used mainly by tests) turns failures into returned errors.
package validate

import (
	"fmt"
	"regexp"
	"strings"
)

// Defaults mirror the server's configuration surface.
const (
	DefaultMaxUsernameLength = 50
	DefaultMaxMessageLength  = 1000
	MinUsernameLength        = 2
)

// reservedNames may never be claimed, case-insensitively.
var reservedNames = map[string]struct{}{
	"admin":     {},
	"server":    {},
	"system":    {},
	"bot":       {},
	"null":      {},
	"undefined": {},
}

var (
	usernameCharset = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
	purelyNumeric   = regexp.MustCompile(`^[0-9]+$`)
	purelySymbolic  = regexp.MustCompile(`^[_.-]+$`)

	// injectionPatterns reject, they never sanitize. Matching input is
	// evidence of an attack, not of a formatting accident.
	injectionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<script[^>]*>`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)on\w+\s*=`),
		regexp.MustCompile(`(?i)\\x[0-9a-f]{2}`),
		regexp.MustCompile(`(?i)\\u[0-9a-f]{4}`),
		regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]"),
	}

	controlChars = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")
	zeroWidth    = regexp.MustCompile("[\u200b\u200c\u200d\ufeff]")
	whitespace   = regexp.MustCompile(`\s+`)
)

// Result carries the outcome of a validation pass. Warnings are advisory;
// only Errors make the input unusable.
type Result struct {
	OK        bool
	Sanitized string
	Errors    []string
	Warnings  []string
}

func (r *Result) fail(format string, args ...any) {
	r.OK = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Error surfaces the first validation error for strict-mode callers.
func (r Result) Error() error {
	if r.OK || len(r.Errors) == 0 {
		return nil
	}
	return fmt.Errorf("validation failed: %s", r.Errors[0])
}

// Config bounds the validator. Zero values fall back to defaults.
type Config struct {
	MaxUsernameLength int
	MaxMessageLength  int
	Strict            bool
}

// Validator applies the username, message, and command rules.
type Validator struct {
	maxUsername int
	maxMessage  int
	strict      bool
}

func New(cfg Config) *Validator {
	if cfg.MaxUsernameLength <= 0 {
		cfg.MaxUsernameLength = DefaultMaxUsernameLength
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	return &Validator{
		maxUsername: cfg.MaxUsernameLength,
		maxMessage:  cfg.MaxMessageLength,
		strict:      cfg.Strict,
	}
}

// Strict reports whether failures should terminate the session.
func (v *Validator) Strict() bool { return v.strict }

// Username validates a requested username. The sanitized value is the
// trimmed input; all other violations reject rather than rewrite.
func (v *Validator) Username(name string) Result {
	res := Result{OK: true}

	trimmed := strings.TrimSpace(name)
	if trimmed != name {
		res.warn("leading or trailing whitespace removed")
	}
	res.Sanitized = trimmed

	if trimmed == "" {
		res.fail("username is empty")
		return res
	}
	if len(trimmed) < MinUsernameLength {
		res.fail("username shorter than %d characters", MinUsernameLength)
	}
	if len(trimmed) > v.maxUsername {
		res.fail("username longer than %d characters", v.maxUsername)
	}
	if !usernameCharset.MatchString(trimmed) {
		res.fail("username may only contain letters, digits, '_', '.', '-'")
	}
	if _, reserved := reservedNames[strings.ToLower(trimmed)]; reserved {
		res.fail("username %q is reserved", trimmed)
	}
	if purelyNumeric.MatchString(trimmed) {
		res.fail("username may not be purely numeric")
	}
	if purelySymbolic.MatchString(trimmed) {
		res.fail("username may not consist only of punctuation")
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(trimmed) {
			res.fail("username contains a forbidden pattern")
			break
		}
	}
	if strings.HasPrefix(trimmed, ".") {
		res.warn("username starts with a dot")
	}
	if strings.HasSuffix(trimmed, ".") {
		res.warn("username ends with a dot")
	}
	return res
}

// Message validates and sanitizes chat content. Sanitization order matters:
// injection checks run against the raw input, HTML escaping runs before
// control stripping, '&' is escaped first to avoid double-escaping.
func (v *Validator) Message(content string) Result {
	res := Result{OK: true}

	if strings.TrimSpace(content) == "" {
		res.fail("message is empty")
		res.Sanitized = ""
		return res
	}
	if len(content) > v.maxMessage {
		res.fail("message longer than %d characters", v.maxMessage)
		res.Sanitized = ""
		return res
	}
	for _, pat := range injectionPatterns {
		if pat.MatchString(content) {
			res.fail("message contains a forbidden pattern")
			res.Sanitized = ""
			return res
		}
	}

	res.Sanitized = SanitizeMessage(content)
	if strings.ContainsRune(content, '|') {
		res.warn("message contains the framing character '|'")
	}
	return res
}

// SanitizeMessage applies the normalization pipeline without validation.
// It is idempotent: sanitizing sanitized text is a no-op.
func SanitizeMessage(content string) string {
	s := strings.ReplaceAll(content, "&", "&amp;")
	// Undo double-escaping of already-escaped entities so the pipeline
	// stays idempotent.
	s = strings.ReplaceAll(s, "&amp;amp;", "&amp;")
	s = strings.ReplaceAll(s, "&amp;lt;", "&lt;")
	s = strings.ReplaceAll(s, "&amp;gt;", "&gt;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = controlChars.ReplaceAllString(s, "")
	s = zeroWidth.ReplaceAllString(s, "")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Command validates a slash command line. Recognized verbs: quit, help,
// nick. The nick argument must itself pass username validation.
func (v *Validator) Command(line string) Result {
	res := Result{OK: true, Sanitized: strings.TrimSpace(line)}

	if !strings.HasPrefix(res.Sanitized, "/") {
		res.fail("commands must start with '/'")
		return res
	}

	fields := strings.Fields(strings.TrimPrefix(res.Sanitized, "/"))
	if len(fields) == 0 {
		res.fail("empty command")
		return res
	}

	verb := strings.ToLower(fields[0])
	args := fields[1:]

	switch verb {
	case "quit", "help":
		if len(args) > 0 {
			res.warn("/%s ignores arguments", verb)
		}
		res.Sanitized = "/" + verb
	case "nick":
		if len(args) != 1 {
			res.fail("/nick requires exactly one argument")
			return res
		}
		nameRes := v.Username(args[0])
		if !nameRes.OK {
			res.OK = false
			res.Errors = append(res.Errors, nameRes.Errors...)
			return res
		}
		res.Warnings = append(res.Warnings, nameRes.Warnings...)
		res.Sanitized = "/nick " + nameRes.Sanitized
	default:
		res.fail("unknown command %q", verb)
	}
	return res
}
