// Package security implements the validation gate that every server
// configuration passes through before a process is spawned or a socket is
// opened. All scans are pure functions: no network access, no side effects.
package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Violation describes a single blocked pattern found during a scan.
type Violation struct {
	Field   string `json:"field"`
	Pattern string `json:"pattern"`
	Reason  string `json:"reason"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: %s (%s)", v.Field, v.Reason, v.Pattern)
}

// Rejection is the error returned when a configuration is blocked by the
// gate. It is always fatal: there is no override and no retry.
type Rejection struct {
	Violations []Violation
}

func (r *Rejection) Error() string {
	if len(r.Violations) == 0 {
		return "security rejection"
	}
	reasons := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		reasons = append(reasons, v.String())
	}
	return "security rejection: " + strings.Join(reasons, "; ")
}

// NewRejection wraps violations into a Rejection error, or returns nil when
// the scan found nothing.
func NewRejection(violations []Violation) error {
	if len(violations) == 0 {
		return nil
	}
	return &Rejection{Violations: violations}
}

// IsRejection reports whether err is (or wraps) a security Rejection.
func IsRejection(err error) bool {
	var rejection *Rejection
	return errors.As(err, &rejection)
}

// shellMetacharacters are sequences that would let a command string escape
// into the shell. Single tokens are matched as substrings because package
// runners pass them through verbatim.
var shellMetacharacters = []struct {
	pattern string
	reason  string
}{
	{"&&", "shell command chaining"},
	{"||", "shell command chaining"},
	{";", "shell command separator"},
	{"|", "shell pipe"},
	{"`", "shell command substitution"},
	{"$(", "shell command substitution"},
}

// dangerousTokens are commands or command fragments that are never a valid
// part of a tool server invocation.
var dangerousTokens = []struct {
	pattern string
	reason  string
}{
	{"rm -rf", "destructive filesystem command"},
	{"rm -fr", "destructive filesystem command"},
	{"mkfs", "destructive filesystem command"},
	{"dd if=", "raw device write"},
	{"sudo", "privilege escalation"},
	{"doas", "privilege escalation"},
	{"chmod 777", "world-writable permission change"},
	{"chown root", "ownership escalation"},
	{"> /dev/", "redirection into device file"},
	{">/dev/", "redirection into device file"},
	{"curl ", "network fetch inside command"},
	{"wget ", "network fetch inside command"},
}

// evalFlags are code-execution flags for package runners (node, npx, python,
// ruby...). An MCP server is started by name, never by inline source.
var evalFlags = map[string]string{
	"-e":            "inline code execution flag",
	"--eval":        "inline code execution flag",
	"-c":            "inline code execution flag",
	"--call":        "arbitrary function call flag",
	"-p":            "inline print-eval flag",
	"--print":       "inline print-eval flag",
	"--interactive": "interactive interpreter flag",
}

// ScanCommand scans a command and its arguments for injection and
// privilege-escalation patterns. It returns every violation found, not just
// the first, so callers can report them together.
func ScanCommand(command string, args []string) []Violation {
	var violations []Violation

	violations = append(violations, scanToken("command", command)...)

	if strings.TrimSpace(command) != command {
		violations = append(violations, Violation{
			Field:   "command",
			Pattern: command,
			Reason:  "leading or trailing whitespace in command",
		})
	}

	for i, arg := range args {
		field := fmt.Sprintf("args[%d]", i)
		violations = append(violations, scanToken(field, arg)...)

		// Runners accept the payload joined with "=" ("--eval=code"), so
		// the flag is matched on the part before it.
		flag := arg
		if idx := strings.IndexByte(arg, '='); idx >= 0 {
			flag = arg[:idx]
		}
		if reason, ok := evalFlags[flag]; ok {
			violations = append(violations, Violation{
				Field:   field,
				Pattern: flag,
				Reason:  reason,
			})
		}
	}

	return violations
}

// scanToken applies the substring blacklists shared by command and argument
// scanning.
func scanToken(field, token string) []Violation {
	var violations []Violation

	for _, meta := range shellMetacharacters {
		if strings.Contains(token, meta.pattern) {
			violations = append(violations, Violation{
				Field:   field,
				Pattern: meta.pattern,
				Reason:  meta.reason,
			})
		}
	}

	if strings.Contains(token, "../") || strings.Contains(token, `..\`) {
		violations = append(violations, Violation{
			Field:   field,
			Pattern: "../",
			Reason:  "path traversal",
		})
	}

	lower := strings.ToLower(token)
	for _, tok := range dangerousTokens {
		if strings.Contains(lower, tok.pattern) {
			violations = append(violations, Violation{
				Field:   field,
				Pattern: tok.pattern,
				Reason:  tok.reason,
			})
		}
	}

	return violations
}

// allowedSchemes lists the URL schemes the subsystem will ever dial.
// mailto is accepted only so link-opening callers can share the gate; it is
// never a valid transport scheme.
var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"mailto": true,
}

// IsProtocolAllowed reports whether a URL scheme is on the allowlist.
func IsProtocolAllowed(scheme string) bool {
	return allowedSchemes[strings.ToLower(scheme)]
}

// ScanURL validates a transport base URL: it must parse, carry an allowlisted
// scheme, and have a host.
func ScanURL(rawURL string) []Violation {
	var violations []Violation

	u, err := url.Parse(rawURL)
	if err != nil {
		return []Violation{{
			Field:   "baseUrl",
			Pattern: rawURL,
			Reason:  "malformed URL",
		}}
	}

	if !IsProtocolAllowed(u.Scheme) {
		violations = append(violations, Violation{
			Field:   "baseUrl",
			Pattern: u.Scheme,
			Reason:  "scheme not allowed (only http, https)",
		})
	}

	if u.Scheme != "mailto" && u.Host == "" {
		violations = append(violations, Violation{
			Field:   "baseUrl",
			Pattern: rawURL,
			Reason:  "URL has no host",
		})
	}

	return violations
}

// ScanFetchURL applies the stricter content-fetching policy on top of
// ScanURL: the host must not resolve into loopback, link-local, or private
// address space, and when a domain allowlist is supplied the host must match
// it. Only literal IPs are judged for address ranges; the gate never
// performs DNS lookups.
func ScanFetchURL(rawURL string, allowedDomains []string) []Violation {
	violations := ScanURL(rawURL)

	u, err := url.Parse(rawURL)
	if err != nil {
		return violations
	}

	host := u.Hostname()
	if host == "" {
		return violations
	}

	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() {
			violations = append(violations, Violation{
				Field:   "baseUrl",
				Pattern: host,
				Reason:  "loopback address blocked for content fetching",
			})
		}
		if ip.IsPrivate() {
			violations = append(violations, Violation{
				Field:   "baseUrl",
				Pattern: host,
				Reason:  "private address range blocked for content fetching",
			})
		}
		if ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
			violations = append(violations, Violation{
				Field:   "baseUrl",
				Pattern: host,
				Reason:  "link-local address blocked for content fetching",
			})
		}
		if ip.IsUnspecified() {
			violations = append(violations, Violation{
				Field:   "baseUrl",
				Pattern: host,
				Reason:  "unspecified address blocked for content fetching",
			})
		}
	} else if strings.EqualFold(host, "localhost") {
		violations = append(violations, Violation{
			Field:   "baseUrl",
			Pattern: host,
			Reason:  "loopback address blocked for content fetching",
		})
	}

	if len(allowedDomains) > 0 && !domainAllowed(host, allowedDomains) {
		violations = append(violations, Violation{
			Field:   "baseUrl",
			Pattern: host,
			Reason:  "domain not on allowlist",
		})
	}

	return violations
}

// domainAllowed matches host against the allowlist, accepting exact matches
// and subdomains of allowlisted entries.
func domainAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, domain := range allowed {
		domain = strings.ToLower(strings.TrimPrefix(domain, "."))
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	return false
}
