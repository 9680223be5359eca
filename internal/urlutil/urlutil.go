// Package urlutil cleans, validates and normalizes the URLs an operator hands to a session.
package urlutil

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// MaxLength is the longest URL accepted by Clean and IsSafe.
const MaxLength = 2048

const defaultScheme = "https"

// ErrEmpty is returned by Clean for blank input.
var ErrEmpty = errors.New("empty url")

var (
	hostPattern = regexp.MustCompile(`^[a-zA-Z0-9-]+(\.[a-zA-Z0-9-]+)*\.[a-zA-Z]{2,}$`)

	dangerousPatterns = []string{"javascript:", "data:", "vbscript:", "file:"}
)

// Clean trims input, drops a leading "www." and adds the https scheme when none is present.
func Clean(raw string) (string, error) {
	u := strings.TrimSpace(raw)
	if u == "" {
		return "", ErrEmpty
	}
	if len(u) > MaxLength {
		return "", fmt.Errorf("url exceeds maximum length of %d characters", MaxLength)
	}

	lower := strings.ToLower(u)
	switch {
	case strings.HasPrefix(lower, "http://www."), strings.HasPrefix(lower, "https://www."):
		i := strings.Index(lower, "www.")
		u = u[:i] + u[i+4:]
	case strings.HasPrefix(lower, "www."):
		u = u[4:]
	}

	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		u = defaultScheme + "://" + u
	}
	if err := Validate(u); err != nil {
		return "", fmt.Errorf("invalid url after cleaning: %w", err)
	}
	return u, nil
}

// Validate requires an http or https scheme and a syntactically valid host name.
// localhost and IP literals are accepted as well.
func Validate(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("could not parse url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("url has no host")
	}
	if host == "localhost" || isIP(host) {
		return nil
	}
	if !hostPattern.MatchString(host) {
		return fmt.Errorf("invalid host %q", host)
	}
	return nil
}

// Normalize lowercases scheme and host, drops default ports and the fragment, and trims
// the trailing slash of the path.
func Normalize(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to normalize url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case u.Scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	u.Host = host
	u.Path = strings.ToLower(strings.TrimRight(u.Path, "/"))
	u.RawPath = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}

// IsSafe reports whether raw may be opened by a session. When it is not, reason explains why.
func IsSafe(raw string) (bool, string) {
	if len(raw) > MaxLength {
		return false, "url too long"
	}
	if err := Validate(raw); err != nil {
		return false, err.Error()
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false, "url check failed: " + err.Error()
	}
	if u.User != nil {
		return false, "url contains credentials"
	}
	lower := strings.ToLower(raw)
	for _, p := range dangerousPatterns {
		if strings.Contains(lower, p) {
			return false, "url contains dangerous pattern: " + p
		}
	}
	return true, ""
}

// Prepare cleans raw and checks that it is safe to open.
func Prepare(raw string) (string, error) {
	u, err := Clean(raw)
	if err != nil {
		return "", err
	}
	if ok, reason := IsSafe(u); !ok {
		return "", errors.New(reason)
	}
	return u, nil
}

// Domain returns the registrable domain of raw (eTLD+1), or the full host name when
// includeSubdomain is set.
func Domain(raw string, includeSubdomain bool) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to extract domain: %w", err)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url has no host")
	}
	if includeSubdomain {
		return host, nil
	}
	domain, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return "", fmt.Errorf("could not determine effective TLD+1 for %s: %w", host, err)
	}
	return domain, nil
}

// Join resolves ref against base and normalizes the result.
func Join(base, ref string) (string, error) {
	cleaned, err := Clean(base)
	if err != nil {
		return "", err
	}
	b, err := url.Parse(cleaned)
	if err != nil {
		return "", err
	}
	r, err := url.Parse(strings.TrimLeft(ref, "/"))
	if err != nil {
		return "", fmt.Errorf("failed to join urls: %w", err)
	}
	if !strings.HasSuffix(b.Path, "/") {
		b.Path += "/"
	}
	return Normalize(b.ResolveReference(r).String())
}

func isIP(host string) bool {
	return net.ParseIP(host) != nil
}
