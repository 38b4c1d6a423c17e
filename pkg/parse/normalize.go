package parse

import (
	"net"
	"net/url"
	"strings"

	"github.com/Sriram-PR/resilient-fetch/pkg/utils"
)

// NormalizeURL standardizes a URL for use as a cache identity.
// It lowercases the scheme and host, removes default ports (80 for http, 443 for https), removes trailing slashes from paths (unless root "/"), ensures empty path becomes "/", sorts query parameters and drops the fragment
// Does not modify the input *url.URL
func NormalizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	normalized := *u

	normalized.Scheme = strings.ToLower(normalized.Scheme)
	normalized.Host = normalizeHost(normalized.Scheme, normalized.Host)

	if normalized.Path == "" {
		normalized.Path = "/"
	} else if len(normalized.Path) > 1 && strings.HasSuffix(normalized.Path, "/") {
		normalized.Path = normalized.Path[:len(normalized.Path)-1]
	}
	normalized.RawPath = ""

	normalized.Fragment = ""
	normalized.RawFragment = ""
	if normalized.RawQuery != "" {
		// Encode sorts by key; order of repeated values is kept
		normalized.RawQuery = normalized.Query().Encode()
	}
	normalized.ForceQuery = false

	return normalized.String()
}

// ParseAndNormalize parses a URL string using the stricter url.ParseRequestURI (requiring a scheme) and then normalizes it using NormalizeURL
// Returns the normalized string, the parsed URL object, and any parse error
func ParseAndNormalize(urlStr string) (string, *url.URL, error) {
	parsed, err := url.ParseRequestURI(urlStr)
	if err != nil {
		return "", nil, err
	}
	return NormalizeURL(parsed), parsed, nil
}

// ParseTarget parses an absolute http(s) URL that can be fetched
func ParseTarget(rawURL string) (*url.URL, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, utils.WrapErrorf(utils.ErrParsing, "parse url %q: %v", rawURL, err)
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, utils.WrapErrorf(utils.ErrParsing, "url %q: unsupported scheme %q", rawURL, parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return nil, utils.WrapErrorf(utils.ErrParsing, "url %q: missing host", rawURL)
	}
	return parsed, nil
}

// HostOf returns the politeness domain of rawURL: the lowercased host, with the port
// kept only when it is not the scheme's default
func HostOf(rawURL string) (string, error) {
	parsed, err := ParseTarget(rawURL)
	if err != nil {
		return "", err
	}
	return normalizeHost(strings.ToLower(parsed.Scheme), parsed.Host), nil
}

// RobotsURL returns the robots.txt location that governs u
func RobotsURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		scheme = "https"
	}
	return (&url.URL{Scheme: scheme, Host: normalizeHost(scheme, u.Host), Path: "/robots.txt"}).String()
}

func normalizeHost(scheme, hostport string) string {
	hostport = strings.ToLower(hostport)
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		if strings.Contains(host, ":") {
			return "[" + host + "]"
		}
		return host
	}
	return hostport
}
