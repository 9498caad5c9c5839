// SPDX-License-Identifier: MIT

// Package netutil normalizes the host:port endpoints that flow through the
// peer registry and discovery. Endpoints arrive from config, broadcast
// announcements and reverse-learning, so they are validated once here and
// stored in a single canonical form.
package netutil

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"golang.org/x/net/idna"
)

// NormalizeEndpoint canonicalizes a host:port endpoint: hostnames are
// lowercased and IDNA-mapped, IPv6 literals bracketed, the port required and
// range-checked.
func NormalizeEndpoint(endpoint string) (string, error) {
	host, port, err := net.SplitHostPort(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("endpoint %q: %w", endpoint, err)
	}
	if host == "" {
		return "", fmt.Errorf("endpoint %q: empty host", endpoint)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("endpoint %q: invalid port %q", endpoint, port)
	}
	if ip := net.ParseIP(host); ip != nil {
		return net.JoinHostPort(ip.String(), port), nil
	}
	mapped, err := idna.Lookup.ToASCII(strings.ToLower(host))
	if err != nil {
		return "", fmt.Errorf("endpoint %q: invalid host: %w", endpoint, err)
	}
	return net.JoinHostPort(mapped, port), nil
}

// BaseURL turns a normalized endpoint into an http base URL. The node cluster
// runs on a trusted LAN, so plain http is the wire default.
func BaseURL(endpoint string) (string, error) {
	ep, err := NormalizeEndpoint(endpoint)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "http", Host: ep}
	return u.String(), nil
}
