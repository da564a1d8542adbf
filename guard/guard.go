// Package guard validates resolver destinations before the transport is
// allowed to send to them. Entries may be hostnames, plain IPs, or CIDR
// ranges; CIDR matching uses a PC-trie ranger.
package guard

import (
	"net"
	"strings"

	zlog "github.com/semihalev/zlog/v2"
	"github.com/yl2chen/cidranger"
)

// DefaultAllowlist contains the resolver hosts the app trusts out of the
// box. The configured override list extends, never replaces, this set
// unless Replace is used.
var DefaultAllowlist = []string{
	"ch.at",
	"llm.pieter.com",
	"8.8.8.8",
	"8.8.4.4",
	"1.1.1.1",
	"9.9.9.9",
}

// Guard holds the allowed resolver hosts.
type Guard struct {
	hosts  map[string]struct{}
	ranger cidranger.Ranger
}

// New returns a guard seeded with the default allowlist plus the given
// extra entries. Invalid CIDR entries are logged and skipped.
func New(extra []string) *Guard {
	g := &Guard{
		hosts:  make(map[string]struct{}),
		ranger: cidranger.NewPCTrieRanger(),
	}

	for _, entry := range append(append([]string{}, DefaultAllowlist...), extra...) {
		g.add(entry)
	}

	return g
}

// Replace returns a guard built only from the given entries, for
// configurations that explicitly override the baked-in defaults.
func Replace(entries []string) *Guard {
	g := &Guard{
		hosts:  make(map[string]struct{}),
		ranger: cidranger.NewPCTrieRanger(),
	}

	for _, entry := range entries {
		g.add(entry)
	}

	return g
}

func (g *Guard) add(entry string) {
	entry = strings.ToLower(strings.TrimSpace(entry))
	if entry == "" {
		return
	}

	if strings.Contains(entry, "/") {
		_, ipnet, err := net.ParseCIDR(entry)
		if err != nil {
			zlog.Error("Allowlist parse cidr failed", "entry", entry, "error", err.Error())
			return
		}
		if err := g.ranger.Insert(cidranger.NewBasicRangerEntry(*ipnet)); err != nil {
			zlog.Error("Allowlist insert cidr failed", "entry", entry, "error", err.Error())
		}
		return
	}

	g.hosts[strings.TrimSuffix(entry, ".")] = struct{}{}
}

// IsAllowed reports whether host may be used as a resolver target. The
// host may carry a port; it is stripped before matching.
func (g *Guard) IsAllowed(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}

	host = strings.ToLower(strings.TrimSuffix(strings.TrimSpace(host), "."))
	if host == "" {
		return false
	}

	if _, ok := g.hosts[host]; ok {
		return true
	}

	if ip := net.ParseIP(host); ip != nil {
		allowed, _ := g.ranger.Contains(ip)
		return allowed
	}

	return false
}
