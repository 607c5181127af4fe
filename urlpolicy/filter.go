// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package urlpolicy classifies outbound URLs against an allow/deny policy.
// Literal IPs and resolved addresses inside private, loopback, link-local,
// unique-local, multicast or unspecified ranges are rejected so a page under
// test cannot reach the host's network or cloud metadata endpoints.
package urlpolicy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// ReasonPrivateAddress is the user-visible reason for blocked private
	// network destinations.
	ReasonPrivateAddress = "Private network addresses are not allowed"

	// cacheSize bounds the negative DNS cache and the log dedup window.
	// Entries also expire by TTL.
	cacheSize = 512
)

// LookupFn resolves a hostname to its addresses. The default uses the
// process resolver; tests inject their own.
type LookupFn func(ctx context.Context, host string) ([]netip.Addr, error)

// Config configures a Filter.
type Config struct {
	Logger hclog.Logger

	// AllowedSchemes lists acceptable URL schemes.
	AllowedSchemes []string

	// DNSTimeout bounds each resolution in ValidateRuntimeRequestURL.
	DNSTimeout time.Duration

	// DNSCacheTTL is how long failed resolutions are remembered. Successes
	// are never cached to keep rebinding detectable.
	DNSCacheTTL time.Duration

	// LogDedupWindow collapses repeated blocked-request logs for the same
	// hostname and reason.
	LogDedupWindow time.Duration

	// Lookup overrides hostname resolution.
	Lookup LookupFn
}

// Filter validates target and runtime request URLs.
type Filter struct {
	logger  hclog.Logger
	schemes map[string]struct{}

	dnsTimeout time.Duration
	lookup     LookupFn

	// negCache remembers hostnames that failed validation, keyed by
	// hostname, valued with the failure message.
	negCache *expirable.LRU[string, string]

	// logDedup remembers "hostname:reason" pairs recently logged.
	logDedup *expirable.LRU[string, struct{}]
}

// New returns a Filter for the given policy.
func New(c *Config) *Filter {
	schemes := make(map[string]struct{}, len(c.AllowedSchemes))
	for _, s := range c.AllowedSchemes {
		schemes[strings.ToLower(s)] = struct{}{}
	}

	lookup := c.Lookup
	if lookup == nil {
		lookup = defaultLookup
	}

	return &Filter{
		logger:     c.Logger.Named("urlpolicy"),
		schemes:    schemes,
		dnsTimeout: c.DNSTimeout,
		lookup:     lookup,
		negCache:   expirable.NewLRU[string, string](cacheSize, nil, c.DNSCacheTTL),
		logDedup:   expirable.NewLRU[string, struct{}](cacheSize, nil, c.LogDedupWindow),
	}
}

func defaultLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := netip.ParseAddr(host) // literal, no DNS needed
	if err == nil {
		return []netip.Addr{addrs}, nil
	}
	ips, err := netLookup(ctx, host)
	if err != nil {
		return nil, err
	}
	return ips, nil
}

// ValidateTargetURL checks a URL syntactically: parseable, allowed scheme,
// non-empty hostname, and a literal IP host outside the blocked ranges. It
// performs no DNS resolution, so it is safe to call on the hot path of run
// admission.
func (f *Filter) ValidateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}

	if _, ok := f.schemes[strings.ToLower(u.Scheme)]; !ok {
		return fmt.Errorf("URL scheme %q is not allowed", u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL %q has no hostname", raw)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		if reason, blocked := blockedAddr(ip); blocked {
			return errors.New(reason)
		}
	}
	return nil
}

// ValidateRuntimeRequestURL applies ValidateTargetURL and then resolves
// non-literal hostnames, rejecting the URL if any returned address is inside
// a blocked range. Failures, including resolution timeouts, are cached for
// the configured TTL; successes are re-resolved every time.
func (f *Filter) ValidateRuntimeRequestURL(ctx context.Context, raw string) error {
	if err := f.ValidateTargetURL(raw); err != nil {
		return err
	}

	host := hostOf(raw)
	if _, err := netip.ParseAddr(host); err == nil {
		// Literal address, already checked above.
		return nil
	}

	if msg, ok := f.negCache.Get(host); ok {
		return errors.New(msg)
	}

	lookupCtx, cancel := context.WithTimeout(ctx, f.dnsTimeout)
	defer cancel()

	addrs, err := f.lookup(lookupCtx, host)
	if err != nil {
		msg := fmt.Sprintf("failed to resolve %q: %v", host, err)
		if lookupCtx.Err() != nil {
			msg = fmt.Sprintf("timed out resolving %q", host)
		}
		f.negCache.Add(host, msg)
		return errors.New(msg)
	}

	for _, ip := range addrs {
		if reason, blocked := blockedAddr(ip); blocked {
			f.negCache.Add(host, reason)
			return errors.New(reason)
		}
	}
	return nil
}

// ShouldLogBlocked reports whether a blocked request for the hostname and
// reason should emit a log event, collapsing repeats inside the dedup window.
func (f *Filter) ShouldLogBlocked(hostname, reason string) bool {
	key := hostname + ":" + reason
	if f.logDedup.Contains(key) {
		return false
	}
	f.logDedup.Add(key, struct{}{})
	return true
}

// blockedAddr classifies an address against the deny set and returns the
// user-visible reason when it is blocked.
func blockedAddr(ip netip.Addr) (string, bool) {
	ip = ip.Unmap()
	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(), // RFC1918 and fc00::/7 unique-local
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast(),
		ip.IsUnspecified():
		return ReasonPrivateAddress, true
	}
	return "", false
}

func netLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}
