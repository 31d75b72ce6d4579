// Package resolver implements the synchronous/asynchronous host
// resolution leaf (spec.md §2) and the optional DNS blocklist probe
// (spec.md §6), built directly on github.com/miekg/dns so that custom
// nameservers, retries, and EDNS0 are available rather than relying on
// the stdlib resolver.
package resolver

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Resolver performs MX/A/AAAA lookups for the forwarder's target
// resolution and A-record DNSBL probes.
type Resolver struct {
	client     *dns.Client
	nameserver string // "host:port"
}

// New builds a Resolver that queries the given nameserver ("host:port";
// defaults to the port-53 resolver configured in /etc/resolv.conf's first
// entry when empty).
func New(nameserver string, timeout time.Duration) (*Resolver, error) {
	if nameserver == "" {
		cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil || len(cfg.Servers) == 0 {
			return nil, fmt.Errorf("resolver: no nameserver configured and /etc/resolv.conf unavailable: %w", err)
		}
		nameserver = net.JoinHostPort(cfg.Servers[0], cfg.Port)
	}
	return &Resolver{
		client:     &dns.Client{Timeout: timeout},
		nameserver: nameserver,
	}, nil
}

// LookupMX resolves the MX records for domain, sorted by preference
// (lowest first), falling back to the bare domain as a single pseudo-MX
// when no MX records exist (RFC 5321 §5.1 implicit MX rule).
func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	reply, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return nil, fmt.Errorf("resolver: MX lookup for %s: %w", domain, err)
	}

	type pref struct {
		host string
		p    uint16
	}
	var hosts []pref
	for _, rr := range reply.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			hosts = append(hosts, pref{host: strings.TrimSuffix(mx.Mx, "."), p: mx.Preference})
		}
	}
	if len(hosts) == 0 {
		return []string{domain}, nil
	}
	for i := 1; i < len(hosts); i++ {
		for j := i; j > 0 && hosts[j-1].p > hosts[j].p; j-- {
			hosts[j-1], hosts[j] = hosts[j], hosts[j-1]
		}
	}
	out := make([]string, len(hosts))
	for i, h := range hosts {
		out[i] = h.host
	}
	return out, nil
}

// LookupHost resolves A and AAAA records for host.
func (r *Resolver) LookupHost(ctx context.Context, host string) ([]net.IP, error) {
	var ips []net.IP
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)
		reply, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
		if err != nil {
			continue
		}
		for _, rr := range reply.Answer {
			switch v := rr.(type) {
			case *dns.A:
				ips = append(ips, v.A)
			case *dns.AAAA:
				ips = append(ips, v.AAAA)
			}
		}
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolver: no addresses found for %s", host)
	}
	return ips, nil
}

// BlocklistQueryName builds the reversed-octet query name used by DNSBL
// probes, e.g. "4.3.2.1.dnsbl.example.com" for suspect IP "1.2.3.4" and
// dnsbl domain "dnsbl.example.com" — grounded on the pack's laitos SMTP
// daemon blacklist technique, reimplemented against a real DNS client.
func BlocklistQueryName(suspectIP, dnsblDomain string) (string, error) {
	ip4 := net.ParseIP(suspectIP).To4()
	if ip4 == nil {
		return "", fmt.Errorf("resolver: %q is not a valid IPv4 address", suspectIP)
	}
	return fmt.Sprintf("%d.%d.%d.%d.%s", ip4[3], ip4[2], ip4[1], ip4[0], dnsblDomain), nil
}

// ProbeBlocklist issues an A query for the reversed-octet name against
// one DNSBL domain; any returned A record counts as a hit (spec.md §6).
func (r *Resolver) ProbeBlocklist(ctx context.Context, suspectIP, dnsblDomain string) (bool, error) {
	name, err := BlocklistQueryName(suspectIP, dnsblDomain)
	if err != nil {
		return false, err
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(name), dns.TypeA)
	reply, _, err := r.client.ExchangeContext(ctx, msg, r.nameserver)
	if err != nil {
		return false, fmt.Errorf("resolver: DNSBL query for %s: %w", name, err)
	}
	for _, rr := range reply.Answer {
		if _, ok := rr.(*dns.A); ok {
			return true, nil
		}
	}
	return false, nil
}

// CheckBlocklists probes every configured DNSBL domain concurrently and
// reports blocked once at least threshold independent lists answer
// positively, per spec.md §6's "configurable threshold of independent
// lists required to deny".
func (r *Resolver) CheckBlocklists(ctx context.Context, suspectIP string, domains []string, threshold int) (bool, error) {
	if threshold <= 0 {
		threshold = 1
	}
	hits := make(chan bool, len(domains))
	ctx, cancel := context.WithTimeout(ctx, r.client.Timeout)
	defer cancel()

	for _, d := range domains {
		d := d
		go func() {
			ok, err := r.ProbeBlocklist(ctx, suspectIP, d)
			hits <- err == nil && ok
		}()
	}

	count := 0
	for i := 0; i < len(domains); i++ {
		select {
		case hit := <-hits:
			if hit {
				count++
				if count >= threshold {
					return true, nil
				}
			}
		case <-ctx.Done():
			return false, nil
		}
	}
	return false, nil
}
