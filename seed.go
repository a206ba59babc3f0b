package main

import (
	"fmt"
	"net"
	"time"

	"github.com/miekg/dns"
)

const seedQueryTimeout = 5 * time.Second

// seedNodes resolves every configured DNS seed to candidate nodes at the
// network's default port. Failures are per-seed: one dead seed never blocks
// the others. The static initial_nodes from the config are the fallback when
// the seeds yield nothing.
func seedNodes(cfg *NetworkConfig) []Node {
	resolver := cfg.Resolver
	if resolver == "" {
		resolver = systemResolver()
	}

	var nodes []Node
	for _, seed := range cfg.Seeders {
		ips, err := querySeed(seed, resolver)
		if err != nil {
			cfg.log.Errorf("Unable to do initial lookup to seeder %s: %v", seed, err)
			continue
		}

		cfg.log.Infof("Loaded %d addresses from %s", len(ips), seed)

		for _, ip := range ips {
			nodes = append(nodes, newNode(ip.String(), cfg.Port))
		}
	}

	if len(nodes) == 0 && len(cfg.InitialIPs) > 0 {
		for _, ip := range cfg.InitialIPs {
			nodes = append(nodes, newNode(ip.String(), cfg.Port))
		}
	}

	return nodes
}

// querySeed asks the resolver directly for the seed's A and AAAA records so
// the answers are not shaped by the local cache.
func querySeed(seed, resolver string) ([]net.IP, error) {
	client := &dns.Client{Timeout: seedQueryTimeout}

	var ips []net.IP
	var lastErr error
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := &dns.Msg{}
		m.SetQuestion(dns.Fqdn(seed), qtype)
		m.RecursionDesired = true

		in, _, err := client.Exchange(m, resolver)
		if err != nil {
			lastErr = err
			continue
		}

		for _, rr := range in.Answer {
			switch a := rr.(type) {
			case *dns.A:
				ips = append(ips, a.A)
			case *dns.AAAA:
				ips = append(ips, a.AAAA)
			}
		}
	}

	if len(ips) == 0 {
		if lastErr != nil {
			return nil, lastErr
		}
		return nil, fmt.Errorf("no records for %s", seed)
	}

	return ips, nil
}

func systemResolver() string {
	if rc, err := dns.ClientConfigFromFile("/etc/resolv.conf"); err == nil && len(rc.Servers) > 0 {
		return net.JoinHostPort(rc.Servers[0], rc.Port)
	}
	return "8.8.8.8:53"
}
