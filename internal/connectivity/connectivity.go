// Package connectivity builds the candidate address list handed to a
// pairing client and issues time-limited media relay credentials.
package connectivity

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// containerBridgeRanges are address blocks that belong to local
// container networking and are never reachable from a paired client.
var containerBridgeRanges = mustCIDRs(
	"172.17.0.0/16", // docker0 default
	"10.88.0.0/16",  // podman default
)

func mustCIDRs(cidrs ...string) []*net.IPNet {
	out := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		_, ipNet, err := net.ParseCIDR(c)
		if err != nil {
			panic(err)
		}
		out = append(out, ipNet)
	}
	return out
}

// PublicIPResolver discovers this host's public address, typically via
// an HTTP what-is-my-ip endpoint or a STUN binding request.
type PublicIPResolver interface {
	PublicIP(ctx context.Context) (net.IP, error)
}

// HTTPResolver queries a plain-text what-is-my-ip endpoint.
type HTTPResolver struct {
	URL    string
	Client *http.Client
}

func (r *HTTPResolver) PublicIP(ctx context.Context) (net.IP, error) {
	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("public ip request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("public ip request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("public ip request: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return nil, fmt.Errorf("public ip request: %w", err)
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		return nil, fmt.Errorf("public ip request: unparseable response %q", strings.TrimSpace(string(body)))
	}
	return ip, nil
}

// Candidates assembles connection candidates for a pairing response.
type Candidates struct {
	// WildcardDomain is the suffix of the wildcard DNS zone that
	// resolves a-b-c-d.<domain> to a.b.c.d, giving every candidate a
	// resolvable name for TLS matching.
	WildcardDomain string

	// Port the direct listener binds.
	Port int

	// Resolver finds the public address candidate. Optional.
	Resolver PublicIPResolver

	// interfaceAddrs is swapped in tests.
	interfaceAddrs func() ([]net.Addr, error)
}

func NewCandidates(wildcardDomain string, port int, resolver PublicIPResolver) *Candidates {
	return &Candidates{
		WildcardDomain: wildcardDomain,
		Port:           port,
		Resolver:       resolver,
		interfaceAddrs: net.InterfaceAddrs,
	}
}

// Addresses returns candidate URLs in preference order: LAN candidates
// first, the public-IP candidate appended last. Loopback, link-local
// and container-bridge addresses are excluded, and an address seen on
// several interfaces yields one candidate. A failing public IP lookup
// degrades to LAN-only rather than erroring.
func (c *Candidates) Addresses(ctx context.Context) []string {
	var out []string

	addrs, err := c.interfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if !usableLAN(ipNet.IP) {
				continue
			}
			if ipv4 := ipNet.IP.To4(); ipv4 != nil {
				if url := c.candidateURL(ipv4); !contains(out, url) {
					out = append(out, url)
				}
			}
		}
	}

	if c.Resolver != nil {
		if ip, err := c.Resolver.PublicIP(ctx); err == nil {
			if ipv4 := ip.To4(); ipv4 != nil {
				url := c.candidateURL(ipv4)
				if !contains(out, url) {
					out = append(out, url)
				}
			}
		}
	}
	return out
}

// usableLAN reports whether an interface address should be offered to
// clients.
func usableLAN(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	for _, bridge := range containerBridgeRanges {
		if bridge.Contains(ip) {
			return false
		}
	}
	return true
}

// candidateURL synthesizes the wildcard-DNS hostname for an address:
// 192.168.1.4 becomes 192-168-1-4.<domain>.
func (c *Candidates) candidateURL(ipv4 net.IP) string {
	host := strings.ReplaceAll(ipv4.String(), ".", "-") + "." + c.WildcardDomain
	return fmt.Sprintf("https://%s:%d", host, c.Port)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
