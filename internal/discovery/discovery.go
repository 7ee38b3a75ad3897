// Package discovery locates an active hub on the local network with a
// bounded, concurrent probe of candidate host/port combinations.
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"possync/internal/model"
	"possync/pkg/log"
)

// ServiceName the health-endpoint identifier probes must match.
const ServiceName = "pos-sync-hub"

// ErrNoHubFound no candidate identified itself as a hub.
var ErrNoHubFound = errors.New("no hub found")

// Config bounds the probe.
type Config struct {
	// Ports candidate health ports.
	Ports []int
	// ExtraHosts previously-successful or operator-pinned addresses,
	// probed first.
	ExtraHosts []string
	// ProbeTimeout per-probe HTTP timeout.
	ProbeTimeout time.Duration
	// MaxCandidates caps host x port combinations on large subnets.
	MaxCandidates int
	// Workers fixed probe concurrency.
	Workers int
	// ProbesPerSecond rate cap across all workers; zero disables the cap.
	ProbesPerSecond float64
	// ServiceName overrides the expected service identifier.
	ServiceName string
}

func (c Config) withDefaults() Config {
	out := c
	if len(out.Ports) == 0 {
		out.Ports = []int{8080, 8081, 8090}
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = 2 * time.Second
	}
	if out.MaxCandidates <= 0 {
		out.MaxCandidates = 64
	}
	if out.Workers <= 0 {
		out.Workers = 8
	}
	if out.ServiceName == "" {
		out.ServiceName = ServiceName
	}
	return out
}

type healthResponse struct {
	Service   string `json:"service"`
	Version   string `json:"version"`
	TenantID  string `json:"tenant_id"`
	StoreID   string `json:"store_id"`
	RelayPort int    `json:"relay_port"`
}

// Discover probes the candidate set and returns every responding hub. The
// caller selects by preference or takes the first match. ErrNoHubFound when
// the whole set was probed without a match.
func Discover(ctx context.Context, cfg Config) ([]model.HubInfo, error) {
	cfg = cfg.withDefaults()
	candidates := buildCandidates(cfg)
	if len(candidates) == 0 {
		return nil, ErrNoHubFound
	}

	var limiter *rate.Limiter
	if cfg.ProbesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.ProbesPerSecond), cfg.Workers)
	}

	jobs := make(chan string)
	results := make(chan model.HubInfo, len(candidates))
	client := &http.Client{Timeout: cfg.ProbeTimeout}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range jobs {
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						return
					}
				}
				if info, ok := probe(ctx, client, addr, cfg.ServiceName); ok {
					results <- info
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, addr := range candidates {
			select {
			case <-ctx.Done():
				return
			case jobs <- addr:
			}
		}
	}()

	wg.Wait()
	close(results)

	var hubs []model.HubInfo
	for info := range results {
		hubs = append(hubs, info)
	}
	if len(hubs) == 0 {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrNoHubFound
	}
	return hubs, nil
}

// buildCandidates enumerates probe addresses: pinned host:port entries
// verbatim first, then pinned bare hosts, loopback and gateway-pattern
// addresses derived from the device's own interfaces crossed with the
// candidate ports, capped at MaxCandidates.
func buildCandidates(cfg Config) []string {
	hosts := make([]string, 0, 8)
	seen := make(map[string]struct{})
	add := func(h string) {
		if h == "" {
			return
		}
		if _, ok := seen[h]; ok {
			return
		}
		seen[h] = struct{}{}
		hosts = append(hosts, h)
	}

	candidates := make([]string, 0, cfg.MaxCandidates)
	taken := make(map[string]struct{})
	take := func(addr string) bool {
		if len(candidates) >= cfg.MaxCandidates {
			return false
		}
		if _, ok := taken[addr]; ok {
			return true
		}
		taken[addr] = struct{}{}
		candidates = append(candidates, addr)
		return true
	}

	for _, h := range cfg.ExtraHosts {
		// a pinned entry carrying a port is probed exactly as given
		if _, _, err := net.SplitHostPort(h); err == nil {
			if !take(h) {
				return candidates
			}
			continue
		}
		add(h)
	}
	add("127.0.0.1")
	for _, h := range localGatewayCandidates() {
		add(h)
	}

	for _, h := range hosts {
		for _, p := range cfg.Ports {
			if !take(net.JoinHostPort(h, fmt.Sprintf("%d", p))) {
				return candidates
			}
		}
	}
	return candidates
}

// localGatewayCandidates derives likely hub addresses from the device's own
// IPv4 addresses: the device address itself (hub colocated) and the .1 of
// each subnet (hub on the gateway box).
func localGatewayCandidates() []string {
	var out []string
	ifaces, err := net.Interfaces()
	if err != nil {
		return out
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip := ipNet.IP.To4()
			if ip == nil {
				continue
			}
			out = append(out, ip.String())
			gateway := net.IPv4(ip[0], ip[1], ip[2], 1)
			out = append(out, gateway.String())
		}
	}
	return out
}

func probe(ctx context.Context, client *http.Client, addr, service string) (model.HubInfo, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/health", nil)
	if err != nil {
		return model.HubInfo{}, false
	}

	resp, err := client.Do(req)
	if err != nil {
		return model.HubInfo{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.HubInfo{}, false
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return model.HubInfo{}, false
	}
	if health.Service != service {
		return model.HubInfo{}, false
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return model.HubInfo{}, false
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	log.WithFields(map[string]interface{}{
		"host":    host,
		"port":    port,
		"version": health.Version,
	}).Info("Hub discovered")

	return model.HubInfo{
		Host:      host,
		Port:      port,
		RelayPort: health.RelayPort,
		TenantID:  health.TenantID,
		StoreID:   health.StoreID,
		Version:   health.Version,
	}, true
}
