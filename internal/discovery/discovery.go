// Package discovery finds agent servers on the local network via mDNS/DNS-SD.
//
// Servers advertise themselves under the _openchamber._tcp service type with
// TXT records carrying version, name, and an optional TLS fingerprint.
// Discovery only reveals presence; device authorization is still required
// before the client can do anything.
package discovery

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grandcat/zeroconf"
)

// ServiceType is the mDNS service type advertised by agent servers.
// Follows the standard Bonjour naming convention: _<service>._<protocol>
const ServiceType = "_openchamber._tcp"

// Server is one discovered agent server.
type Server struct {
	// Name is the human-readable name of the server.
	Name string

	// Host is the IP address or hostname.
	Host string

	// Port is the HTTP(S) port.
	Port int

	// TLS reports whether the server advertised a certificate fingerprint.
	TLS bool

	// Fingerprint is the TLS certificate fingerprint, when advertised.
	Fingerprint string

	// Version is the advertised protocol version.
	Version string
}

// BaseURL derives the HTTP base URL for the discovered server.
func (s Server) BaseURL() string {
	scheme := "http"
	if s.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, s.Host, s.Port)
}

// Browse searches the local network until the context ends and returns the
// servers found, ordered by name. Callers bound the search with a context
// timeout.
func Browse(ctx context.Context) ([]Server, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, fmt.Errorf("mdns resolver: %w", err)
	}

	var (
		servers []Server
		mu      sync.Mutex
		wg      sync.WaitGroup
	)

	entries := make(chan *zeroconf.ServiceEntry)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for entry := range entries {
			mu.Lock()
			servers = append(servers, fromEntry(entry))
			mu.Unlock()
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, "local.", entries); err != nil {
		return nil, fmt.Errorf("mdns browse: %w", err)
	}

	// The zeroconf library closes the entries channel when the context
	// ends; wait for the collector to drain it.
	<-ctx.Done()
	wg.Wait()

	sort.Slice(servers, func(i, j int) bool { return servers[i].Name < servers[j].Name })
	return servers, nil
}

// fromEntry maps one DNS-SD entry to a Server, preferring IPv4 addresses.
func fromEntry(entry *zeroconf.ServiceEntry) Server {
	srv := Server{
		Name: entry.Instance,
		Port: entry.Port,
	}

	if len(entry.AddrIPv4) > 0 {
		srv.Host = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		srv.Host = entry.AddrIPv6[0].String()
	}

	for _, txt := range entry.Text {
		switch {
		case strings.HasPrefix(txt, "fp="):
			srv.Fingerprint = strings.TrimPrefix(txt, "fp=")
			srv.TLS = true
		case strings.HasPrefix(txt, "version="):
			srv.Version = strings.TrimPrefix(txt, "version=")
		case strings.HasPrefix(txt, "name="):
			srv.Name = strings.TrimPrefix(txt, "name=")
		}
	}
	return srv
}
