package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/upnode/upnode-go/pkg/wire"
)

// ErrNotAdvertised is returned by Update for an unknown instance.
var ErrNotAdvertised = errors.New("instance not advertised")

// AdvertiserConfig configures the mDNS advertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface.
	// Empty means all interfaces.
	Interface string

	// TTL is the record time-to-live. Zero keeps the library default.
	TTL time.Duration
}

// registration is a live mDNS registration.
type registration interface {
	SetText(txt []string)
	Shutdown()
}

// registrar publishes service records.
type registrar interface {
	Register(instance string, port int, txt []string, ifaces []net.Interface, ttl uint32) (registration, error)
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance string, port int, txt []string, ifaces []net.Interface, ttl uint32) (registration, error) {
	var opts []zeroconf.ServerOption
	if ttl > 0 {
		opts = append(opts, zeroconf.TTL(ttl))
	}
	server, err := zeroconf.Register(instance, ServiceType, Domain, port, txt, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return zeroconfServer{server}, nil
}

type zeroconfServer struct{ s *zeroconf.Server }

func (z zeroconfServer) SetText(txt []string) { z.s.SetText(txt) }
func (z zeroconfServer) Shutdown()            { z.s.Shutdown() }

// Advertiser publishes upnode listeners via mDNS.
type Advertiser struct {
	config    AdvertiserConfig
	registrar registrar

	mu      sync.Mutex
	servers map[string]registration
}

// NewAdvertiser creates an mDNS advertiser.
func NewAdvertiser(config AdvertiserConfig) *Advertiser {
	return newAdvertiser(config, zeroconfRegistrar{})
}

func newAdvertiser(config AdvertiserConfig, r registrar) *Advertiser {
	return &Advertiser{
		config:    config,
		registrar: r,
		servers:   make(map[string]registration),
	}
}

// Advertise publishes a listener under instance. Advertising an instance
// again replaces its previous registration.
func (a *Advertiser) Advertise(ctx context.Context, instance string, port int, methods []string) error {
	if err := ValidateInstanceName(instance); err != nil {
		return err
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("invalid port %d", port)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	txt := TXTRecordsToStrings(EncodeServiceTXT(serviceInfo(methods)))

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.servers[instance]; ok {
		old.Shutdown()
		delete(a.servers, instance)
	}

	server, err := a.registrar.Register(instance, port, txt, a.interfaces(), uint32(a.config.TTL.Seconds()))
	if err != nil {
		return fmt.Errorf("failed to register %s: %w", instance, err)
	}
	a.servers[instance] = server
	return nil
}

// Update replaces the advertised method list of instance.
func (a *Advertiser) Update(instance string, methods []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	server, ok := a.servers[instance]
	if !ok {
		return ErrNotAdvertised
	}
	server.SetText(TXTRecordsToStrings(EncodeServiceTXT(serviceInfo(methods))))
	return nil
}

// Stop withdraws instance. Unknown instances are ignored.
func (a *Advertiser) Stop(instance string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if server, ok := a.servers[instance]; ok {
		server.Shutdown()
		delete(a.servers, instance)
	}
}

// StopAll withdraws every advertised instance.
func (a *Advertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for instance, server := range a.servers {
		server.Shutdown()
		delete(a.servers, instance)
	}
}

// Instances returns the advertised instance names, sorted.
func (a *Advertiser) Instances() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	names := make([]string, 0, len(a.servers))
	for name := range a.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// interfaces returns the configured interface, or nil for all of them.
func (a *Advertiser) interfaces() []net.Interface {
	if a.config.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.config.Interface)
	if err != nil {
		return nil
	}
	return []net.Interface{*iface}
}

func serviceInfo(methods []string) ServiceInfo {
	sorted := append([]string(nil), methods...)
	sort.Strings(sorted)
	return ServiceInfo{
		Version: strconv.Itoa(int(wire.ProtocolVersion)),
		Methods: sorted,
	}
}
