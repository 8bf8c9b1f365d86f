package discovery

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/enbility/zeroconf/v3"

	"github.com/upnode/upnode-go/pkg/stream"
)

// BrowserConfig configures the mDNS browser.
type BrowserConfig struct {
	// Interface restricts browsing to one network interface.
	// Empty means all interfaces.
	Interface string

	// BrowseTimeout bounds Lookup when the context has no deadline.
	// Zero means BrowseTimeout.
	BrowseTimeout time.Duration
}

// browseFunc reports resolved entries on found and withdrawn ones on lost
// until ctx is done.
type browseFunc func(ctx context.Context, found, lost chan<- ServiceEntry) error

// Browser finds upnode listeners via mDNS.
type Browser struct {
	config BrowserConfig
	browse browseFunc
}

// NewBrowser creates an mDNS browser.
func NewBrowser(config BrowserConfig) *Browser {
	b := &Browser{config: config}
	b.browse = b.zeroconfBrowse
	return b
}

// Browse streams listeners as they appear. Entries for the same instance
// seen on several interfaces are merged. A service is emitted once it has an
// address, and again only after it was withdrawn from every interface and
// came back. The channel closes when ctx is done.
func (b *Browser) Browse(ctx context.Context) (<-chan *Service, error) {
	out := make(chan *Service)
	found := make(chan ServiceEntry)
	lost := make(chan ServiceEntry)

	go func() {
		defer close(out)

		services := make(map[string]*Service)
		emitted := make(map[string]bool)
		for {
			select {
			case entry := <-found:
				svc := entry.ToService()
				existing, ok := services[svc.Instance]
				if ok {
					existing.Addresses = mergeAddresses(existing.Addresses, svc.Addresses)
				} else {
					services[svc.Instance] = svc
					existing = svc
				}
				if emitted[svc.Instance] || len(existing.Addresses) == 0 {
					continue
				}
				emitted[svc.Instance] = true
				select {
				case out <- existing.clone():
				case <-ctx.Done():
					return
				}

			case entry := <-lost:
				if existing, ok := services[entry.Instance]; ok {
					existing.Addresses = removeAddresses(existing.Addresses, entry.Addrs)
					if len(existing.Addresses) == 0 {
						delete(services, entry.Instance)
						delete(emitted, entry.Instance)
					}
				}

			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		_ = b.browse(ctx, found, lost)
	}()

	return out, nil
}

// Lookup returns the first listener advertised as instance.
func (b *Browser) Lookup(ctx context.Context, instance string) (*Service, error) {
	if _, ok := ctx.Deadline(); !ok {
		timeout := b.config.BrowseTimeout
		if timeout <= 0 {
			timeout = BrowseTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	services, err := b.Browse(ctx)
	if err != nil {
		return nil, err
	}
	for svc := range services {
		if svc.Instance == instance && len(svc.Addresses) > 0 {
			return svc, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, instance)
}

// Dial returns a stream.Dialer that resolves instance on every dial and
// connects over TCP.
func Dial(b *Browser, instance string) stream.Dialer {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		svc, err := b.Lookup(ctx, instance)
		if err != nil {
			return nil, err
		}
		addr, err := svc.Addr()
		if err != nil {
			return nil, err
		}
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func (b *Browser) zeroconfBrowse(ctx context.Context, found, lost chan<- ServiceEntry) error {
	entries := make(chan *zeroconf.ServiceEntry)
	removed := make(chan *zeroconf.ServiceEntry)

	go forward(ctx, entries, found)
	go forward(ctx, removed, lost)

	return zeroconf.Browse(ctx, ServiceType, Domain, entries, removed, b.browserOptions()...)
}

// forward converts library entries until in closes or ctx is done.
func forward(ctx context.Context, in <-chan *zeroconf.ServiceEntry, out chan<- ServiceEntry) {
	for {
		select {
		case e, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- fromZeroconf(e):
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func fromZeroconf(e *zeroconf.ServiceEntry) ServiceEntry {
	addrs := make([]string, 0, len(e.AddrIPv4)+len(e.AddrIPv6))
	for _, ip := range e.AddrIPv4 {
		addrs = append(addrs, ip.String())
	}
	for _, ip := range e.AddrIPv6 {
		addrs = append(addrs, ip.String())
	}
	return ServiceEntry{
		Instance: e.Instance,
		Host:     e.HostName,
		Port:     e.Port,
		Text:     e.Text,
		Addrs:    addrs,
	}
}

func (b *Browser) browserOptions() []zeroconf.ClientOption {
	var opts []zeroconf.ClientOption
	if b.config.Interface != "" {
		if iface, err := net.InterfaceByName(b.config.Interface); err == nil {
			opts = append(opts, zeroconf.SelectIfaces([]net.Interface{*iface}))
		}
	}
	return opts
}

// mergeAddresses appends addresses from add not already in existing.
func mergeAddresses(existing, add []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, addr := range existing {
		seen[addr] = true
	}
	for _, addr := range add {
		if !seen[addr] {
			existing = append(existing, addr)
			seen[addr] = true
		}
	}
	return existing
}

func removeAddresses(addresses, drop []string) []string {
	toRemove := make(map[string]bool, len(drop))
	for _, addr := range drop {
		toRemove[addr] = true
	}
	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if !toRemove[addr] {
			result = append(result, addr)
		}
	}
	return result
}
