package discovery

import (
	"errors"
	"net"
	"strconv"
	"time"
)

const (
	// ServiceType is the DNS-SD service type of upnode listeners.
	ServiceType = "_upnode._tcp"

	// Domain is the mDNS domain.
	Domain = "local"

	// BrowseTimeout bounds Lookup when the caller's context has no deadline.
	BrowseTimeout = 5 * time.Second

	// MaxInstanceNameLen is the DNS label limit for instance names.
	MaxInstanceNameLen = 63
)

// TXT record keys.
const (
	TXTKeyVersion = "v"
	TXTKeyMethods = "m"
)

var (
	ErrNotFound            = errors.New("service not found")
	ErrInstanceNameTooLong = errors.New("instance name too long")
	ErrNoAddresses         = errors.New("service has no addresses")
)

// ServiceEntry is a resolved DNS-SD record, independent of the mDNS library.
type ServiceEntry struct {
	Instance string
	Host     string
	Port     int
	Text     []string
	Addrs    []string
}

// Service is an advertised upnode listener.
type Service struct {
	Instance  string
	Host      string
	Port      int
	Addresses []string
	Version   string
	Methods   []string
}

// Addr returns host:port for the first address, preferring IPv4.
func (s *Service) Addr() (string, error) {
	if len(s.Addresses) == 0 {
		return "", ErrNoAddresses
	}
	pick := s.Addresses[0]
	for _, a := range s.Addresses {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			pick = a
			break
		}
	}
	return net.JoinHostPort(pick, strconv.Itoa(s.Port)), nil
}

func (s *Service) clone() *Service {
	c := *s
	c.Addresses = append([]string(nil), s.Addresses...)
	c.Methods = append([]string(nil), s.Methods...)
	return &c
}

// ToService converts an entry to a Service.
func (e *ServiceEntry) ToService() *Service {
	info := DecodeServiceTXT(StringsToTXTRecords(e.Text))
	return &Service{
		Instance:  e.Instance,
		Host:      e.Host,
		Port:      e.Port,
		Addresses: append([]string(nil), e.Addrs...),
		Version:   info.Version,
		Methods:   info.Methods,
	}
}
