package transport

import (
	"context"
	"sort"

	"github.com/fxamacker/cbor/v2"

	"github.com/upnode/upnode-go/pkg/wire"
)

// PingMethod is the method name used for heartbeats.
const PingMethod = "ping"

// Args carries the encoded arguments of an inbound call.
type Args struct {
	raw cbor.RawMessage
}

// NewArgs encodes v as call arguments. Mostly useful in tests.
func NewArgs(v any) (Args, error) {
	if v == nil {
		return Args{}, nil
	}
	raw, err := wire.Marshal(v)
	if err != nil {
		return Args{}, err
	}
	return Args{raw: raw}, nil
}

// Decode unmarshals the arguments into v.
// Absent arguments leave v untouched.
func (a Args) Decode(v any) error {
	if len(a.raw) == 0 || v == nil {
		return nil
	}
	return wire.Unmarshal(a.raw, v)
}

// Empty reports whether the caller sent no arguments.
func (a Args) Empty() bool {
	return len(a.raw) == 0
}

// Method handles one inbound call. The returned value is encoded as the
// reply result; a non-nil error is delivered to the caller as a RemoteError.
type Method func(ctx context.Context, args Args) (any, error)

// Methods is the set of methods one side exposes to its peer.
type Methods map[string]Method

// Names returns the method names in sorted order.
func (m Methods) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Constructor builds the methods exposed on a connection. It receives a
// fresh, empty method set and the connection being set up. Returning nil
// exposes self, so constructors may either fill self in place or return a
// different set.
type Constructor func(self Methods, conn *Conn) Methods

// Static returns a Constructor that exposes a copy of m on every connection.
func Static(m Methods) Constructor {
	return func(self Methods, _ *Conn) Methods {
		for name, fn := range m {
			self[name] = fn
		}
		return nil
	}
}

// Expose runs cons for conn and returns the resulting method set.
// A returned set is copied, so constructors may share one map between
// connections. A no-op ping is added when the constructor did not provide
// one.
func Expose(cons Constructor, conn *Conn) Methods {
	self := Methods{}
	res := self
	if cons != nil {
		if m := cons(self, conn); m != nil {
			res = make(Methods, len(m)+1)
			for name, fn := range m {
				res[name] = fn
			}
		}
	}
	if _, ok := res[PingMethod]; !ok {
		res[PingMethod] = ping
	}
	return res
}

func ping(context.Context, Args) (any, error) {
	return nil, nil
}
