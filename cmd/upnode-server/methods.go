package main

import (
	"context"
	"errors"
	"time"

	"github.com/upnode/upnode-go/pkg/transport"
)

var errNoArgs = errors.New("missing arguments")

// demoMethods builds the methods exposed to every client. whoami reports
// the connection the call arrived on; the rest are stateless.
func demoMethods(self transport.Methods, conn *transport.Conn) transport.Methods {
	self["echo"] = func(_ context.Context, args transport.Args) (any, error) {
		var v any
		if err := args.Decode(&v); err != nil {
			return nil, err
		}
		return v, nil
	}
	self["time"] = func(context.Context, transport.Args) (any, error) {
		return time.Now().UTC().Format(time.RFC3339Nano), nil
	}
	self["add"] = func(_ context.Context, args transport.Args) (any, error) {
		if args.Empty() {
			return nil, errNoArgs
		}
		var nums []float64
		if err := args.Decode(&nums); err != nil {
			return nil, err
		}
		var sum float64
		for _, n := range nums {
			sum += n
		}
		return sum, nil
	}
	self["whoami"] = func(context.Context, transport.Args) (any, error) {
		return conn.ID(), nil
	}
	return nil
}
