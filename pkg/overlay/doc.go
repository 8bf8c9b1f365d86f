// Package overlay is the entry point for building upnode peers.
//
// A Node bundles a method constructor with the overlays it dials and the
// listeners it serves:
//
//	node := overlay.New(transport.Static(transport.Methods{
//		"time": func(context.Context, transport.Args) (any, error) {
//			return time.Now().Unix(), nil
//		},
//	}))
//
//	l, err := node.Listen(ctx, server.Options{Port: 7000})
//	...
//	up := node.Connect(connection.Options{Port: 7001, Reconnect: time.Second})
//	up.Invoke(0, func(remote *transport.Remote, err error) { ... })
//	...
//	node.End()
//
// Connect and Listen at package level use a node that exposes only ping.
package overlay
