// Command upnode-log views and analyzes upnode protocol log files.
//
// Log files are written by upnode-server and upnode-client when started with
// -protocol-log.
//
// Usage:
//
//	upnode-log <command> [flags] <file.ulog>
//
// Commands:
//
//	view     View log file in human-readable format
//	export   Export log file to JSON lines or CSV
//	filter   Filter log file and write to new file
//	stats    Show statistics about the log file
//
// Examples:
//
//	# View only RPC messages
//	upnode-log view -layer rpc client.ulog
//
//	# Calls to one method, as CSV
//	upnode-log export -format csv -method echo client.ulog
//
//	# Show reconnect and heartbeat statistics
//	upnode-log stats client.ulog
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/upnode/upnode-go/cmd/upnode-log/commands"
)

const usage = `upnode-log - upnode Protocol Log Analyzer

Usage:
  upnode-log <command> [flags] <file.ulog>

Commands:
  view     View log file in human-readable format
  export   Export log file to JSON lines or CSV
  filter   Filter log file and write to new file
  stats    Show statistics about the log file

Use "upnode-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

// newFlagSet returns a flag set with the shared filter flags bound to opts.
func newFlagSet(name, summary string, opts *commands.FilterOptions) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "upnode-log %s - %s\n\nUsage:\n  upnode-log %s [flags] <file.ulog>\n\nFlags:\n", name, summary, name)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (transport, rpc, overlay)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, control, state, error)")
	fs.StringVar(&opts.Role, "role", "", "Filter by local role (client, server)")
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&opts.Method, "method", "", "Filter messages by method name")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter events at or after this time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter events before this time (RFC3339)")
	return fs
}

// parse parses args and returns the log path, exiting on error.
func parse(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("view", "View log file in human-readable format", &opts)
	path := parse(fs, args)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("export", "Export log file to JSON lines or CSV", &opts)
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := parse(fs, args)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	if err := commands.RunExport(path, *format, *output, filter); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("filter", "Filter log file and write to new file", &opts)
	output := fs.String("o", "", "Output file (required)")
	path := parse(fs, args)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	n, err := commands.RunFilter(path, *output, filter)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	var opts commands.FilterOptions
	fs := newFlagSet("stats", "Show statistics about the log file", &opts)
	path := parse(fs, args)

	filter, err := opts.Build()
	if err != nil {
		fail(err)
	}
	if err := commands.RunStats(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}
