// Package interactive provides the command loop of upnode-client.
package interactive

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/upnode/upnode-go/pkg/connection"
)

// Client runs commands against an overlay.
type Client struct {
	overlay *connection.Overlay
	timeout time.Duration
	rl      *readline.Instance
}

// New creates an interactive client. Calls wait at most timeout for the
// overlay to come up and the reply to arrive.
func New(o *connection.Overlay, timeout time.Duration) (*Client, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "upnode> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("call"),
			readline.PcItem("methods"),
			readline.PcItem("status"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Client{overlay: o, timeout: timeout, rl: rl}, nil
}

// Stdout returns a writer that does not disturb the prompt.
func (c *Client) Stdout() io.Writer {
	return c.rl.Stdout()
}

// Run reads commands until quit, EOF or ctx is done.
func (c *Client) Run(ctx context.Context) {
	defer c.rl.Close()

	go func() {
		<-ctx.Done()
		c.rl.Close()
	}()

	c.printHelp()
	for {
		line, err := c.rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err != nil || ctx.Err() != nil {
			return
		}
		if !Exec(ctx, c.overlay, c.timeout, line, c.rl.Stdout()) {
			return
		}
	}
}

func (c *Client) printHelp() {
	fmt.Fprint(c.rl.Stdout(), help)
}

const help = `Commands:
  call <method> [json-args]  Call a remote method
  methods                    List the remote methods
  status                     Show overlay state
  help                       Show this help
  quit                       Exit
`

// Exec runs one command line and writes its output to w. It returns false
// when the command asks to exit.
func Exec(ctx context.Context, o *connection.Overlay, timeout time.Duration, line string, w io.Writer) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	cmd, rest, _ := strings.Cut(input, " ")

	switch strings.ToLower(cmd) {
	case "call", "c":
		cmdCall(ctx, o, timeout, rest, w)
	case "methods", "m":
		if r := o.Remote(); r != nil {
			fmt.Fprintln(w, strings.Join(r.Methods(), " "))
		} else {
			fmt.Fprintln(w, "not connected")
		}
	case "status", "s":
		fmt.Fprintf(w, "state: %s\nattempts: %d\nqueued: %d\n", o.State(), o.Attempts(), o.Pending())
		if conn := o.Conn(); conn != nil {
			fmt.Fprintf(w, "conn: %s %s\n", conn.ID(), conn.RemoteAddr())
		}
	case "help", "?":
		fmt.Fprint(w, help)
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(w, "unknown command %q, try help\n", cmd)
	}
	return true
}

func cmdCall(ctx context.Context, o *connection.Overlay, timeout time.Duration, rest string, w io.Writer) {
	method, argText, _ := strings.Cut(strings.TrimSpace(rest), " ")
	if method == "" {
		fmt.Fprintln(w, "usage: call <method> [json-args]")
		return
	}
	args, err := ParseArgs(argText)
	if err != nil {
		fmt.Fprintln(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var reply any
	if err := o.Call(ctx, method, args, &reply); err != nil {
		fmt.Fprintf(w, "error: %v\n", err)
		return
	}
	fmt.Fprintf(w, "%s (%s)\n", FormatResult(reply), time.Since(start).Round(time.Microsecond))
}
