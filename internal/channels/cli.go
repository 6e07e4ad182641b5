package channels

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/dp-orchestrator/internal/agentloop"
	"github.com/basket/dp-orchestrator/internal/dialog"
)

// CLIChannel implements Channel over stdin/stdout: a REPL prompt in an
// interactive terminal, line-at-a-time relay when stdin is piped.
type CLIChannel struct {
	userID string
	loop   Registrar
	logger *slog.Logger
	in     io.Reader
	out    io.Writer
}

// NewCLIChannel creates a CLI channel bound to loop, addressing every
// utterance as userID (a single operator per process).
func NewCLIChannel(userID string, loop Registrar, logger *slog.Logger) *CLIChannel {
	return &CLIChannel{
		userID: userID,
		loop:   loop,
		logger: logger,
		in:     os.Stdin,
		out:    os.Stdout,
	}
}

func (c *CLIChannel) Name() string { return "cli" }

// SetCLIIO overrides a CLIChannel's input/output streams, for tests
// that want to drive the REPL without touching the real stdin/stdout.
func SetCLIIO(c *CLIChannel, in io.Reader, out io.Writer) {
	c.in = in
	c.out = out
}

func (c *CLIChannel) Start(ctx context.Context) error {
	interactive := isatty.IsTerminal(os.Stdin.Fd())
	if interactive {
		fmt.Fprintln(c.out, "Connected. Type a message (or /reset to start over, Ctrl+D to quit).")
	}

	scanner := bufio.NewScanner(c.in)
	for {
		if interactive {
			fmt.Fprint(c.out, "> ")
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		if err := ctx.Err(); err != nil {
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		c.handleLine(ctx, line)
	}
}

func (c *CLIChannel) handleLine(ctx context.Context, line string) {
	reset := line == "/reset"

	d, err := c.loop.RegisterMsg(ctx, agentloop.RegisterInput{
		ExternalUserID:  c.userID,
		ChannelType:     c.Name(),
		Utterance:       line,
		Reset:           reset,
		RequireResponse: true,
	})
	if err != nil {
		c.logger.Error("cli register_msg failed", "error", err)
		fmt.Fprintf(c.out, "error: %v\n", err)
		return
	}
	if reset {
		fmt.Fprintln(c.out, "Starting a new conversation.")
		return
	}

	last, ok := d.Last()
	if !ok || last.Role != dialog.RoleBot {
		c.logger.Warn("cli register_msg returned with no bot reply", "dialog_id", d.ID)
		return
	}
	fmt.Fprintln(c.out, last.Text)
}
