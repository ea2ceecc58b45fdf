// Package console is the operator session on the sink's serial line. An
// operator logs in with the shared secret and leaves one warning message,
// which the sink shows with its next report.
package console

import (
	"bufio"
	"context"
	"crossing/util/config"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

const (
	PromptPassword = "Enter password:"
	PromptBanner   = "Authenticated! Enter warning message:"
	WrongPassword  = "Wrong password! Enter password:"
	TooLong        = "Message too long! Enter warning message:"
	Closed         = "Session closed."
)

type Console struct {
	secret    string
	maxLen    int
	authed    bool
	setBanner func(string)
	logger    hclog.Logger
}

func New(setBanner func(string), logger hclog.Logger) *Console {
	return &Console{
		secret:    config.CONSOLE_SECRET,
		maxLen:    config.BANNER_MAX_LEN,
		setBanner: setBanner,
		logger:    logger.Named("console"),
	}
}

// Handle processes one input line and returns the reply for the operator.
func (c *Console) Handle(line string) string {
	line = strings.TrimRight(line, "\r\n")
	if !c.authed {
		if line != c.secret {
			c.logger.Warn("failed login")
			return WrongPassword
		}
		c.authed = true
		return PromptBanner
	}

	if len(line) > c.maxLen {
		return TooLong
	}
	if line != "" {
		banner := strings.Map(upperASCII, line)
		c.setBanner(banner)
		c.logger.Info("warning banner set", "banner", banner)
	}
	c.authed = false
	return Closed
}

// upperASCII leaves everything outside a-z as typed.
func upperASCII(r rune) rune {
	if r >= 'a' && r <= 'z' {
		return r - 'a' + 'A'
	}
	return r
}

// Run serves sessions on in until it is exhausted or ctx is done.
func (c *Console) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		errs <- scanner.Err()
	}()

	fmt.Fprintln(out, PromptPassword)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case line := <-lines:
			reply := c.Handle(line)
			fmt.Fprintln(out, reply)
			if reply == Closed {
				fmt.Fprintln(out, PromptPassword)
			}
		}
	}
}
