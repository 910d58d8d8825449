// shell.go - Line-oriented command shell driving one billing role
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"meterbill/internal/billing"
)

// errUsage makes the shell print the command's usage line
var errUsage = errors.New("usage")

type command struct {
	usage string
	help  string
	run   func(ctx context.Context, args []string) error
}

// Shell reads one command per line and runs it against the role it was built for.
// A fatal protocol error ends the shell; anything else is reported and the shell
// keeps reading.
type Shell struct {
	prompt   string
	in       io.Reader
	out      io.Writer
	log      *Logger
	commands map[string]command

	// OnError, when set, sees every error a command returns
	OnError func(name string, err error)
}

// NewShell creates a shell with the built-in help and exit commands
func NewShell(role string, in io.Reader, out io.Writer, log *Logger) *Shell {
	return &Shell{
		prompt:   role + "> ",
		in:       in,
		out:      out,
		log:      log,
		commands: make(map[string]command),
	}
}

// Register adds a command. usage is the argument list shown by help.
func (s *Shell) Register(name, usage, help string, run func(ctx context.Context, args []string) error) {
	s.commands[name] = command{usage: usage, help: help, run: run}
}

// Printf writes to the shell's output
func (s *Shell) Printf(format string, args ...interface{}) {
	fmt.Fprintf(s.out, format, args...)
}

func (s *Shell) printHelp() {
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := s.commands[name]
		s.Printf("  %-28s %s\n", strings.TrimSpace(name+" "+c.usage), c.help)
	}
	s.Printf("  %-28s %s\n", "help", "show this list")
	s.Printf("  %-28s %s\n", "exit", "leave the shell")
}

// Run executes commands until exit, end of input, ctx ending, or a fatal error.
// Only the fatal error is returned.
func (s *Shell) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	s.Printf("%s", s.prompt)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			s.Printf("%s", s.prompt)
			continue
		}
		name, args := fields[0], fields[1:]
		switch name {
		case "exit", "quit":
			return nil
		case "help":
			s.printHelp()
			s.Printf("%s", s.prompt)
			continue
		}

		c, ok := s.commands[name]
		if !ok {
			s.Printf("unknown command %q, try help\n", name)
			s.Printf("%s", s.prompt)
			continue
		}
		if err := c.run(ctx, args); err != nil {
			if s.OnError != nil {
				s.OnError(name, err)
			}
			switch {
			case errors.Is(err, errUsage):
				s.Printf("usage: %s %s\n", name, c.usage)
			case billing.Fatal(err):
				s.log.Error("%s: %v", name, err)
				return fmt.Errorf("%s: %w", name, err)
			case errors.Is(err, billing.ErrBillRejected):
				s.log.Warn("%s: %v", name, err)
				s.Printf("bill rejected\n")
			case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return nil
			default:
				s.Printf("error: %v\n", err)
			}
		}
		s.Printf("%s", s.prompt)
	}
	return scanner.Err()
}
