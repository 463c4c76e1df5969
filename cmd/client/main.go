// santinel is the terminal client. It locates a backend, walks the user
// through setup or installation when needed, then relays the local
// terminal to a remote shell.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"santinel/internal/boot"
	"santinel/internal/clientstate"
	"santinel/internal/discovery"
	"santinel/internal/terminal"
)

// exitError carries the remote shell's exit code out of run.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("shell exited with code %d", e.code) }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(); err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		apiAddr   string
		token     string
		statePath string
		command   string
		verbose   bool
	)

	flagSet := pflag.NewFlagSet("santinel", pflag.ContinueOnError)
	flagSet.StringVar(&apiAddr, "api", "", "backend address (host, host:port or URL)")
	flagSet.StringVar(&token, "token", "", "bearer token for the backend")
	flagSet.StringVar(&statePath, "state", "", "client state file (default: user config dir)")
	flagSet.StringVarP(&command, "cmd", "c", "", "command typed into the shell once it is ready")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log connection events to stderr")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if statePath == "" {
		p, err := clientstate.DefaultPath()
		if err != nil {
			return err
		}
		statePath = p
	}
	state, err := clientstate.Load(statePath)
	if err != nil {
		return err
	}
	if flagSet.Changed("api") {
		state.APIURL = discovery.NormalizeAddress(apiAddr)
	}
	if flagSet.Changed("token") {
		state.AuthToken = token
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Println(boot.Banner())

	disco := discovery.NewClient(state.APIURL, state.AuthToken)
	driver := boot.NewDriver(disco, boot.NewStyledReporter(os.Stdout), nil)

	for {
		settled, err := driver.Run(ctx)
		if err != nil {
			return err
		}

		switch settled {
		case boot.StateReady:
			// The boot loop owned the terminal until now; raw mode starts
			// here and signals go to the remote shell as keystrokes.
			stop()
			return relay(state, command, logger)

		case boot.StateSetupRequired:
			if err := promptSetup(ctx, disco); err != nil {
				return err
			}

		case boot.StateInstallerMode:
			fmt.Println()
			fmt.Println(boot.RenderInstaller(disco.BaseURL()))
			addr, err := prompt(os.Stdin, "backend address ["+disco.BaseURL()+"]: ")
			if err != nil {
				return err
			}
			if addr != "" {
				state.APIURL = discovery.NormalizeAddress(addr)
				if err := clientstate.Save(statePath, state); err != nil {
					logger.Warn("could not persist backend address", "path", statePath, "error", err)
				}
			}
			disco = discovery.NewClient(state.APIURL, state.AuthToken)
			driver.SetProber(disco)
		}

		if err := driver.Reset(); err != nil {
			return err
		}
	}
}

// promptSetup reads the API key without echo and submits it until the
// backend accepts one. An empty key aborts.
func promptSetup(ctx context.Context, disco *discovery.Client) error {
	for {
		fmt.Print("ENTER API KEY: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			return fmt.Errorf("read api key: %w", err)
		}
		key := strings.TrimSpace(string(raw))
		if key == "" {
			return errors.New("setup aborted")
		}

		resp, err := disco.Setup(ctx, key)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			continue
		}
		fmt.Println(resp.Message)
		return nil
	}
}

func prompt(r io.Reader, label string) (string, error) {
	fmt.Print(label)
	line, err := readLine(r)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// readLine reads up to and including a newline one byte at a time. Stdin is
// shared with ReadPassword and the relay, so nothing past the line may be
// consumed.
func readLine(r io.Reader) (string, error) {
	var line []byte
	var b [1]byte
	for {
		n, err := r.Read(b[:])
		if n == 1 {
			if b[0] == '\n' {
				return string(line), nil
			}
			line = append(line, b[0])
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return string(line), nil
			}
			return "", err
		}
	}
}

// relay puts the local terminal in raw mode and runs the remote shell
// until it exits.
func relay(state *clientstate.State, command string, logger *slog.Logger) error {
	cfg := terminal.Config{
		URL:            discovery.WebsocketURL(state.APIURL),
		Token:          state.AuthToken,
		InitialCommand: command,
		Logger:         logger,
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("enter raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)

		sizes := terminal.WatchLocalSize(fd)
		defer sizes.Stop()
		cfg.Sizes = sizes
	}

	code, err := terminal.NewClient(cfg).Run(context.Background(), os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, terminal.ErrInputClosed) {
		return err
	}
	if code != 0 {
		return &exitError{code: code}
	}
	return nil
}
