package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/openchamber/client/internal/terminal"
)

func runTerminal(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("terminal", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)
	cols := fs.Int("cols", 0, "Report terminal width to the remote side")
	rows := fs.Int("rows", 0, "Report terminal height to the remote side")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: openchamber terminal [options] <channel-id>\n\nAttach to a remote terminal channel.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	channelID := fs.Arg(0)

	cfg, err := common.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := loadToken(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: could not read token store: %v\n", err)
	}

	ch := terminal.NewChannel(terminal.Config{
		BaseURL:    cfg.Server,
		ChannelID:  channelID,
		Token:      token,
		MaxRetries: uint(cfg.TerminalMaxRetries),
		Cols:       *cols,
		Rows:       *rows,
	})

	done := make(chan int, 1)
	ch.OnEvent(func(ev terminal.Event) {
		switch ev.Kind {
		case terminal.EventConnected:
			fmt.Fprintf(stderr, "Connected to channel %s\n", channelID)
		case terminal.EventData:
			io.WriteString(stdout, ev.Data)
		case terminal.EventExit:
			fmt.Fprintln(stderr, "\nRemote terminal exited.")
			done <- 0
		case terminal.EventError:
			fmt.Fprintf(stderr, "\nChannel failed: %s\n", ev.Data)
			done <- 1
		}
	})

	ch.Start()
	defer ch.Stop()

	// Forward stdin to the remote side. Input typed while the channel is
	// reconnecting is dropped, not queued.
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				if serr := ch.SendInput(string(buf[:n])); serr != nil {
					fmt.Fprintf(stderr, "(input dropped: %v)\n", serr)
				}
			}
			if err != nil {
				return
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case code := <-done:
		return code
	case <-interrupt:
		fmt.Fprintln(stderr, "\nDetached.")
		return 0
	}
}
