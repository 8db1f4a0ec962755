package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"time"

	"github.com/openchamber/client/internal/api"
	"github.com/openchamber/client/internal/msgsync"
	"github.com/openchamber/client/internal/session"
	"github.com/openchamber/client/internal/status"
	"github.com/openchamber/client/internal/stream"
)

func runWatch(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: openchamber watch [options]\n\nFollow the live event stream and session states.\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	cfg, err := common.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	token, err := loadToken(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Warning: could not read token store: %v\n", err)
	}
	client := api.NewClient(api.Config{BaseURL: cfg.Server, Token: token})

	conn := stream.NewConnection(stream.Config{
		BaseURL:   cfg.Server,
		Directory: cfg.Directory,
		Token:     token,
	})

	var poller *status.Poller
	watchdog := status.NewWatchdog(demoterFunc(func(id string) { poller.Demote(id) }))
	poller = status.NewPoller(status.PollerConfig{
		Fetcher:  client,
		Interval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		Observer: watchdog,
	})

	manager := session.NewManager(session.Config{
		Messenger: client,
		Stream:    conn,
		Poller:    poller,
		Watchdog:  watchdog,
		OnMessages: func(sessionID string, messages []msgsync.Message) {
			if n := len(messages); n > 0 {
				last := messages[n-1]
				fmt.Fprintf(stdout, "[%s] %s %s: %s\n",
					time.Now().Format("15:04:05"), sessionID, last.Role, last.NormalizedText())
			}
		},
	})

	conn.OnStatus(func(s stream.Status) {
		fmt.Fprintf(stdout, "[%s] stream: %s\n", time.Now().Format("15:04:05"), s)
	})
	poller.Subscribe(func(snap status.Snapshot) {
		ids := make([]string, 0, len(snap.Sessions))
		for id := range snap.Sessions {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(stdout, "[%s] %s\n",
				time.Now().Format("15:04:05"), describeSession(id, snap.Sessions[id]))
		}
	})

	manager.Start()
	conn.Start()
	poller.Start()
	watchdog.Start()

	fmt.Fprintf(stdout, "Watching %s (Ctrl-C to stop)\n", cfg.Server)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	<-interrupt

	fmt.Fprintln(stdout, "\nShutting down...")
	watchdog.Stop()
	poller.Stop()
	conn.Stop()
	manager.Stop()
	return 0
}

// demoterFunc adapts a function to the status.Demoter interface, breaking
// the construction cycle between the poller and the watchdog.
type demoterFunc func(sessionID string)

func (f demoterFunc) Demote(sessionID string) { f(sessionID) }
