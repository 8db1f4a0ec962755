package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/openchamber/client/internal/api"
)

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var common commonFlags
	common.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: openchamber status [options]\n\nShow session states and attention flags.\n\nOptions:\n")
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
	client := buildClient(cfg, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	statuses, err := client.SessionStatuses(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	attention, err := client.Attention(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if len(statuses.Sessions) == 0 {
		fmt.Fprintln(stdout, "No sessions.")
		return 0
	}

	ids := make([]string, 0, len(statuses.Sessions))
	for id := range statuses.Sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tSTATE\tATTENTION\tLAST UPDATE")
	for _, id := range ids {
		st := statuses.Sessions[id]
		att := "-"
		if a, ok := attention.Sessions[id]; ok && a.NeedsAttention && !a.IsViewed {
			att = "needs attention"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", id, st.Status, att, formatMillis(st.LastUpdateAt))
	}
	tw.Flush()
	return 0
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("15:04:05")
}

// describeSession renders one status line for watch output.
func describeSession(id string, st api.SessionStatus) string {
	if st.Note != "" {
		return fmt.Sprintf("%s: %s (%s)", id, st.Status, st.Note)
	}
	return fmt.Sprintf("%s: %s", id, st.Status)
}
