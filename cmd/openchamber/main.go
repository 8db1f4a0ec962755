// Command openchamber is a terminal client for remote coding-agent servers.
package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd/openchamber
var Version = "dev"

const usage = `openchamber - client for remote coding-agent servers

Usage:
  openchamber <command> [options]

Commands:
  login      Authorize this client against a server (device flow)
  logout     Forget the stored token for a server
  status     Show session states and attention flags
  watch      Follow the live event stream and session states
  terminal <channel-id>   Attach to a remote terminal channel
  discover   Find servers on the local network via mDNS

Run 'openchamber <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "login":
		return runLogin(args[2:], stdout, stderr)
	case "logout":
		return runLogout(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "watch":
		return runWatch(args[2:], stdout, stderr)
	case "terminal":
		return runTerminal(args[2:], stdout, stderr)
	case "discover":
		return runDiscover(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "openchamber %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
