// Command helixmq operates the message queue subsystem: the long
// running worker and coordinator roles, topology bootstrap, a load
// generating producer, and DLQ remediation and inspection tools.
//
// Configuration is read from the environment; a .env file is loaded
// when present. Every subcommand exits 0 on success, 2 on a
// configuration or validation problem, 3 when the broker or its
// topology is unavailable, 4 when the event store is unavailable,
// and 1 on anything else.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"dev.helix.mq/internal/queue"
)

const appVersion = "1.0.0"

const usage = `Usage: helixmq <command> [flags]

Commands:
  worker         Run the consumer pool for one org until interrupted
  coordinator    Run the agent response coordinator until interrupted
  init-topology  Declare exchanges, queues, and bindings for the configured orgs
  producer       Publish synthetic request messages
  dlq-replay     Re-publish dead-lettered messages into the request queue
  dlq-purge      Delete dead-lettered messages past the retention window
  events         Print the lifecycle event trail for a message
  peek           Print one pending response frame for an agent
  version        Print the build version

Configuration comes from the environment; a .env file in the working
directory is loaded when present. Run "helixmq <command> -h" for the
flags of a command.
`

func main() {
	// API keys and broker credentials usually live in a .env file in
	// development. A missing file is not an error.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithError(err).Debug("Could not load .env file")
	}

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	if err := dispatch(cmd, args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "helixmq %s: %v\n", cmd, err)
		os.Exit(exitCode(err))
	}
}

func dispatch(cmd string, args []string) error {
	switch cmd {
	case "worker":
		return runWorker(args)
	case "coordinator":
		return runCoordinator(args)
	case "init-topology":
		return runInitTopology(args)
	case "producer":
		return runProducer(args)
	case "dlq-replay":
		return runDLQReplay(args)
	case "dlq-purge":
		return runDLQPurge(args)
	case "events":
		return runEvents(args)
	case "peek":
		return runPeek(args)
	case "version", "--version":
		fmt.Printf("helixmq %s\n", appVersion)
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		fmt.Fprint(os.Stderr, usage)
		return queue.ConfigError(fmt.Sprintf("unknown command %q", cmd))
	}
}

// exitCode maps error kinds onto the documented process exit codes.
// Operator mistakes exit 2, unavailable infrastructure 3 or 4, and
// everything else 1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch queue.KindOf(err) {
	case queue.KindConfig, queue.KindValidation:
		return 2
	case queue.KindBrokerUnavailable, queue.KindTopology:
		return 3
	case queue.KindStoreUnavailable:
		return 4
	}
	return 1
}

// parseFlags runs fs over args, converting parse failures into config
// errors so they exit 2. flag.ErrHelp passes through untouched; the
// dispatcher exits 0 once usage has been printed.
func parseFlags(fs *flag.FlagSet, args []string) error {
	err := fs.Parse(args)
	if err == nil || errors.Is(err, flag.ErrHelp) {
		return err
	}
	return queue.ConfigError(err.Error())
}

// splitList parses a comma-separated flag value, dropping empty
// entries and surrounding whitespace.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// printJSON writes v to stdout as indented JSON, the output format of
// every inspection subcommand.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
