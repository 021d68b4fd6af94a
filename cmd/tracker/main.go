// Command tracker is a terminal trip viewer. It signs in against the dispatch
// API, keeps the session in a local SQLite file and follows trips live over
// the hub.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/ukydev/schoolbus-dispatch/internal/config"
	"github.com/ukydev/schoolbus-dispatch/internal/logging"
)

const usage = `usage: tracker <command> [args]

commands:
  login <username> <password>            sign in and remember the session
  logout                                 forget the session
  whoami                                 show the signed in user
  watch <trip-id>...                     follow trips live until interrupted
  start|delay|complete|cancel <trip-id>  change a trip status
  mark <trip-id> <attendance-id> <status>
`

func main() {
	logging.Setup(getenv("LOG_LEVEL", "warn"), getenv("LOG_FORMAT", "text"))

	cfg, err := config.LoadClient()
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = run(ctx, cfg, os.Args[1:], os.Stdout)
	switch {
	case errors.Is(err, errUsage):
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	case err != nil && !errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "tracker:", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("usage")

func run(ctx context.Context, cfg *config.ClientConfig, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	app, err := openApp(cfg, out)
	if err != nil {
		return err
	}
	defer app.Close()

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "login":
		if len(rest) != 2 {
			return errUsage
		}
		return app.login(ctx, rest[0], rest[1])
	case "logout":
		return app.logout(ctx)
	case "whoami":
		return app.whoami(ctx)
	case "watch":
		if len(rest) == 0 {
			return errUsage
		}
		return app.watch(ctx, rest)
	case "start", "delay", "complete", "cancel":
		if len(rest) != 1 {
			return errUsage
		}
		return app.transition(ctx, cmd, rest[0])
	case "mark":
		if len(rest) != 3 {
			return errUsage
		}
		return app.mark(ctx, rest[0], rest[1], rest[2])
	default:
		return errUsage
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
