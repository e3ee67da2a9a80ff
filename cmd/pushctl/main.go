// Command pushctl is the foreground-instance CLI: it drives the
// subscription engine against a running worker daemon and server, and can
// stay attached to receive activation events.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/veloxchat/pushkit/internal/config"
	"github.com/veloxchat/pushkit/internal/engine"
	"github.com/veloxchat/pushkit/internal/push"
	"github.com/veloxchat/pushkit/internal/router"
	"github.com/veloxchat/pushkit/internal/store"
)

const usage = `usage: pushctl <command> [flags]

commands:
  status       show the engine state and active subscription
  subscribe    establish a subscription (add -force to replace an existing one)
  unsubscribe  tear the subscription down
  set-token    store the bearer credential: pushctl set-token <token> [flags]
  run          stay attached and route notification activations
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	command := os.Args[1]
	args := os.Args[2:]

	// -force is a subcommand flag, not a config flag.
	force := false
	if command == "subscribe" {
		filtered := args[:0:0]
		for _, a := range args {
			if a == "-force" || a == "--force" {
				force = true
				continue
			}
			filtered = append(filtered, a)
		}
		args = filtered
	}

	var token string
	if command == "set-token" {
		if len(args) < 1 || strings.HasPrefix(args[0], "-") {
			fmt.Fprintln(os.Stderr, "error: set-token requires a token argument")
			os.Exit(2)
		}
		token = args[0]
		args = args[1:]
	}

	cfg, err := config.Load("pushctl", args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(cfg.SlogHandler(os.Stderr))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var runErr error
	switch command {
	case "status":
		runErr = runStatus(ctx, cfg)
	case "subscribe":
		runErr = runSubscribe(ctx, cfg, force)
	case "unsubscribe":
		runErr = runUnsubscribe(ctx, cfg)
	case "set-token":
		runErr = runSetToken(ctx, cfg, token)
	case "run":
		runErr = runAttached(ctx, cfg)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if runErr != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		os.Exit(1)
	}
}

// openEngine wires a Manager from the local database, the worker socket
// and the server endpoints. The returned cleanup closes everything.
func openEngine(cfg *config.Config) (*engine.Manager, func(), error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("opening database: %w", err)
	}

	bridge, err := engine.DialWorker(cfg.SocketPath)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("connecting to worker (is pushworkerd running?): %w", err)
	}

	perms := engine.NewPermissions(store.NewPermissionStore(db), terminalPrompt)
	auth := engine.NewAuthBridge(store.NewCredentialStore(db))
	subs := store.NewSubscriptionStore(db)
	server := push.NewClient(cfg.ServerURL)

	mgr := engine.NewManager(perms, auth, subs, bridge, server)

	cleanup := func() {
		mgr.Close()
		bridge.Close()
		db.Close()
	}
	return mgr, cleanup, nil
}

// terminalPrompt asks for notification consent on the controlling
// terminal.
func terminalPrompt(ctx context.Context) (bool, error) {
	fmt.Print("Allow Veloxchat to show notifications? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("reading consent answer: %w", err)
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes", nil
}

func runStatus(ctx context.Context, cfg *config.Config) error {
	mgr, cleanup, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	fmt.Printf("state: %s\n", mgr.State())
	return nil
}

func runSubscribe(ctx context.Context, cfg *config.Config, force bool) error {
	mgr, cleanup, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	sub, err := mgr.Subscribe(ctx, force)
	if err != nil {
		return err
	}
	if sub == nil {
		fmt.Printf("not subscribed: %s\n", mgr.State())
		return nil
	}
	fmt.Printf("subscribed: %s\n", sub.Endpoint)
	return nil
}

func runUnsubscribe(ctx context.Context, cfg *config.Config) error {
	mgr, cleanup, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	if !mgr.Unsubscribe(ctx) {
		return fmt.Errorf("platform invalidation failed, subscription kept")
	}
	fmt.Println("unsubscribed")
	return nil
}

// runSetToken stores the bearer credential. A worker connection is not
// needed; any attached engine observes the write through its poll.
func runSetToken(ctx context.Context, cfg *config.Config, token string) error {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	if err := store.NewCredentialStore(db).SetToken(ctx, token); err != nil {
		return fmt.Errorf("storing token: %w", err)
	}
	fmt.Println("token stored")
	return nil
}

func runAttached(ctx context.Context, cfg *config.Config) error {
	mgr, cleanup, err := openEngine(cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	rt := router.New(noDirectory{}, cfg.UserID, func(url string) {
		fmt.Printf("navigate: %s\n", url)
	})
	mgr.OnActivation(rt.HandleActivation)
	mgr.OnStateChange(func(state engine.State) {
		fmt.Printf("state: %s\n", state)
	})

	if err := mgr.Initialize(ctx); err != nil {
		return err
	}

	fmt.Printf("attached, state: %s\n", mgr.State())
	<-ctx.Done()
	return nil
}

// noDirectory is the CLI's stand-in for the application roster: sender
// identities are never directory-confirmed, so routing falls through to
// the chat-id counterpart and payload URL.
type noDirectory struct{}

func (noDirectory) HasUser(ctx context.Context, username string) (bool, error) {
	return false, nil
}
