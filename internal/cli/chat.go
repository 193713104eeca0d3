package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"aster/internal/client"
	"aster/internal/config"
	"aster/internal/session"
	chatService "aster/internal/service/chat"
)

var (
	flagSession int64
	flagNew     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start or continue an interactive conversation",
	RunE:  runChat,
}

func init() {
	rootCmd.AddCommand(chatCmd)
	rootCmd.PersistentFlags().Int64Var(&flagSession, "session", 0, "session id to open (default: last used)")
	rootCmd.PersistentFlags().BoolVar(&flagNew, "new", false, "start a new conversation")
}

// app bundles everything one CLI invocation needs
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	logFile *os.File
	store   *session.Store
	svc     *chatService.Service
}

func setup() (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Structured logs go to a file so they never interleave with the
	// conversation on stdout
	logFile, err := config.SetupLogFile(filepath.Join(cfg.StateDir, "logs"), cfg.LogMaxFiles)
	if err != nil {
		return nil, err
	}

	logLevel := slog.LevelInfo
	if cfg.Debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	logger.Info("client starting",
		"environment", cfg.Environment,
		"api_url", cfg.APIBaseURL,
	)

	apiClient := client.New(cfg.APIBaseURL, logger)
	store := session.NewStore(cfg.StateDir)
	svc := chatService.NewService(apiClient, store, logger, chatService.Options{
		Poll: chatService.PollOptions{
			InitialDelay:  cfg.PollInitialDelay,
			MaxDelay:      cfg.PollMaxDelay,
			BackoffFactor: cfg.PollBackoffFactor,
			MaxAttempts:   cfg.PollMaxAttempts,
		},
		ResumePoll: chatService.PollOptions{
			InitialDelay:  cfg.ResumeInitialDelay,
			MaxDelay:      cfg.PollMaxDelay,
			BackoffFactor: cfg.PollBackoffFactor,
			MaxAttempts:   cfg.PollMaxAttempts,
		},
	})

	return &app{
		cfg:     cfg,
		logger:  logger,
		logFile: logFile,
		store:   store,
		svc:     svc,
	}, nil
}

func (a *app) close() {
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()

	// SIGINT interrupts the current turn, not the program
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			a.svc.CancelActive()
		}
	}()

	if err := a.openSession(ctx); err != nil {
		return err
	}

	fmt.Println("aster - clinical assistant. Type your message, /quit to exit.")
	if id := a.svc.SessionID(); id != nil {
		fmt.Printf("Session %d\n", *id)
	}
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println("\nBye.")
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if a.handleCommand(ctx, input) {
				break
			}
			continue
		}
		a.runTurn(ctx, input)
	}

	if err := scanner.Err(); err != nil && err != io.EOF {
		return fmt.Errorf("read input: %w", err)
	}
	a.svc.CancelActive()
	return nil
}

// openSession picks the session to attach to: --session flag, then the
// persisted pointer, then none. An in-flight reply is resumed and watched
// to completion before the prompt appears.
func (a *app) openSession(ctx context.Context) error {
	if flagNew {
		if err := a.store.ClearCurrent(); err != nil {
			a.logger.Warn("failed to clear session state", "error", err)
		}
		return nil
	}

	sessionID := flagSession
	if sessionID == 0 {
		if saved, ok := a.store.Current(); ok {
			sessionID = saved
		}
	}
	if sessionID == 0 {
		return nil
	}

	renderer := newRenderer(os.Stdout)
	ctrl, err := a.svc.Open(ctx, sessionID, chatService.TurnCallbacks{
		OnUpdate:   renderer.Update,
		OnTerminal: renderer.Terminal,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		// A dead backend or a stale session id should not brick the CLI
		fmt.Fprintf(os.Stderr, "warning: could not open session %d: %v\n", sessionID, err)
		a.logger.Warn("session open failed", "session_id", sessionID, "error", err)
		return nil
	}

	a.printHistory()

	if ctrl != nil {
		fmt.Println("(a reply was still being generated - picking it up)")
		renderer.Prime(ctrl.Message())
		<-ctrl.Done()
		fmt.Println()
	}
	return nil
}

// runTurn submits one message and blocks until the turn settles
func (a *app) runTurn(ctx context.Context, input string) {
	renderer := newRenderer(os.Stdout)
	fmt.Print("assistant: ")

	ctrl, err := a.svc.Submit(ctx, input, chatService.TurnCallbacks{
		OnUpdate: renderer.Update,
		OnSessionAssigned: func(id int64) {
			a.logger.Info("session assigned", "session_id", id)
		},
		OnTerminal: renderer.Terminal,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return
	}
	<-ctrl.Done()
	fmt.Println()
}

// handleCommand handles slash commands, returns true if the loop should exit
func (a *app) handleCommand(ctx context.Context, cmd string) bool {
	switch strings.Fields(cmd)[0] {
	case "/help":
		fmt.Println("Commands:")
		fmt.Println("  /new      start a new conversation")
		fmt.Println("  /history  reprint the conversation so far")
		fmt.Println("  /quit     exit")
		fmt.Println()

	case "/new":
		a.svc.Reset()
		if err := a.store.ClearCurrent(); err != nil {
			a.logger.Warn("failed to clear session state", "error", err)
		}
		fmt.Println("Started a new conversation.")
		fmt.Println()

	case "/history":
		a.printHistory()

	case "/quit", "/exit":
		fmt.Println("Bye.")
		return true

	default:
		fmt.Printf("Unknown command: %s (try /help)\n", cmd)
	}
	return false
}

func (a *app) printHistory() {
	for _, msg := range a.svc.Messages() {
		printMessage(os.Stdout, msg)
	}
}
