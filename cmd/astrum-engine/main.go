// ABOUTME: Entry point for the astrum-engine conversation CLI
// ABOUTME: Provides chat REPL, conversation and provider management commands

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"

	"github.com/astrum-chat/engine/internal/config"
	"github.com/astrum-chat/engine/internal/conversation"
	"github.com/astrum-chat/engine/internal/dispatch"
	"github.com/astrum-chat/engine/internal/provider"
	"github.com/astrum-chat/engine/internal/secrets"
	"github.com/astrum-chat/engine/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _
  __ _ ___| |_ _ __ _   _ _ __ ___
 / _' / __| __| '__| | | | '_ ' _ \
| (_| \__ \ |_| |  | |_| | | | | | |
 \__,_|___/\__|_|   \__,_|_| |_| |_|
`

// getConfigPath returns the path to the engine config file.
// Priority: ASTRUM_CONFIG env var > XDG_CONFIG_HOME/astrum/engine.yaml > ~/.config/astrum/engine.yaml
func getConfigPath() string {
	if envPath := os.Getenv("ASTRUM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "engine.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "astrum", "engine.yaml")
}

// getDataPath returns the path to the astrum data directory.
// Priority: XDG_DATA_HOME/astrum > ~/.local/share/astrum
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "astrum")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "chat":
		err = runChat(ctx, args)
	case "conversations":
		err = runConversations(ctx, args)
	case "history":
		err = runHistory(ctx, args)
	case "delete":
		err = runDelete(ctx, args)
	case "providers":
		err = runProviders(ctx, args)
	case "models":
		err = runModels(ctx, args)
	case "use":
		err = runUse(ctx, args)
	case "init":
		err = runInit()
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: astrum-engine <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  chat [conversation-id]       Chat REPL (new conversation if no ID)")
	fmt.Println("  conversations                List conversations")
	fmt.Println("  history <conversation-id>    Show a conversation's messages")
	fmt.Println("  delete <conversation-id>     Delete a conversation and its messages")
	fmt.Println("  providers                    List configured providers")
	fmt.Println("  providers add                Add a provider profile")
	fmt.Println("  providers remove <id>        Remove a provider profile")
	fmt.Println("  models <provider-id>         List models a provider exposes")
	fmt.Println("  use <provider-id> <model>    Set the default model for new chats")
	fmt.Println("  init                         Write a starter config file")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  ASTRUM_CONFIG     Config file path (default: ~/.config/astrum/engine.yaml)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  astrum-engine providers add --id openai-main --kind openai --credential-ref OPENAI_API_KEY --model gpt-4o-mini")
	fmt.Println("  astrum-engine use openai-main gpt-4o-mini")
	fmt.Println("  astrum-engine chat")
	fmt.Println()
}

// engine bundles the wired-up layers behind the CLI commands.
type engine struct {
	cfg         *config.Config
	store       *store.SQLiteStore
	dispatcher  *dispatch.Dispatcher
	broadcaster *conversation.Broadcaster
	svc         *conversation.Service
	logger      *slog.Logger
}

// openEngine loads config, opens the store and wires the service stack.
// A missing config file falls back to defaults with the standard data path.
func openEngine(ctx context.Context) (*engine, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default(filepath.Join(getDataPath(), "engine.db"))
	}

	logger := setupLogger(cfg.Logging)

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	broadcaster := conversation.NewBroadcaster(logger)
	dispatcher := dispatch.New(st, broadcaster, dispatch.Policy{
		RetryAttempts: cfg.Dispatch.RetryAttempts,
		RetryBackoff:  cfg.Dispatch.RetryBackoff,
		IdleTimeout:   cfg.Dispatch.IdleTimeout,
		FlushEvery:    cfg.Dispatch.FlushEvery,
	}, map[provider.Kind]int{
		provider.KindOpenAI:    cfg.Providers.OpenAI.RateLimitPerMinute,
		provider.KindAnthropic: cfg.Providers.Anthropic.RateLimitPerMinute,
		provider.KindOllama:    cfg.Providers.Ollama.RateLimitPerMinute,
	}, logger)
	svc := conversation.New(st, dispatcher, broadcaster, secrets.EnvSource{}, cfg, logger)

	// Turns interrupted by a previous unclean shutdown become failed now
	if err := svc.Reconcile(ctx); err != nil {
		st.Close()
		return nil, err
	}

	return &engine{
		cfg:         cfg,
		store:       st,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		svc:         svc,
		logger:      logger,
	}, nil
}

func (e *engine) close() {
	e.dispatcher.Close()
	e.broadcaster.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close store", "error", err)
	}
}

func runChat(ctx context.Context, args []string) error {
	var conversationID, providerID, model string
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--provider", "-p":
			if i+1 < len(args) {
				providerID = args[i+1]
				i++
			}
		case "--model", "-m":
			if i+1 < len(args) {
				model = args[i+1]
				i++
			}
		default:
			conversationID = args[i]
		}
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	// Mint the ID up front so the subscription is live before the first
	// token can arrive
	if conversationID == "" {
		conversationID = uuid.New().String()
	}
	events, subID := eng.svc.Subscribe(ctx, conversationID)
	defer eng.svc.Unsubscribe(conversationID, subID)

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	cyan.Printf("Chat %s (Ctrl+D to exit)\n\n", conversationID)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, bufio.MaxScanTokenSize), 1024*1024) // 1MB max input
	for {
		green.Print("> ")
		if !scanner.Scan() {
			// EOF (Ctrl+D) or error
			fmt.Println()
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		res, err := eng.svc.SubmitTurn(ctx, &conversation.SubmitRequest{
			ConversationID: conversationID,
			ProviderID:     providerID,
			Model:          model,
			Content:        line,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error sending: %v\n", err)
			continue
		}

		if err := printReply(ctx, events, res.AssistantMessageID); err != nil {
			fmt.Fprintf(os.Stderr, "Error streaming: %v\n", err)
			continue
		}
		fmt.Println()
	}
}

// printReply prints one assistant reply from the event stream, returning
// when its terminal status arrives.
func printReply(ctx context.Context, events <-chan *dispatch.Event, messageID string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if ev.MessageID != messageID {
				continue
			}
			switch ev.Type {
			case dispatch.EventToken:
				fmt.Print(ev.Text)
			case dispatch.EventStatus:
				switch ev.Status {
				case store.StatusComplete:
					fmt.Println()
					return nil
				case store.StatusCancelled:
					color.Yellow("\n[cancelled]")
					return nil
				case store.StatusFailed:
					fmt.Println()
					return fmt.Errorf("%s", ev.ErrorDetail)
				}
			}
		}
	}
}

func runConversations(ctx context.Context, args []string) error {
	limit := 50
	for i := 0; i < len(args); i++ {
		if args[i] == "--limit" && i+1 < len(args) {
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid limit: %w", err)
			}
			limit = n
			i++
		}
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	convs, err := eng.svc.ListConversations(ctx, limit)
	if err != nil {
		return err
	}
	if len(convs) == 0 {
		fmt.Println("No conversations yet.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tPROVIDER\tMODEL\tUPDATED")
	for _, c := range convs {
		title := c.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, title, c.ProviderID, c.Model, c.UpdatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func runHistory(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: history <conversation-id>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	messages, err := eng.svc.GetHistory(ctx, args[0])
	if err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	for _, m := range messages {
		switch m.Role {
		case store.RoleUser:
			green.Printf("user> ")
		case store.RoleAssistant:
			cyan.Printf("assistant> ")
		default:
			gray.Printf("%s> ", m.Role)
		}
		fmt.Println(m.Content)
		if m.Status == store.StatusFailed {
			color.Red("  [failed: %s]", m.ErrorDetail)
		} else if m.Status == store.StatusCancelled {
			color.Yellow("  [cancelled]")
		}
		fmt.Println()
	}
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: delete <conversation-id>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.svc.DeleteConversation(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func runProviders(ctx context.Context, args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	switch subcmd {
	case "list":
		return providersList(ctx, eng)
	case "add":
		return providersAdd(ctx, eng, args)
	case "remove":
		if len(args) < 1 {
			return fmt.Errorf("usage: providers remove <id>")
		}
		if err := eng.store.DeleteProvider(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed %s\n", args[0])
		return nil
	default:
		return fmt.Errorf("unknown providers subcommand: %s (use list, add, remove)", subcmd)
	}
}

func providersList(ctx context.Context, eng *engine) error {
	profiles, err := eng.store.ListProviders(ctx)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		fmt.Println("No providers configured. Add one with: astrum-engine providers add")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tNAME\tDEFAULT MODEL\tCREDENTIAL")
	for _, p := range profiles {
		cred := p.CredentialRef
		if cred == "" {
			cred = "(none)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.ID, p.Kind, p.Name, p.DefaultModel, cred)
	}
	return w.Flush()
}

func providersAdd(ctx context.Context, eng *engine, args []string) error {
	p := &store.ProviderProfile{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--id":
			if i+1 < len(args) {
				p.ID = args[i+1]
				i++
			}
		case "--kind", "-k":
			if i+1 < len(args) {
				p.Kind = args[i+1]
				i++
			}
		case "--name", "-n":
			if i+1 < len(args) {
				p.Name = args[i+1]
				i++
			}
		case "--url", "-u":
			if i+1 < len(args) {
				p.BaseURL = args[i+1]
				i++
			}
		case "--credential-ref", "-c":
			if i+1 < len(args) {
				p.CredentialRef = args[i+1]
				i++
			}
		case "--model", "-m":
			if i+1 < len(args) {
				p.DefaultModel = args[i+1]
				i++
			}
		}
	}

	if p.Kind == "" {
		return fmt.Errorf("--kind is required (openai, anthropic, ollama)")
	}
	if p.ID == "" {
		p.ID = p.Kind
	}
	if p.Name == "" {
		p.Name = p.ID
	}

	if err := eng.store.CreateProvider(ctx, p); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("Added provider %s", p.ID)
	fmt.Printf(" (%s)\n", p.Kind)
	if p.CredentialRef != "" {
		fmt.Printf("Credential resolves from the %s environment variable.\n", p.CredentialRef)
	}
	return nil
}

func runModels(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: models <provider-id>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	models, err := eng.svc.ListModels(ctx, args[0])
	if err != nil {
		return err
	}
	for _, m := range models {
		fmt.Println(m.ID)
	}
	return nil
}

func runUse(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: use <provider-id> <model>")
	}

	eng, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer eng.close()

	if err := eng.svc.SetCurrentModel(ctx, args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("New conversations will use %s on %s\n", args[1], args[0])
	return nil
}

func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists at %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	starter := fmt.Sprintf(`database:
  path: %s

logging:
  level: info
  format: text

dispatch:
  retry_attempts: 3
  retry_backoff: "500ms"
  idle_timeout: "60s"
  flush_every: 24

providers:
  openai:
    endpoint: https://api.openai.com
    context_budget: 24000
  anthropic:
    endpoint: https://api.anthropic.com
    context_budget: 24000
  ollama:
    endpoint: http://localhost:11434
    context_budget: 24000

titles:
  enabled: false
`, filepath.Join(getDataPath(), "engine.db"))

	if err := os.WriteFile(configPath, []byte(starter), 0644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Println("Config created!")
	fmt.Printf("  %s\n", configPath)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
// Logs go to stderr so they never interleave with streamed replies.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Fprint(os.Stderr, buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
