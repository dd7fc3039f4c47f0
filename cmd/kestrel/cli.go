package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/kestrelbot/kestrel/pkg/agent"
	"github.com/kestrelbot/kestrel/pkg/bus"
	"github.com/kestrelbot/kestrel/pkg/config"
	"github.com/kestrelbot/kestrel/pkg/logger"
	"github.com/kestrelbot/kestrel/pkg/memory"
	"github.com/kestrelbot/kestrel/pkg/providers"
	"github.com/kestrelbot/kestrel/pkg/trust"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var showVersion bool

	root := &cobra.Command{
		Use:   "kestrel",
		Short: "Persistent personal agent with trust-scoped autonomy and decaying memory",
		Long: strings.TrimSpace(`kestrel is a persistent agent runtime.

It resolves authors to canonical identities, scopes its own autonomy by
per-author trust, and carries a salience-decaying long-term memory between
sessions. Use the CLI to onboard, chat locally, run the gateway, and inspect
trust and memory state.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")

	root.AddCommand(newOnboardCommand())
	root.AddCommand(newChatCommand())
	root.AddCommand(newRunCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newTrustCommand())
	root.AddCommand(newMemoryCommand())
	root.AddCommand(newConfigCommand())
	root.AddCommand(newVersionCommand())

	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		Run: func(cmd *cobra.Command, args []string) {
			printVersion()
		},
	}
}

func newOnboardCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "onboard",
		Short:   "Initialize ~/.kestrel config and workspace",
		Example: "  kestrel onboard",
		RunE: func(cmd *cobra.Command, args []string) error {
			return onboard()
		},
	}
}

func onboard() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return nil
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(filepath.Join(workspace, "state"), 0755); err != nil {
		return fmt.Errorf("creating workspace: %w", err)
	}

	personaPath := filepath.Join(workspace, "SOUL.md")
	if _, err := os.Stat(personaPath); os.IsNotExist(err) {
		persona := "You are Kestrel, a persistent personal agent.\n\nYou remember what matters, forget what doesn't, and act only within the\nautonomy your operator granted you.\n"
		if err := os.WriteFile(personaPath, []byte(persona), 0644); err != nil {
			return fmt.Errorf("writing persona template: %w", err)
		}
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", configPath)
	fmt.Println("     Get one at: https://openrouter.ai/keys")
	fmt.Println("  2. Map your chat identities under \"authors\" and set trust under \"trust.known\"")
	fmt.Println("  3. Chat locally: kestrel chat -m \"Hello!\"")
	fmt.Println("  4. Run the gateway: kestrel run")
	fmt.Println("  5. Check readiness: kestrel status")
	return nil
}

func validateRuntimeConfig(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Provider.APIKey) == "" {
		return fmt.Errorf("provider.api_key is required in %s or KESTREL_PROVIDER_API_KEY", getConfigPath())
	}
	return nil
}

// services bundles the wired runtime for chat and run. Close order matters:
// the loop drains before the bus and memory store go away.
type services struct {
	store *config.Store
	bus   *bus.MessageBus
	mem   *memory.Service
	loop  *agent.AgentLoop
	flush func()
}

func buildServices(debug bool) (*services, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := validateRuntimeConfig(cfg); err != nil {
		return nil, err
	}

	flush := logger.Init(debug)

	provider, err := providers.CreateProvider(cfg)
	if err != nil {
		flush()
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	store := config.NewStore(getConfigPath(), cfg)

	memSvc, err := memory.NewService(cfg.WorkspacePath(), store)
	if err != nil {
		flush()
		return nil, fmt.Errorf("initializing memory subsystem: %w", err)
	}

	msgBus := bus.NewMessageBus()
	loop := agent.NewAgentLoop(store, msgBus, provider, memSvc)

	return &services{
		store: store,
		bus:   msgBus,
		mem:   memSvc,
		loop:  loop,
		flush: flush,
	}, nil
}

func (s *services) close() {
	s.loop.Stop()
	s.bus.Close()
	if err := s.mem.Close(); err != nil {
		logger.WarnCF("memory", "Error closing memory store", map[string]interface{}{"error": err.Error()})
	}
	s.flush()
}

func newChatCommand() *cobra.Command {
	var message string
	var debug bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent locally",
		Long:  "Send a single message with -m, or start an interactive session without it.",
		Example: strings.TrimSpace(`
  kestrel chat -m "What did I ask you to remember yesterday?"
  kestrel chat`),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(debug)
			if err != nil {
				return err
			}
			defer svc.close()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			attachChatOutput(ctx, svc.bus, os.Stdout)

			if message != "" {
				response, err := svc.loop.ProcessDirect(ctx, message)
				if err != nil {
					return err
				}
				if response != "" {
					fmt.Printf("\n%s %s\n", appName, response)
				}
				return nil
			}

			fmt.Printf("%s Interactive mode (Ctrl+C to exit)\n\n", appName)
			interactiveMode(svc.loop)
			return nil
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Message to send")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// attachChatOutput delivers outbound bus traffic for the local cli channel
// to the terminal. Confirmation prompts and mid-turn messages publish to the
// bus rather than returning from the turn, so without this drain they would
// never reach the user.
func attachChatOutput(ctx context.Context, msgBus *bus.MessageBus, out io.Writer) {
	msgBus.RegisterHandler("cli", func(msg bus.OutboundMessage) error {
		fmt.Fprintf(out, "\n%s %s\n\n", appName, msg.Content)
		return nil
	})
	go drainOutbound(ctx, msgBus)
}

func interactiveMode(loop *agent.AgentLoop) {
	prompt := fmt.Sprintf("%s You: ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".kestrel_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(loop)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleChatLine(loop, line) {
			return
		}
	}
}

func simpleInteractiveMode(loop *agent.AgentLoop) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Printf("%s You: ", appName)
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				fmt.Println("\nGoodbye!")
				return
			}
			fmt.Printf("Error reading input: %v\n", err)
			continue
		}
		if !handleChatLine(loop, line) {
			return
		}
	}
}

// handleChatLine dispatches one input line. Turns run in their own
// goroutine so the input loop stays responsive while an action is suspended
// awaiting confirmation; the user can type "/approve <id>" mid-turn.
func handleChatLine(loop *agent.AgentLoop, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return true
	}
	if input == "exit" || input == "quit" {
		fmt.Println("Goodbye!")
		return false
	}

	go func() {
		response, err := loop.ProcessDirect(context.Background(), input)
		if err != nil {
			fmt.Printf("Error: %v\n", err)
			return
		}
		if response != "" {
			fmt.Printf("\n%s %s\n\n", appName, response)
		}
	}()
	return true
}

func newRunCommand() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent gateway",
		Long: strings.TrimSpace(`Start the message bus, agent loop and memory sweeper and wait for inbound
messages. SIGHUP reloads the config file and the author identity map without
restarting; suspended confirmations and session history survive the reload.`),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := buildServices(debug)
			if err != nil {
				return err
			}
			defer svc.close()
			return runGateway(svc)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func runGateway(svc *services) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := svc.loop.Run(ctx); err != nil {
			logger.ErrorCF("agent", "Agent loop exited", map[string]interface{}{"error": err.Error()})
		}
	}()
	go drainOutbound(ctx, svc.bus)

	fmt.Printf("%s gateway started (model: %s)\n", appName, svc.store.Current().Agent.Model)
	fmt.Println("Press Ctrl+C to stop; SIGHUP reloads config")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig != syscall.SIGHUP {
			break
		}
		if err := svc.store.Reload(); err != nil {
			logger.ErrorCF("config", "Reload failed, keeping previous config", map[string]interface{}{"error": err.Error()})
			continue
		}
		svc.loop.ReloadIdentities()
		logger.InfoCF("config", "Config reloaded", map[string]interface{}{"path": getConfigPath()})
	}

	fmt.Println("\nShutting down...")
	cancel()
	return nil
}

// drainOutbound delivers responses to the handler registered for each
// channel. Channels with no handler get logged so replies are never lost
// silently when an adapter is wired up out of process.
func drainOutbound(ctx context.Context, msgBus *bus.MessageBus) {
	for {
		msg, ok := msgBus.SubscribeOutbound(ctx)
		if !ok {
			return
		}
		handler, found := msgBus.GetHandler(msg.Channel)
		if !found {
			logger.InfoCF("gateway", "Outbound message with no channel handler", map[string]interface{}{
				"channel": msg.Channel,
				"chat_id": msg.ChatID,
				"content": msg.Content,
			})
			continue
		}
		if err := handler(msg); err != nil {
			logger.ErrorCF("gateway", "Channel handler error", map[string]interface{}{
				"channel": msg.Channel,
				"error":   err.Error(),
			})
		}
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and readiness status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			statusReport(cfg)
			return nil
		},
	}
}

func statusReport(cfg *config.Config) {
	configPath := getConfigPath()

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	fmt.Println()

	mark := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "✗"
	}

	_, cfgErr := os.Stat(configPath)
	fmt.Println("Config:", configPath, mark(cfgErr == nil))

	workspace := cfg.WorkspacePath()
	_, wsErr := os.Stat(workspace)
	fmt.Println("Workspace:", workspace, mark(wsErr == nil))

	memoryDB := filepath.Join(workspace, "state", "memory.db")
	if _, err := os.Stat(memoryDB); err == nil {
		fmt.Println("Memory DB:", memoryDB, "✓")
	} else {
		fmt.Println("Memory DB:", memoryDB, "not initialized")
	}

	fmt.Printf("Model: %s\n", cfg.Agent.Model)
	apiReady := strings.TrimSpace(cfg.Provider.APIKey) != ""
	if apiReady {
		fmt.Println("API key: ✓")
	} else {
		fmt.Println("API key: not set")
	}
	fmt.Printf("Known authors: %d\n", len(cfg.Authors))
	fmt.Printf("Free capabilities: %s\n", joinOrNone(cfg.Autonomy.Free))
	fmt.Printf("Confirmed capabilities: %s\n", joinOrNone(cfg.Autonomy.RequiresConfirmation))
	fmt.Println("Agent ready:", mark(apiReady))
}

func joinOrNone(items []string) string {
	if len(items) == 0 {
		return "(none)"
	}
	return strings.Join(items, ", ")
}

func newTrustCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "trust <author>",
		Short: "Show the trust score and level for an author",
		Example: strings.TrimSpace(`
  kestrel trust skye
  kestrel trust unknown`),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			store := config.NewStore(getConfigPath(), cfg)
			evaluator := trust.NewEvaluator(store)

			author := args[0]
			score := evaluator.Score(author)
			level := evaluator.Level(author)
			fmt.Printf("Author: %s\n", author)
			fmt.Printf("Score:  %.2f\n", score)
			fmt.Printf("Level:  %s\n", level)
			return nil
		},
	}
}

func newMemoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect and manage the long-term memory store",
	}
	cmd.AddCommand(newMemoryInsertCommand())
	cmd.AddCommand(newMemoryRecallCommand())
	cmd.AddCommand(newMemorySweepCommand())
	cmd.AddCommand(newMemoryStatsCommand())
	return cmd
}

// openMemory wires a memory service without the provider, so memory
// inspection works before an API key is configured.
func openMemory() (*memory.Service, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	flush := logger.Init(false)
	store := config.NewStore(getConfigPath(), cfg)
	svc, err := memory.NewService(cfg.WorkspacePath(), store)
	if err != nil {
		flush()
		return nil, nil, fmt.Errorf("opening memory store: %w", err)
	}
	cleanup := func() {
		_ = svc.Close()
		flush()
	}
	return svc, cleanup, nil
}

func newMemoryInsertCommand() *cobra.Command {
	var tag string

	cmd := &cobra.Command{
		Use:     "insert <content>",
		Short:   "Store a memory entry",
		Example: `  kestrel memory insert -t crucial "Skye's birthday is March 14"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openMemory()
			if err != nil {
				return err
			}
			defer cleanup()

			entry, err := svc.Insert(cmd.Context(), strings.Join(args, " "), tag)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Stored %s [%s]\n", entry.ID, entry.Tag)
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Decay tag: core, crucial, default or ephemeral")
	return cmd
}

func newMemoryRecallCommand() *cobra.Command {
	var tag string
	var max int

	cmd := &cobra.Command{
		Use:     "recall <query>",
		Short:   "Recall memory entries matching a query",
		Example: `  kestrel memory recall -t crucial birthday`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openMemory()
			if err != nil {
				return err
			}
			defer cleanup()

			entries, err := svc.Recall(cmd.Context(), memory.RecallQuery{
				Text:       strings.Join(args, " "),
				Tag:        tag,
				MaxResults: max,
			})
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("No matching memories.")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("  %s [%s, weight %.2f] %s\n", e.ID, e.Tag, e.Weight, e.Content)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&tag, "tag", "t", "", "Restrict to one decay tag")
	cmd.Flags().IntVarP(&max, "max", "n", 0, "Maximum results (0 uses the configured default)")
	return cmd
}

func newMemorySweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run a decay sweep now and report what changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openMemory()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := svc.DecaySweep(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Printf("Scanned: %d\n", stats.Scanned)
			fmt.Printf("Decayed: %d\n", stats.Decayed)
			fmt.Printf("Evicted: %d\n", stats.Evicted)
			if stats.Corrupt > 0 {
				fmt.Printf("Corrupt (removed): %d\n", stats.Corrupt)
			}
			return nil
		},
	}
}

func newMemoryStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-tag memory counts and weight totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, cleanup, err := openMemory()
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := svc.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if len(stats) == 0 {
				fmt.Println("Memory store is empty.")
				return nil
			}
			fmt.Println("Tag         Count   Total weight")
			for _, s := range stats {
				fmt.Printf("%-12s %5d   %12.2f\n", s.Tag, s.Count, s.TotalWeight)
			}
			return nil
		},
	}
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load the config file and report validation errors",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Printf("✓ %s is valid\n", getConfigPath())
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(getConfigPath())
		},
	})
	return cmd
}
