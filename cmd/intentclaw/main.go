package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/stellarlinkco/intentclaw/internal/catalog"
	"github.com/stellarlinkco/intentclaw/internal/config"
	"github.com/stellarlinkco/intentclaw/internal/cron"
	"github.com/stellarlinkco/intentclaw/internal/dispatch"
	"github.com/stellarlinkco/intentclaw/internal/gateway"
	"github.com/stellarlinkco/intentclaw/internal/ledger"
	"github.com/stellarlinkco/intentclaw/internal/llm"
	"github.com/stellarlinkco/intentclaw/internal/logging"
	"github.com/stellarlinkco/intentclaw/internal/telemetry"
)

const cliChatID = "cli"

// HandlerFactory builds the pipeline used by the one-shot commands
// (allows mocking in tests). The returned func releases its stores.
type HandlerFactory func(cfg *config.Config, logger *zap.Logger) (gateway.Handler, func() error, error)

// DefaultHandlerFactory builds the full pipeline from cfg.
func DefaultHandlerFactory(cfg *config.Config, logger *zap.Logger) (gateway.Handler, func() error, error) {
	p, err := gateway.BuildPipeline(cfg, nil, logger)
	if err != nil {
		return nil, nil, err
	}
	return p.Orchestrator, p.Close, nil
}

// AskOptions for running the pipeline with custom dependencies
type AskOptions struct {
	HandlerFactory HandlerFactory
	Stdin          io.Reader
	Stdout         io.Writer
	Stderr         io.Writer
}

var rootCmd = &cobra.Command{
	Use:          "intentclaw",
	Short:        "intentclaw - intent-routed chat bot for ledger, translation, counters and notes",
	SilenceUsage: true,
}

var askCmd = &cobra.Command{
	Use:   "ask",
	Short: "Run the pipeline on a single message or in REPL mode",
	RunE:  runAsk,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <token>",
	Short: "Confirm or cancel a pending action by its token",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway (telegram + webhook server + catalog sync)",
	RunE:  runServe,
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the account and category catalog",
	RunE:  runCatalog,
}

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize config",
	RunE:  runOnboard,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show intentclaw status",
	RunE:  runStatus,
}

var (
	messageFlag string
	imageFlag   string
	cancelFlag  bool
	syncFlag    bool
)

func init() {
	askCmd.Flags().StringVarP(&messageFlag, "message", "m", "", "Single message to send")
	askCmd.Flags().StringVarP(&imageFlag, "image", "i", "", "Image file to attach (receipts, screenshots)")
	resumeCmd.Flags().BoolVar(&cancelFlag, "cancel", false, "Cancel instead of confirming")
	catalogCmd.Flags().BoolVar(&syncFlag, "sync", false, "Refresh from the ledger before printing")
	rootCmd.AddCommand(askCmd, resumeCmd, serveCmd, catalogCmd, onboardCmd, statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfigAndLogger() (*config.Config, *zap.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// runAsk is the command handler that uses default options
func runAsk(cmd *cobra.Command, args []string) error {
	return runAskWithOptions(cmd.Context(), AskOptions{})
}

func (o *AskOptions) defaults() {
	if o.HandlerFactory == nil {
		o.HandlerFactory = DefaultHandlerFactory
	}
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func openHandler(opts AskOptions) (gateway.Handler, func() error, error) {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return nil, nil, err
	}
	h, closeFn, err := opts.HandlerFactory(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("build pipeline: %w", err)
	}
	if closeFn == nil {
		closeFn = func() error { return nil }
	}
	return h, closeFn, nil
}

// runAskWithOptions runs the pipeline with injectable dependencies for testing
func runAskWithOptions(ctx context.Context, opts AskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.defaults()

	h, closeFn, err := openHandler(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	// Single message mode
	if messageFlag != "" || imageFlag != "" {
		ev := dispatch.Event{ChatID: cliChatID, Text: messageFlag}
		if imageFlag != "" {
			img, err := readImage(imageFlag)
			if err != nil {
				return err
			}
			ev.Image = img
		}
		printReply(opts.Stdout, h.Handle(ctx, ev))
		return nil
	}

	// REPL mode
	fmt.Fprintln(opts.Stdout, "intentclaw (type 'exit' to quit; answer 'y' or 'n' to pending actions)")
	scanner := bufio.NewScanner(opts.Stdin)
	pending := ""
	for {
		fmt.Fprint(opts.Stdout, "\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			break
		}

		ev := dispatch.Event{ChatID: cliChatID, Text: input}
		if pending != "" {
			if decision, ok := parseDecision(input); ok {
				ev = dispatch.Event{ChatID: cliChatID, Callback: &dispatch.Callback{Decision: decision, Token: pending}}
			}
			pending = ""
		}

		reply := h.Handle(ctx, ev)
		printReply(opts.Stdout, reply)
		if reply.State == dispatch.StateConfirming {
			pending = reply.Token
		}
		if reply.State == dispatch.StateFailed {
			fmt.Fprintln(opts.Stderr, "(failed)")
		}
	}
	return scanner.Err()
}

func parseDecision(input string) (dispatch.Decision, bool) {
	switch strings.ToLower(input) {
	case "y", "yes", string(dispatch.DecisionApprove):
		return dispatch.DecisionApprove, true
	case "n", "no", string(dispatch.DecisionCancel):
		return dispatch.DecisionCancel, true
	}
	return "", false
}

func printReply(w io.Writer, reply dispatch.Reply) {
	fmt.Fprintln(w, reply.Text)
	if reply.State == dispatch.StateConfirming && reply.Token != "" {
		fmt.Fprintf(w, "\nTo confirm: intentclaw resume %s\nTo cancel:  intentclaw resume --cancel %s\n", reply.Token, reply.Token)
	}
}

func readImage(path string) (*llm.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return nil, fmt.Errorf("read image: %s is %s, not an image", path, mediaType)
	}
	return &llm.Image{MediaType: mediaType, Data: base64.StdEncoding.EncodeToString(data)}, nil
}

func runResume(cmd *cobra.Command, args []string) error {
	return runResumeWithOptions(cmd.Context(), args[0], cancelFlag, AskOptions{Stdout: cmd.OutOrStdout()})
}

func runResumeWithOptions(ctx context.Context, token string, cancel bool, opts AskOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	opts.defaults()

	h, closeFn, err := openHandler(opts)
	if err != nil {
		return err
	}
	defer closeFn()

	decision := dispatch.DecisionApprove
	if cancel {
		decision = dispatch.DecisionCancel
	}
	reply := h.Handle(ctx, dispatch.Event{
		ChatID:   cliChatID,
		Callback: &dispatch.Callback{Decision: decision, Token: token},
	})
	printReply(opts.Stdout, reply)
	if reply.State == dispatch.StateFailed {
		return fmt.Errorf("resume failed: %s", reply.Text)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Provider.APIKey == "" {
		return fmt.Errorf("API key not set. Run 'intentclaw onboard' or set OPENAI_API_KEY / ANTHROPIC_API_KEY")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry, logger)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runCatalog(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	snap, err := catalog.Load(cfg.Ledger.CatalogPath)
	if err != nil {
		return err
	}
	holder := catalog.NewHolder(snap)

	if syncFlag {
		client := ledger.FromConfig(cfg)
		if !client.Configured() {
			return fmt.Errorf("ledger not configured. Set ledger.baseUrl or ACTUAL_BASE")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		if err := catalog.NewSyncer(client, holder, cfg.Ledger.CatalogPath, logger).Sync(ctx); err != nil {
			return err
		}
	}

	printCatalog(out, holder.Snapshot())
	return nil
}

func printCatalog(w io.Writer, snap *catalog.Snapshot) {
	fmt.Fprintf(w, "Source: %s\n", snap.Source)
	fmt.Fprintf(w, "Default account: %s\n", snap.DefaultAccount())
	fmt.Fprintln(w, "Accounts:")
	for _, name := range snap.AccountNames() {
		fmt.Fprintf(w, "  - %s\n", name)
	}
	fmt.Fprintln(w, "Categories:")
	for _, name := range snap.CategoryNames() {
		fmt.Fprintf(w, "  - %s\n", name)
	}
}

func runOnboard(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfgPath := config.ConfigPath()

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		if err := config.SaveConfig(config.DefaultConfig()); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(out, "Created config: %s\n", cfgPath)
	} else {
		fmt.Fprintf(out, "Config already exists: %s\n", cfgPath)
	}

	fmt.Fprintln(out, "\nNext steps:")
	fmt.Fprintf(out, "  1. Edit %s to set your provider key, telegram token and ledger URL\n", cfgPath)
	fmt.Fprintln(out, "  2. Or set OPENAI_API_KEY, TELEGRAM_BOT_TOKEN and ACTUAL_BASE")
	fmt.Fprintln(out, "  3. Run 'intentclaw ask -m \"spent 35 on a taxi\"' to test")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(out, "Config: error (%v)\n", err)
		return nil
	}

	fmt.Fprintf(out, "Config: %s\n", config.ConfigPath())
	fmt.Fprintf(out, "Provider: %s\n", cfg.Provider.Type)
	fmt.Fprintf(out, "Model: %s (vision: %s)\n", cfg.LLM.Model, cfg.LLM.VisionModel)
	fmt.Fprintf(out, "API Key: %s\n", mask(cfg.Provider.APIKey))
	fmt.Fprintf(out, "Telegram: enabled=%v mode=%s\n", cfg.Channels.Telegram.Enabled, cfg.Channels.Telegram.Mode)
	if cfg.Ledger.BaseURL != "" {
		fmt.Fprintf(out, "Ledger: %s (key: %s)\n", cfg.Ledger.BaseURL, mask(cfg.Ledger.APIKey))
	} else {
		fmt.Fprintln(out, "Ledger: not configured")
	}
	fmt.Fprintf(out, "Counter DB: %s\n", cfg.Counter.DBPath)
	fmt.Fprintf(out, "Notes: redis %s db=%d\n", cfg.Notes.RedisAddr, cfg.Notes.RedisDB)
	fmt.Fprintf(out, "Confirmation: skip=%v ttl=%s\n", cfg.Dispatch.SkipConfirmation, cfg.ConfirmTTL())

	states, err := cron.LoadStates(gateway.CronStatePath())
	if err != nil {
		fmt.Fprintf(out, "Jobs: error (%v)\n", err)
		return nil
	}
	if len(states) == 0 {
		fmt.Fprintln(out, "Jobs: none recorded")
		return nil
	}
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		st := states[name]
		last := "never"
		if st.LastRunAtMs > 0 {
			last = time.UnixMilli(st.LastRunAtMs).Format(time.RFC3339)
		}
		fmt.Fprintf(out, "Job %s: schedule=%s last=%s status=%s runs=%d\n", name, st.Schedule, last, st.LastStatus, st.Runs)
	}
	return nil
}

func mask(secret string) string {
	switch {
	case secret == "":
		return "not set"
	case len(secret) > 8:
		return secret[:4] + "..." + secret[len(secret)-4:]
	default:
		return "set"
	}
}
