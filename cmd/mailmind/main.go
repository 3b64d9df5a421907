// Command mailmind runs the email answering service: it polls a
// mailbox for unread messages and replies to each through a generative
// model backend.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mailmind/internal/compose"
	"mailmind/internal/config"
	"mailmind/internal/convstore"
	"mailmind/internal/credential"
	"mailmind/internal/dispatch"
	"mailmind/internal/llm"
	"mailmind/internal/mailbox"
	"mailmind/internal/poll"
	"mailmind/internal/seal"
	"mailmind/internal/userdir"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath(), "path to config.yaml")
	envFile := flag.String("env", "", "optional .env file with credential overrides")
	flag.Parse()

	// Optional: credentials from a .env file instead of the keyring.
	if *envFile != "" {
		_ = godotenv.Load(*envFile)
	} else {
		_ = godotenv.Load()
	}

	// "mailmind credential set|delete <key>" manages keyring entries
	// without starting the service.
	if args := flag.Args(); len(args) > 0 {
		if err := runCredential(args); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("config", *configPath),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("loading config", zap.Error(err))
	}

	imapCfg, err := cfg.IMAPConfig()
	if err != nil {
		logger.Fatal("IMAP credentials", zap.Error(err))
	}
	smtpCfg, err := cfg.SMTPConfig()
	if err != nil {
		logger.Fatal("SMTP credentials", zap.Error(err))
	}

	apiKey, err := credential.Get(credential.KeyBackendAPI)
	if err != nil || apiKey == "" {
		logger.Fatal("backend API key not configured", zap.Error(err))
	}

	sealKey, err := credential.Get(credential.KeySealKey)
	if err != nil || sealKey == "" {
		logger.Fatal("seal key not configured", zap.Error(err))
	}
	sealer, err := seal.FromBase64(sealKey)
	if err != nil {
		logger.Fatal("invalid seal key", zap.Error(err))
	}

	users := userdir.New(cfg.UsersPath)
	if err := users.Validate(); err != nil {
		logger.Fatal("user registry", zap.String("path", cfg.UsersPath), zap.Error(err))
	}

	store, err := convstore.New(cfg.StorePath)
	if err != nil {
		logger.Fatal("opening conversation store", zap.Error(err))
	}
	defer store.Close()

	transport := mailbox.NewIMAP(imapCfg, smtpCfg)
	defer transport.Close()

	disp := dispatch.New(
		dispatch.Config{
			Models:       cfg.Models.Registry,
			DefaultModel: cfg.Models.Default,
			BackupModel:  cfg.Models.Backup,
			Labels:       cfg.Labels,
			FromAddress:  cfg.Mail.Address,
			Stagger:      cfg.Poll.Stagger(),
		},
		transport,
		llm.New(apiKey),
		store,
		users,
		sealer,
		compose.New(),
		mailbox.NewBannerFetcher(cfg.Banners.TopURL, cfg.Banners.BottomURL),
		logger,
	)

	poller := poll.New(
		poll.Config{
			Interval:  cfg.Poll.Interval(),
			BatchSize: cfg.Poll.BatchSize,
		},
		transport,
		disp,
		store,
		logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	poller.Run(ctx)

	logger.Info("shutdown complete")
}

// runCredential handles the credential subcommand. The value for "set"
// is read from stdin so secrets stay out of shell history.
func runCredential(args []string) error {
	usage := fmt.Errorf("usage: mailmind credential set|delete <key>")

	if args[0] != "credential" || len(args) != 3 {
		return usage
	}
	key := args[2]

	switch args[1] {
	case "set":
		fmt.Fprintf(os.Stderr, "value for %s: ", key)
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("reading value: %w", scanner.Err())
		}
		value := strings.TrimSpace(scanner.Text())
		if value == "" {
			return fmt.Errorf("empty value for %s", key)
		}
		return credential.Set(key, value)

	case "delete":
		return credential.Delete(key)

	default:
		return usage
	}
}
