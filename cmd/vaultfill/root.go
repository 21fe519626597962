package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/forest6511/vaultfill/internal/config"
	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/authgate"
	"github.com/forest6511/vaultfill/pkg/autofill"
	"github.com/forest6511/vaultfill/pkg/keystore"
)

var (
	cfg        *config.Config
	cfgPath    string
	logger     = zap.NewNop()
	configFlag string
	dataDir    string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "vaultfill",
	Short: "vaultfill fills saved credentials into login forms",
	Long: `vaultfill classifies form fields, and after the user authenticates on this
device, offers the username and password stored in an encrypted local vault.`,
	SilenceUsage: true,
	// PersistentPreRunE loads the config and builds the logger for every
	// subcommand.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		dir := dataDir
		if dir == "" {
			var err error
			if dir, err = config.DefaultDir(); err != nil {
				return err
			}
		}
		cfgPath = configFlag
		if cfgPath == "" {
			cfgPath = filepath.Join(dir, config.FileName)
		}

		c, err := config.Load(cfgPath, dir)
		if err != nil {
			return err
		}
		cfg = c

		level := c.Level()
		if verbose {
			level = zapcore.DebugLevel
		}
		if logger, err = newLogger(level); err != nil {
			return fmt.Errorf("failed to build logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = logger.Sync()
	},
}

// Flags for init command
var initPassphrase bool

// Flags for add command
var addUsername string

// Flags for delete command
var deleteForce bool

// Audit flags
var (
	auditLimit int
	auditSince string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFlag, "config", "", "Config file (default <data-dir>/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (default $VAULTFILL_DIR or ~/.vaultfill)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(auditCmd)

	initCmd.Flags().BoolVar(&initPassphrase, "passphrase", false, "Set a device passphrase required before every fill")
	addCmd.Flags().StringVarP(&addUsername, "username", "u", "", "Username (prompted when omitted)")
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false, "Skip confirmation prompt")

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 100, "Maximum number of events to show")
	auditListCmd.Flags().StringVar(&auditSince, "since", "", "Show events since duration (e.g., 24h)")
}

func newLogger(level zapcore.Level) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.Encoding = "console"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// initCmd creates the master key, the vault file and the audit key.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initializes a new credential vault",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println("Initializing new vault...")

		if err := keystore.Create(cfg.KeyPath()); err != nil {
			return fmt.Errorf("failed to create master key: %w", err)
		}

		w, err := openWriter()
		if err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("failed to initialize vault: %w", err)
		}

		if initPassphrase {
			if err := setPassphrase(); err != nil {
				return err
			}
		}

		logAudit(audit.OpVaultInit, "")
		fmt.Printf("Vault initialized successfully at %s\n", cfg.DataDir)
		return nil
	},
}

// setPassphrase prompts twice and stores the verifier in the config file.
func setPassphrase() error {
	fmt.Print("Enter device passphrase: ")
	pass1, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	fmt.Print("Confirm device passphrase: ")
	pass2, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	if string(pass1) != string(pass2) {
		return fmt.Errorf("passphrases do not match")
	}
	if len(pass1) == 0 {
		return fmt.Errorf("passphrase must not be empty")
	}

	v, err := authgate.NewVerifier(pass1)
	if err != nil {
		return err
	}
	cfg.Auth.Mode = authgate.ModeTerminal
	cfg.Auth.PassphraseSalt, cfg.Auth.PassphraseHash = v.Encode()
	if err := config.Save(cfgPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// readLine reads a single line from stdin, without the line ending.
func readLine(prompt string) (string, error) {
	fmt.Print(prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	value := strings.TrimSuffix(line, "\n")
	return strings.TrimSuffix(value, "\r"), nil
}

// readSecret reads without echo on a terminal, and a plain line otherwise.
func readSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return readLine(prompt)
	}
	fmt.Print(prompt)
	b, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return string(b), nil
}

// confirm asks a y/N question; anything but y is no.
func confirm(prompt string) bool {
	fmt.Print(prompt + " [y/N]: ")
	var response string
	if _, err := fmt.Scanln(&response); err != nil {
		return false
	}
	return response == "y" || response == "Y"
}

// openAudit opens the audit log. Failures are logged, never fatal.
func openAudit() *audit.Logger {
	l, err := audit.Open(cfg.AuditPath(), audit.WithLogger(logger))
	if err != nil {
		logger.Warn("audit log unavailable", zap.Error(err))
		return nil
	}
	return l
}

func logAudit(op, pkg string) {
	if l := openAudit(); l != nil {
		if err := l.LogSuccess(op, audit.SourceCLI, pkg); err != nil {
			logger.Warn("failed to write audit event", zap.String("op", op), zap.Error(err))
		}
	}
}

// logAuditError records a failed CLI operation under a short error code.
func logAuditError(op, code string, cause error) {
	if l := openAudit(); l != nil {
		if err := l.LogError(op, audit.SourceCLI, "", code, cause.Error()); err != nil {
			logger.Warn("failed to write audit event", zap.String("op", op), zap.Error(err))
		}
	}
}

// newBroker wires the configured gate, key file, vault and audit log.
func newBroker(source string) (*autofill.Broker, error) {
	verifier, err := cfg.Verifier()
	if err != nil {
		return nil, err
	}
	gate, err := authgate.New(cfg.Auth.Mode, verifier)
	if err != nil {
		return nil, err
	}

	opts := []autofill.Option{
		autofill.WithLogger(logger),
		autofill.WithPackageFilter(cfg.IgnorePackage),
	}
	if cfg.TokenTTL > 0 {
		opts = append(opts, autofill.WithTokenTTL(cfg.TokenTTL))
	}
	if l := openAudit(); l != nil {
		opts = append(opts, autofill.WithAudit(l, source))
	}

	reader := autofill.VaultFile{Path: cfg.VaultPath(), Logger: logger}
	return autofill.New(gate, keystore.NewFile(cfg.KeyPath()), reader, opts...), nil
}

// auditCmd is the parent command for audit operations
var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
}

// auditListCmd lists audit log entries
var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit log entries",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := audit.Open(cfg.AuditPath(), audit.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}

		var since time.Time
		if auditSince != "" {
			duration, err := parseDuration(auditSince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-duration)
		}

		events, err := l.ListEvents(auditLimit, since)
		if err != nil {
			return fmt.Errorf("failed to list audit events: %w", err)
		}
		if len(events) == 0 {
			fmt.Println("No audit events found")
			return nil
		}

		for _, event := range events {
			fmt.Println(formatEvent(event))
		}
		fmt.Printf("\nTotal: %d events\n", len(events))
		return nil
	},
}

// formatEvent renders TIMESTAMP OPERATION SOURCE RESULT [pkg:HASH] [error:CODE].
func formatEvent(event audit.Event) string {
	line := fmt.Sprintf("%s %s %s %s", event.Timestamp, event.Operation, event.Actor.Source, event.Result)
	if event.Package != "" {
		pkg := event.Package
		if len(pkg) > 16 {
			pkg = pkg[:16] + "..."
		}
		line += fmt.Sprintf(" pkg:%s", pkg)
	}
	if event.Error != nil {
		line += fmt.Sprintf(" error:%s", event.Error.Code)
	}
	return line
}

// auditVerifyCmd verifies audit log integrity
var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log HMAC chain integrity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		l, err := audit.Open(cfg.AuditPath(), audit.WithLogger(logger))
		if err != nil {
			return fmt.Errorf("failed to open audit log: %w", err)
		}

		fmt.Println("Verifying audit log integrity...")
		result, err := l.Verify()
		if err != nil {
			return fmt.Errorf("failed to verify audit log: %w", err)
		}

		if !result.Valid {
			fmt.Printf("✗ Audit log verification FAILED\n")
			fmt.Printf("  Records total: %d\n", result.RecordsTotal)
			fmt.Printf("  Records verified: %d\n", result.RecordsVerified)
			fmt.Println("  Errors:")
			for _, e := range result.Errors {
				fmt.Printf("    - %s\n", e)
			}
			return fmt.Errorf("audit log integrity check failed")
		}
		fmt.Printf("✓ Audit log verified: %d records, chain intact\n", result.RecordsTotal)

		// Also output as JSON for machine parsing
		jsonResult, _ := json.Marshal(result)
		fmt.Printf("\nJSON: %s\n", string(jsonResult))
		return nil
	},
}

// parseDuration parses a duration string like "30d", "1y", "24h"
func parseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("duration too short: %s", s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueStr)
	}
	if value < 0 {
		return 0, fmt.Errorf("duration must not be negative: %s", s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(value) * 30 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		return time.ParseDuration(s)
	}
}

// signalContext is cancelled on interrupt or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
