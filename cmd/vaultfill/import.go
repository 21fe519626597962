package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/crypto"
	"github.com/forest6511/vaultfill/pkg/importer"
	"github.com/forest6511/vaultfill/pkg/vault"
)

// Conflict handling for credentials whose title and username already exist.
const (
	conflictSkip  = "skip"
	conflictError = "error"
	conflictAdd   = "add"
)

// Import flags
var (
	importFrom     string
	importDryRun   bool
	importConflict string
)

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importFrom, "from", "", "Import source: 1password, bitwarden, lastpass")
	importCmd.Flags().BoolVar(&importDryRun, "dry-run", false, "Show what would be imported without saving")
	importCmd.Flags().StringVar(&importConflict, "on-conflict", conflictSkip, "When title and username already exist: skip, error, add")
	_ = importCmd.MarkFlagRequired("from")
	_ = importCmd.RegisterFlagCompletionFunc("from", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return importer.ValidSources(), cobra.ShellCompDirectiveNoFileComp
	})
}

// importCmd imports login items from another password manager
var importCmd = &cobra.Command{
	Use:   "import [file]",
	Short: "Imports logins from 1Password, Bitwarden or LastPass exports",
	Long: `Imports login items from a password manager export. Only items with a
username or password are imported; notes, cards and identities are skipped.

  vaultfill import --from bitwarden bitwarden_export.json
  vaultfill import --from lastpass --dry-run lastpass_export.csv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		switch importConflict {
		case conflictSkip, conflictError, conflictAdd:
		default:
			return fmt.Errorf("invalid --on-conflict value '%s': must be skip, error or add", importConflict)
		}

		parser, err := importer.GetParser(importer.Source(strings.ToLower(importFrom)))
		if err != nil {
			return fmt.Errorf("invalid --from value '%s': must be one of %v", importFrom, importer.ValidSources())
		}

		data, err := readExportFile(args[0])
		if err != nil {
			return err
		}
		defer crypto.SecureWipe(data)

		result, err := parser.Parse(data)
		if err != nil {
			return fmt.Errorf("failed to parse %s file: %w", importFrom, err)
		}
		for _, warning := range result.Warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
		for _, skipped := range result.Skipped {
			fmt.Fprintf(os.Stderr, "Skipped: %s (%s)\n", skipped.OriginalName, skipped.Reason)
		}

		if len(result.Credentials) == 0 {
			fmt.Println("No logins found in file")
			return nil
		}
		fmt.Printf("Found %d logins to import\n", len(result.Credentials))

		if importDryRun {
			for _, c := range result.Credentials {
				fmt.Printf("[dry-run] Would import: %s (%s)\n", c.Title, c.Username)
			}
			return nil
		}
		return saveImported(cmd, result.Credentials)
	},
}

// readExportFile reads an export file, refusing symlinks.
func readExportFile(path string) ([]byte, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Lstat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to access file: %w", err)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("security: refusing to read symlink: %s", absPath)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	return data, nil
}

func loginKey(c vault.Credential) string {
	return c.Title + "\x00" + c.Username
}

func saveImported(cmd *cobra.Command, creds []vault.Credential) error {
	ctx := cmd.Context()

	existing, err := readCredentials(ctx)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(existing))
	for _, c := range existing {
		seen[loginKey(c)] = true
	}

	key, err := masterKey(ctx)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(key)

	w, err := openWriter()
	if err != nil {
		return err
	}
	defer w.Close()

	auditLog := openAudit()

	var imported, skipped, failed int
	var errs []string
	for _, c := range creds {
		if seen[loginKey(c)] {
			switch importConflict {
			case conflictSkip:
				fmt.Printf("Skipped (exists): %s\n", c.Title)
				skipped++
				continue
			case conflictError:
				errs = append(errs, fmt.Sprintf("login already exists: %s", c.Title))
				failed++
				continue
			}
		}

		if _, err := w.Add(ctx, key, c); err != nil {
			errs = append(errs, fmt.Sprintf("failed to import '%s': %v", c.Title, err))
			failed++
			continue
		}
		seen[loginKey(c)] = true
		if auditLog != nil {
			_ = auditLog.LogSuccess(audit.OpCredentialAdd, audit.SourceCLI, "")
		}
		fmt.Printf("Imported: %s\n", c.Title)
		imported++
	}

	fmt.Printf("\nImport summary:\n")
	fmt.Printf("  Imported:  %d\n", imported)
	if skipped > 0 {
		fmt.Printf("  Skipped:   %d\n", skipped)
	}
	if failed > 0 {
		fmt.Printf("  Failed:    %d\n", failed)
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
