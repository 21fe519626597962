package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/internal/cli"
	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/crypto"
	"github.com/forest6511/vaultfill/pkg/keystore"
	"github.com/forest6511/vaultfill/pkg/security"
	"github.com/forest6511/vaultfill/pkg/vault"
)

func openWriter() (*vault.Writer, error) {
	w, err := vault.OpenWriter(cfg.VaultPath(), vault.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open vault: %w", err)
	}
	return w, nil
}

// masterKey loads the key file; the caller wipes the result.
func masterKey(ctx context.Context) ([]byte, error) {
	key, err := keystore.NewFile(cfg.KeyPath()).MasterKey(ctx)
	if errors.Is(err, keystore.ErrKeyAbsent) {
		return nil, fmt.Errorf("vault not initialized: run 'vaultfill init' first")
	}
	return key, err
}

// readCredentials decrypts every stored credential.
func readCredentials(ctx context.Context) ([]vault.Credential, error) {
	key, err := masterKey(ctx)
	if err != nil {
		return nil, err
	}
	creds, err := vault.ReadAll(ctx, cfg.VaultPath(), key, vault.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to read vault: %w", err)
	}
	return creds, nil
}

// selectByTitle keeps the credentials whose title matches pattern, which
// may be an exact title or a glob.
func selectByTitle(creds []vault.Credential, pattern string) ([]vault.Credential, error) {
	titles := make([]string, len(creds))
	for i, c := range creds {
		titles[i] = c.Title
	}
	matched, err := cli.ExpandPattern(pattern, titles)
	if err != nil {
		return nil, err
	}
	want := make(map[string]struct{}, len(matched))
	for _, t := range matched {
		want[t] = struct{}{}
	}

	var out []vault.Credential
	for _, c := range creds {
		if _, ok := want[c.Title]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// addCmd stores a new credential
var addCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Adds a credential to the vault",
	Long: `Adds a credential. The password is read without echo from the terminal,
or as a single line from standard input when it is not a terminal.

  vaultfill add "Example Mail" --username alice@example.com`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c := vault.Credential{Title: args[0], Username: addUsername}

		var err error
		if c.Username == "" {
			if c.Username, err = readLine("Username: "); err != nil {
				return err
			}
		}
		if c.Password, err = readSecret("Password: "); err != nil {
			return err
		}
		if c.Password == "" {
			return fmt.Errorf("password must not be empty")
		}
		if s := security.Strength(c.Password); s == security.PasswordWeak {
			fmt.Fprintf(os.Stderr, "Warning: password strength is %s (8+ characters recommended)\n", s)
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

		id, err := w.Add(ctx, key, c)
		if err != nil {
			return fmt.Errorf("failed to add credential: %w", err)
		}

		logAudit(audit.OpCredentialAdd, "")
		fmt.Printf("Credential %q saved (id %d)\n", c.Title, id)
		return nil
	},
}

// listCmd prints titles and usernames, never passwords.
var listCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "Lists stored credentials (titles and usernames only)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := readCredentials(cmd.Context())
		if err != nil {
			return err
		}
		if len(args) == 1 {
			if creds, err = selectByTitle(creds, args[0]); err != nil {
				return err
			}
		}

		if len(creds) == 0 {
			fmt.Println("No credentials found")
			return nil
		}
		for _, c := range creds {
			fmt.Printf("%-5d %-30s %s\n", c.ID, c.Title, c.Username)
		}
		return nil
	},
}

// deleteCmd removes credentials by title or glob pattern
var deleteCmd = &cobra.Command{
	Use:   "delete [title|pattern]",
	Short: "Deletes credentials by title or glob pattern",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		creds, err := readCredentials(ctx)
		if err != nil {
			return err
		}
		targets, err := selectByTitle(creds, args[0])
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			return fmt.Errorf("no credential matches %q", args[0])
		}

		if !deleteForce {
			names := make([]string, len(targets))
			for i, c := range targets {
				names[i] = c.Title
			}
			fmt.Printf("This will delete %d credential(s): %s\n", len(targets), strings.Join(names, ", "))
			if !confirm("Are you sure?") {
				fmt.Println("Aborted")
				return nil
			}
		}

		w, err := openWriter()
		if err != nil {
			return err
		}
		defer w.Close()

		for _, c := range targets {
			if err := w.Delete(ctx, c.ID); err != nil {
				return fmt.Errorf("failed to delete %q: %w", c.Title, err)
			}
			logAudit(audit.OpCredentialDelete, "")
		}
		fmt.Printf("Deleted %d credential(s)\n", len(targets))
		return nil
	},
}
