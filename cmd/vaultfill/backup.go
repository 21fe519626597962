package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/backup"
)

var (
	backupWithAudit  bool
	restoreWithAudit bool
	restoreForce     bool
	restoreVerify    bool
)

func init() {
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)

	backupCmd.Flags().BoolVar(&backupWithAudit, "with-audit", false, "Include the audit log")
	restoreCmd.Flags().BoolVar(&restoreWithAudit, "with-audit", false, "Restore the audit log if the backup carries one")
	restoreCmd.Flags().BoolVarP(&restoreForce, "force", "f", false, "Replace an existing vault")
	restoreCmd.Flags().BoolVar(&restoreVerify, "verify-only", false, "Check integrity without writing anything")
}

// backupErrorCode maps a backup failure to the code stored in the audit log.
func backupErrorCode(err error) string {
	switch {
	case errors.Is(err, backup.ErrIntegrityFailed):
		return "INTEGRITY_FAILED"
	case errors.Is(err, backup.ErrDecryptionFailed):
		return "DECRYPTION_FAILED"
	case errors.Is(err, backup.ErrInvalidMagic), errors.Is(err, backup.ErrUnsupportedVersion),
		errors.Is(err, backup.ErrTruncated):
		return "INVALID_FORMAT"
	case errors.Is(err, backup.ErrEmptyPassphrase):
		return "EMPTY_PASSPHRASE"
	case errors.Is(err, backup.ErrVaultNotFound):
		return "VAULT_NOT_FOUND"
	case errors.Is(err, backup.ErrVaultExists):
		return "VAULT_EXISTS"
	default:
		return "IO_ERROR"
	}
}

func backupPaths() backup.Paths {
	return backup.Paths{
		Vault:     cfg.VaultPath(),
		MasterKey: cfg.KeyPath(),
		AuditDir:  cfg.AuditPath(),
	}
}

// backupCmd writes an encrypted archive of the vault and its master key
var backupCmd = &cobra.Command{
	Use:   "backup <file>",
	Short: "Write an encrypted backup of the vault",
	Long: `Write an encrypted backup of the vault file and master key.

The archive is protected by a backup passphrase (Argon2id, AES-256-GCM and
HMAC-SHA256). Keep the passphrase: without it the backup cannot be restored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pass, err := readSecret("Enter backup passphrase: ")
		if err != nil {
			return err
		}
		again, err := readSecret("Confirm backup passphrase: ")
		if err != nil {
			return err
		}
		if pass != again {
			return fmt.Errorf("passphrases do not match")
		}

		f, err := os.OpenFile(args[0], os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
		if err != nil {
			return fmt.Errorf("failed to create backup file: %w", err)
		}

		h, err := backup.Create(cmd.Context(), f, backupPaths(), []byte(pass), &backup.Options{
			IncludeAudit: backupWithAudit,
			Log:          logger,
		})
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(args[0])
			logAuditError(audit.OpBackupCreate, backupErrorCode(err), err)
			if errors.Is(err, backup.ErrVaultNotFound) {
				return fmt.Errorf("vault not initialized: run 'vaultfill init' first")
			}
			return fmt.Errorf("backup failed: %w", err)
		}

		logAudit(audit.OpBackupCreate, "")
		fmt.Printf("Backed up %d credentials to %s\n", h.CredentialCount, args[0])
		return nil
	},
}

// restoreCmd replaces the vault with the contents of a backup
var restoreCmd = &cobra.Command{
	Use:   "restore <file>",
	Short: "Restore the vault from an encrypted backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("failed to open backup file: %w", err)
		}
		defer f.Close()

		pass, err := readSecret("Enter backup passphrase: ")
		if err != nil {
			return err
		}

		if restoreVerify {
			h, err := backup.Verify(f, []byte(pass))
			if err != nil {
				fmt.Printf("✗ Backup verification failed: %v\n", err)
				return err
			}
			fmt.Printf("✓ Backup verified: %d credentials, created %s\n",
				h.CredentialCount, h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			return nil
		}

		if !restoreForce {
			if _, err := os.Stat(cfg.VaultPath()); err == nil {
				if !confirm(fmt.Sprintf("Replace the existing vault at %s?", cfg.VaultPath())) {
					fmt.Println("Cancelled.")
					return nil
				}
			}
		}

		h, err := backup.Restore(f, backupPaths(), []byte(pass), &backup.Options{
			IncludeAudit: restoreWithAudit,
			Force:        true,
			Log:          logger,
		})
		if err != nil {
			logAuditError(audit.OpBackupRestore, backupErrorCode(err), err)
			return fmt.Errorf("restore failed: %w", err)
		}

		logAudit(audit.OpBackupRestore, "")
		fmt.Printf("Restored %d credentials from backup created %s\n",
			h.CredentialCount, h.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	},
}
