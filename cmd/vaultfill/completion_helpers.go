package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// isDynamicCompletionEnabled checks if dynamic completion is opt-in enabled.
func isDynamicCompletionEnabled() bool {
	return os.Getenv("VAULTFILL_COMPLETION_ENABLED") == "1"
}

// completeTitles provides credential title completion (opt-in only).
// Returns an empty list when completion is disabled or the vault cannot be
// read without user interaction.
func completeTitles(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if !isDynamicCompletionEnabled() || len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
	// __complete skips the persistent hooks.
	if cfg == nil {
		if err := rootCmd.PersistentPreRunE(cmd, args); err != nil {
			return nil, cobra.ShellCompDirectiveError
		}
	}

	creds, err := readCredentials(cmd.Context())
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}

	titles := make([]string, 0, len(creds))
	for _, c := range creds {
		titles = append(titles, c.Title)
	}
	return filterPrefix(titles, toComplete), cobra.ShellCompDirectiveNoFileComp
}

// filterPrefix keeps the unique names starting with prefix, case-insensitively.
func filterPrefix(names []string, prefix string) []string {
	lowerPrefix := strings.ToLower(prefix)
	seen := make(map[string]struct{}, len(names))

	var filtered []string
	for _, name := range names {
		if _, dup := seen[name]; dup {
			continue
		}
		if strings.HasPrefix(strings.ToLower(name), lowerPrefix) {
			seen[name] = struct{}{}
			filtered = append(filtered, name)
		}
	}
	return filtered
}

// registerCompletionFunctions registers ValidArgsFunction for commands that support
// dynamic completion.
func registerCompletionFunctions() {
	listCmd.ValidArgsFunction = completeTitles
	deleteCmd.ValidArgsFunction = completeTitles
}
