package main

import (
	"github.com/spf13/cobra"
)

// completionCmd prints a shell completion script to stdout
var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate completion script for your shell",
	Long: `Print a completion script for the given shell, for example:

  source <(vaultfill completion bash)
  vaultfill completion zsh > "${fpath[1]}/_vaultfill"
  vaultfill completion fish > ~/.config/fish/completions/vaultfill.fish
  vaultfill completion powershell >> $PROFILE

Title completion for list and delete is off unless
VAULTFILL_COMPLETION_ENABLED=1; it decrypts titles with the local key file.`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	RunE: func(cmd *cobra.Command, args []string) error {
		root, out := cmd.Root(), cmd.OutOrStdout()
		switch args[0] {
		case "zsh":
			return root.GenZshCompletion(out)
		case "fish":
			return root.GenFishCompletion(out, true)
		case "powershell":
			return root.GenPowerShellCompletionWithDesc(out)
		default:
			return root.GenBashCompletionV2(out, true)
		}
	},
}

func init() {
	rootCmd.AddCommand(completionCmd)
	registerCompletionFunctions()
}
