package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/pkg/security"
)

// Security flags
var (
	securityShowTitles bool
	securityJSON       bool
)

func init() {
	rootCmd.AddCommand(securityCmd)
	securityCmd.Flags().BoolVar(&securityShowTitles, "show-titles", false, "Name the affected credentials")
	securityCmd.Flags().BoolVar(&securityJSON, "json", false, "Output as JSON")
}

// securityCmd reports weak and reused passwords
var securityCmd = &cobra.Command{
	Use:   "security",
	Short: "Scores stored passwords for strength and reuse",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := readCredentials(cmd.Context())
		if err != nil {
			return err
		}
		report, err := security.Analyze(creds, securityShowTitles)
		if err != nil {
			return err
		}

		if securityJSON {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}

		fmt.Printf("Security score: %d/100\n", report.Overall)
		fmt.Printf("  Strength:   %d/%d\n", report.Components.StrengthScore, security.MaxComponentScore)
		fmt.Printf("  Uniqueness: %d/%d\n", report.Components.UniquenessScore, security.MaxComponentScore)

		if len(report.Issues) > 0 {
			fmt.Println("\nIssues:")
			for _, issue := range report.Issues {
				line := "  - " + issue.Description
				switch {
				case issue.Title != "":
					line += fmt.Sprintf(" [%s]", issue.Title)
				case len(issue.Titles) > 0:
					line += fmt.Sprintf(" %v", issue.Titles)
				}
				fmt.Println(line)
			}
		}
		if len(report.Suggestions) > 0 {
			fmt.Println("\nSuggestions:")
			for _, s := range report.Suggestions {
				fmt.Printf("  - %s\n", s)
			}
		}
		return nil
	},
}
