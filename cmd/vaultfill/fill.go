package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forest6511/vaultfill/pkg/audit"
	"github.com/forest6511/vaultfill/pkg/autofill"
	"github.com/forest6511/vaultfill/pkg/classify"
)

// Flags for fill command
var (
	fillPackage string
	fillShow    bool
)

func init() {
	rootCmd.AddCommand(classifyCmd)
	rootCmd.AddCommand(fillCmd)

	fillCmd.Flags().StringVarP(&fillPackage, "package", "p", "", "Package name of the app that owns the form")
	fillCmd.Flags().BoolVar(&fillShow, "show", false, "Print credential values unmasked")
}

// readForest reads a JSON window forest from path, or stdin for "-".
func readForest(path string) ([]*classify.Field, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read form: %w", err)
	}
	forest, err := classify.ParseForest(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse form: %w", err)
	}
	return forest, nil
}

// classifyCmd prints which fields would be filled, without touching the vault
var classifyCmd = &cobra.Command{
	Use:   "classify [form.json|-]",
	Short: "Shows which fields of a form receive the username and password",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		forest, err := readForest(args[0])
		if err != nil {
			return err
		}
		printClassification(cmd.OutOrStdout(), classify.Classify(classify.Nodes(forest)))
		return nil
	},
}

func printClassification(w io.Writer, result classify.Result) {
	if result.Empty() {
		fmt.Fprintln(w, "No fillable fields")
		return
	}
	for _, role := range classify.Roles {
		if id, ok := result.Get(role); ok {
			fmt.Fprintf(w, "%-9s %s\n", role.String()+":", id)
		}
	}
}

// fillCmd runs the whole fill flow against the local vault, prompting on
// this terminal for authentication.
var fillCmd = &cobra.Command{
	Use:   "fill [form.json|-]",
	Short: "Runs a fill request and prints the offered datasets",
	Long: `Runs a fill request for the window forest in form.json. The device
authenticator is the terminal: either a y/N confirmation or, if one was set
with 'vaultfill init --passphrase', the device passphrase.

Passwords are masked unless --show is given.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		forest, err := readForest(args[0])
		if err != nil {
			return err
		}

		broker, err := newBroker(audit.SourceCLI)
		if err != nil {
			return err
		}
		out := broker.Handle(cmd.Context(), autofill.FillRequest{
			Package:  fillPackage,
			Contexts: []autofill.FillContext{{Windows: forest}},
		})

		if !out.Offered() {
			fmt.Fprintln(cmd.OutOrStdout(), "No offer")
			return nil
		}
		userField, _ := classify.Classify(classify.Nodes(forest)).Get(classify.Username)
		printResponse(cmd.OutOrStdout(), out.Response, userField, fillShow)
		return nil
	},
}

// printResponse masks every value except the one filled into userField.
func printResponse(w io.Writer, resp *autofill.FillResponse, userField string, show bool) {
	for i, ds := range resp.Datasets {
		fmt.Fprintf(w, "[%d] %s", i+1, ds.Label)
		if ds.Subtitle != "" {
			fmt.Fprintf(w, " (%s)", ds.Subtitle)
		}
		fmt.Fprintln(w)

		ids := make([]string, 0, len(ds.Values))
		for id := range ds.Values {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			value := ds.Values[id]
			if !show && id != userField {
				value = maskValue(value)
			}
			fmt.Fprintf(w, "    %s = %s\n", id, value)
		}
	}
	fmt.Fprintf(w, "\nTotal: %d dataset(s)\n", len(resp.Datasets))
}

// maskValue returns a masked version of a value, revealing only the last
// few characters of long values.
func maskValue(value string) string {
	runes := []rune(value)
	length := len(runes)
	switch {
	case length == 0:
		return ""
	case length <= 4:
		return strings.Repeat("*", length)
	case length <= 8:
		return strings.Repeat("*", length-2) + string(runes[length-2:])
	default:
		return strings.Repeat("*", length-4) + string(runes[length-4:])
	}
}
