// Package importer reads login items from other password managers' export
// files. Supports 1Password CSV, Bitwarden JSON, and LastPass CSV formats.
package importer

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/forest6511/vaultfill/pkg/vault"
)

// Source represents the source password manager format.
type Source string

const (
	Source1Password Source = "1password"
	SourceBitwarden Source = "bitwarden"
	SourceLastPass  Source = "lastpass"
)

// ImportResult contains the results of an import operation.
type ImportResult struct {
	// Credentials are the login items ready for vault.Writer.Add.
	Credentials []vault.Credential

	// Warnings are non-fatal issues encountered during parsing.
	Warnings []string

	// Skipped are items that were skipped with reasons.
	Skipped []SkippedItem
}

// SkippedItem represents an item that was skipped during import.
type SkippedItem struct {
	OriginalName string
	Reason       string
}

// Parser is the interface for export format parsers.
type Parser interface {
	Parse(data []byte) (*ImportResult, error)
	Source() Source
}

func newResult() *ImportResult {
	return &ImportResult{
		Credentials: make([]vault.Credential, 0),
		Warnings:    make([]string, 0),
		Skipped:     make([]SkippedItem, 0),
	}
}

// login turns one exported item into a credential. Items without a
// username or password are skipped; they cannot fill a login form.
func (r *ImportResult) login(name, url, username, password string, counter *int) {
	if username == "" && password == "" {
		r.Skipped = append(r.Skipped, SkippedItem{OriginalName: name, Reason: "no username or password"})
		return
	}

	title := NormalizeTitle(name)
	if title == "" {
		title = FallbackTitle(url, *counter)
		*counter++
	}
	r.Credentials = append(r.Credentials, vault.Credential{
		Title:    title,
		Username: username,
		Password: password,
	})
}

// NormalizeTitle trims, NFC-normalizes and truncates a title.
func NormalizeTitle(name string) string {
	name = norm.NFC.String(strings.TrimSpace(name))
	if len(name) > vault.MaxTitleLength {
		name = strings.ToValidUTF8(name[:vault.MaxTitleLength], "")
	}
	return name
}

// FallbackTitle names an untitled item after its URL's host, or
// "Imported item N" when there is none.
func FallbackTitle(url string, counter int) string {
	if url != "" {
		if host := extractHostname(url); host != "" {
			return host
		}
	}
	return fmt.Sprintf("Imported item %d", counter)
}

// extractHostname extracts the hostname from a URL.
func extractHostname(urlStr string) string {
	urlStr = strings.TrimPrefix(urlStr, "https://")
	urlStr = strings.TrimPrefix(urlStr, "http://")
	if idx := strings.Index(urlStr, "/"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	if idx := strings.Index(urlStr, ":"); idx != -1 {
		urlStr = urlStr[:idx]
	}
	return strings.TrimPrefix(urlStr, "www.")
}

// DecodeHTMLEntities decodes common HTML entities found in LastPass exports.
func DecodeHTMLEntities(s string) string {
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", "\"")
	s = strings.ReplaceAll(s, "&#39;", "'")
	s = strings.ReplaceAll(s, "&apos;", "'")
	return strings.ReplaceAll(s, "&amp;", "&")
}

// csvRow looks up a cell by column name.
type csvRow func(col string) string

// readCSV parses a header-based CSV export. foldHeader lowercases column
// names; every row is handed to fn, malformed rows become warnings.
func readCSV(data []byte, required string, foldHeader bool, result *ImportResult, fn func(csvRow)) error {
	data = bytes.TrimPrefix(data, []byte{0xEF, 0xBB, 0xBF})

	reader := csv.NewReader(bytes.NewReader(data))
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimSpace(col)
		if foldHeader {
			col = strings.ToLower(col)
		}
		colIndex[col] = i
	}
	if _, ok := colIndex[required]; !ok {
		return fmt.Errorf("missing required column: %s", required)
	}

	rowNum := 1
	for {
		rowNum++
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: failed to parse: %v", rowNum, err))
			continue
		}
		if len(row) != len(header) {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: column count mismatch (expected %d, got %d)",
					rowNum, len(header), len(row)))
			continue
		}

		fn(func(col string) string {
			if idx, ok := colIndex[col]; ok {
				return strings.TrimSpace(row[idx])
			}
			return ""
		})
	}
}

// GetParser returns a parser for the given source.
func GetParser(source Source) (Parser, error) {
	switch source {
	case Source1Password:
		return &OnePasswordParser{}, nil
	case SourceBitwarden:
		return &BitwardenParser{}, nil
	case SourceLastPass:
		return &LastPassParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported import source: %s", source)
	}
}

// ValidSources returns a list of valid source names.
func ValidSources() []string {
	return []string{
		string(Source1Password),
		string(SourceBitwarden),
		string(SourceLastPass),
	}
}
