package importer

import (
	"encoding/json"
	"fmt"
)

// BitwardenParser parses Bitwarden JSON export files. Only login items
// (type 1) are imported.
type BitwardenParser struct{}

const bitwardenTypeLogin = 1

type bitwardenExport struct {
	Items []bitwardenItem `json:"items"`
}

type bitwardenItem struct {
	Type  int             `json:"type"`
	Name  string          `json:"name"`
	Login *bitwardenLogin `json:"login"`
}

type bitwardenLogin struct {
	URIs     []bitwardenURI `json:"uris"`
	Username string         `json:"username"`
	Password string         `json:"password"`
}

type bitwardenURI struct {
	URI string `json:"uri"`
}

// Source returns the source type for this parser.
func (p *BitwardenParser) Source() Source {
	return SourceBitwarden
}

// Parse parses Bitwarden JSON data.
func (p *BitwardenParser) Parse(data []byte) (*ImportResult, error) {
	var export bitwardenExport
	if err := json.Unmarshal(data, &export); err != nil {
		return nil, fmt.Errorf("failed to parse Bitwarden JSON: %w", err)
	}

	result := newResult()
	counter := 1
	for _, item := range export.Items {
		if item.Type != bitwardenTypeLogin {
			result.Skipped = append(result.Skipped, SkippedItem{
				OriginalName: item.Name,
				Reason:       fmt.Sprintf("not a login item (type %d)", item.Type),
			})
			continue
		}
		if item.Login == nil {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: item.Name, Reason: "no login data"})
			continue
		}

		var url string
		if len(item.Login.URIs) > 0 {
			url = item.Login.URIs[0].URI
		}
		result.login(item.Name, url, item.Login.Username, item.Login.Password, &counter)
	}
	return result, nil
}
