package importer

// LastPassParser parses LastPass CSV export files:
// url,username,password,totp,extra,name,grouping,fav
type LastPassParser struct{}

// LastPass CSV column names (header-based parsing).
const (
	lpColURL      = "url"
	lpColUsername = "username"
	lpColPassword = "password"
	lpColName     = "name"

	// lpSecureNoteURL marks secure notes in LastPass exports.
	lpSecureNoteURL = "http://sn"
)

// Source returns the source type for this parser.
func (p *LastPassParser) Source() Source {
	return SourceLastPass
}

// Parse parses LastPass CSV data. Values may be HTML-encoded.
func (p *LastPassParser) Parse(data []byte) (*ImportResult, error) {
	result := newResult()
	counter := 1

	err := readCSV(data, lpColName, true, result, func(row csvRow) {
		get := func(col string) string { return DecodeHTMLEntities(row(col)) }

		name, url := get(lpColName), get(lpColURL)
		if url == lpSecureNoteURL {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: name, Reason: "secure note"})
			return
		}
		result.login(name, url, get(lpColUsername), get(lpColPassword), &counter)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
