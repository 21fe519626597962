package importer

// OnePasswordParser parses 1Password CSV export files:
// Title,Website,Username,Password,OTPAuth,Favorite,Archived,Tags,Notes
type OnePasswordParser struct{}

// 1Password CSV column names (header-based parsing).
const (
	op1ColTitle    = "Title"
	op1ColWebsite  = "Website"
	op1ColUsername = "Username"
	op1ColPassword = "Password"
	op1ColArchived = "Archived"
)

// Source returns the source type for this parser.
func (p *OnePasswordParser) Source() Source {
	return Source1Password
}

// Parse parses 1Password CSV data. Archived items are skipped.
func (p *OnePasswordParser) Parse(data []byte) (*ImportResult, error) {
	result := newResult()
	counter := 1

	err := readCSV(data, op1ColTitle, false, result, func(row csvRow) {
		title := row(op1ColTitle)
		if row(op1ColArchived) == "true" {
			result.Skipped = append(result.Skipped, SkippedItem{OriginalName: title, Reason: "archived"})
			return
		}
		result.login(title, row(op1ColWebsite), row(op1ColUsername), row(op1ColPassword), &counter)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
