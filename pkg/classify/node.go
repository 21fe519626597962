package classify

import "encoding/json"

// AutofillType is the kind of value a field accepts.
type AutofillType string

const (
	// TypeText marks a field that accepts free text.
	TypeText AutofillType = "text"
	// TypeOther marks toggles, lists, dates and anything else.
	TypeOther AutofillType = "other"
)

// Node is one element of a form's field tree. Hosts either decode their
// structure into Field or adapt their own node type to this interface.
type Node interface {
	AutofillType() AutofillType
	Hints() []string
	HintText() string
	IDEntry() string
	FieldID() string
	Children() []Node
}

// Field is the wire form of a Node.
type Field struct {
	Type     AutofillType `json:"autofill_type,omitempty"`
	Hint     []string     `json:"hints,omitempty"`
	Text     string       `json:"hint_text,omitempty"`
	ID       string       `json:"id_entry,omitempty"`
	Handle   string       `json:"field_id,omitempty"`
	Contents []*Field     `json:"children,omitempty"`
}

var _ Node = (*Field)(nil)

// AutofillType implements Node. An unset type is treated as TypeOther.
func (f *Field) AutofillType() AutofillType {
	if f.Type == "" {
		return TypeOther
	}
	return f.Type
}

func (f *Field) Hints() []string  { return f.Hint }
func (f *Field) HintText() string { return f.Text }
func (f *Field) IDEntry() string  { return f.ID }
func (f *Field) FieldID() string  { return f.Handle }

// Children implements Node.
func (f *Field) Children() []Node {
	if len(f.Contents) == 0 {
		return nil
	}
	nodes := make([]Node, len(f.Contents))
	for i, c := range f.Contents {
		nodes[i] = c
	}
	return nodes
}

// Nodes converts a slice of Field roots to Nodes.
func Nodes(roots []*Field) []Node {
	nodes := make([]Node, len(roots))
	for i, r := range roots {
		nodes[i] = r
	}
	return nodes
}

// ParseForest decodes a JSON array of window roots.
func ParseForest(data []byte) ([]*Field, error) {
	var roots []*Field
	if err := json.Unmarshal(data, &roots); err != nil {
		return nil, err
	}
	return roots, nil
}

// isNil catches both nil interfaces and typed nil *Field values.
func isNil(n Node) bool {
	if n == nil {
		return true
	}
	f, ok := n.(*Field)
	return ok && f == nil
}
