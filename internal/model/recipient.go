package model

// Recipient is one resolved target of a campaign. Vars feed template
// substitution; for CSV sources they carry every mapped column.
type Recipient struct {
	Phone string            `json:"phone"`
	Name  string            `json:"name"`
	Vars  map[string]string `json:"vars,omitempty"`
}
