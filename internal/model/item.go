package model

// WorkItem is a single URL to archive, tied to its 0-based sheet row
type WorkItem struct {
	Position int    `json:"position"`
	Payload  string `json:"payload"`
}

// Failure describes why an item could not be archived
type Failure struct {
	Kind       FailureKind `json:"kind"`
	Message    string      `json:"message"`
	StatusCode int         `json:"statusCode,omitempty"`
	Detail     string      `json:"detail,omitempty"`
}

// ItemResult is the outcome of processing one WorkItem
type ItemResult struct {
	Position int      `json:"position"`
	Value    string   `json:"value,omitempty"`
	Failure  *Failure `json:"failure,omitempty"`
}

// OK reports whether the item was archived
func (r ItemResult) OK() bool {
	return r.Failure == nil
}

// CellValue returns the text written to the sheet for this result
func (r ItemResult) CellValue() string {
	if r.Failure != nil {
		return r.Failure.Message
	}
	return r.Value
}

// Succeeded builds a successful result
func Succeeded(position int, value string) ItemResult {
	return ItemResult{Position: position, Value: value}
}

// Failed builds a failed result
func Failed(position int, kind FailureKind, message string) ItemResult {
	return ItemResult{
		Position: position,
		Failure:  &Failure{Kind: kind, Message: message},
	}
}
