package sheet

// CellUpdate writes values into an A1 range
type CellUpdate struct {
	Range  string     `json:"range"`
	Values [][]string `json:"values"`
}

// Color is an RGB colour with components in [0,1]
type Color struct {
	Red   float64 `json:"red"`
	Green float64 `json:"green"`
	Blue  float64 `json:"blue"`
}

var (
	ColorError   = Color{Red: 1}
	ColorDefault = Color{}
)

// FormatUpdate sets the text colour of a grid range. Bounds are 0-based and
// end-exclusive.
type FormatUpdate struct {
	SheetID     int
	StartRow    int
	EndRow      int
	StartColumn int
	EndColumn   int
	Foreground  Color
}

// InsertColumn inserts one blank column at Index
type InsertColumn struct {
	SheetID int
	Index   int
}
