package nn

import "fmt"

// LocationFormat says how a LocationData describes the location of a detection
type LocationFormat int

const (
	LocationFormatGlobal LocationFormat = iota
	LocationFormatBoundingBox
	LocationFormatRelativeBoundingBox
	LocationFormatMask
)

var locationFormatNames = []string{"GLOBAL", "BOUNDING_BOX", "RELATIVE_BOUNDING_BOX", "MASK"}

func (f LocationFormat) String() string {
	if f < 0 || int(f) >= len(locationFormatNames) {
		return fmt.Sprintf("LocationFormat(%d)", int(f))
	}
	return locationFormatNames[f]
}

func (f LocationFormat) MarshalText() ([]byte, error) {
	if f < 0 || int(f) >= len(locationFormatNames) {
		return nil, fmt.Errorf("Invalid location format %d", int(f))
	}
	return []byte(f.String()), nil
}

func (f *LocationFormat) UnmarshalText(text []byte) error {
	for i, name := range locationFormatNames {
		if name == string(text) {
			*f = LocationFormat(i)
			return nil
		}
	}
	return fmt.Errorf("Unknown location format '%v'", string(text))
}

// The classifier has no idea where the thing is, so every detection gets the
// same box. These are the values that downstream renderers expect.
const (
	PlaceholderBoxXMin   = 450
	PlaceholderBoxYMin   = 450
	PlaceholderBoxWidth  = 200
	PlaceholderBoxHeight = 20
)

type LocationData struct {
	Format      LocationFormat `json:"format"`
	BoundingBox Rect           `json:"boundingBox"`
}

// PlaceholderLocation returns the fixed bounding box that we attach to every classification
func PlaceholderLocation() LocationData {
	return LocationData{
		Format: LocationFormatBoundingBox,
		BoundingBox: Rect{
			X:      PlaceholderBoxXMin,
			Y:      PlaceholderBoxYMin,
			Width:  PlaceholderBoxWidth,
			Height: PlaceholderBoxHeight,
		},
	}
}

// Detection is the output record of a classifier node.
// Score and LabelID are parallel arrays, but our classifier node always
// populates exactly one element of each.
type Detection struct {
	Score        []float32    `json:"score"`
	LabelID      []int        `json:"labelId"`
	Label        []string     `json:"label,omitempty"` // Class names, if the node knows them
	LocationData LocationData `json:"locationData"`
}

// NewDetection wraps a single decision into a detection record
func NewDetection(d Decision, location LocationData) Detection {
	return Detection{
		Score:        []float32{d.Score},
		LabelID:      []int{d.Label},
		LocationData: location,
	}
}

// Decision returns the first (score, label) pair of the detection
func (d *Detection) Decision() (Decision, bool) {
	if len(d.Score) == 0 || len(d.LabelID) == 0 {
		return Decision{}, false
	}
	return Decision{Label: d.LabelID[0], Score: d.Score[0]}, true
}
