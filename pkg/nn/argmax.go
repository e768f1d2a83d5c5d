package nn

// Decision is the class that a classifier picked for a single frame
type Decision struct {
	Label int     `json:"label"`
	Score float32 `json:"score"`
}

// Argmax returns the index and value of the highest score.
// Ties go to the lowest index.
// The running maximum starts at zero with label 0, so a vector without any
// positive score produces {Label: 0, Score: 0}. NaN is never greater than
// anything, so a NaN score is never chosen.
func Argmax(scores []float32) Decision {
	d := Decision{}
	for i, s := range scores {
		if s > d.Score {
			d.Score = s
			d.Label = i
		}
	}
	return d
}
