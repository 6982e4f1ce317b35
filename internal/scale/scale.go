// Package scale maps raw activity scores onto the grading scales a
// course can be configured with.
package scale

// Kind identifies a grading scale.
type Kind string

const (
	Points        Kind = "points"
	Competence    Kind = "competence"
	WaysOfKnowing Kind = "ways_of_knowing"
	Unknown       Kind = "unknown"
)

// band maps normalized scores below Upto to Value.
type band struct {
	Upto  float64
	Value float64
	Label string
}

type definition struct {
	Max   float64
	Bands []band
}

// Scale definitions keyed by kind. Bands are checked in order; the
// last band catches everything up to and including 1.0.
var definitions = map[Kind]definition{
	Competence: {
		Max: 1,
		Bands: []band{
			{Upto: 0.5, Value: 0, Label: "Not yet competent"},
			{Upto: 1.0, Value: 1, Label: "Competent"},
		},
	},
	WaysOfKnowing: {
		Max: 2,
		Bands: []band{
			{Upto: 0.4, Value: 0, Label: "Emerging"},
			{Upto: 0.7, Value: 1, Label: "Developing"},
			{Upto: 1.0, Value: 2, Label: "Integrated"},
		},
	},
}

// Banded reports whether the kind maps onto discrete scale values
// rather than plain points.
func (k Kind) Banded() bool {
	_, ok := definitions[k]
	return ok
}

// Detect infers the scale kind from a line item's maximum score.
func Detect(max float64) Kind {
	switch {
	case max <= 0 || max >= 10:
		return Points
	case max == 1:
		return Competence
	case max == 2:
		return WaysOfKnowing
	default:
		return Unknown
	}
}

// Mapped is a score expressed on a target scale.
type Mapped struct {
	Score float64
	Max   float64
	Label string
}

// Map converts a normalized percentage (0..100) to the target scale.
// Points and unrecognized kinds pass the percentage through.
func Map(percentage float64, kind Kind) Mapped {
	def, ok := definitions[kind]
	if !ok {
		return Mapped{Score: percentage, Max: 100}
	}
	frac := percentage / 100
	for _, b := range def.Bands {
		if frac < b.Upto {
			return Mapped{Score: b.Value, Max: def.Max, Label: b.Label}
		}
	}
	last := def.Bands[len(def.Bands)-1]
	return Mapped{Score: last.Value, Max: def.Max, Label: last.Label}
}
