// Package grading computes unit grades from activity attempts and
// pushes them to the launching platform.
package grading

import (
	"fmt"
	"time"
)

// Scheme selects which attempt counts for an activity.
type Scheme string

const (
	SchemeBest    Scheme = "best"
	SchemeAverage Scheme = "average"
	SchemeFirst   Scheme = "first"
	SchemeLast    Scheme = "last"
)

// ParseScheme validates a scheme read from configuration.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(s) {
	case SchemeBest, SchemeAverage, SchemeFirst, SchemeLast:
		return Scheme(s), nil
	}
	return "", fmt.Errorf("grading: unknown scheme %q", s)
}

// Aggregate selects how activity scores combine into a unit score.
type Aggregate string

const (
	AggregateSum      Aggregate = "sum"
	AggregateAverage  Aggregate = "average"
	AggregateWeighted Aggregate = "weighted"
)

// ParseAggregate validates an aggregate read from configuration.
func ParseAggregate(s string) (Aggregate, error) {
	switch Aggregate(s) {
	case AggregateSum, AggregateAverage, AggregateWeighted:
		return Aggregate(s), nil
	}
	return "", fmt.Errorf("grading: unknown aggregate %q", s)
}

// ActivityConfig is the per-activity grading setup inside a unit.
type ActivityConfig struct {
	ActivityID       string
	IncludeInScoring bool
	Scheme           Scheme
	Weight           float64
}

// Config is a unit's grading setup.
type Config struct {
	UnitID     string
	Enabled    bool
	Aggregate  Aggregate
	Activities []ActivityConfig
}

// Attempt is one finished run of an activity.
type Attempt struct {
	LocalUser  string
	ActivityID string
	Score      float64
	MaxScore   float64
	FinishedAt time.Time
}

// Score is a raw score/max pair.
type Score struct {
	Score float64
	Max   float64
}

// Percentage expresses the score as 0..100.
func (s Score) Percentage() float64 {
	if s.Max <= 0 {
		return 0
	}
	return s.Score / s.Max * 100
}

// Reduce folds a user's attempts at one activity into a single score.
// Attempts must be in chronological order. The max score is taken from
// the first attempt; platforms do not change an activity's maximum
// between attempts, and a consistent denominator keeps aggregation
// stable if they do.
func (s Scheme) Reduce(attempts []Attempt) (Score, bool) {
	if len(attempts) == 0 {
		return Score{}, false
	}
	out := Score{Max: attempts[0].MaxScore}
	switch s {
	case SchemeFirst:
		out.Score = attempts[0].Score
	case SchemeLast:
		out.Score = attempts[len(attempts)-1].Score
	case SchemeAverage:
		var sum float64
		for _, a := range attempts {
			sum += a.Score
		}
		out.Score = sum / float64(len(attempts))
	default: // best
		out.Score = attempts[0].Score
		for _, a := range attempts[1:] {
			if a.Score > out.Score {
				out.Score = a.Score
			}
		}
	}
	return out, true
}
