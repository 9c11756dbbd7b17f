// Package scoring derives the numeric investment signals of the processed EPC dataset.
package scoring

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"btr_pipeline/internal/epc/dataset"
)

// Canonical input columns.
const (
	ColCurrentEnergyRating       = "current_energy_rating"
	ColCurrentEnergyEfficiency   = "current_energy_efficiency"
	ColPotentialEnergyEfficiency = "potential_energy_efficiency"
)

// Derived columns.
const (
	ColEfficiencyImprovement = "efficiency_improvement"
	ColCurrentRatingScore    = "current_rating_score"
	ColImprovementScore      = "improvement_score"
	ColRatingWeight          = "rating_weight"
	ColOpportunityScore      = "epc_opportunity_score"
)

const (
	// RatingWeightFactor scales a rating score into rating_weight.
	RatingWeightFactor = 2.5
	// ImprovementWeight is the share of improvement_score in the opportunity score.
	ImprovementWeight = 0.4
)

var ratingScores = map[string]int{
	"A": 7, "B": 6, "C": 5, "D": 4, "E": 3, "F": 2, "G": 1,
}

// RatingScore maps a single upper-case letter A-G to 7..1.
func RatingScore(rating string) (int, bool) {
	score, ok := ratingScores[rating]
	return score, ok
}

// Score attaches every derivable field to ds and returns the new dataset with the
// names of the columns it added. Derivations whose inputs are missing are skipped.
// A non-numeric value in a numeric input column is an error.
func Score(ds *dataset.Dataset) (*dataset.Dataset, []string, error) {
	var added []string
	steps := []struct {
		name string
		fn   func(*dataset.Dataset) ([]string, bool, error)
	}{
		{ColEfficiencyImprovement, efficiencyImprovement},
		{ColCurrentRatingScore, currentRatingScore},
		{ColImprovementScore, improvementScore},
		{ColRatingWeight, ratingWeight},
		{ColOpportunityScore, opportunityScore},
	}

	out := ds
	for _, step := range steps {
		values, ok, err := step.fn(out)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.name, err)
		}
		if !ok {
			continue
		}
		next, err := out.WithColumn(step.name, values)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", step.name, err)
		}
		out = next
		added = append(added, step.name)
	}

	return out, added, nil
}

func efficiencyImprovement(ds *dataset.Dataset) ([]string, bool, error) {
	current, ok := numericColumn(ds, ColCurrentEnergyEfficiency)
	if !ok {
		return nil, false, nil
	}
	potential, ok := numericColumn(ds, ColPotentialEnergyEfficiency)
	if !ok {
		return nil, false, nil
	}
	cur, err := current()
	if err != nil {
		return nil, false, err
	}
	pot, err := potential()
	if err != nil {
		return nil, false, err
	}

	out := make([]string, len(cur))
	for i := range cur {
		if math.IsNaN(cur[i]) || math.IsNaN(pot[i]) {
			continue
		}
		out[i] = formatFloat(pot[i] - cur[i])
	}
	return out, true, nil
}

func currentRatingScore(ds *dataset.Dataset) ([]string, bool, error) {
	ratings, ok := ds.Column(ColCurrentEnergyRating)
	if !ok {
		return nil, false, nil
	}

	out := make([]string, len(ratings))
	matched := false
	for i, r := range ratings {
		if score, ok := RatingScore(r); ok {
			out[i] = strconv.Itoa(score)
			matched = true
		}
	}
	return out, matched, nil
}

func improvementScore(ds *dataset.Dataset) ([]string, bool, error) {
	scores, ok := numericColumn(ds, ColCurrentRatingScore)
	if !ok {
		return nil, false, nil
	}
	vals, err := scores()
	if err != nil {
		return nil, false, err
	}

	best := 0.0
	for _, v := range vals {
		if !math.IsNaN(v) && v > best {
			best = v
		}
	}
	if best == 0 {
		return nil, false, nil
	}

	out := make([]string, len(vals))
	for i, v := range vals {
		if math.IsNaN(v) {
			continue
		}
		out[i] = formatFloat((best - v) / best * 100)
	}
	return out, true, nil
}

func ratingWeight(ds *dataset.Dataset) ([]string, bool, error) {
	scores, ok := numericColumn(ds, ColCurrentRatingScore)
	if !ok {
		return nil, false, nil
	}
	vals, err := scores()
	if err != nil {
		return nil, false, err
	}

	out := make([]string, len(vals))
	for i, v := range vals {
		if !math.IsNaN(v) {
			out[i] = formatFloat(v * RatingWeightFactor)
		}
	}
	return out, true, nil
}

func opportunityScore(ds *dataset.Dataset) ([]string, bool, error) {
	weights, ok := numericColumn(ds, ColRatingWeight)
	if !ok {
		return nil, false, nil
	}
	improvements, ok := numericColumn(ds, ColImprovementScore)
	if !ok {
		return nil, false, nil
	}
	w, err := weights()
	if err != nil {
		return nil, false, err
	}
	imp, err := improvements()
	if err != nil {
		return nil, false, err
	}

	out := make([]string, len(w))
	for i := range w {
		if math.IsNaN(w[i]) || math.IsNaN(imp[i]) {
			continue
		}
		out[i] = formatFloat(w[i] + imp[i]*ImprovementWeight)
	}
	return out, true, nil
}

// numericColumn returns a parser for the named column, or false when the column is absent.
// Empty and NaN cells parse to NaN; anything else that is not a number is an error.
func numericColumn(ds *dataset.Dataset, name string) (func() ([]float64, error), bool) {
	cells, ok := ds.Column(name)
	if !ok {
		return nil, false
	}
	return func() ([]float64, error) {
		out := make([]float64, len(cells))
		for i, c := range cells {
			c = strings.TrimSpace(c)
			if c == "" || c == "NaN" {
				out[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(c, 64)
			if err != nil {
				return nil, fmt.Errorf("column %s row %d: %q is not numeric", name, i+1, c)
			}
			out[i] = v
		}
		return out, nil
	}, true
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
