package domain

import "math"

// Scale is the upper bound of a provider-native rating range.
type Scale float64

const (
	Scale5   Scale = 5
	Scale10  Scale = 10
	Scale100 Scale = 100
)

// RatingScale is the common unit every SearchResult.Rating is expressed in.
const RatingScale = Scale10

// Rescale maps a provider-native rating onto RatingScale. Zero, negative or
// non-finite native values mean "unrated" and yield nil.
func Rescale(value float64, from Scale) *float64 {
	if from <= 0 || value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	scaled := value * float64(RatingScale) / float64(from)
	if scaled > float64(RatingScale) {
		scaled = float64(RatingScale)
	}
	rounded := roundTenth(scaled)
	return &rounded
}

// RescaleTo converts a normalized rating into another scale, e.g. 0-5 stars.
func RescaleTo(value float64, to Scale) float64 {
	if to <= 0 || value <= 0 {
		return 0
	}
	if value > float64(RatingScale) {
		value = float64(RatingScale)
	}
	return roundTenth(value * float64(to) / float64(RatingScale))
}

func roundTenth(value float64) float64 {
	return math.Round(value*10) / 10
}
