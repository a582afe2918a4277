package models

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// SizeClass buckets a model by parameter count. Smaller models produce less
// reliable summaries, which feeds the per-checkpoint reliability score.
type SizeClass string

const (
	Size3B      SizeClass = "3b"
	Size7B      SizeClass = "7b"
	Size13B     SizeClass = "13b"
	Size30B     SizeClass = "30b"
	Size70BPlus SizeClass = "70b+"
)

var paramCountRe = regexp.MustCompile(`(\d+(?:\.\d+)?)b`)

// ClassifySize parses the parameter count out of a model id ("llama3:8b",
// "qwen2.5:14b-instruct") and buckets it. Ids with no recognizable count
// are assumed mid-sized.
func ClassifySize(modelID string) SizeClass {
	m := paramCountRe.FindStringSubmatch(strings.ToLower(modelID))
	if m == nil {
		return Size7B
	}
	params, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Size7B
	}

	switch {
	case params <= 4:
		return Size3B
	case params <= 9:
		return Size7B
	case params <= 15:
		return Size13B
	case params <= 40:
		return Size30B
	default:
		return Size70BPlus
	}
}

// SizeFactor returns the base reliability factor for a size class.
func SizeFactor(class SizeClass) float64 {
	switch class {
	case Size3B:
		return 0.3
	case Size7B:
		return 0.5
	case Size13B:
		return 0.7
	case Size30B:
		return 0.85
	default:
		return 0.95
	}
}

// WarnThreshold returns the compression count at which summaries from
// this size class should trigger a reliability warning.
func WarnThreshold(class SizeClass) int {
	switch class {
	case Size3B:
		return 3
	case Size7B:
		return 5
	case Size13B:
		return 7
	default:
		return 10
	}
}

// ReliabilityScore computes the score for a checkpoint produced by the
// given model after compressionNumber passes: factor × 0.9^n.
func ReliabilityScore(modelID string, compressionNumber int) float64 {
	factor := SizeFactor(ClassifySize(modelID))
	return factor * math.Pow(0.9, float64(compressionNumber))
}

// ShouldWarn reports whether a checkpoint's compression count has crossed
// the warning threshold for its source model.
func ShouldWarn(modelID string, compressionNumber int) bool {
	return compressionNumber >= WarnThreshold(ClassifySize(modelID))
}
