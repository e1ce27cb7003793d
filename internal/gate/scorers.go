package gate

import (
	"github.com/ShayCichocki/researcher/pkg/models"
)

// DefaultMinResults is the number of sources a retrieval needs for full coverage.
const DefaultMinResults = 3

// Scorer computes a quality score in [0,1] for an artifact.
type Scorer func(a *models.Artifact) float64

// RetrievalScorer scores a retrieval by mean source score times coverage,
// where coverage is min(1, sources/minResults). No sources scores 0.
func RetrievalScorer(minResults int) Scorer {
	if minResults < 1 {
		minResults = 1
	}
	return func(a *models.Artifact) float64 {
		if len(a.Sources) == 0 {
			return 0
		}
		var sum float64
		for _, src := range a.Sources {
			sum += clamp(src.Score)
		}
		mean := sum / float64(len(a.Sources))
		coverage := float64(len(a.Sources)) / float64(minResults)
		if coverage > 1 {
			coverage = 1
		}
		return mean * coverage
	}
}

// ReportedScorer trusts the score the executor attached to the artifact.
func ReportedScorer(a *models.Artifact) float64 {
	return a.QualityScore
}
