// Package pipeline holds the orchestration core shared by the stage workers: the status
// state machine, the per-resource lock manager, the message dedup caches and the
// completion gate that joins transcription and document conversion.
package pipeline

import (
	"errors"
	"sort"

	"github.com/aura-lectures/backend/internal/models"
)

// ErrIllegalTransition is returned when a status write does not follow the state graph.
var ErrIllegalTransition = errors.New("illegal status transition")

// edges lists the forward transitions. FAILED and the halted state are reachable from every
// non-terminal status and are not listed here.
var edges = map[models.Status][]models.Status{
	models.StatusUploadPending:      {models.StatusUploadingToStorage},
	models.StatusUploadingToStorage: {models.StatusUploaded},
	models.StatusUploaded:           {models.StatusProcessingQueued},
	models.StatusProcessingQueued:   {models.StatusTranscribing, models.StatusPDFConverting},
	models.StatusTranscribing: {
		models.StatusPDFConverting,
		models.StatusTranscriptionComplete,
		models.StatusPDFConversionComplete,
	},
	models.StatusPDFConverting: {
		models.StatusTranscribing,
		models.StatusTranscriptionComplete,
		models.StatusPDFConversionComplete,
	},
	models.StatusTranscriptionComplete: {models.StatusPDFConversionComplete, models.StatusSummarizationQueued},
	models.StatusPDFConversionComplete: {models.StatusTranscriptionComplete, models.StatusSummarizationQueued},
	models.StatusSummarizationQueued:   {models.StatusSummarizing},
	models.StatusSummarizing:           {models.StatusSummaryComplete},
	models.StatusSummaryComplete:       {models.StatusRecommendationsQueued},
	models.StatusRecommendationsQueued: {models.StatusGeneratingRecommendations},
	models.StatusGeneratingRecommendations: {models.StatusComplete},
}

var ranks = map[models.Status]int{
	models.StatusUploadPending:             0,
	models.StatusUploadingToStorage:        1,
	models.StatusUploaded:                  2,
	models.StatusProcessingQueued:          3,
	models.StatusTranscribing:              4,
	models.StatusPDFConverting:             4,
	models.StatusTranscriptionComplete:     5,
	models.StatusPDFConversionComplete:     5,
	models.StatusSummarizationQueued:       6,
	models.StatusSummarizing:               7,
	models.StatusSummaryComplete:           8,
	models.StatusRecommendationsQueued:     9,
	models.StatusGeneratingRecommendations: 10,
	models.StatusComplete:                  11,
	models.StatusFailed:                    11,
	models.StatusHaltedUnsuitableContent:   11,
}

// Valid reports whether s is a known status.
func Valid(s models.Status) bool {
	_, ok := ranks[s]
	return ok
}

// Rank orders statuses along the pipeline. Parallel branch statuses share a rank.
// Unknown statuses rank -1.
func Rank(s models.Status) int {
	r, ok := ranks[s]
	if !ok {
		return -1
	}
	return r
}

// IsTerminal reports whether no further transition may leave s.
func IsTerminal(s models.Status) bool {
	switch s {
	case models.StatusComplete, models.StatusFailed, models.StatusHaltedUnsuitableContent:
		return true
	}
	return false
}

// CanTransition reports whether a worker may move a resource from one status to another.
func CanTransition(from, to models.Status) bool {
	if !Valid(from) || !Valid(to) || IsTerminal(from) {
		return false
	}
	if to == models.StatusFailed || to == models.StatusHaltedUnsuitableContent {
		return true
	}
	for _, next := range edges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Predecessors returns every status from which to is reachable in one step.
// Used as the expected set of conditional writes.
func Predecessors(to models.Status) []models.Status {
	var out []models.Status
	for from := range ranks {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if Rank(out[i]) != Rank(out[j]) {
			return Rank(out[i]) < Rank(out[j])
		}
		return out[i] < out[j]
	})
	return out
}

// InParallelPhase reports whether s lies between fan-out and the summarization join.
func InParallelPhase(s models.Status) bool {
	switch s {
	case models.StatusProcessingQueued,
		models.StatusTranscribing,
		models.StatusPDFConverting,
		models.StatusTranscriptionComplete,
		models.StatusPDFConversionComplete:
		return true
	}
	return false
}

// SummarizationStarted reports whether the gate has already fired for a resource in s.
func SummarizationStarted(s models.Status) bool {
	switch s {
	case models.StatusFailed, models.StatusHaltedUnsuitableContent:
		return false
	}
	return Rank(s) >= Rank(models.StatusSummarizationQueued)
}
