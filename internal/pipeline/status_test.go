package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/aura-lectures/backend/internal/models"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to models.Status
		want     bool
	}{
		{models.StatusUploadPending, models.StatusUploadingToStorage, true},
		{models.StatusUploadPending, models.StatusUploaded, false},
		{models.StatusProcessingQueued, models.StatusTranscribing, true},
		{models.StatusProcessingQueued, models.StatusPDFConverting, true},
		{models.StatusTranscribing, models.StatusPDFConverting, true},
		{models.StatusPDFConverting, models.StatusTranscriptionComplete, true},
		{models.StatusTranscriptionComplete, models.StatusPDFConverting, false},
		{models.StatusTranscriptionComplete, models.StatusPDFConversionComplete, true},
		{models.StatusPDFConversionComplete, models.StatusSummarizationQueued, true},
		{models.StatusTranscribing, models.StatusSummarizationQueued, false},
		{models.StatusSummarizationQueued, models.StatusSummarizing, true},
		{models.StatusGeneratingRecommendations, models.StatusComplete, true},
		{models.StatusSummarizing, models.StatusFailed, true},
		{models.StatusUploadPending, models.StatusHaltedUnsuitableContent, true},
		{models.StatusComplete, models.StatusFailed, false},
		{models.StatusFailed, models.StatusUploadPending, false},
		{models.StatusHaltedUnsuitableContent, models.StatusSummarizing, false},
		{models.Status("BOGUS"), models.StatusFailed, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestTransitionsNeverMoveBackward(t *testing.T) {
	for from := range ranks {
		for to := range ranks {
			if CanTransition(from, to) {
				assert.GreaterOrEqual(t, Rank(to), Rank(from), "%s -> %s", from, to)
				assert.NotEqual(t, from, to)
			}
		}
	}
}

func TestNoTransitionLeavesTerminalStatus(t *testing.T) {
	for _, term := range []models.Status{models.StatusComplete, models.StatusFailed, models.StatusHaltedUnsuitableContent} {
		assert.True(t, IsTerminal(term))
		for to := range ranks {
			assert.False(t, CanTransition(term, to), "%s -> %s", term, to)
		}
	}
}

func TestPredecessorsOfFailedAreAllNonTerminal(t *testing.T) {
	preds := Predecessors(models.StatusFailed)
	assert.Len(t, preds, len(ranks)-3)
	for _, p := range preds {
		assert.False(t, IsTerminal(p))
	}
	assert.Equal(t, []models.Status{models.StatusSummarizationQueued}, Predecessors(models.StatusSummarizing))
}

func TestSummarizationStarted(t *testing.T) {
	assert.False(t, SummarizationStarted(models.StatusTranscriptionComplete))
	assert.True(t, SummarizationStarted(models.StatusSummarizationQueued))
	assert.True(t, SummarizationStarted(models.StatusRecommendationsQueued))
	assert.True(t, SummarizationStarted(models.StatusComplete))
	assert.False(t, SummarizationStarted(models.StatusFailed))
	assert.False(t, SummarizationStarted(models.StatusHaltedUnsuitableContent))
}

func TestInParallelPhase(t *testing.T) {
	assert.True(t, InParallelPhase(models.StatusProcessingQueued))
	assert.True(t, InParallelPhase(models.StatusPDFConversionComplete))
	assert.False(t, InParallelPhase(models.StatusUploaded))
	assert.False(t, InParallelPhase(models.StatusSummarizationQueued))
}
