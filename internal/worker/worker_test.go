package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-lectures/backend/internal/analysis"
	"github.com/aura-lectures/backend/internal/conversion"
	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/pkg/queue"
)

func TestAudioOnlyPipelineRunsToCompletion(t *testing.T) {
	h := newHarness(t)
	m := h.newResource(false)
	require.NoError(t, h.w.HandleUpload(context.Background(), h.uploadJob(m)))
	h.drain()

	got := h.get(m.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.True(t, got.TranscriptionComplete)
	assert.False(t, got.PDFConversionComplete)
	assert.Equal(t, "today we cover graphs", got.TranscriptText)
	assert.Equal(t, 0, h.pub.count(queue.RoutingConversion))
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
	assert.Equal(t, 0, h.converter.calls)
	assert.NoFileExists(t, m.TempAudioPath)
	h.requireLegalHistory(m.ID)

	rec, err := h.repo.Get(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Week 3 Lecture", rec.Title)
	assert.Equal(t, "https://cdn.test/uploads/u1/"+m.ID+"/audio/week-3-lecture.mp3", rec.AudioURL)
	assert.Equal(t, 1800, rec.DurationSeconds)
	assert.Equal(t, got.SummaryID, rec.SummaryID)
	assert.Len(t, rec.RecommendationIDs, 1)
}

func TestDocumentPipelineUsesConvertedSlides(t *testing.T) {
	h := newHarness(t)
	m := h.newResource(true)
	require.NoError(t, h.w.HandleUpload(context.Background(), h.uploadJob(m)))
	h.drain()

	got := h.get(m.ID)
	assert.Equal(t, models.StatusComplete, got.Status)
	assert.True(t, got.PDFConversionComplete)
	assert.Equal(t, "https://files.test/slides-pdf", got.AnalysisPDFURI)
	assert.Equal(t, "https://cdn.test/uploads/u1/"+m.ID+"/document/slides.pptx.pdf", got.GeneratedPDFURL)
	assert.Equal(t, "https://files.test/slides-pdf", h.analyzer.lastDocURI)
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
	assert.NoFileExists(t, m.TempDocumentPath)
	h.requireLegalHistory(m.ID)
}

func TestGateDefersUntilConversionCompletes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(true)
	require.NoError(t, h.w.HandleUpload(ctx, h.uploadJob(m)))

	transcription := h.pub.take(queue.RoutingTranscription)
	conv := h.pub.take(queue.RoutingConversion)
	require.Len(t, transcription, 1)
	require.Len(t, conv, 1)

	require.NoError(t, h.w.HandleTranscription(ctx, transcription[0]))
	got := h.get(m.ID)
	assert.Equal(t, models.StatusTranscriptionComplete, got.Status)
	assert.Equal(t, 0, h.pub.count(queue.RoutingSummarization), "gate must wait for the slides")

	require.NoError(t, h.w.HandleConversion(ctx, conv[0]))
	got = h.get(m.ID)
	assert.Equal(t, models.StatusSummarizationQueued, got.Status)
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
	h.requireLegalHistory(m.ID)
}

func TestConversionFinishingFirstAlsoJoinsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(true)
	require.NoError(t, h.w.HandleUpload(ctx, h.uploadJob(m)))

	conv := h.pub.take(queue.RoutingConversion)
	transcription := h.pub.take(queue.RoutingTranscription)
	require.NoError(t, h.w.HandleConversion(ctx, conv[0]))
	assert.Equal(t, models.StatusPDFConversionComplete, h.get(m.ID).Status)
	assert.Equal(t, 0, h.pub.count(queue.RoutingSummarization))

	require.NoError(t, h.w.HandleTranscription(ctx, transcription[0]))
	assert.Equal(t, models.StatusSummarizationQueued, h.get(m.ID).Status)
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
	h.requireLegalHistory(m.ID)
}

func TestDuplicateDeliveriesHaveNoSideEffects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(true)
	upload := h.uploadJob(m)
	require.NoError(t, h.w.HandleUpload(ctx, upload))
	delivered := h.drain()
	require.Equal(t, models.StatusComplete, h.get(m.ID).Status)

	history := h.store.History(m.ID)
	transcribes, summarizes := h.analyzer.calls()
	published := map[string]int{}
	for _, key := range stageOrder {
		published[key] = h.pub.count(key)
	}

	require.NoError(t, h.w.HandleUpload(ctx, upload))
	for _, job := range delivered {
		require.NoError(t, h.handler(job.RoutingKey)(ctx, job))
	}

	assert.Equal(t, history, h.store.History(m.ID))
	t2, s2 := h.analyzer.calls()
	assert.Equal(t, transcribes, t2)
	assert.Equal(t, summarizes, s2)
	assert.Equal(t, 1, h.converter.calls)
	for _, key := range stageOrder {
		assert.Equal(t, published[key], h.pub.count(key), key)
	}
	assert.Equal(t, 1, h.repo.SummaryInserts())
}

func TestLateTranscriptionDuplicateIsIgnored(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(false)
	require.NoError(t, h.w.HandleUpload(ctx, h.uploadJob(m)))
	job := h.pub.take(queue.RoutingTranscription)[0]

	require.NoError(t, h.w.HandleTranscription(ctx, job))
	require.NoError(t, h.w.HandleTranscription(ctx, job))

	transcribes, _ := h.analyzer.calls()
	assert.Equal(t, 1, transcribes)
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
}

func TestTranscriptionDroppedWhileLocked(t *testing.T) {
	h := newHarness(t)
	m := &models.Metadata{Status: models.StatusProcessingQueued, AudioOnly: true, AudioFileID: "a"}
	h.seed(m)
	require.True(t, h.locks.TryAcquire(lockKey(queue.RoutingTranscription, m.ID)))

	job := stageJob(t, queue.RoutingTranscription, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
	require.NoError(t, h.w.HandleTranscription(context.Background(), job))

	assert.Equal(t, models.StatusProcessingQueued, h.get(m.ID).Status)
	transcribes, _ := h.analyzer.calls()
	assert.Zero(t, transcribes)
}

func TestFreshDeliveryDoesNotJoinInFlightTranscription(t *testing.T) {
	h := newHarness(t)
	m := &models.Metadata{Status: models.StatusTranscribing, AudioOnly: true, AudioFileID: "a"}
	h.seed(m)

	job := stageJob(t, queue.RoutingTranscription, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
	require.NoError(t, h.w.HandleTranscription(context.Background(), job))
	transcribes, _ := h.analyzer.calls()
	assert.Zero(t, transcribes)

	// A redelivery after a failed attempt resumes the stage.
	h.storage.objects["a"] = []byte("audio")
	job.Attempt = 1
	require.NoError(t, h.w.HandleTranscription(context.Background(), job))
	assert.Equal(t, models.StatusSummarizationQueued, h.get(m.ID).Status)
}

func TestSummarizationDropsRememberedMessage(t *testing.T) {
	h := newHarness(t)
	m := &models.Metadata{Status: models.StatusSummarizationQueued, TranscriptText: "t", TranscriptionComplete: true, AudioOnly: true}
	h.seed(m)
	msg := queue.SummarizationMessage{MetadataID: m.ID, MessageID: "msg-1"}
	h.dedup.Remember(context.Background(), msg.MessageID)

	require.NoError(t, h.w.HandleSummarization(context.Background(), stageJob(t, queue.RoutingSummarization, msg)))

	assert.Equal(t, models.StatusSummarizationQueued, h.get(m.ID).Status)
	assert.Zero(t, h.repo.SummaryInserts())
}

func TestConcurrentSummarizationCreatesOneSummary(t *testing.T) {
	h := newHarness(t)
	h.analyzer.summarizeDelay = 20 * time.Millisecond
	m := &models.Metadata{Status: models.StatusSummarizationQueued, TranscriptText: "t", TranscriptionComplete: true, AudioOnly: true}
	h.seed(m)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		job := stageJob(t, queue.RoutingSummarization, queue.SummarizationMessage{MetadataID: m.ID, MessageID: fmt.Sprintf("msg-%d", i)})
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.w.HandleSummarization(context.Background(), job))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.repo.SummaryInserts())
	assert.Equal(t, 1, h.pub.count(queue.RoutingRecommendation))
	assert.Equal(t, models.StatusRecommendationsQueued, h.get(m.ID).Status)
	h.requireLegalHistory(m.ID)
}

func TestSummarizationWaitsForLateTranscript(t *testing.T) {
	h := newHarness(t)
	h.w.opts.TranscriptRetries = 5
	h.w.opts.TranscriptRetryDelay = 20 * time.Millisecond
	m := &models.Metadata{Status: models.StatusSummarizationQueued, TranscriptionComplete: true, AudioOnly: true}
	h.seed(m)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = h.store.SetFields(context.Background(), m.ID, metadata.Update{TranscriptText: metadata.String("late words")})
	}()
	job := stageJob(t, queue.RoutingSummarization, queue.SummarizationMessage{MetadataID: m.ID, MessageID: "m"})
	require.NoError(t, h.w.HandleSummarization(context.Background(), job))

	assert.Equal(t, models.StatusRecommendationsQueued, h.get(m.ID).Status)
	s, err := h.repo.GetSummary(context.Background(), m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Summary of: late words", s.Text)
}

func TestSummarizationFailsWithoutTranscript(t *testing.T) {
	h := newHarness(t)
	m := &models.Metadata{Status: models.StatusSummarizationQueued, TranscriptionComplete: true, AudioOnly: true}
	h.seed(m)

	job := stageJob(t, queue.RoutingSummarization, queue.SummarizationMessage{MetadataID: m.ID, MessageID: "m"})
	require.NoError(t, h.w.HandleSummarization(context.Background(), job))

	got := h.get(m.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "summarization failed: transcript not available", got.FailureReason)
	_, summarizes := h.analyzer.calls()
	assert.Zero(t, summarizes)
}

func TestCollaboratorFailuresMarkResource(t *testing.T) {
	cases := []struct {
		name   string
		setup  func(h *harness)
		doc    bool
		status models.Status
		reason string
	}{
		{
			name:   "transcription error",
			setup:  func(h *harness) { h.analyzer.transcribeErr = errBoom },
			status: models.StatusFailed,
			reason: "transcription failed: boom",
		},
		{
			name:   "unsuitable audio",
			setup:  func(h *harness) { h.analyzer.transcribeErr = fmt.Errorf("%w: blocked", analysis.ErrUnsuitableContent) },
			status: models.StatusHaltedUnsuitableContent,
			reason: "transcription halted: content unsuitable for processing: blocked",
		},
		{
			name:   "conversion timeout",
			setup:  func(h *harness) { h.converter.err = fmt.Errorf("%w after 2m0s", conversion.ErrTimeout) },
			doc:    true,
			status: models.StatusFailed,
			reason: "document conversion failed: document conversion timed out after 2m0s",
		},
		{
			name:   "summary refused",
			setup:  func(h *harness) { h.analyzer.summarizeErr = analysis.ErrUnsuitableContent },
			status: models.StatusHaltedUnsuitableContent,
			reason: "summarization halted: content unsuitable for processing",
		},
		{
			name:   "recommendation search error",
			setup:  func(h *harness) { h.recommend.err = errBoom },
			status: models.StatusFailed,
			reason: "recommendation failed: boom",
		},
		{
			name:   "storage upload error",
			setup:  func(h *harness) { h.storage.err = errBoom },
			status: models.StatusFailed,
			reason: "upload failed: audio: boom",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			tc.setup(h)
			m := h.newResource(tc.doc)
			require.NoError(t, h.w.HandleUpload(context.Background(), h.uploadJob(m)))
			h.drain()

			got := h.get(m.ID)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.reason, got.FailureReason)
			h.requireLegalHistory(m.ID)
		})
	}
}

func TestUploadHandOffFailureIsRedelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(false)
	job := h.uploadJob(m)

	h.pub.setFailure(queue.RoutingTranscription, errBoom)
	err := h.w.HandleUpload(ctx, job)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, models.StatusProcessingQueued, h.get(m.ID).Status)

	h.pub.setFailure(queue.RoutingTranscription, nil)
	job.Attempt = 1
	require.NoError(t, h.w.HandleUpload(ctx, job))
	assert.Equal(t, 1, h.pub.count(queue.RoutingTranscription))
	h.drain()
	assert.Equal(t, models.StatusComplete, h.get(m.ID).Status)
}

func TestUploadHandOffFailsOnLastAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	m := h.newResource(false)
	job := h.uploadJob(m)
	h.pub.setFailure(queue.RoutingTranscription, errBoom)

	require.Error(t, h.w.HandleUpload(ctx, job))
	job.Attempt = 1
	require.Error(t, h.w.HandleUpload(ctx, job))

	got := h.get(m.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.FailureReason, "upload failed: publish transcription: boom")
}

func TestMalformedAndMissing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.w.HandleTranscription(ctx, stageJob(t, queue.RoutingTranscription, map[string]string{"resourceId": "x"}))
	assert.ErrorIs(t, err, queue.ErrMalformed)
	err = h.w.HandleSummarization(ctx, &queue.Job{Payload: []byte("{not json")})
	assert.ErrorIs(t, err, queue.ErrMalformed)

	missing := queue.StageMessage{ResourceID: "gone", UserID: "u1", MetadataID: "gone"}
	assert.NoError(t, h.w.HandleTranscription(ctx, stageJob(t, queue.RoutingTranscription, missing)))
	assert.NoError(t, h.w.HandleConversion(ctx, stageJob(t, queue.RoutingConversion, missing)))
}

func TestConversionIgnoresAudioOnly(t *testing.T) {
	h := newHarness(t)
	m := &models.Metadata{Status: models.StatusProcessingQueued, AudioOnly: true}
	h.seed(m)
	job := stageJob(t, queue.RoutingConversion, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})

	require.NoError(t, h.w.HandleConversion(context.Background(), job))
	assert.Equal(t, models.StatusProcessingQueued, h.get(m.ID).Status)
	assert.Zero(t, h.converter.calls)
}

func TestNoTransitionLeavesTerminalState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, s := range []models.Status{models.StatusComplete, models.StatusFailed, models.StatusHaltedUnsuitableContent} {
		m := &models.Metadata{Status: s, TranscriptText: "t", AudioFileID: "a"}
		h.seed(m)
		stage := queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID}
		require.NoError(t, h.w.HandleUpload(ctx, stageJob(t, queue.RoutingUpload, stage)))
		require.NoError(t, h.w.HandleTranscription(ctx, stageJob(t, queue.RoutingTranscription, stage)))
		require.NoError(t, h.w.HandleConversion(ctx, stageJob(t, queue.RoutingConversion, stage)))
		require.NoError(t, h.w.HandleSummarization(ctx, stageJob(t, queue.RoutingSummarization,
			queue.SummarizationMessage{MetadataID: m.ID, MessageID: "s-" + m.ID})))
		require.NoError(t, h.w.HandleRecommendation(ctx, stageJob(t, queue.RoutingRecommendation,
			queue.RecommendationMessage{MetadataID: m.ID, MessageID: "r-" + m.ID, RecordingID: m.ID, SummaryID: "x"})))
		assert.Equal(t, []models.Status{s}, h.store.History(m.ID))
	}
}

func TestBranchEntryLosesToSiblingCompletion(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name     string
		seed     models.Status
		sibling  func(h *harness, id string)
		routing  string
		wantDone func(m *models.Metadata) bool
	}{
		{
			name: "transcription after conversion completes",
			seed: models.StatusPDFConverting,
			sibling: func(h *harness, id string) {
				ok, err := h.store.Transition(ctx, id, []models.Status{models.StatusPDFConverting}, models.StatusPDFConversionComplete,
					metadata.Update{PDFConversionComplete: metadata.Bool(true), AnalysisPDFURI: metadata.String("https://files.test/slides-pdf")})
				require.NoError(t, err)
				require.True(t, ok)
			},
			routing:  queue.RoutingTranscription,
			wantDone: func(m *models.Metadata) bool { return m.TranscriptionComplete },
		},
		{
			name: "conversion after transcription completes",
			seed: models.StatusTranscribing,
			sibling: func(h *harness, id string) {
				ok, err := h.store.Transition(ctx, id, []models.Status{models.StatusTranscribing}, models.StatusTranscriptionComplete,
					metadata.Update{TranscriptText: metadata.String("t"), TranscriptionComplete: metadata.Bool(true)})
				require.NoError(t, err)
				require.True(t, ok)
			},
			routing:  queue.RoutingConversion,
			wantDone: func(m *models.Metadata) bool { return m.PDFConversionComplete },
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			hooks := &hookStore{}
			h := newHarnessWithStore(t, hooks)
			h.storage.objects["a"] = []byte("audio")
			m := &models.Metadata{Status: tc.seed, AudioFileID: "a", DocumentFileID: "d"}
			h.seed(m)
			hooks.onNextGet(func() { tc.sibling(h, m.ID) })

			job := stageJob(t, tc.routing, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
			require.NoError(t, h.handler(tc.routing)(ctx, job))

			got := h.get(m.ID)
			assert.True(t, tc.wantDone(got))
			assert.Equal(t, models.StatusSummarizationQueued, got.Status)
			assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
			h.requireLegalHistory(m.ID)
		})
	}
}

func TestBranchEntryDropsWhenResourceFailedMeanwhile(t *testing.T) {
	ctx := context.Background()
	hooks := &hookStore{}
	h := newHarnessWithStore(t, hooks)
	h.storage.objects["a"] = []byte("audio")
	m := &models.Metadata{Status: models.StatusProcessingQueued, AudioOnly: true, AudioFileID: "a"}
	h.seed(m)
	hooks.onNextGet(func() {
		_, err := h.store.Transition(ctx, m.ID, []models.Status{models.StatusProcessingQueued}, models.StatusFailed,
			metadata.Update{FailureReason: metadata.String("operator")})
		require.NoError(t, err)
	})

	job := stageJob(t, queue.RoutingTranscription, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
	require.NoError(t, h.w.HandleTranscription(ctx, job))

	transcribes, _ := h.analyzer.calls()
	assert.Zero(t, transcribes)
	assert.Equal(t, models.StatusFailed, h.get(m.ID).Status)
}

func TestRedeliveryRetriesGateAfterStoreOutage(t *testing.T) {
	ctx := context.Background()
	hooks := &hookStore{}
	h := newHarnessWithStore(t, hooks)
	h.storage.objects["a"] = []byte("audio")
	m := &models.Metadata{Status: models.StatusPDFConversionComplete, PDFConversionComplete: true, AudioFileID: "a"}
	h.seed(m)
	hooks.failTransitions(func(to models.Status) error {
		if to == models.StatusSummarizationQueued || to == models.StatusFailed {
			return errBoom
		}
		return nil
	})

	job := stageJob(t, queue.RoutingTranscription, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
	require.Error(t, h.w.HandleTranscription(ctx, job))
	got := h.get(m.ID)
	assert.Equal(t, models.StatusTranscriptionComplete, got.Status)
	assert.True(t, got.TranscriptionComplete)
	assert.Zero(t, h.pub.count(queue.RoutingSummarization))

	// A fresh duplicate does not touch the join.
	dup := stageJob(t, queue.RoutingTranscription, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
	hooks.failTransitions(nil)
	require.NoError(t, h.w.HandleTranscription(ctx, dup))
	assert.Zero(t, h.pub.count(queue.RoutingSummarization))

	job.Attempt = 1
	require.NoError(t, h.w.HandleTranscription(ctx, job))
	assert.Equal(t, models.StatusSummarizationQueued, h.get(m.ID).Status)
	assert.Equal(t, 1, h.pub.count(queue.RoutingSummarization))
	transcribes, _ := h.analyzer.calls()
	assert.Equal(t, 1, transcribes)
	h.requireLegalHistory(m.ID)
}
