package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aura-lectures/backend/internal/analysis"
	"github.com/aura-lectures/backend/internal/metadata"
	"github.com/aura-lectures/backend/internal/models"
	"github.com/aura-lectures/backend/internal/pipeline"
	"github.com/aura-lectures/backend/internal/recordings"
	"github.com/aura-lectures/backend/pkg/queue"
)

type capturePublisher struct {
	mu      sync.Mutex
	pending map[string][]*queue.Job
	total   map[string]int
	failOn  map[string]error
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{pending: map[string][]*queue.Job{}, total: map[string]int{}, failOn: map[string]error{}}
}

func (p *capturePublisher) Publish(_ context.Context, _, routingKey string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failOn[routingKey]; err != nil {
		return err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.pending[routingKey] = append(p.pending[routingKey], &queue.Job{ID: uuid.New().String(), RoutingKey: routingKey, Payload: raw})
	p.total[routingKey]++
	return nil
}

func (p *capturePublisher) setFailure(routingKey string, err error) {
	p.mu.Lock()
	p.failOn[routingKey] = err
	p.mu.Unlock()
}

func (p *capturePublisher) take(routingKey string) []*queue.Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	jobs := p.pending[routingKey]
	delete(p.pending, routingKey)
	return jobs
}

func (p *capturePublisher) count(routingKey string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total[routingKey]
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (s *fakeStorage) Upload(_ context.Context, key, _ string, body io.Reader, _ int64) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.objects[key] = data
	s.mu.Unlock()
	return key, nil
}

func (s *fakeStorage) Download(_ context.Context, fileID, dir string) (string, error) {
	s.mu.Lock()
	data, ok := s.objects[fileID]
	s.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("no object %s", fileID)
	}
	f, err := os.CreateTemp(dir, "dl-*")
	if err != nil {
		return "", err
	}
	defer f.Close()
	_, err = f.Write(data)
	return f.Name(), err
}

func (s *fakeStorage) PublicURL(fileID string) string { return "https://cdn.test/" + fileID }

type fakeAnalyzer struct {
	mu             sync.Mutex
	transcript     string
	transcribeErr  error
	summarizeErr   error
	attachErr      error
	transcribes    int
	summarizes     int
	lastDocURI     string
	summarizeDelay time.Duration
}

func (a *fakeAnalyzer) Transcribe(_ context.Context, path string) (*analysis.Transcript, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.transcribes++
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	if a.transcribeErr != nil {
		return nil, a.transcribeErr
	}
	return &analysis.Transcript{Text: a.transcript, DurationSeconds: 1800}, nil
}

func (a *fakeAnalyzer) AttachDocument(context.Context, string) (string, error) {
	if a.attachErr != nil {
		return "", a.attachErr
	}
	return "https://files.test/slides-pdf", nil
}

func (a *fakeAnalyzer) Summarize(_ context.Context, transcript, docURI string) (*analysis.SummaryResult, error) {
	time.Sleep(a.summarizeDelay)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summarizes++
	a.lastDocURI = docURI
	if a.summarizeErr != nil {
		return nil, a.summarizeErr
	}
	return &analysis.SummaryResult{
		Summary:   "Summary of: " + transcript,
		KeyPoints: []string{"point"},
		Topics:    []string{"graph theory"},
		Glossary:  []models.GlossaryEntry{{Term: "vertex", Definition: "a node"}},
	}, nil
}

func (a *fakeAnalyzer) calls() (transcribes, summarizes int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcribes, a.summarizes
}

type fakeConverter struct {
	err   error
	calls int
}

func (c *fakeConverter) Convert(_ context.Context, sourceURL string) (string, error) {
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	return sourceURL + ".pdf", nil
}

func (c *fakeConverter) Fetch(_ context.Context, _ string, dir string) (string, error) {
	path := filepath.Join(dir, uuid.New().String()+".pdf")
	return path, os.WriteFile(path, []byte("%PDF"), 0o600)
}

type fakeRecommender struct{ err error }

func (r *fakeRecommender) Recommend(_ context.Context, s *models.Summary) ([]models.Recommendation, error) {
	if r.err != nil {
		return nil, r.err
	}
	return []models.Recommendation{{VideoID: "v1", Title: s.Topics[0], Score: 1}}, nil
}

type harness struct {
	t         *testing.T
	store     *metadata.MemoryStore
	repo      *recordings.MemoryRepository
	pub       *capturePublisher
	storage   *fakeStorage
	analyzer  *fakeAnalyzer
	converter *fakeConverter
	recommend *fakeRecommender
	locks     *pipeline.LockManager
	dedup     *pipeline.DedupCache
	w         *Workers
	dir       string
}

// hookStore lets a test act between a worker's read and its conditional write.
type hookStore struct {
	*metadata.MemoryStore
	mu            sync.Mutex
	afterGet      func()
	transitionErr func(to models.Status) error
}

func (s *hookStore) Get(ctx context.Context, id string) (*models.Metadata, error) {
	m, err := s.MemoryStore.Get(ctx, id)
	s.mu.Lock()
	hook := s.afterGet
	s.afterGet = nil
	s.mu.Unlock()
	if hook != nil {
		hook()
	}
	return m, err
}

func (s *hookStore) Transition(ctx context.Context, id string, from []models.Status, to models.Status, u metadata.Update) (bool, error) {
	s.mu.Lock()
	fail := s.transitionErr
	s.mu.Unlock()
	if fail != nil {
		if err := fail(to); err != nil {
			return false, err
		}
	}
	return s.MemoryStore.Transition(ctx, id, from, to, u)
}

func (s *hookStore) onNextGet(fn func()) {
	s.mu.Lock()
	s.afterGet = fn
	s.mu.Unlock()
}

func (s *hookStore) failTransitions(fn func(to models.Status) error) {
	s.mu.Lock()
	s.transitionErr = fn
	s.mu.Unlock()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, nil)
}

// newHarnessWithStore routes every store access of the workers, the machine and the
// gate through hooks when hooks is non-nil. Assertions still read the memory store.
func newHarnessWithStore(t *testing.T, hooks *hookStore) *harness {
	t.Helper()
	h := &harness{
		t:         t,
		store:     metadata.NewMemoryStore(),
		repo:      recordings.NewMemoryRepository(),
		pub:       newCapturePublisher(),
		storage:   &fakeStorage{objects: map[string][]byte{}},
		analyzer:  &fakeAnalyzer{transcript: "today we cover graphs"},
		converter: &fakeConverter{},
		recommend: &fakeRecommender{},
		locks:     pipeline.NewLockManager(),
		dedup:     pipeline.NewDedupCache(pipeline.DefaultDedupTTL, nil),
		dir:       t.TempDir(),
	}
	var store pipeline.Store = h.store
	if hooks != nil {
		hooks.MemoryStore = h.store
		store = hooks
	}
	machine := pipeline.NewMachine(store, nil, nil)
	gate := pipeline.NewGate(store, machine, h.locks, h.pub, "", time.Second, nil)
	h.w = New(Deps{
		Store:       store,
		Machine:     machine,
		Locks:       h.locks,
		Gate:        gate,
		Dedup:       h.dedup,
		Publisher:   h.pub,
		Recordings:  h.repo,
		Storage:     h.storage,
		Analyzer:    h.analyzer,
		Converter:   h.converter,
		Recommender: h.recommend,
	}, Options{
		TempDir:              h.dir,
		TranscriptRetries:    3,
		TranscriptRetryDelay: time.Millisecond,
		UploadMaxAttempts:    2,
	}, nil)
	return h
}

// newResource stages files and creates a record in UPLOAD_PENDING.
func (h *harness) newResource(withDocument bool) *models.Metadata {
	h.t.Helper()
	audio := filepath.Join(h.dir, uuid.New().String()+".mp3")
	require.NoError(h.t, os.WriteFile(audio, []byte("ID3 audio"), 0o600))
	m := &models.Metadata{
		ID:            uuid.New().String(),
		UserID:        "u1",
		FileName:      "Week 3 Lecture.mp3",
		ContentType:   "audio/mpeg",
		Status:        models.StatusUploadPending,
		TempAudioPath: audio,
		AudioOnly:     !withDocument,
	}
	if withDocument {
		doc := filepath.Join(h.dir, uuid.New().String()+".pptx")
		require.NoError(h.t, os.WriteFile(doc, []byte("PK slides"), 0o600))
		m.TempDocumentPath = doc
		m.DocumentFileName = "slides.pptx"
	}
	require.NoError(h.t, h.store.Create(context.Background(), m))
	return m
}

// seed creates a record directly in the given state.
func (h *harness) seed(m *models.Metadata) {
	h.t.Helper()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.UserID == "" {
		m.UserID = "u1"
	}
	require.NoError(h.t, h.store.Create(context.Background(), m))
	_, err := h.repo.CreateIfAbsent(context.Background(), &models.Recording{ID: m.ID, UserID: m.UserID})
	require.NoError(h.t, err)
}

func stageJob(t *testing.T, routingKey string, payload any) *queue.Job {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &queue.Job{ID: uuid.New().String(), RoutingKey: routingKey, Payload: raw}
}

func (h *harness) uploadJob(m *models.Metadata) *queue.Job {
	return stageJob(h.t, queue.RoutingUpload, queue.StageMessage{ResourceID: m.ID, UserID: m.UserID, MetadataID: m.ID})
}

func (h *harness) handler(routingKey string) queue.Handler {
	switch routingKey {
	case queue.RoutingUpload:
		return h.w.HandleUpload
	case queue.RoutingTranscription:
		return h.w.HandleTranscription
	case queue.RoutingConversion:
		return h.w.HandleConversion
	case queue.RoutingSummarization:
		return h.w.HandleSummarization
	case queue.RoutingRecommendation:
		return h.w.HandleRecommendation
	}
	h.t.Fatalf("no handler for %s", routingKey)
	return nil
}

var stageOrder = []string{
	queue.RoutingUpload,
	queue.RoutingTranscription,
	queue.RoutingConversion,
	queue.RoutingSummarization,
	queue.RoutingRecommendation,
}

// drain delivers published messages, stage by stage, until none are left. It
// returns every job it delivered.
func (h *harness) drain() []*queue.Job {
	h.t.Helper()
	var delivered []*queue.Job
	for {
		progressed := false
		for _, key := range stageOrder {
			for _, job := range h.pub.take(key) {
				require.NoError(h.t, h.handler(key)(context.Background(), job))
				delivered = append(delivered, job)
				progressed = true
			}
		}
		if !progressed {
			return delivered
		}
	}
}

func (h *harness) get(id string) *models.Metadata {
	h.t.Helper()
	m, err := h.store.Get(context.Background(), id)
	require.NoError(h.t, err)
	return m
}

// requireLegalHistory checks every recorded status change against the state graph.
func (h *harness) requireLegalHistory(id string) {
	h.t.Helper()
	hist := h.store.History(id)
	for i := 1; i < len(hist); i++ {
		require.Truef(h.t, pipeline.CanTransition(hist[i-1], hist[i]), "illegal transition %s -> %s in %v", hist[i-1], hist[i], hist)
	}
}

var errBoom = errors.New("boom")
