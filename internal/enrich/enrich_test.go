package enrich

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/store"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

// fakeStore implements the store methods enrichment touches.
type fakeStore struct {
	store.Store

	mu        sync.Mutex
	eligible  []model.Session
	turns     map[string][]model.Turn
	jobs      map[string]*model.BatchJob
	claims    map[string][]string // jobID -> session ids
	enriched  map[string]store.Enrichment
	failures  map[string]string // sessionID -> error
	processed []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		turns:    make(map[string][]model.Turn),
		jobs:     make(map[string]*model.BatchJob),
		claims:   make(map[string][]string),
		enriched: make(map[string]store.Enrichment),
		failures: make(map[string]string),
	}
}

func (f *fakeStore) addEligible(id string, turns ...model.Turn) {
	f.eligible = append(f.eligible, model.Session{ID: id, TenantID: "t1", ExternalID: "ext-" + id})
	f.turns[id] = turns
}

func (f *fakeStore) CreateBatchJobAndClaim(_ context.Context, jobID string, limit, _ int) ([]model.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.eligible) == 0 {
		return nil, nil
	}
	n := limit
	if n > len(f.eligible) {
		n = len(f.eligible)
	}
	claimed := f.eligible[:n]
	f.eligible = f.eligible[n:]
	f.jobs[jobID] = &model.BatchJob{ID: jobID, Status: model.BatchSubmitted, RequestCount: n}
	for _, s := range claimed {
		f.claims[jobID] = append(f.claims[jobID], s.ID)
	}
	return claimed, nil
}

func (f *fakeStore) ListTurns(_ context.Context, sessionID string) ([]model.Turn, error) {
	return f.turns[sessionID], nil
}

func (f *fakeStore) SetBatchJobExternalID(_ context.Context, jobID, externalID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[jobID].ExternalID = externalID
	return nil
}

func (f *fakeStore) ListBatchJobsByStatus(_ context.Context, status model.BatchJobStatus) ([]model.BatchJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var jobs []model.BatchJob
	for _, j := range f.jobs {
		if j.Status == status {
			jobs = append(jobs, *j)
		}
	}
	return jobs, nil
}

func (f *fakeStore) CompleteBatchJob(_ context.Context, jobID, outputRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j := f.jobs[jobID]; j.Status == model.BatchSubmitted {
		j.Status = model.BatchCompleted
		j.OutputRef = outputRef
	}
	return nil
}

func (f *fakeStore) FailBatchJob(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j := f.jobs[jobID]; j.Status == model.BatchSubmitted {
		j.Status = model.BatchFailed
		f.claims[jobID] = nil
	}
	return nil
}

func (f *fakeStore) MarkBatchJobProcessed(_ context.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if j := f.jobs[jobID]; j.Status == model.BatchCompleted {
		j.Status = model.BatchProcessed
		f.processed = append(f.processed, jobID)
	}
	return nil
}

func (f *fakeStore) ApplyEnrichment(_ context.Context, e store.Enrichment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enriched[e.SessionID] = e
	f.releaseLocked(e.BatchJobID, e.SessionID)
	return nil
}

func (f *fakeStore) RecordEnrichmentFailure(_ context.Context, sessionID, jobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[sessionID] = errMsg
	f.releaseLocked(jobID, sessionID)
	return nil
}

func (f *fakeStore) releaseLocked(jobID, sessionID string) {
	ids := f.claims[jobID]
	for i, id := range ids {
		if id == sessionID {
			f.claims[jobID] = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

func (f *fakeStore) CountClaimedSessions(_ context.Context, jobID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.claims[jobID]), nil
}

func (f *fakeStore) ListClaimedSessionIDs(_ context.Context, jobID string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.claims[jobID]...), nil
}

// fakeClient implements inference.Client in memory.
type fakeClient struct {
	mu          sync.Mutex
	batches     map[string]*inference.BatchResponse
	results     map[string][]inference.BatchResultItem
	submitted   []inference.BatchRequest
	primers     int
	submitErr   error
	nextBatchID int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		batches: make(map[string]*inference.BatchResponse),
		results: make(map[string][]inference.BatchResultItem),
	}
}

func (c *fakeClient) CreateMessage(context.Context, inference.MessageRequest) (*inference.MessageResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primers++
	return &inference.MessageResponse{ID: "msg_primer"}, nil
}

func (c *fakeClient) CreateBatch(_ context.Context, req inference.BatchRequest) (*inference.BatchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	c.submitted = append(c.submitted, req)
	c.nextBatchID++
	id := fmt.Sprintf("msgbatch_%d", c.nextBatchID)
	resp := &inference.BatchResponse{ID: id, ProcessingStatus: "in_progress"}
	c.batches[id] = resp
	return resp, nil
}

func (c *fakeClient) GetBatch(_ context.Context, batchID string) (*inference.BatchResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	resp, ok := c.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("unknown batch %s", batchID)
	}
	return resp, nil
}

func (c *fakeClient) GetBatchResults(_ context.Context, batchID string) (inference.BatchResultIterator, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &sliceIterator{items: c.results[batchID], idx: -1}, nil
}

type sliceIterator struct {
	items []inference.BatchResultItem
	idx   int
}

func (it *sliceIterator) Next() bool {
	if it.idx+1 < len(it.items) {
		it.idx++
		return true
	}
	return false
}
func (it *sliceIterator) Item() inference.BatchResultItem { return it.items[it.idx] }
func (it *sliceIterator) Err() error                      { return nil }
func (it *sliceIterator) Close() error                    { return nil }

func succeededItem(sessionID, payload string) inference.BatchResultItem {
	return inference.BatchResultItem{
		CustomID: sessionID,
		Type:     "succeeded",
		Message: &inference.MessageResponse{
			Content: []inference.ContentBlock{{Type: "text", Text: payload}},
			Usage:   inference.TokenUsage{InputTokens: 100, OutputTokens: 25},
		},
	}
}

func testEnricher(st store.Store, client inference.Client) *Enricher {
	e := New(st, client, config.EnrichConfig{MaxBatchSize: 10, RetryCeiling: 3}, config.AnthropicConfig{
		Model:     "claude-haiku-4-5-20251001",
		MaxTokens: 512,
	})
	e.primeCache = false
	return e
}

func defaultTurns(sessionID string) []model.Turn {
	return []model.Turn{
		{SessionID: sessionID, Role: model.RoleUser, Content: "where is my order?", Seq: 1},
		{SessionID: sessionID, Role: model.RoleAssistant, Content: "on its way", Seq: 2},
	}
}

func TestSubmit_ClaimsAndSubmits(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	st.addEligible("sess-2", defaultTurns("sess-2")...)
	client := newFakeClient()

	require.NoError(t, testEnricher(st, client).Submit(context.Background()))

	require.Len(t, client.submitted, 1)
	req := client.submitted[0]
	require.Len(t, req.Requests, 2)
	assert.Equal(t, "sess-1", req.Requests[0].CustomID)
	assert.Contains(t, req.Requests[0].Params.Messages[0].Content, "where is my order?")
	assert.Contains(t, req.Requests[0].Params.Messages[0].Content, "Customer:")
	assert.Contains(t, req.Requests[0].Params.Messages[0].Content, "Agent:")

	jobs, err := st.ListBatchJobsByStatus(context.Background(), model.BatchSubmitted)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "msgbatch_1", jobs[0].ExternalID)
}

func TestSubmit_NothingEligible(t *testing.T) {
	st := newFakeStore()
	client := newFakeClient()

	require.NoError(t, testEnricher(st, client).Submit(context.Background()))
	assert.Empty(t, client.submitted)
	assert.Empty(t, st.jobs)
}

func TestSubmit_APIFailureFailsJob(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	client.submitErr = fmt.Errorf("api down")

	err := testEnricher(st, client).Submit(context.Background())
	require.Error(t, err)

	jobs, lerr := st.ListBatchJobsByStatus(context.Background(), model.BatchFailed)
	require.NoError(t, lerr)
	require.Len(t, jobs, 1)
	// Claims released so the retry ceiling governs the next attempt.
	n, _ := st.CountClaimedSessions(context.Background(), jobs[0].ID)
	assert.Equal(t, 0, n)
}

func TestSubmit_PrimerWarmsCache(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()

	e := testEnricher(st, client)
	e.primeCache = true
	require.NoError(t, e.Submit(context.Background()))
	assert.Equal(t, 1, client.primers)
}

func submitOne(t *testing.T, st *fakeStore, client *fakeClient) (jobID, externalID string) {
	t.Helper()
	require.NoError(t, testEnricher(st, client).Submit(context.Background()))
	for id, j := range st.jobs {
		return id, j.ExternalID
	}
	t.Fatal("no job created")
	return "", ""
}

func TestPoll_CompletesEndedBatch(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "ended"
	client.batches[externalID].ResultsURL = "https://api.example.com/results"

	require.NoError(t, testEnricher(st, client).Poll(context.Background()))
	assert.Equal(t, model.BatchCompleted, st.jobs[jobID].Status)
	assert.Equal(t, "https://api.example.com/results", st.jobs[jobID].OutputRef)
}

func TestPoll_InProgressIsNoop(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, _ := submitOne(t, st, client)

	require.NoError(t, testEnricher(st, client).Poll(context.Background()))
	assert.Equal(t, model.BatchSubmitted, st.jobs[jobID].Status)
}

func TestPoll_ExpiredBatchFailsJob(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "expired"

	require.NoError(t, testEnricher(st, client).Poll(context.Background()))
	assert.Equal(t, model.BatchFailed, st.jobs[jobID].Status)
}

func TestPoll_JobWithoutExternalIDFails(t *testing.T) {
	st := newFakeStore()
	st.jobs["job-x"] = &model.BatchJob{ID: "job-x", Status: model.BatchSubmitted}

	require.NoError(t, testEnricher(st, newFakeClient()).Poll(context.Background()))
	assert.Equal(t, model.BatchFailed, st.jobs["job-x"].Status)
}

func TestReconcile_AppliesResults(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	st.addEligible("sess-2", defaultTurns("sess-2")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "ended"
	client.results[externalID] = []inference.BatchResultItem{
		succeededItem("sess-1", `{"sentiment": 0.6, "category": "Shipping", "summary": "order status", "questions": ["Where is my order?"]}`),
		succeededItem("sess-2", "```json\n{\"sentiment\": -0.2, \"category\": \"billing\", \"summary\": \"refund dispute\", \"questions\": []}\n```"),
	}

	e := testEnricher(st, client)
	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Reconcile(context.Background()))

	require.Contains(t, st.enriched, "sess-1")
	enr := st.enriched["sess-1"]
	require.NotNil(t, enr.Sentiment)
	assert.InDelta(t, 0.6, *enr.Sentiment, 1e-9)
	assert.Equal(t, "Shipping", enr.Category)
	assert.Equal(t, []string{"Where is my order?"}, enr.Questions)
	assert.Equal(t, int64(100), enr.InputTokens)

	require.Contains(t, st.enriched, "sess-2")
	assert.Equal(t, model.BatchProcessed, st.jobs[jobID].Status)
}

func TestReconcile_MalformedResultRecordsFailure(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "ended"
	client.results[externalID] = []inference.BatchResultItem{
		succeededItem("sess-1", "this is not json at all"),
	}

	e := testEnricher(st, client)
	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Reconcile(context.Background()))

	assert.NotContains(t, st.enriched, "sess-1")
	assert.Contains(t, st.failures, "sess-1")
	assert.Equal(t, model.BatchProcessed, st.jobs[jobID].Status)
}

func TestReconcile_ErroredItemRecordsFailure(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "ended"
	client.results[externalID] = []inference.BatchResultItem{
		{CustomID: "sess-1", Type: "errored"},
	}

	e := testEnricher(st, client)
	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Reconcile(context.Background()))

	assert.Equal(t, "batch item errored", st.failures["sess-1"])
	assert.Equal(t, model.BatchProcessed, st.jobs[jobID].Status)
}

func TestReconcile_MissingResultReleasesOrphans(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	st.addEligible("sess-2", defaultTurns("sess-2")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	// Output only covers sess-1; sess-2 vanished.
	client.batches[externalID].ProcessingStatus = "ended"
	client.results[externalID] = []inference.BatchResultItem{
		succeededItem("sess-1", `{"sentiment": 0, "category": "other", "summary": "s", "questions": []}`),
	}

	e := testEnricher(st, client)
	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Reconcile(context.Background()))

	assert.Equal(t, "missing from batch output", st.failures["sess-2"])
	n, _ := st.CountClaimedSessions(context.Background(), jobID)
	assert.Equal(t, 0, n)
	assert.Equal(t, model.BatchProcessed, st.jobs[jobID].Status)
}

func TestReconcile_RerunIsIdempotent(t *testing.T) {
	st := newFakeStore()
	st.addEligible("sess-1", defaultTurns("sess-1")...)
	client := newFakeClient()
	jobID, externalID := submitOne(t, st, client)

	client.batches[externalID].ProcessingStatus = "ended"
	client.results[externalID] = []inference.BatchResultItem{
		succeededItem("sess-1", `{"sentiment": 0.1, "category": "other", "summary": "s", "questions": []}`),
	}

	e := testEnricher(st, client)
	require.NoError(t, e.Poll(context.Background()))
	require.NoError(t, e.Reconcile(context.Background()))
	// Second pass sees no completed jobs.
	require.NoError(t, e.Reconcile(context.Background()))

	assert.Equal(t, []string{jobID}, st.processed)
}
