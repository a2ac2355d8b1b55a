// Package enrich drives the batch AI analysis cycle: claim sessions and
// submit a batch, poll outstanding batches, and reconcile completed ones
// back into the store. The three steps run as independent scheduled tasks
// and communicate only through persisted batch job state.
package enrich

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sunward-labs/chatpipe/internal/config"
	"github.com/sunward-labs/chatpipe/internal/model"
	"github.com/sunward-labs/chatpipe/internal/resilience"
	"github.com/sunward-labs/chatpipe/internal/store"
	"github.com/sunward-labs/chatpipe/pkg/inference"
)

// Enricher owns the submit, poll, and reconcile steps.
type Enricher struct {
	store   store.Store
	client  inference.Client
	breaker *resilience.CircuitBreaker

	modelID      string
	maxTokens    int64
	maxBatchSize int
	retryCeiling int
	primeCache   bool
}

// New creates an Enricher from configuration. The circuit breaker guards
// every call to the inference API; once it opens, submit and poll runs
// fail fast until the reset timeout elapses.
func New(st store.Store, client inference.Client, cfg config.EnrichConfig, api config.AnthropicConfig) *Enricher {
	maxBatchSize := cfg.MaxBatchSize
	if maxBatchSize <= 0 {
		maxBatchSize = 100
	}
	retryCeiling := cfg.RetryCeiling
	if retryCeiling <= 0 {
		retryCeiling = 3
	}
	maxTokens := api.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Enricher{
		store:        st,
		client:       client,
		breaker:      resilience.NewCircuitBreaker(resilience.FromCircuitConfig(cfg.BreakerThreshold, cfg.BreakerResetSecs)),
		modelID:      api.Model,
		maxTokens:    maxTokens,
		maxBatchSize: maxBatchSize,
		retryCeiling: retryCeiling,
		primeCache:   true,
	}
}

// Submit claims up to maxBatchSize eligible sessions and submits one batch.
// The claim transaction runs before the API call; a submit failure fails
// the job, releasing every claim with the retry count already spent.
func (e *Enricher) Submit(ctx context.Context) error {
	jobID := uuid.New().String()

	claimed, err := e.store.CreateBatchJobAndClaim(ctx, jobID, e.maxBatchSize, e.retryCeiling)
	if err != nil {
		return eris.Wrap(err, "enrich: claim sessions")
	}
	if len(claimed) == 0 {
		zap.L().Debug("enrich: nothing eligible for submission")
		return nil
	}

	items := make([]inference.BatchRequestItem, 0, len(claimed))
	for _, sess := range claimed {
		turns, err := e.store.ListTurns(ctx, sess.ID)
		if err != nil {
			e.failSubmission(ctx, jobID)
			return eris.Wrapf(err, "enrich: load turns for %s", sess.ID)
		}
		items = append(items, buildRequest(e.modelID, e.maxTokens, sess, turns))
	}

	if e.primeCache {
		e.warmCache(ctx, items[0])
	}

	batch, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*inference.BatchResponse, error) {
		return e.client.CreateBatch(ctx, inference.BatchRequest{Requests: items})
	})
	if err != nil {
		e.failSubmission(ctx, jobID)
		return eris.Wrapf(err, "enrich: submit batch %s", jobID)
	}

	if err := e.store.SetBatchJobExternalID(ctx, jobID, batch.ID); err != nil {
		return eris.Wrapf(err, "enrich: record external id for %s", jobID)
	}

	zap.L().Info("enrich: batch submitted",
		zap.String("job", jobID),
		zap.String("external_id", batch.ID),
		zap.Int("sessions", len(claimed)),
	)
	return nil
}

// failSubmission marks the job failed so its claims release. Best effort:
// the claims stay parked until a later pass if even this fails.
func (e *Enricher) failSubmission(ctx context.Context, jobID string) {
	if err := e.store.FailBatchJob(ctx, jobID); err != nil {
		zap.L().Error("enrich: fail batch job", zap.String("job", jobID), zap.Error(err))
	}
}

// warmCache fires one primer request so the shared system prompt is cached
// before the batch fans out. Failure only costs the discount.
func (e *Enricher) warmCache(ctx context.Context, item inference.BatchRequestItem) {
	req := item.Params
	req.MaxTokens = 16
	resp, err := inference.PrimerRequest(ctx, e.client, req)
	if err != nil {
		zap.L().Debug("enrich: primer request failed", zap.Error(err))
		return
	}
	resp.Usage.LogCost(e.modelID, "primer")
}

// Poll advances every submitted job by one API status check.
func (e *Enricher) Poll(ctx context.Context) error {
	jobs, err := e.store.ListBatchJobsByStatus(ctx, model.BatchSubmitted)
	if err != nil {
		return eris.Wrap(err, "enrich: list submitted jobs")
	}

	var firstErr error
	for _, job := range jobs {
		if err := e.pollJob(ctx, job); err != nil {
			zap.L().Warn("enrich: poll failed",
				zap.String("job", job.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Enricher) pollJob(ctx context.Context, job model.BatchJob) error {
	if job.ExternalID == "" {
		// Submission died between the claim and the external id write.
		// There is no API-side batch to wait for.
		zap.L().Warn("enrich: job has no external id, failing", zap.String("job", job.ID))
		return e.store.FailBatchJob(ctx, job.ID)
	}

	batch, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (*inference.BatchResponse, error) {
		return e.client.GetBatch(ctx, job.ExternalID)
	})
	if err != nil {
		return eris.Wrapf(err, "enrich: get batch %s", job.ExternalID)
	}

	switch {
	case batch.Ended():
		zap.L().Info("enrich: batch ended",
			zap.String("job", job.ID),
			zap.Int64("succeeded", batch.RequestCounts.Succeeded),
			zap.Int64("errored", batch.RequestCounts.Errored),
		)
		return e.store.CompleteBatchJob(ctx, job.ID, batch.ResultsURL)
	case batch.Failed():
		zap.L().Warn("enrich: batch unusable",
			zap.String("job", job.ID),
			zap.String("status", batch.ProcessingStatus),
		)
		return e.store.FailBatchJob(ctx, job.ID)
	default:
		return nil
	}
}

// Reconcile applies results of every completed job. Each result is keyed
// by session id, so out-of-order and repeated reconciliation passes are
// safe; a job is marked processed once no session still holds its claim.
func (e *Enricher) Reconcile(ctx context.Context) error {
	jobs, err := e.store.ListBatchJobsByStatus(ctx, model.BatchCompleted)
	if err != nil {
		return eris.Wrap(err, "enrich: list completed jobs")
	}

	var firstErr error
	for _, job := range jobs {
		if err := e.reconcileJob(ctx, job); err != nil {
			zap.L().Warn("enrich: reconcile failed",
				zap.String("job", job.ID),
				zap.Error(err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (e *Enricher) reconcileJob(ctx context.Context, job model.BatchJob) error {
	start := time.Now()

	iter, err := resilience.ExecuteVal(ctx, e.breaker, func(ctx context.Context) (inference.BatchResultIterator, error) {
		return e.client.GetBatchResults(ctx, job.ExternalID)
	})
	if err != nil {
		return eris.Wrapf(err, "enrich: fetch results %s", job.ExternalID)
	}

	collected, err := inference.CollectBatchResults(iter)
	if err != nil {
		return eris.Wrapf(err, "enrich: read results %s", job.ExternalID)
	}

	var applied, failed int
	var usage inference.TokenUsage
	for sessionID, resp := range collected.Succeeded {
		res, perr := parseResult(resp.Text())
		if perr != nil {
			zap.L().Warn("enrich: malformed result",
				zap.String("job", job.ID),
				zap.String("session", sessionID),
				zap.Error(perr),
			)
			if err := e.store.RecordEnrichmentFailure(ctx, sessionID, job.ID, perr.Error()); err != nil {
				return eris.Wrapf(err, "enrich: record failure for %s", sessionID)
			}
			failed++
			continue
		}

		if err := e.store.ApplyEnrichment(ctx, store.Enrichment{
			SessionID:    sessionID,
			BatchJobID:   job.ID,
			Sentiment:    res.Sentiment,
			Category:     res.Category,
			Summary:      res.Summary,
			Questions:    res.Questions,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		}); err != nil {
			return eris.Wrapf(err, "enrich: apply result for %s", sessionID)
		}
		usage.Add(resp.Usage)
		applied++
	}

	for _, failure := range collected.Failures {
		if err := e.store.RecordEnrichmentFailure(ctx, failure.CustomID, job.ID, "batch item "+failure.Type); err != nil {
			return eris.Wrapf(err, "enrich: record failure for %s", failure.CustomID)
		}
		failed++
	}

	usage.LogCost(e.modelID, "reconcile")

	remaining, err := e.store.CountClaimedSessions(ctx, job.ID)
	if err != nil {
		return eris.Wrapf(err, "enrich: count claimed for %s", job.ID)
	}
	if remaining > 0 {
		// A session went missing from the output entirely. Release the
		// orphaned claims through the failure path so the retry ceiling
		// governs another attempt, then close out the job.
		zap.L().Warn("enrich: sessions missing from batch output",
			zap.String("job", job.ID),
			zap.Int("remaining", remaining),
		)
		orphans, err := e.store.ListClaimedSessionIDs(ctx, job.ID)
		if err != nil {
			return eris.Wrapf(err, "enrich: list orphans for %s", job.ID)
		}
		for _, sessionID := range orphans {
			if err := e.store.RecordEnrichmentFailure(ctx, sessionID, job.ID, "missing from batch output"); err != nil {
				return eris.Wrapf(err, "enrich: release orphan %s", sessionID)
			}
			failed++
		}
	}

	if err := e.store.MarkBatchJobProcessed(ctx, job.ID); err != nil {
		return eris.Wrapf(err, "enrich: mark processed %s", job.ID)
	}

	zap.L().Info("enrich: job reconciled",
		zap.String("job", job.ID),
		zap.Int("applied", applied),
		zap.Int("failed", failed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// BreakerState exposes the circuit state for the admin surface.
func (e *Enricher) BreakerState() string {
	return e.breaker.State().String()
}
