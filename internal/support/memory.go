package support

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aristath/dpm/internal/domain"
)

// MemoryStore is the in-process adapter. It is the default backend for the
// LOCAL persistence profile and the reference the persistent adapters mirror.
type MemoryStore struct {
	mu sync.RWMutex

	runs          map[string]*RunRecord
	runsByCorr    map[string]string
	runsByReqHash map[string]string
	artifacts     map[string]*ArtifactRecord
	idempotency   map[string]*IdempotencyRecord
	idemHistory   map[string][]*IdempotencyRecord
	operations    map[string]*AsyncOperation
	opsByCorr     map[string]string
	decisions     []*WorkflowDecision
	lineage       []*LineageEdge

	now func() time.Time
}

// NewMemoryStore creates an empty in-memory supportability store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:          map[string]*RunRecord{},
		runsByCorr:    map[string]string{},
		runsByReqHash: map[string]string{},
		artifacts:     map[string]*ArtifactRecord{},
		idempotency:   map[string]*IdempotencyRecord{},
		idemHistory:   map[string][]*IdempotencyRecord{},
		operations:    map[string]*AsyncOperation{},
		opsByCorr:     map[string]string{},
		now:           time.Now,
	}
}

// SaveRun stores a run record. Run ids are write-once.
func (s *MemoryStore) SaveRun(_ context.Context, run *RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.RunID]; exists {
		return fmt.Errorf("%w: run %s", ErrDuplicate, run.RunID)
	}
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.runs[cp.RunID] = &cp
	if cp.CorrelationID != "" {
		s.runsByCorr[cp.CorrelationID] = cp.RunID
	}
	// Last writer wins: repeated identical requests map the hash to the most
	// recent run, matching the persistent adapters' upsert.
	if cp.RequestHash != "" {
		s.runsByReqHash[cp.RequestHash] = cp.RunID
	}
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runCopy(runID)
}

func (s *MemoryStore) GetRunByCorrelation(_ context.Context, correlationID string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runsByCorr[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.runCopy(id)
}

func (s *MemoryStore) GetRunByRequestHash(_ context.Context, requestHash string) (*RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.runsByReqHash[requestHash]
	if !ok {
		return nil, ErrNotFound
	}
	return s.runCopy(id)
}

func (s *MemoryStore) runCopy(runID string) (*RunRecord, error) {
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

// ListRuns returns one page ordered created_at desc, run id desc.
func (s *MemoryStore) ListRuns(_ context.Context, filters RunFilters, cursor string, limit int) (Page[*RunRecord], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*RunRecord]{}, err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*RunRecord
	for _, r := range s.runs {
		if matchRun(r, filters) {
			all = append(all, r)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].RunID > all[j].RunID
	})

	var page Page[*RunRecord]
	for _, r := range all {
		if !cur.after(r.CreatedAt, r.RunID) {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = Cursor{CreatedAt: page.Items[limit-1].CreatedAt, ID: page.Items[limit-1].RunID}.Encode()
			break
		}
		cp := *r
		page.Items = append(page.Items, &cp)
	}
	return page, nil
}

// SaveRunArtifact stores canonical artifact bytes for a run.
func (s *MemoryStore) SaveRunArtifact(_ context.Context, artifact *ArtifactRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[artifact.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, artifact.RunID)
	}
	cp := *artifact
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.artifacts[artifact.RunID] = &cp
	return nil
}

func (s *MemoryStore) GetRunArtifact(_ context.Context, runID string) (*ArtifactRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.artifacts[runID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// SaveIdempotency upserts the current key → run mapping.
func (s *MemoryStore) SaveIdempotency(_ context.Context, rec *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.idempotency[rec.Key] = &cp
	return nil
}

func (s *MemoryStore) GetIdempotencyByKey(_ context.Context, key string) (*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) AppendIdempotencyHistory(_ context.Context, rec *IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	s.idemHistory[rec.Key] = append(s.idemHistory[rec.Key], &cp)
	return nil
}

func (s *MemoryStore) ListIdempotencyHistory(_ context.Context, key string) ([]*IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*IdempotencyRecord, 0, len(s.idemHistory[key]))
	for _, rec := range s.idemHistory[key] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// CreateAsyncOperation stores a new operation. Correlation ids are unique
// across operations.
func (s *MemoryStore) CreateAsyncOperation(_ context.Context, op *AsyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.operations[op.OperationID]; exists {
		return fmt.Errorf("%w: operation %s", ErrDuplicate, op.OperationID)
	}
	if op.CorrelationID != "" {
		if _, exists := s.opsByCorr[op.CorrelationID]; exists {
			return fmt.Errorf("%w: correlation %s already bound to an operation", ErrConflict, op.CorrelationID)
		}
	}
	cp := *op
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	if cp.Status == "" {
		cp.Status = OpPending
	}
	s.operations[cp.OperationID] = &cp
	if cp.CorrelationID != "" {
		s.opsByCorr[cp.CorrelationID] = cp.OperationID
	}
	return nil
}

// UpdateAsyncOperation replaces the stored row for an existing operation.
func (s *MemoryStore) UpdateAsyncOperation(_ context.Context, op *AsyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.operations[op.OperationID]; !ok {
		return fmt.Errorf("%w: operation %s", ErrNotFound, op.OperationID)
	}
	cp := *op
	s.operations[op.OperationID] = &cp
	return nil
}

func (s *MemoryStore) GetAsyncOperation(_ context.Context, operationID string) (*AsyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.operations[operationID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *op
	return &cp, nil
}

// ListAsyncOperations returns one page ordered created_at desc, id desc.
func (s *MemoryStore) ListAsyncOperations(_ context.Context, filters OperationFilters, cursor string, limit int) (Page[*AsyncOperation], error) {
	cur, err := DecodeCursor(cursor)
	if err != nil {
		return Page[*AsyncOperation]{}, err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []*AsyncOperation
	for _, op := range s.operations {
		if matchOperation(op, filters) {
			all = append(all, op)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].OperationID > all[j].OperationID
	})

	var page Page[*AsyncOperation]
	for _, op := range all {
		if !cur.after(op.CreatedAt, op.OperationID) {
			continue
		}
		if len(page.Items) == limit {
			page.NextCursor = Cursor{CreatedAt: page.Items[limit-1].CreatedAt, ID: page.Items[limit-1].OperationID}.Encode()
			break
		}
		cp := *op
		page.Items = append(page.Items, &cp)
	}
	return page, nil
}

// PurgeExpiredAsyncOperations removes terminal operations older than ttl.
func (s *MemoryStore) PurgeExpiredAsyncOperations(_ context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-ttl)
	purged := 0
	for id, op := range s.operations {
		if !op.Status.Terminal() {
			continue
		}
		at := op.CreatedAt
		if op.CompletedAt != nil {
			at = *op.CompletedAt
		}
		if at.Before(cutoff) {
			delete(s.operations, id)
			delete(s.opsByCorr, op.CorrelationID)
			purged++
		}
	}
	return purged, nil
}

// AppendWorkflowDecision records one reviewer decision.
func (s *MemoryStore) AppendWorkflowDecision(_ context.Context, d *WorkflowDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[d.RunID]; !ok {
		return fmt.Errorf("%w: run %s", ErrNotFound, d.RunID)
	}
	cp := *d
	if cp.DecidedAt.IsZero() {
		cp.DecidedAt = s.now().UTC()
	}
	s.decisions = append(s.decisions, &cp)
	return nil
}

func (s *MemoryStore) ListWorkflowDecisions(_ context.Context, filters DecisionFilters) ([]*WorkflowDecision, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*WorkflowDecision
	for _, d := range s.decisions {
		if matchDecision(d, filters) {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListWorkflowDecisionsByRun(ctx context.Context, runID string) ([]*WorkflowDecision, error) {
	return s.ListWorkflowDecisions(ctx, DecisionFilters{RunID: runID})
}

// AppendLineageEdge records one lineage relation.
func (s *MemoryStore) AppendLineageEdge(_ context.Context, e *LineageEdge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}
	if e.Metadata != nil {
		cp.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			cp.Metadata[k] = v
		}
	}
	s.lineage = append(s.lineage, &cp)
	return nil
}

// ListLineageEdges returns edges touching the entity as source or target.
func (s *MemoryStore) ListLineageEdges(_ context.Context, entityID string) ([]*LineageEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*LineageEdge
	for _, e := range s.lineage {
		if e.SourceEntityID == entityID || e.TargetEntityID == entityID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Summary reports counts and status distributions across the store.
func (s *MemoryStore) Summary(_ context.Context) (*Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := &Summary{
		Runs:               len(s.runs),
		RunsByStatus:       map[domain.RunStatus]int{},
		Artifacts:          len(s.artifacts),
		IdempotencyKeys:    len(s.idempotency),
		Operations:         len(s.operations),
		OperationsByStatus: map[OperationStatus]int{},
		WorkflowDecisions:  len(s.decisions),
		LineageEdges:       len(s.lineage),
	}
	for _, r := range s.runs {
		sum.RunsByStatus[r.Status]++
	}
	for _, op := range s.operations {
		sum.OperationsByStatus[op.Status]++
	}
	return sum, nil
}

// PurgeExpiredRuns removes runs older than the retention window together with
// every derived record keyed to them.
func (s *MemoryStore) PurgeExpiredRuns(_ context.Context, retentionDays int) (*PurgeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	res := &PurgeResult{}

	purgedRuns := map[string]bool{}
	purgedCorr := map[string]bool{}
	purgedKeys := map[string]bool{}
	for id, r := range s.runs {
		if !r.CreatedAt.Before(cutoff) {
			continue
		}
		purgedRuns[id] = true
		if r.CorrelationID != "" {
			purgedCorr[r.CorrelationID] = true
			delete(s.runsByCorr, r.CorrelationID)
		}
		if r.IdempotencyKey != "" {
			purgedKeys[r.IdempotencyKey] = true
		}
		if cur, ok := s.runsByReqHash[r.RequestHash]; ok && cur == id {
			delete(s.runsByReqHash, r.RequestHash)
		}
		delete(s.runs, id)
		res.Runs++
	}
	if res.Runs == 0 {
		return res, nil
	}

	for id := range purgedRuns {
		if _, ok := s.artifacts[id]; ok {
			delete(s.artifacts, id)
			res.Artifacts++
		}
	}
	for key, rec := range s.idempotency {
		if purgedRuns[rec.RunID] || purgedKeys[key] {
			delete(s.idempotency, key)
			delete(s.idemHistory, key)
			res.IdempotencyKeys++
		}
	}
	for id, op := range s.operations {
		if purgedCorr[op.CorrelationID] {
			delete(s.operations, id)
			delete(s.opsByCorr, op.CorrelationID)
			res.Operations++
		}
	}
	kept := s.decisions[:0]
	for _, d := range s.decisions {
		if purgedRuns[d.RunID] {
			res.WorkflowDecisions++
			continue
		}
		kept = append(kept, d)
	}
	s.decisions = kept
	keptEdges := s.lineage[:0]
	for _, e := range s.lineage {
		if purgedRuns[e.SourceEntityID] || purgedRuns[e.TargetEntityID] {
			res.LineageEdges++
			continue
		}
		keptEdges = append(keptEdges, e)
	}
	s.lineage = keptEdges
	return res, nil
}

// Close is a no-op for the in-memory adapter.
func (s *MemoryStore) Close() error { return nil }
