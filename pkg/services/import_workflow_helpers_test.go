package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-import/pkg/adapters/sink"
	"github.com/ekaya-inc/ekaya-import/pkg/config"
	"github.com/ekaya-inc/ekaya-import/pkg/database"
	"github.com/ekaya-inc/ekaya-import/pkg/events"
	"github.com/ekaya-inc/ekaya-import/pkg/models"
	"github.com/ekaya-inc/ekaya-import/pkg/repositories"
	"github.com/ekaya-inc/ekaya-import/pkg/services/approval"
	"github.com/ekaya-inc/ekaya-import/pkg/services/commit"
	"github.com/ekaya-inc/ekaya-import/pkg/services/extraction"
	"github.com/ekaya-inc/ekaya-import/pkg/services/mapping"
	"github.com/ekaya-inc/ekaya-import/pkg/services/recovery"
	"github.com/ekaya-inc/ekaya-import/pkg/services/validation"
	"github.com/ekaya-inc/ekaya-import/pkg/workerpool"
)

// ============================================================================
// Session repository
// ============================================================================

type memorySessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*models.ImportSession
	saves    int
}

func newMemorySessionRepo() *memorySessionRepo {
	return &memorySessionRepo{sessions: make(map[uuid.UUID]*models.ImportSession)}
}

var _ repositories.ImportSessionRepository = (*memorySessionRepo)(nil)

func (m *memorySessionRepo) Save(ctx context.Context, session *models.ImportSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = cloneSession(session)
	m.saves++
	return nil
}

func (m *memorySessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ImportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

func (m *memorySessionRepo) ListByStatus(ctx context.Context, statuses []models.ImportStatus, limit int) ([]*models.ImportSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ImportSession
	for _, s := range m.sessions {
		if slices.Contains(statuses, s.Status) {
			out = append(out, cloneSession(s))
		}
	}
	return out, nil
}

func (m *memorySessionRepo) status(id uuid.UUID) models.ImportStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s.Status
	}
	return ""
}

// ============================================================================
// Batch repository
// ============================================================================

type memoryBatchRepo struct {
	mu       sync.Mutex
	batches  map[uuid.UUID][]*models.ImportBatch
	outcomes []models.ImportRecordOutcome
}

func newMemoryBatchRepo() *memoryBatchRepo {
	return &memoryBatchRepo{batches: make(map[uuid.UUID][]*models.ImportBatch)}
}

var _ repositories.ImportBatchRepository = (*memoryBatchRepo)(nil)

func (m *memoryBatchRepo) CreateBatches(ctx context.Context, batches []*models.ImportBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range batches {
		cp := *b
		m.batches[b.SessionID] = append(m.batches[b.SessionID], &cp)
	}
	return nil
}

func (m *memoryBatchRepo) UpdateBatch(ctx context.Context, batch *models.ImportBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, b := range m.batches[batch.SessionID] {
		if b.BatchIndex == batch.BatchIndex {
			cp := *batch
			m.batches[batch.SessionID][i] = &cp
		}
	}
	return nil
}

func (m *memoryBatchRepo) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]*models.ImportBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.batches[sessionID]), nil
}

func (m *memoryBatchRepo) InsertOutcomes(ctx context.Context, outcomes []models.ImportRecordOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcomes...)
	return nil
}

func (m *memoryBatchRepo) CountOutcomes(ctx context.Context, sessionID uuid.UUID) (map[models.RecordStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.RecordStatus]int)
	for _, o := range m.outcomes {
		if o.SessionID == sessionID {
			counts[o.Status]++
		}
	}
	return counts, nil
}

// ============================================================================
// Approval repository
// ============================================================================

type memoryApprovalRepo struct {
	mu        sync.Mutex
	requests  map[uuid.UUID]*models.ApprovalRequest
	decisions []*models.ApprovalDecision
	overrides []*models.ApprovalOverride
}

func newMemoryApprovalRepo() *memoryApprovalRepo {
	return &memoryApprovalRepo{requests: make(map[uuid.UUID]*models.ApprovalRequest)}
}

var _ repositories.ApprovalRepository = (*memoryApprovalRepo)(nil)

func (m *memoryApprovalRepo) CreateRequest(ctx context.Context, req *models.ApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	m.requests[req.ID] = &cp
	return nil
}

func (m *memoryApprovalRepo) GetRequest(ctx context.Context, id uuid.UUID) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return nil, nil
	}
	cp := *req
	return &cp, nil
}

func (m *memoryApprovalRepo) GetPendingBySession(ctx context.Context, sessionID uuid.UUID) (*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.SessionID == sessionID && req.Status == models.ApprovalStatusPending {
			cp := *req
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memoryApprovalRepo) ListPending(ctx context.Context, approver string) ([]*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if req.Status == models.ApprovalStatusPending && (approver == "" || req.IsAssigned(approver)) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryApprovalRepo) ListExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalRequest
	for _, req := range m.requests {
		if req.Status == models.ApprovalStatusPending && req.Deadline.Before(now) {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memoryApprovalRepo) Resolve(ctx context.Context, id uuid.UUID, status models.ApprovalStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != models.ApprovalStatusPending {
		return false, nil
	}
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	return true, nil
}

func (m *memoryApprovalRepo) Reassign(ctx context.Context, id uuid.UUID, approvers []string, deadline time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok || req.Status != models.ApprovalStatusPending {
		return false, nil
	}
	req.AssignedApprovers = slices.Clone(approvers)
	req.Deadline = deadline
	return true, nil
}

func (m *memoryApprovalRepo) AppendDecision(ctx context.Context, d *models.ApprovalDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, d)
	return nil
}

func (m *memoryApprovalRepo) ListDecisions(ctx context.Context, requestID uuid.UUID) ([]*models.ApprovalDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ApprovalDecision
	for _, d := range m.decisions {
		if d.RequestID == requestID {
			out = append(out, d)
		}
	}
	return out, nil
}

func (m *memoryApprovalRepo) RecordOverride(ctx context.Context, o *models.ApprovalOverride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.overrides = append(m.overrides, o)
	return nil
}

func (m *memoryApprovalRepo) CalibrationStats(ctx context.Context) (*models.CalibrationStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &models.CalibrationStats{Decisions: len(m.decisions), Overrides: len(m.overrides)}, nil
}

func (m *memoryApprovalRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// expireAll moves every pending deadline into the past.
func (m *memoryApprovalRepo) expireAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, req := range m.requests {
		if req.Status == models.ApprovalStatusPending {
			req.Deadline = time.Now().Add(-time.Minute)
		}
	}
}

// ============================================================================
// Fix effectiveness repository and mapping cache
// ============================================================================

type memoryFixRepo struct{}

var _ repositories.FixEffectivenessRepository = memoryFixRepo{}

func (memoryFixRepo) GetAll(ctx context.Context) (map[models.FixType]*models.FixEffectiveness, error) {
	return map[models.FixType]*models.FixEffectiveness{}, nil
}

func (memoryFixRepo) RecordOutcomes(ctx context.Context, fixType models.FixType, attempts, successes int, learningRate float64) error {
	return nil
}

// recordingCache is a mapping.Cache that remembers write-backs.
type recordingCache struct {
	mu        sync.Mutex
	confirmed map[string]int
	outcomes  []mapping.Outcome
}

func newRecordingCache() *recordingCache {
	return &recordingCache{confirmed: make(map[string]int)}
}

var _ mapping.Cache = (*recordingCache)(nil)

func (c *recordingCache) Lookup(ctx context.Context, entityType, pattern string) ([]*models.MappingCacheEntry, error) {
	return nil, nil
}

func (c *recordingCache) RecordConfirmed(ctx context.Context, entityType string, mappings []models.FieldMapping) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirmed[entityType] += len(mappings)
}

func (c *recordingCache) RecordOutcome(ctx context.Context, entityType string, mappings []models.FieldMapping, outcome mapping.Outcome) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes = append(c.outcomes, outcome)
}

func (c *recordingCache) Wait() {}

func (c *recordingCache) recordedOutcomes() []mapping.Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.outcomes)
}

// ============================================================================
// Harness
// ============================================================================

type workflowHarness struct {
	svc       *importWorkflowService
	sessions  *memorySessionRepo
	batches   *memoryBatchRepo
	approvals *memoryApprovalRepo
	cache     *recordingCache
	sink      *sink.MemorySink
	broker    *events.Broker
}

func testWorkflowConfig() *config.Config {
	return &config.Config{
		Import: config.ImportConfig{
			DefaultEntityType:       "catalog_item",
			DefaultBatchSize:        10,
			MaxBatchSize:            1000,
			CommitWorkers:           2,
			AutoAdvanceThreshold:    0.70,
			SampleRows:              5,
			MaxBatchRetries:         1,
			SessionRetentionMinutes: 60,
			EventBuffer:             256,
		},
		Mapping: config.MappingConfig{
			MinConfidence:       70,
			FuzzyMinSimilarity:  0.5,
			StatisticalMinScore: 0.55,
			AmbiguityMargin:     5,
			CacheLearningRate:   0.2,
		},
		Classifier: config.ClassifierConfig{SessionCostCeiling: 0.5, CostPerCall: 0.002},
		Recovery:   config.RecoveryConfig{AutoApplyThreshold: 0.9, LearningRate: 0.2},
		Approval: config.ApprovalConfig{
			TimeoutPolicy:     config.TimeoutPolicyEscalate,
			DeadlineMinutes:   240,
			HighVolumeRecords: 50000,
		},
	}
}

func newWorkflowHarness(cfg *config.Config) *workflowHarness {
	logger := zap.NewNop()
	h := &workflowHarness{
		sessions:  newMemorySessionRepo(),
		batches:   newMemoryBatchRepo(),
		approvals: newMemoryApprovalRepo(),
		cache:     newRecordingCache(),
		sink:      sink.NewMemorySink(),
		broker:    events.NewBroker(cfg.Import.EventBuffer, logger),
	}

	validator := validation.NewValidator()
	pool := workerpool.New(workerpool.Config{MaxConcurrent: cfg.Import.CommitWorkers}, logger)
	router := approval.NewRouter(h.approvals, database.NoScope, nil, cfg.Approval, logger)

	h.svc = NewImportWorkflowService(
		h.sessions,
		h.batches,
		database.NoScope,
		extraction.New(cfg.Import.SampleRows, logger),
		mapping.NewEngine(nil, nil, cfg.Mapping, logger),
		h.cache,
		validator,
		recovery.NewService(memoryFixRepo{}, database.NoScope, validator, cfg.Recovery, logger),
		router,
		commit.NewCommitter(h.batches, database.NoScope, h.sink, pool, cfg.Import, logger),
		h.broker,
		cfg,
		logger,
	).(*importWorkflowService)
	return h
}

// catalogItemSchema is a small target schema whose field names match cleanCSV exactly.
func catalogItemSchema() *models.TargetSchema {
	zero := 0.0
	return &models.TargetSchema{
		EntityType: "catalog_item",
		Fields: []models.TargetField{
			{Name: "sku", Type: models.PrimitiveString, SemanticType: models.SemanticSKU, Required: true, Unique: true, MaxLength: 64},
			{Name: "name", Type: models.PrimitiveString, SemanticType: models.SemanticText, Required: true, MaxLength: 255},
			{Name: "price", Type: models.PrimitiveNumber, SemanticType: models.SemanticCurrency, Required: true, Min: &zero},
		},
	}
}

func cleanCSV(records int) []byte {
	out := []byte("sku,name,price\n")
	for i := range records {
		out = append(out, []byte(skuLine(i, "Widget", "12.50"))...)
	}
	return out
}

// fuzzyCSV has a header that only maps fuzzily, so confidence stays below 1.
func fuzzyCSV(records int) []byte {
	out := []byte("sku,prod_name,price\n")
	for i := range records {
		out = append(out, []byte(skuLine(i, "Gadget", "3.75"))...)
	}
	return out
}

func skuLine(i int, name, price string) string {
	return fmt.Sprintf("SKU-%05d,%s,%s\n", i, name, price)
}
