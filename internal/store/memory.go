// Package store provides an in-memory implementation of Store.
package store

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/CopyPilot/internal/models"
	"github.com/BTreeMap/CopyPilot/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type flowKey struct {
	sessionKey string
	flowType   string
}

// InMemoryStore keeps everything in process memory. It is safe for
// concurrent use and loses all data on restart.
type InMemoryStore struct {
	mu         sync.Mutex
	flowStates map[flowKey]models.FlowState
	accounts   map[string]CreditAccount
	entries    []CreditEntry
	analyses   map[string]models.AnalysisRecord
	outbox     map[string]*OutboxMessage
	nextEntry  int64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flowStates: make(map[flowKey]models.FlowState),
		accounts:   make(map[string]CreditAccount),
		analyses:   make(map[string]models.AnalysisRecord),
		outbox:     make(map[string]*OutboxMessage),
	}
}

// SaveFlowState stores or updates flow state for a session.
func (s *InMemoryStore) SaveFlowState(state models.FlowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	s.flowStates[flowKey{state.SessionKey, string(state.FlowType)}] = state
	return nil
}

// GetFlowState retrieves flow state for a session.
func (s *InMemoryStore) GetFlowState(sessionKey, flowType string) (*models.FlowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.flowStates[flowKey{sessionKey, flowType}]
	if !ok {
		return nil, nil
	}
	data := make(map[models.DataKey]string, len(state.StateData))
	for k, v := range state.StateData {
		data[k] = v
	}
	state.StateData = data
	return &state, nil
}

// DeleteFlowState removes flow state for a session.
func (s *InMemoryStore) DeleteFlowState(sessionKey, flowType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.flowStates, flowKey{sessionKey, flowType})
	return nil
}

func (s *InMemoryStore) GetCreditAccount(userID string) (*CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return nil, nil
	}
	return &acct, nil
}

func (s *InMemoryStore) EnsureCreditAccount(userID string, monthlyAllowance int) (*CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		now := time.Now()
		initial := monthlyAllowance
		if initial < 0 {
			initial = 0
		}
		acct = CreditAccount{UserID: userID, Available: initial, MonthlyAllowance: monthlyAllowance, CreatedAt: now, UpdatedAt: now}
		s.accounts[userID] = acct
		slog.Debug("InMemoryStore.EnsureCreditAccount: created account", "userID", userID, "allowance", monthlyAllowance)
	}
	return &acct, nil
}

func (s *InMemoryStore) ConsumeCredits(userID string, amount int, referenceID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	if referenceID != "" {
		for _, e := range s.entries {
			if e.UserID == userID && e.ReferenceID == referenceID {
				return acct.Available, nil
			}
		}
	}
	if acct.Available < amount {
		return acct.Available, ErrInsufficientBalance
	}
	acct.Available -= amount
	acct.UpdatedAt = time.Now()
	s.accounts[userID] = acct
	s.appendEntryLocked(userID, -amount, referenceID, acct.Available)
	return acct.Available, nil
}

func (s *InMemoryStore) GrantCredits(userID string, amount int, referenceID string) (int, error) {
	if amount < 0 {
		return 0, fmt.Errorf("grant amount must be non-negative, got %d", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return 0, ErrAccountNotFound
	}
	acct.Available += amount
	acct.UpdatedAt = time.Now()
	s.accounts[userID] = acct
	s.appendEntryLocked(userID, amount, referenceID, acct.Available)
	return acct.Available, nil
}

func (s *InMemoryStore) appendEntryLocked(userID string, amount int, referenceID string, balanceAfter int) {
	s.nextEntry++
	s.entries = append(s.entries, CreditEntry{
		ID: s.nextEntry, UserID: userID, Amount: amount, ReferenceID: referenceID,
		BalanceAfter: balanceAfter, CreatedAt: time.Now(),
	})
}

func (s *InMemoryStore) ListCreditEntries(userID string, limit int) ([]CreditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []CreditEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		if s.entries[i].UserID == userID {
			out = append(out, s.entries[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *InMemoryStore) SaveAnalysis(rec models.AnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.analyses[rec.AnalysisID]; ok {
		rec.CreatedAt = existing.CreatedAt
	}
	s.analyses[rec.AnalysisID] = rec
	return nil
}

func (s *InMemoryStore) ListAnalyses(userID string, limit int) ([]models.AnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AnalysisRecord
	for _, rec := range s.analyses {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) EnqueueOutboxMessage(userID, kind, payloadJSON, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, m := range s.outbox {
			if m.DedupeKey == dedupeKey && m.Status != OutboxStatusSent {
				return m.ID, nil
			}
		}
	}
	now := time.Now()
	id := util.GenerateOutboxID()
	s.outbox[id] = &OutboxMessage{
		ID: id, UserID: userID, Kind: kind, PayloadJSON: payloadJSON,
		Status: OutboxStatusQueued, DedupeKey: dedupeKey, CreatedAt: now, UpdatedAt: now,
	}
	return id, nil
}

func (s *InMemoryStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*OutboxMessage
	for _, m := range s.outbox {
		if m.Status == OutboxStatusQueued && (m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]OutboxMessage, 0, len(due))
	for _, m := range due {
		locked := now
		m.Status = OutboxStatusSending
		m.LockedAt = &locked
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *InMemoryStore) MarkOutboxMessageSent(id string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) { m.Status = OutboxStatusSent })
}

func (s *InMemoryStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		next := nextAttemptAt
		m.Status = OutboxStatusQueued
		m.Attempts++
		m.LastError = errMsg
		m.NextAttemptAt = &next
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) DropOutboxMessage(id string, errMsg string) error {
	return s.updateOutbox(id, func(m *OutboxMessage) {
		m.Status = OutboxStatusFailed
		m.Attempts++
		m.LastError = errMsg
		m.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.outbox {
		if m.Status == OutboxStatusSending && m.LockedAt != nil && m.LockedAt.Before(staleBefore) {
			m.Status = OutboxStatusQueued
			m.LockedAt = nil
			n++
		}
	}
	return n, nil
}

// GetOutboxMessage returns a copy of an outbox message (for tests).
func (s *InMemoryStore) GetOutboxMessage(id string) (*OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *InMemoryStore) updateOutbox(id string, fn func(*OutboxMessage)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[id]
	if !ok {
		return fmt.Errorf("outbox message %s not found", id)
	}
	fn(m)
	m.UpdatedAt = time.Now()
	return nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
