package durable

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"
)

// RuntimeStatus is the lifecycle status of an orchestration instance.
type RuntimeStatus string

const (
	StatusPending    RuntimeStatus = "pending"
	StatusRunning    RuntimeStatus = "running"
	StatusCompleted  RuntimeStatus = "completed"
	StatusFailed     RuntimeStatus = "failed"
	StatusTerminated RuntimeStatus = "terminated"
)

// Terminal reports whether no further progress can happen for the instance.
func (s RuntimeStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTerminated:
		return true
	default:
		return false
	}
}

// TerminalStatuses lists every terminal runtime status.
func TerminalStatuses() []RuntimeStatus {
	return []RuntimeStatus{StatusCompleted, StatusFailed, StatusTerminated}
}

// InstanceRecord is the persisted state of one orchestration instance.
type InstanceRecord struct {
	InstanceID    string          `json:"instance_id"`
	Name          string          `json:"name"`
	ParentID      string          `json:"parent_id,omitempty"`
	Input         json.RawMessage `json:"input,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	CustomStatus  json.RawMessage `json:"custom_status,omitempty"`
	RuntimeStatus RuntimeStatus   `json:"runtime_status"`
	Error         string          `json:"error,omitempty"`
	Generation    int             `json:"generation"`
	Version       int             `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// EventKind identifies what a history event journals.
type EventKind string

const (
	EventActivity         EventKind = "activity"
	EventTimer            EventKind = "timer"
	EventClock            EventKind = "clock"
	EventSubOrchestration EventKind = "suborchestration"
)

// HistoryEvent journals the outcome of one non-deterministic step. Events are
// keyed by instance, generation and sequence number.
type HistoryEvent struct {
	InstanceID   string          `json:"instance_id"`
	Generation   int             `json:"generation"`
	Seq          int             `json:"seq"`
	Kind         EventKind       `json:"kind"`
	Name         string          `json:"name"`
	ChildID      string          `json:"child_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	NonRetryable bool            `json:"non_retryable,omitempty"`
	FireAt       time.Time       `json:"fire_at,omitempty"`
	Completed    bool            `json:"completed"`
	RecordedAt   time.Time       `json:"recorded_at"`
}

// InstanceFilter narrows ListInstances. Empty fields match everything.
type InstanceFilter struct {
	Statuses []RuntimeStatus
	Name     string
	ParentID string
}

func (f InstanceFilter) matches(rec *InstanceRecord) bool {
	if rec == nil {
		return false
	}
	if f.Name != "" && rec.Name != f.Name {
		return false
	}
	if f.ParentID != "" && rec.ParentID != f.ParentID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, status := range f.Statuses {
		if rec.RuntimeStatus == status {
			return true
		}
	}
	return false
}

// Store persists instance records and their replay history.
type Store interface {
	// LoadInstance returns nil, nil when the instance does not exist.
	LoadInstance(ctx context.Context, instanceID string) (*InstanceRecord, error)
	// SaveInstance writes rec when the stored version equals expectedVersion
	// (zero meaning absent) and returns the new version.
	SaveInstance(ctx context.Context, rec *InstanceRecord, expectedVersion int) (int, error)
	ListInstances(ctx context.Context, filter InstanceFilter) ([]*InstanceRecord, error)
	// DeleteInstance removes the record and all of its history.
	DeleteInstance(ctx context.Context, instanceID string) error
	// PutEvent inserts or replaces the event at (instance, generation, seq).
	PutEvent(ctx context.Context, evt HistoryEvent) error
	// LoadHistory returns one generation's events ordered by seq.
	LoadHistory(ctx context.Context, instanceID string, generation int) ([]HistoryEvent, error)
	// TruncateHistory drops every generation below the given one.
	TruncateHistory(ctx context.Context, instanceID string, belowGeneration int) error
}

// InMemoryStore keeps records in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*InstanceRecord
	history   map[string]map[historyKey]HistoryEvent
}

type historyKey struct {
	generation int
	seq        int
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		instances: make(map[string]*InstanceRecord),
		history:   make(map[string]map[historyKey]HistoryEvent),
	}
}

func (s *InMemoryStore) LoadInstance(_ context.Context, instanceID string) (*InstanceRecord, error) {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneInstance(s.instances[instanceID]), nil
}

func (s *InMemoryStore) SaveInstance(_ context.Context, rec *InstanceRecord, expectedVersion int) (int, error) {
	next := cloneInstance(rec)
	if next == nil {
		return 0, cloneError(ErrInvalidInstance, "instance record required", nil, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.instances[strings.TrimSpace(next.InstanceID)]
	version, err := applyVersionedUpdate(next, current, expectedVersion)
	if err != nil {
		return 0, err
	}
	s.instances[next.InstanceID] = next
	return version, nil
}

func (s *InMemoryStore) ListInstances(_ context.Context, filter InstanceFilter) ([]*InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*InstanceRecord, 0, len(s.instances))
	for _, rec := range s.instances {
		if filter.matches(rec) {
			out = append(out, cloneInstance(rec))
		}
	}
	sortInstances(out)
	return out, nil
}

func (s *InMemoryStore) DeleteInstance(_ context.Context, instanceID string) error {
	instanceID = strings.TrimSpace(instanceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, instanceID)
	delete(s.history, instanceID)
	return nil
}

func (s *InMemoryStore) PutEvent(_ context.Context, evt HistoryEvent) error {
	evt, err := normalizeEvent(evt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.history[evt.InstanceID]
	if events == nil {
		events = make(map[historyKey]HistoryEvent)
		s.history[evt.InstanceID] = events
	}
	events[historyKey{generation: evt.Generation, seq: evt.Seq}] = cloneEvent(evt)
	return nil
}

func (s *InMemoryStore) LoadHistory(_ context.Context, instanceID string, generation int) ([]HistoryEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := s.history[strings.TrimSpace(instanceID)]
	out := make([]HistoryEvent, 0, len(events))
	for key, evt := range events {
		if key.generation == generation {
			out = append(out, cloneEvent(evt))
		}
	}
	sortEvents(out)
	return out, nil
}

func (s *InMemoryStore) TruncateHistory(_ context.Context, instanceID string, belowGeneration int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := s.history[strings.TrimSpace(instanceID)]
	for key := range events {
		if key.generation < belowGeneration {
			delete(events, key)
		}
	}
	return nil
}

func applyVersionedUpdate(next, current *InstanceRecord, expectedVersion int) (int, error) {
	next.InstanceID = strings.TrimSpace(next.InstanceID)
	if next.InstanceID == "" {
		return 0, cloneError(ErrInvalidInstance, "instance id required", nil, nil)
	}
	if expectedVersion < 0 {
		expectedVersion = 0
	}
	if current == nil {
		if expectedVersion != 0 {
			return 0, versionConflict(next.InstanceID, expectedVersion, 0)
		}
		next.Version = 1
	} else {
		if current.Version != expectedVersion {
			return 0, versionConflict(next.InstanceID, expectedVersion, current.Version)
		}
		next.Version = expectedVersion + 1
	}
	if next.UpdatedAt.IsZero() {
		next.UpdatedAt = time.Now().UTC()
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = next.UpdatedAt
	}
	return next.Version, nil
}

func versionConflict(instanceID string, expected, actual int) error {
	return cloneError(ErrVersionConflict, "", nil, map[string]any{
		"instance_id":      instanceID,
		"expected_version": expected,
		"actual_version":   actual,
	})
}

func normalizeEvent(evt HistoryEvent) (HistoryEvent, error) {
	evt.InstanceID = strings.TrimSpace(evt.InstanceID)
	if evt.InstanceID == "" {
		return evt, cloneError(ErrInvalidInstance, "history event instance id required", nil, nil)
	}
	if evt.Seq < 0 || evt.Generation < 0 {
		return evt, cloneError(ErrInvalidInstance, "history event position must not be negative", nil, map[string]any{
			"instance_id": evt.InstanceID,
			"generation":  evt.Generation,
			"seq":         evt.Seq,
		})
	}
	if evt.RecordedAt.IsZero() {
		evt.RecordedAt = time.Now().UTC()
	}
	return evt, nil
}

func cloneInstance(rec *InstanceRecord) *InstanceRecord {
	if rec == nil {
		return nil
	}
	cp := *rec
	cp.Input = cloneRaw(rec.Input)
	cp.Output = cloneRaw(rec.Output)
	cp.CustomStatus = cloneRaw(rec.CustomStatus)
	return &cp
}

func cloneEvent(evt HistoryEvent) HistoryEvent {
	evt.Result = cloneRaw(evt.Result)
	return evt
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func sortInstances(recs []*InstanceRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].InstanceID < recs[j].InstanceID
	})
}

func sortEvents(events []HistoryEvent) {
	sort.Slice(events, func(i, j int) bool {
		return events[i].Seq < events[j].Seq
	})
}
