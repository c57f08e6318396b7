// Package store provides in-process cashbook.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/ledger-engine/cashbook"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu      sync.RWMutex
	entries map[cashbook.EntryID]cashbook.Entry
	snos    map[int64]cashbook.EntryID
	daily   map[dailyKey]cashbook.EntryID
	history []cashbook.HistoryRecord
	seq     int64
}

type dailyKey struct {
	Date string
	No   int
}

func NewMemory() *Memory {
	return &Memory{
		entries: make(map[cashbook.EntryID]cashbook.Entry),
		snos:    make(map[int64]cashbook.EntryID),
		daily:   make(map[dailyKey]cashbook.EntryID),
	}
}

func (m *Memory) GetEntry(_ context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) ListEntries(_ context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(filter), nil
}

func (m *Memory) InsertEntry(_ context.Context, e cashbook.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertLocked(e)
}

func (m *Memory) SaveEntry(_ context.Context, e cashbook.Entry, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(e, expectedVersion)
}

func (m *Memory) MaxDailyEntryNo(_ context.Context, date cashbook.Date) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxDailyLocked(date), nil
}

func (m *Memory) CountEntries(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.entries)), nil
}

// AppendHistory adds a record. Append-only.
func (m *Memory) AppendHistory(_ context.Context, rec cashbook.HistoryRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(rec), nil
}

func (m *Memory) ListHistory(_ context.Context, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(filter), nil
}

// =============================================================================
// LOCKED HELPERS - Caller holds mu
// =============================================================================

func (m *Memory) getLocked(id cashbook.EntryID) (cashbook.Entry, error) {
	e, ok := m.entries[id]
	if !ok {
		return cashbook.Entry{}, &cashbook.NotFoundError{EntryID: id}
	}
	return e.Clone(), nil
}

func (m *Memory) listLocked(filter cashbook.EntryFilter) []cashbook.Entry {
	result := []cashbook.Entry{}
	for _, e := range m.entries {
		if filter.Matches(e) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Sno < result[j].Sno })
	return result
}

func (m *Memory) insertLocked(e cashbook.Entry) error {
	k := dailyKey{Date: e.Date.String(), No: e.DailyEntryNo}
	if _, dup := m.entries[e.ID]; dup {
		return cashbook.ErrConcurrentModification
	}
	if _, dup := m.snos[e.Sno]; dup {
		return cashbook.ErrConcurrentModification
	}
	if _, dup := m.daily[k]; dup {
		return cashbook.ErrConcurrentModification
	}
	m.entries[e.ID] = e.Clone()
	m.snos[e.Sno] = e.ID
	m.daily[k] = e.ID
	return nil
}

func (m *Memory) saveLocked(e cashbook.Entry, expectedVersion int) error {
	cur, ok := m.entries[e.ID]
	if !ok {
		return &cashbook.NotFoundError{EntryID: e.ID}
	}
	if cur.Version != expectedVersion {
		return cashbook.ErrConcurrentModification
	}
	if cur.Sno != e.Sno {
		return cashbook.ErrConcurrentModification
	}

	oldKey := dailyKey{Date: cur.Date.String(), No: cur.DailyEntryNo}
	newKey := dailyKey{Date: e.Date.String(), No: e.DailyEntryNo}
	if newKey != oldKey {
		if owner, dup := m.daily[newKey]; dup && owner != e.ID {
			return cashbook.ErrConcurrentModification
		}
		// The old slot stays reserved so the number is not handed out again.
		m.daily[newKey] = e.ID
	}
	m.entries[e.ID] = e.Clone()
	return nil
}

func (m *Memory) maxDailyLocked(date cashbook.Date) int {
	day := date.String()
	highest := 0
	for k := range m.daily {
		if k.Date == day && k.No > highest {
			highest = k.No
		}
	}
	return highest
}

func (m *Memory) appendLocked(rec cashbook.HistoryRecord) int64 {
	m.seq++
	rec = rec.Clone()
	rec.Seq = m.seq
	m.history = append(m.history, rec)
	return rec.Seq
}

func (m *Memory) historyLocked(filter cashbook.HistoryFilter) []cashbook.HistoryRecord {
	result := []cashbook.HistoryRecord{}
	for _, rec := range m.history {
		if filter.EntryID == "" || rec.EntryID == filter.EntryID {
			result = append(result, rec.Clone())
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].EditedAt.Equal(result[j].EditedAt) {
			return result[i].EditedAt.After(result[j].EditedAt)
		}
		return result[i].Seq > result[j].Seq
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// Writers are exclusive; readers outside the transaction wait for it.
func (tm *TxMemory) WithTx(_ context.Context, fn func(cashbook.Store) error) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	if err := fn(&txMemoryView{parent: tm.Memory}); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	entries map[cashbook.EntryID]cashbook.Entry
	snos    map[int64]cashbook.EntryID
	daily   map[dailyKey]cashbook.EntryID
	history []cashbook.HistoryRecord
	seq     int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	s := memorySnapshot{
		entries: make(map[cashbook.EntryID]cashbook.Entry, len(tm.entries)),
		snos:    make(map[int64]cashbook.EntryID, len(tm.snos)),
		daily:   make(map[dailyKey]cashbook.EntryID, len(tm.daily)),
		history: append([]cashbook.HistoryRecord{}, tm.history...),
		seq:     tm.seq,
	}
	for k, v := range tm.entries {
		s.entries[k] = v
	}
	for k, v := range tm.snos {
		s.snos[k] = v
	}
	for k, v := range tm.daily {
		s.daily[k] = v
	}
	return s
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.entries = s.entries
	tm.snos = s.snos
	tm.daily = s.daily
	tm.history = s.history
	tm.seq = s.seq
}

// txMemoryView is the Store handed to WithTx callbacks. The parent lock
// is already held, so it calls the locked helpers directly.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetEntry(_ context.Context, id cashbook.EntryID) (cashbook.Entry, error) {
	return tv.parent.getLocked(id)
}

func (tv *txMemoryView) ListEntries(_ context.Context, filter cashbook.EntryFilter) ([]cashbook.Entry, error) {
	return tv.parent.listLocked(filter), nil
}

func (tv *txMemoryView) InsertEntry(_ context.Context, e cashbook.Entry) error {
	return tv.parent.insertLocked(e)
}

func (tv *txMemoryView) SaveEntry(_ context.Context, e cashbook.Entry, expectedVersion int) error {
	return tv.parent.saveLocked(e, expectedVersion)
}

func (tv *txMemoryView) MaxDailyEntryNo(_ context.Context, date cashbook.Date) (int, error) {
	return tv.parent.maxDailyLocked(date), nil
}

func (tv *txMemoryView) CountEntries(_ context.Context) (int64, error) {
	return int64(len(tv.parent.entries)), nil
}

func (tv *txMemoryView) AppendHistory(_ context.Context, rec cashbook.HistoryRecord) (int64, error) {
	return tv.parent.appendLocked(rec), nil
}

func (tv *txMemoryView) ListHistory(_ context.Context, filter cashbook.HistoryFilter) ([]cashbook.HistoryRecord, error) {
	return tv.parent.historyLocked(filter), nil
}

var (
	_ cashbook.TxStore = (*TxMemory)(nil)
	_ cashbook.Store   = (*txMemoryView)(nil)
)
