package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type InMemoryStore struct {
	mu sync.RWMutex

	stations map[string]*Station
	tags     map[string]IDTag

	// id -> transaction
	txs    map[int]Transaction
	nextTx int
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		stations: make(map[string]*Station),
		tags:     make(map[string]IDTag),
		txs:      make(map[int]Transaction),
	}
}

func (s *InMemoryStore) RecordBoot(ctx context.Context, stationID string, info BootInfo, at time.Time) error {
	if stationID == "" {
		return fmt.Errorf("%w: station id is required", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stationLocked(stationID)
	st.Boot = info
	st.BootedAt = at
	st.LastHeartbeat = at
	return nil
}

func (s *InMemoryStore) Heartbeat(ctx context.Context, stationID string, at time.Time) error {
	if stationID == "" {
		return fmt.Errorf("%w: station id is required", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stationLocked(stationID).LastHeartbeat = at
	return nil
}

func (s *InMemoryStore) SetConnectorStatus(ctx context.Context, stationID string, connectorID int, cs ConnectorStatus) error {
	if stationID == "" || connectorID < 0 {
		return fmt.Errorf("%w: station id and connector id are required", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.stationLocked(stationID)
	if st.Connectors == nil {
		st.Connectors = make(map[int]ConnectorStatus)
	}
	st.Connectors[connectorID] = cs
	return nil
}

func (s *InMemoryStore) stationLocked(id string) *Station {
	st := s.stations[id]
	if st == nil {
		st = &Station{ID: id}
		s.stations[id] = st
	}
	return st
}

func (s *InMemoryStore) Authorize(ctx context.Context, tag string, now time.Time) (IDTag, error) {
	if tag == "" {
		return IDTag{}, fmt.Errorf("%w: id tag is required", ErrInvalidArgument)
	}
	s.mu.RLock()
	t, ok := s.tags[tag]
	s.mu.RUnlock()
	if !ok {
		return IDTag{Tag: tag, Status: TagInvalid}, nil
	}
	return tagStatus(t, now), nil
}

func (s *InMemoryStore) AddIDTag(ctx context.Context, tag IDTag) error {
	if tag.Tag == "" || !validTagStatus(tag.Status) {
		return fmt.Errorf("%w: id tag %q status %q", ErrInvalidArgument, tag.Tag, tag.Status)
	}
	if tag.Status == "" {
		tag.Status = TagAccepted
	}
	s.mu.Lock()
	s.tags[tag.Tag] = tag
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) StartTransaction(ctx context.Context, tx Transaction) (Transaction, error) {
	if tx.StationID == "" || tx.IDTag == "" {
		return Transaction{}, fmt.Errorf("%w: station id and id tag are required", ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextTx++
	tx.ID = s.nextTx
	tx.MeterStop = nil
	tx.StoppedAt = nil
	s.txs[tx.ID] = tx
	return tx, nil
}

func (s *InMemoryStore) StopTransaction(ctx context.Context, id, meterStop int, at time.Time, reason string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[id]
	if !ok {
		return Transaction{}, fmt.Errorf("%w: %d", ErrTransactionNotFound, id)
	}
	if tx.StoppedAt != nil {
		return tx, fmt.Errorf("%w: %d", ErrTransactionStopped, id)
	}
	tx.MeterStop = &meterStop
	tx.StoppedAt = &at
	tx.Reason = reason
	s.txs[id] = tx
	return tx, nil
}

func (s *InMemoryStore) Station(ctx context.Context, id string) (Station, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.stations[id]
	if !ok {
		return Station{}, fmt.Errorf("%w: %s", ErrStationNotFound, id)
	}
	return copyStation(st), nil
}

func (s *InMemoryStore) ListStations(ctx context.Context) ([]Station, error) {
	s.mu.RLock()
	out := make([]Station, 0, len(s.stations))
	for _, st := range s.stations {
		out = append(out, copyStation(st))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Transaction returns a stored transaction.
func (s *InMemoryStore) Transaction(id int) (Transaction, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	return tx, ok
}

func copyStation(st *Station) Station {
	out := *st
	if st.Connectors != nil {
		out.Connectors = make(map[int]ConnectorStatus, len(st.Connectors))
		for k, v := range st.Connectors {
			out.Connectors[k] = v
		}
	}
	return out
}
