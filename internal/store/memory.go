package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ILLUVRSE/docflow/internal/audit"
	"github.com/ILLUVRSE/docflow/internal/models"
)

// MemoryStore keeps everything in process. It backs the dev mode and most tests.
type MemoryStore struct {
	mu       sync.RWMutex
	sealer   *audit.Sealer
	requests map[string]models.ApprovalRequest
	index    map[Dimension]map[string][]string
	roles    map[models.Principal]map[models.Role]bool
	settings map[string]string

	events      []*memEvent
	byStream    map[string][]*memEvent
	streamOrder []string

	// NowFunc stamps outbox claims; defaults to time.Now.
	NowFunc func() time.Time
}

type memEvent struct {
	audit.Event
	claimedAt time.Time
}

func NewMemoryStore(sealer *audit.Sealer) *MemoryStore {
	return &MemoryStore{
		sealer:   sealer,
		requests: map[string]models.ApprovalRequest{},
		index: map[Dimension]map[string][]string{
			ByRequester: {},
			ByApprover:  {},
			ByDocument:  {},
		},
		roles:    map[models.Principal]map[models.Role]bool{},
		settings: map[string]string{},
		byStream: map[string][]*memEvent{},
		NowFunc:  time.Now,
	}
}

// sealLocked seals drafts against the current stream heads without mutating the store.
func (m *MemoryStore) sealLocked(drafts []audit.Draft) ([]audit.Event, error) {
	type head struct {
		seq  int64
		hash string
	}
	heads := map[string]head{}
	out := make([]audit.Event, 0, len(drafts))
	for _, d := range drafts {
		h, ok := heads[d.StreamID]
		if !ok {
			if evs := m.byStream[d.StreamID]; len(evs) > 0 {
				last := evs[len(evs)-1]
				h = head{seq: last.Seq, hash: last.Hash}
			}
		}
		ev, err := m.sealer.Seal(d, h.seq, h.hash)
		if err != nil {
			return nil, err
		}
		heads[d.StreamID] = head{seq: ev.Seq, hash: ev.Hash}
		out = append(out, ev)
	}
	return out, nil
}

func (m *MemoryStore) appendLocked(events []audit.Event) {
	for _, ev := range events {
		me := &memEvent{Event: ev}
		if _, ok := m.byStream[ev.StreamID]; !ok {
			m.streamOrder = append(m.streamOrder, ev.StreamID)
		}
		m.events = append(m.events, me)
		m.byStream[ev.StreamID] = append(m.byStream[ev.StreamID], me)
	}
}

func (m *MemoryStore) InsertRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrDuplicate
	}
	sealed, err := m.sealLocked(events)
	if err != nil {
		return err
	}
	m.requests[req.ID] = req.Clone()
	m.index[ByRequester][string(req.Requester)] = append(m.index[ByRequester][string(req.Requester)], req.ID)
	for _, a := range req.Approvers {
		m.index[ByApprover][string(a)] = append(m.index[ByApprover][string(a)], req.ID)
	}
	m.index[ByDocument][req.DocumentID] = append(m.index[ByDocument][req.DocumentID], req.ID)
	m.appendLocked(sealed)
	return nil
}

func (m *MemoryStore) GetRequest(ctx context.Context, id string) (models.ApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.requests[id]
	if !ok {
		return models.ApprovalRequest{}, ErrNotFound
	}
	return req.Clone(), nil
}

func (m *MemoryStore) UpdateRequest(ctx context.Context, req models.ApprovalRequest, events ...audit.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[req.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Revision != req.Revision {
		return ErrConflict
	}
	sealed, err := m.sealLocked(events)
	if err != nil {
		return err
	}
	next := req.Clone()
	cur.Status = next.Status
	cur.Steps = next.Steps
	cur.UpdatedAt = next.UpdatedAt
	cur.Revision++
	m.requests[req.ID] = cur
	m.appendLocked(sealed)
	return nil
}

func (m *MemoryStore) RequestIDs(ctx context.Context, dim Dimension, key string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string{}, m.index[dim][key]...), nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []models.ApprovalRequest
	for _, r := range m.requests {
		if r.Status.Open() && r.ExpiredAt(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Expiry.Before(*due[j].Expiry) })
	ids := make([]string, 0, len(due))
	for _, r := range due {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (m *MemoryStore) GrantRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.roles[p][role] {
		return false, nil
	}
	sealed, err := m.sealLocked([]audit.Draft{ev})
	if err != nil {
		return false, err
	}
	if m.roles[p] == nil {
		m.roles[p] = map[models.Role]bool{}
	}
	m.roles[p][role] = true
	m.appendLocked(sealed)
	return true, nil
}

func (m *MemoryStore) RevokeRole(ctx context.Context, p models.Principal, role models.Role, ev audit.Draft) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.roles[p][role] {
		return false, nil
	}
	sealed, err := m.sealLocked([]audit.Draft{ev})
	if err != nil {
		return false, err
	}
	delete(m.roles[p], role)
	m.appendLocked(sealed)
	return true, nil
}

func (m *MemoryStore) HasRole(ctx context.Context, p models.Principal, role models.Role) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.roles[p][role], nil
}

func (m *MemoryStore) RolesOf(ctx context.Context, p models.Principal) ([]models.Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []models.Role{}
	for r, ok := range m.roles[p] {
		if ok {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *MemoryStore) PutSetting(ctx context.Context, key, value string, events ...audit.Draft) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sealed, err := m.sealLocked(events)
	if err != nil {
		return err
	}
	m.settings[key] = value
	m.appendLocked(sealed)
	return nil
}

func (m *MemoryStore) AppendEvent(ctx context.Context, d audit.Draft) (audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sealed, err := m.sealLocked([]audit.Draft{d})
	if err != nil {
		return audit.Event{}, err
	}
	m.appendLocked(sealed)
	return sealed[0], nil
}

func (m *MemoryStore) ListEvents(ctx context.Context, stream string) ([]audit.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	evs := m.byStream[stream]
	out := make([]audit.Event, 0, len(evs))
	for _, e := range evs {
		out = append(out, e.Event)
	}
	return out, nil
}

// FetchPendingEvents claims undelivered events stream by stream. A stream whose earliest
// undelivered event is still claimed by someone else is skipped.
func (m *MemoryStore) FetchPendingEvents(ctx context.Context, limit int) ([]audit.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.NowFunc()
	var out []audit.Event
	for _, stream := range m.streamOrder {
		if limit > 0 && len(out) >= limit {
			break
		}
	events:
		for _, e := range m.byStream[stream] {
			if limit > 0 && len(out) >= limit {
				break
			}
			switch e.StreamStatus {
			case audit.StatusDone:
				continue
			case audit.StatusInProgress:
				if now.Sub(e.claimedAt) < claimLease {
					break events
				}
			}
			e.StreamStatus = audit.StatusInProgress
			e.Attempts++
			e.claimedAt = now
			out = append(out, e.Event)
		}
	}
	return out, nil
}

func (m *MemoryStore) find(id string) *memEvent {
	for _, e := range m.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *MemoryStore) MarkStreamResult(ctx context.Context, id, archiveKey string, ok bool, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.find(id)
	if e == nil {
		return ErrNotFound
	}
	if ok {
		e.StreamStatus = audit.StatusDone
		e.ArchiveKey = archiveKey
		e.LastError = ""
	} else {
		e.StreamStatus = audit.StatusFailed
		e.LastError = errMsg
	}
	return nil
}

func (m *MemoryStore) ReleaseEvents(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if e := m.find(id); e != nil && e.StreamStatus == audit.StatusInProgress {
			e.StreamStatus = audit.StatusPending
			e.Attempts--
		}
	}
	return nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }
