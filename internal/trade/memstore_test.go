package trade

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"strandmarkt/internal/auth"
)

// memStore mirrors the guarantees of PgStore with a single mutex.
type memStore struct {
	mu       sync.Mutex
	offers   map[int64]Offer
	sessions map[int64]TradeSession
	nextID   int64
	inserts  int
}

func newMemStore() *memStore {
	return &memStore{
		offers:   make(map[int64]Offer),
		sessions: make(map[int64]TradeSession),
	}
}

func (m *memStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memStore) CreateOffer(_ context.Context, o Offer) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = m.id()
	m.offers[o.ID] = o
	return o, nil
}

func (m *memStore) Offer(_ context.Context, id int64) (Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return Offer{}, ErrOfferNotFound
	}
	return o, nil
}

func (m *memStore) SetOfferMessage(_ context.Context, id int64, channelID, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return ErrOfferNotFound
	}
	o.ChannelID, o.MessageID = channelID, messageID
	m.offers[id] = o
	return nil
}

func (m *memStore) sortedOffers(keep func(Offer) bool, limit int) []Offer {
	out := make([]Offer, 0)
	for _, o := range m.offers {
		if keep(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memStore) ListOffersByCreator(_ context.Context, creatorID string, limit int) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedOffers(func(o Offer) bool { return o.CreatorID == creatorID }, limit), nil
}

func (m *memStore) ListActiveOffers(_ context.Context, f OfferFilter, now time.Time) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedOffers(func(o Offer) bool {
		return o.Status == OfferActive && !o.ExpiredAt(now) && (f.Kind == "" || o.Kind == f.Kind)
	}, f.Limit), nil
}

func (m *memStore) CloseOffer(_ context.Context, id int64, status OfferStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[id]
	if !ok {
		return false, ErrOfferNotFound
	}
	if o.Status != OfferActive {
		return false, nil
	}
	o.Status = status
	m.offers[id] = o
	return true, nil
}

func (m *memStore) ExpireOffers(_ context.Context, now time.Time) ([]Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Offer
	for id, o := range m.offers {
		if o.Status == OfferActive && o.ExpiredAt(now) {
			o.Status = OfferExpired
			m.offers[id] = o
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *memStore) InsertSessionIfAbsent(_ context.Context, s TradeSession) (TradeSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.sessions {
		if cur.OfferID == s.OfferID && cur.CounterpartyID == s.CounterpartyID && !cur.Status.Terminal() {
			return cur, false, nil
		}
	}
	o, ok := m.offers[s.OfferID]
	if !ok {
		return TradeSession{}, false, ErrOfferNotFound
	}
	if o.Status != OfferActive || o.ExpiredAt(s.CreatedAt) {
		return TradeSession{}, false, ErrOfferInactive
	}
	s.ID = m.id()
	m.sessions[s.ID] = s
	m.inserts++
	return s, true, nil
}

func (m *memStore) AttachSpace(_ context.Context, id int64, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.ChannelRef = ref
	m.sessions[id] = s
	return nil
}

func (m *memStore) Session(_ context.Context, id int64) (TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return TradeSession{}, ErrSessionNotFound
	}
	return s, nil
}

func (m *memStore) SessionBySpace(_ context.Context, ref string) (TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ChannelRef == ref {
			return s, nil
		}
	}
	return TradeSession{}, ErrSessionNotFound
}

func (m *memStore) filterSessions(keep func(TradeSession) bool) []TradeSession {
	var out []TradeSession
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memStore) OpenSessionsForOffer(_ context.Context, offerID int64) ([]TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterSessions(func(s TradeSession) bool { return s.OfferID == offerID && !s.Status.Terminal() }), nil
}

func (m *memStore) StaleSessions(_ context.Context, cutoff time.Time) ([]TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterSessions(func(s TradeSession) bool { return !s.Status.Terminal() && s.UpdatedAt.Before(cutoff) }), nil
}

func (m *memStore) TerminalSessions(_ context.Context) ([]TradeSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterSessions(func(s TradeSession) bool { return s.Status.Terminal() }), nil
}

func (m *memStore) AcceptSession(_ context.Context, id int64) (TradeSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return TradeSession{}, false, ErrSessionNotFound
	}
	if s.Status != SessionPending {
		return s, false, nil
	}
	s.Status = SessionAccepted
	m.sessions[id] = s
	return s, true, nil
}

func (m *memStore) ConfirmSession(_ context.Context, id int64, party Party) (TradeSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return TradeSession{}, false, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return s, false, nil
	}
	switch party {
	case PartySeller:
		s.SellerConfirmed = true
	case PartyBuyer:
		s.BuyerConfirmed = true
	default:
		return s, false, fmt.Errorf("unknown party %q", party)
	}
	completed := false
	if s.BothConfirmed() {
		now := time.Now()
		s.ClosedAt = &now
		o := m.offers[s.OfferID]
		if o.Status == OfferActive {
			o.Status = OfferCompleted
			m.offers[o.ID] = o
			s.Status = SessionCompleted
			completed = true
		} else {
			s.Status = SessionCancelled
		}
	}
	m.sessions[id] = s
	return s, completed, nil
}

func (m *memStore) CancelSession(_ context.Context, id int64) (TradeSession, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return TradeSession{}, false, ErrSessionNotFound
	}
	if s.Status.Terminal() {
		return s, false, nil
	}
	now := time.Now()
	s.Status = SessionCancelled
	s.ClosedAt = &now
	m.sessions[id] = s
	return s, true, nil
}

func (m *memStore) DeleteSession(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *memStore) openSessions(offerID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.filterSessions(func(s TradeSession) bool { return s.OfferID == offerID && !s.Status.Terminal() }))
}

type fakeSpaces struct {
	mu        sync.Mutex
	next      int
	created   []SpaceRequest
	live      map[string]bool
	destroyed []string
	createErr error
	failNext  int
}

func newFakeSpaces() *fakeSpaces {
	return &fakeSpaces{live: make(map[string]bool)}
}

func (f *fakeSpaces) Create(_ context.Context, req SpaceRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.next++
	ref := fmt.Sprintf("chan-%d", f.next)
	f.created = append(f.created, req)
	f.live[ref] = true
	return ref, nil
}

func (f *fakeSpaces) Destroy(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext > 0 {
		f.failNext--
		return fmt.Errorf("discord unavailable")
	}
	delete(f.live, ref)
	f.destroyed = append(f.destroyed, ref)
	return nil
}

func (f *fakeSpaces) createdCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type sentEvent struct {
	to Target
	ev Event
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentEvent
	err  error
}

func (f *fakeNotifier) Notify(_ context.Context, to Target, ev Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{to: to, ev: ev})
	return f.err
}

func (f *fakeNotifier) kinds() []EventKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventKind, 0, len(f.sent))
	for _, s := range f.sent {
		out = append(out, s.ev.Kind)
	}
	return out
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled []TradeSession
	rearmed   map[int64]bool
}

func (f *fakeScheduler) Schedule(s TradeSession) time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, s)
	if s.Status == SessionCompleted {
		return DefaultCompletedTeardown
	}
	return DefaultCancelledTeardown
}

func (f *fakeScheduler) Rearm(s TradeSession) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.rearmed == nil {
		f.rearmed = make(map[int64]bool)
	}
	if f.rearmed[s.ID] {
		return false
	}
	f.rearmed[s.ID] = true
	return true
}

func (f *fakeScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type fakeCatalog map[string]bool

func (c fakeCatalog) ItemExists(_ context.Context, key string) (bool, error) {
	return c[key], nil
}

const traderRole = "role-trader"

func trader(id string) auth.Member {
	return auth.Member{UserID: id, DisplayName: id, RoleIDs: []string{traderRole}}
}
