package trade

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandmarkt/internal/auth"
)

type harness struct {
	engine   *Engine
	store    *memStore
	spaces   *fakeSpaces
	notifier *fakeNotifier
	sched    *fakeScheduler
	now      time.Time
}

func newHarness(t *testing.T, opts ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		spaces:   newFakeSpaces(),
		notifier: &fakeNotifier{},
		sched:    &fakeScheduler{},
		now:      time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	d := Deps{
		Store:       h.store,
		Spaces:      h.spaces,
		Notifier:    h.notifier,
		Permissions: auth.NewChecker(traderRole),
		Teardown:    h.sched,
		Clock:       func() time.Time { return h.now },
	}
	for _, opt := range opts {
		opt(&d)
	}
	h.engine = NewEngine(d)
	return h
}

func (h *harness) offer(t *testing.T, creator string, kind OfferKind) Offer {
	t.Helper()
	o, err := h.engine.CreateOffer(context.Background(), CreateOfferInput{
		GuildID:   "guild",
		Creator:   trader(creator),
		Item:      "Fish",
		Kind:      kind,
		UnitPrice: decimal.NewFromInt(100),
		Quantity:  2,
	})
	require.NoError(t, err)
	return o
}

func TestCreateOfferValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := CreateOfferInput{
		Creator:   trader("c"),
		Item:      "Fish",
		Kind:      KindSell,
		UnitPrice: decimal.NewFromInt(10),
		Quantity:  1,
	}

	tests := []struct {
		name   string
		modify func(*CreateOfferInput)
		want   error
	}{
		{"zero quantity", func(in *CreateOfferInput) { in.Quantity = 0 }, ErrInvalidQuantity},
		{"zero price", func(in *CreateOfferInput) { in.UnitPrice = decimal.Zero }, ErrInvalidPrice},
		{"negative price", func(in *CreateOfferInput) { in.UnitPrice = decimal.NewFromInt(-5) }, ErrInvalidPrice},
		{"price above column range", func(in *CreateOfferInput) { in.UnitPrice = MaxPrice.Add(decimal.NewFromFloat(0.01)) }, ErrPriceTooHigh},
		{"bad kind", func(in *CreateOfferInput) { in.Kind = "swap" }, ErrInvalidKind},
		{"blank item", func(in *CreateOfferInput) { in.Item = "   " }, ErrItemRequired},
		{"no role", func(in *CreateOfferInput) { in.Creator = auth.Member{UserID: "c"} }, ErrNotPermitted},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := base
			tc.modify(&in)
			_, err := h.engine.CreateOffer(ctx, in)
			assert.ErrorIs(t, err, tc.want)
		})
	}

	o, err := h.engine.CreateOffer(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, OfferActive, o.Status)
	assert.Equal(t, "fish", o.ItemKey)
	require.NotNil(t, o.ExpiresAt)
	assert.Equal(t, h.now.Add(DefaultOfferTTL), *o.ExpiresAt)
}

func TestCreateOfferRequiresKnownItem(t *testing.T) {
	h := newHarness(t, func(d *Deps) {
		d.Settings.RequireKnownItem = true
		d.Catalog = fakeCatalog{"fish": true}
	})
	ctx := context.Background()
	in := CreateOfferInput{Creator: trader("c"), Item: "Stone", Kind: KindSell, UnitPrice: decimal.NewFromInt(1), Quantity: 1}
	_, err := h.engine.CreateOffer(ctx, in)
	assert.ErrorIs(t, err, ErrUnknownItem)

	in.Item = "  FISH "
	_, err = h.engine.CreateOffer(ctx, in)
	assert.NoError(t, err)
}

func TestSellOfferHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)

	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	require.True(t, res.Created)
	s := res.Session
	assert.Equal(t, SessionPending, s.Status)
	assert.Equal(t, "C", s.SellerID)
	assert.Equal(t, "B", s.BuyerID)
	assert.True(t, s.AgreedPrice.Equal(decimal.NewFromInt(100)))
	assert.NotEmpty(t, s.ChannelRef)
	require.Len(t, h.spaces.created, 1)
	assert.ElementsMatch(t, []string{"C", "B"}, h.spaces.created[0].Participants)

	cr, err := h.engine.ConfirmTrade(ctx, s.ID, "C")
	require.NoError(t, err)
	assert.False(t, cr.Completed)
	assert.Equal(t, SessionPending, cr.Session.Status)
	assert.Equal(t, 0, h.sched.count())

	cr, err = h.engine.ConfirmTrade(ctx, s.ID, "B")
	require.NoError(t, err)
	assert.True(t, cr.Completed)
	assert.Equal(t, SessionCompleted, cr.Session.Status)

	got, err := h.store.Offer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferCompleted, got.Status)
	require.Equal(t, 1, h.sched.count())
	assert.Equal(t, SessionCompleted, h.sched.scheduled[0].Status)
	assert.Contains(t, h.notifier.kinds(), EventSessionCompleted)
}

func TestBuyOfferResolvesParties(t *testing.T) {
	h := newHarness(t)
	o := h.offer(t, "C", KindBuy)
	res, err := h.engine.ExpressInterest(context.Background(), o.ID, trader("S"))
	require.NoError(t, err)
	assert.Equal(t, "S", res.Session.SellerID)
	assert.Equal(t, "C", res.Session.BuyerID)
}

func TestConfirmationIsOrderIndependent(t *testing.T) {
	for _, order := range [][]string{{"C", "B"}, {"B", "C"}} {
		h := newHarness(t)
		ctx := context.Background()
		o := h.offer(t, "C", KindSell)
		res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
		require.NoError(t, err)

		for _, who := range order {
			_, err := h.engine.ConfirmTrade(ctx, res.Session.ID, who)
			require.NoError(t, err)
		}
		s, err := h.store.Session(ctx, res.Session.ID)
		require.NoError(t, err)
		assert.Equal(t, SessionCompleted, s.Status, "order %v", order)
		got, _ := h.store.Offer(ctx, o.ID)
		assert.Equal(t, OfferCompleted, got.Status, "order %v", order)
	}
}

func TestConcurrentConfirmCompletesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
	)
	for _, who := range []string{"C", "B", "C", "B"} {
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			cr, err := h.engine.ConfirmTrade(ctx, res.Session.ID, who)
			assert.NoError(t, err)
			if cr.Completed {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}(who)
	}
	wg.Wait()
	assert.Equal(t, 1, completed)
	assert.Equal(t, 1, h.sched.count())
}

func TestReconfirmAfterCompletionIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, _ := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	_, _ = h.engine.ConfirmTrade(ctx, res.Session.ID, "C")
	_, _ = h.engine.ConfirmTrade(ctx, res.Session.ID, "B")

	cr, err := h.engine.ConfirmTrade(ctx, res.Session.ID, "B")
	require.NoError(t, err)
	assert.False(t, cr.Completed)
	assert.Equal(t, 1, h.sched.count())
}

func TestDuplicateInterestIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)

	first, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	second, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)

	assert.True(t, first.Created)
	assert.False(t, second.Created)
	assert.Equal(t, first.Session.ID, second.Session.ID)
	assert.Equal(t, 1, h.store.openSessions(o.ID))
	assert.Equal(t, 1, h.spaces.createdCount())
}

func TestConcurrentInterestCreatesOneSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)

	const n = 8
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
			assert.NoError(t, err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, h.store.openSessions(o.ID))
	assert.Equal(t, 1, h.spaces.createdCount())
}

func TestDifferentCounterpartiesGetOwnSessions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	a, err := h.engine.ExpressInterest(ctx, o.ID, trader("A"))
	require.NoError(t, err)
	b, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	assert.NotEqual(t, a.Session.ID, b.Session.ID)
	assert.NotEqual(t, a.Session.ChannelRef, b.Session.ChannelRef)

	// Completing one negotiation closes the other.
	_, _ = h.engine.ConfirmTrade(ctx, a.Session.ID, "C")
	cr, err := h.engine.ConfirmTrade(ctx, a.Session.ID, "A")
	require.NoError(t, err)
	require.True(t, cr.Completed)

	other, err := h.store.Session(ctx, b.Session.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, other.Status)
	assert.Contains(t, h.notifier.kinds(), EventOfferClosed)
}

func TestExpressInterestRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)

	_, err := h.engine.ExpressInterest(ctx, o.ID, trader("C"))
	assert.ErrorIs(t, err, ErrSelfTrade)

	_, err = h.engine.ExpressInterest(ctx, o.ID, auth.Member{UserID: "X"})
	assert.ErrorIs(t, err, ErrNotPermitted)
	require.NotEmpty(t, h.notifier.sent)
	last := h.notifier.sent[len(h.notifier.sent)-1]
	assert.Equal(t, EventPermissionDenied, last.ev.Kind)
	assert.Equal(t, "X", last.to.UserID)

	_, err = h.engine.ExpressInterest(ctx, 999, trader("B"))
	assert.ErrorIs(t, err, ErrOfferNotFound)

	assert.Equal(t, 0, h.store.openSessions(o.ID))
	assert.Equal(t, 0, h.spaces.createdCount())

	h.now = h.now.Add(DefaultOfferTTL)
	_, err = h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	assert.ErrorIs(t, err, ErrOfferInactive)
}

// closeBeforeInsert closes the offer right before the session insert, the
// window between the engine's offer read and the store write.
type closeBeforeInsert struct {
	*memStore
	status OfferStatus
}

func (c *closeBeforeInsert) InsertSessionIfAbsent(ctx context.Context, s TradeSession) (TradeSession, bool, error) {
	if _, err := c.CloseOffer(ctx, s.OfferID, c.status); err != nil {
		return TradeSession{}, false, err
	}
	return c.memStore.InsertSessionIfAbsent(ctx, s)
}

func TestInterestRacingOfferCloseOpensNothing(t *testing.T) {
	for _, status := range []OfferStatus{OfferCompleted, OfferCancelled, OfferExpired} {
		t.Run(string(status), func(t *testing.T) {
			h := newHarness(t, func(d *Deps) {
				d.Store = &closeBeforeInsert{memStore: d.Store.(*memStore), status: status}
			})
			ctx := context.Background()
			o := h.offer(t, "C", KindSell)

			res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
			assert.ErrorIs(t, err, ErrOfferInactive)
			assert.False(t, res.Created)
			assert.Equal(t, 0, h.store.openSessions(o.ID))
			assert.Equal(t, 0, h.spaces.createdCount())
		})
	}
}

func TestInterestAfterExpiryIsRejectedByStore(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)

	_, _, err := h.store.InsertSessionIfAbsent(ctx, TradeSession{
		OfferID:        o.ID,
		CounterpartyID: "B",
		CreatedAt:      *o.ExpiresAt,
	})
	assert.ErrorIs(t, err, ErrOfferInactive)
	assert.Equal(t, 0, h.store.openSessions(o.ID))
}

func TestNonParticipantCannotChangeSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	before, _ := h.store.Session(ctx, res.Session.ID)

	_, err = h.engine.ConfirmTrade(ctx, res.Session.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = h.engine.CancelTrade(ctx, res.Session.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)
	_, err = h.engine.AcceptTrade(ctx, res.Session.ID, "mallory")
	assert.ErrorIs(t, err, ErrNotParticipant)

	after, _ := h.store.Session(ctx, res.Session.ID)
	assert.Equal(t, before, after)
	assert.Equal(t, 0, h.sched.count())
}

func TestCancelTradeKeepsOfferActive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)

	s, err := h.engine.CancelTrade(ctx, res.Session.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, SessionCancelled, s.Status)
	require.Equal(t, 1, h.sched.count())
	assert.Equal(t, SessionCancelled, h.sched.scheduled[0].Status)

	got, _ := h.store.Offer(ctx, o.ID)
	assert.Equal(t, OfferActive, got.Status)

	// A second cancel is a no-op, confirming a cancelled session is rejected.
	_, err = h.engine.CancelTrade(ctx, res.Session.ID, "C")
	assert.NoError(t, err)
	assert.Equal(t, 1, h.sched.count())
	_, err = h.engine.ConfirmTrade(ctx, res.Session.ID, "C")
	assert.ErrorIs(t, err, ErrSessionClosed)

	// The same user can negotiate again after a failed attempt.
	again, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	assert.True(t, again.Created)
	assert.NotEqual(t, res.Session.ID, again.Session.ID)
}

func TestAcceptTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)

	_, err = h.engine.AcceptTrade(ctx, res.Session.ID, "B")
	assert.ErrorIs(t, err, ErrNotCreator)

	s, err := h.engine.AcceptTrade(ctx, res.Session.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, SessionAccepted, s.Status)

	s, err = h.engine.AcceptTrade(ctx, res.Session.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, SessionAccepted, s.Status)

	_, _ = h.engine.ConfirmTrade(ctx, s.ID, "B")
	cr, err := h.engine.ConfirmTrade(ctx, s.ID, "C")
	require.NoError(t, err)
	assert.True(t, cr.Completed)

	_, err = h.engine.AcceptTrade(ctx, s.ID, "C")
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestCancelOffer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)

	_, err = h.engine.CancelOffer(ctx, o.ID, "B")
	assert.ErrorIs(t, err, ErrNotCreator)

	got, err := h.engine.CancelOffer(ctx, o.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, OfferCancelled, got.Status)

	s, _ := h.store.Session(ctx, res.Session.ID)
	assert.Equal(t, SessionCancelled, s.Status)

	_, err = h.engine.CancelOffer(ctx, o.ID, "C")
	assert.ErrorIs(t, err, ErrOfferInactive)
}

func TestOfferStatusNeverLeavesTerminal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	a, _ := h.engine.ExpressInterest(ctx, o.ID, trader("A"))
	_, _ = h.engine.ConfirmTrade(ctx, a.Session.ID, "A")
	_, _ = h.engine.ConfirmTrade(ctx, a.Session.ID, "C")

	_, err := h.engine.CancelOffer(ctx, o.ID, "C")
	assert.ErrorIs(t, err, ErrOfferInactive)
	_, err = h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	assert.ErrorIs(t, err, ErrOfferInactive)
	_, err = h.engine.Sweep(ctx, h.now.Add(30*24*time.Hour))
	require.NoError(t, err)

	got, _ := h.store.Offer(ctx, o.ID)
	assert.Equal(t, OfferCompleted, got.Status)
}

func TestSpaceCreationFailureRollsBackSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	h.spaces.createErr = errors.New("missing permissions")

	_, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	assert.ErrorIs(t, err, ErrSpaceUnavailable)
	assert.Equal(t, 0, h.store.openSessions(o.ID))

	h.spaces.createErr = nil
	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestNotificationFailureDoesNotUndoTransition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.offer(t, "C", KindSell)
	h.notifier.err = errors.New("cannot send messages to this user")

	res, err := h.engine.ExpressInterest(ctx, o.ID, trader("B"))
	require.NoError(t, err)
	assert.True(t, res.Created)

	_, err = h.engine.ConfirmTrade(ctx, res.Session.ID, "C")
	require.NoError(t, err)
	cr, err := h.engine.ConfirmTrade(ctx, res.Session.ID, "B")
	require.NoError(t, err)
	assert.True(t, cr.Completed)
}

func TestListOffersNewestFirst(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.offer(t, "C", KindSell)
	h.now = h.now.Add(time.Minute)
	second := h.offer(t, "C", KindBuy)
	h.now = h.now.Add(time.Minute)
	third := h.offer(t, "D", KindSell)

	mine, err := h.engine.ListMyOffers(ctx, "C", 0)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.ID, mine[0].ID)
	assert.Equal(t, first.ID, mine[1].ID)

	sells, err := h.engine.ListActiveOffers(ctx, OfferFilter{Kind: KindSell})
	require.NoError(t, err)
	require.Len(t, sells, 2)
	assert.Equal(t, third.ID, sells[0].ID)

	_, err = h.engine.ListActiveOffers(ctx, OfferFilter{Kind: "trade"})
	assert.ErrorIs(t, err, ErrInvalidKind)
}

func TestSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expiring := h.offer(t, "C", KindSell)
	res, err := h.engine.ExpressInterest(ctx, expiring.ID, trader("B"))
	require.NoError(t, err)

	h.now = h.now.Add(DefaultOfferTTL - time.Hour)
	fresh := h.offer(t, "D", KindSell)
	idle, err := h.engine.ExpressInterest(ctx, fresh.ID, trader("B"))
	require.NoError(t, err)

	rep, err := h.engine.Sweep(ctx, h.now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.ExpiredOffers)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, 0, rep.TimedOut)
	assert.Equal(t, 1, rep.TeardownsRearmed)

	got, _ := h.store.Offer(ctx, expiring.ID)
	assert.Equal(t, OfferExpired, got.Status)
	s, _ := h.store.Session(ctx, res.Session.ID)
	assert.Equal(t, SessionCancelled, s.Status)

	rep, err = h.engine.Sweep(ctx, h.now.Add(DefaultSessionTimeout+time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.TimedOut)
	s, _ = h.store.Session(ctx, idle.Session.ID)
	assert.Equal(t, SessionCancelled, s.Status)
	assert.Contains(t, h.notifier.kinds(), EventSessionTimedOut)
}
