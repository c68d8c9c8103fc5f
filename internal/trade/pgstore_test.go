package trade

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strandmarkt/internal/db"
)

// newPgStore connects to STRANDMARKT_TEST_DATABASE_URL. The tests only touch
// rows they create.
func newPgStore(t *testing.T) *PgStore {
	t.Helper()
	url := os.Getenv("STRANDMARKT_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("STRANDMARKT_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, url)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, db.EnsureSchema(ctx, pool))
	return NewPgStore(pool)
}

func pgOffer(t *testing.T, p *PgStore) Offer {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	expires := now.Add(time.Hour)
	o, err := p.CreateOffer(ctx, Offer{
		GuildID:     "test-guild",
		CreatorID:   "creator-" + uuid.NewString(),
		ItemKey:     "fish",
		DisplayName: "Fish",
		Kind:        KindSell,
		UnitPrice:   decimal.NewFromInt(100),
		Quantity:    2,
		Status:      OfferActive,
		CreatedAt:   now,
		ExpiresAt:   &expires,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = p.db.Exec(ctx, `DELETE FROM market.trade_sessions WHERE offer_id = $1`, o.ID)
		_, _ = p.db.Exec(ctx, `DELETE FROM market.trade_offers WHERE id = $1`, o.ID)
	})
	return o
}

func pgSession(o Offer, counterparty string) TradeSession {
	seller, buyer := o.Parties(counterparty)
	return TradeSession{
		OfferID:        o.ID,
		CounterpartyID: counterparty,
		SellerID:       seller,
		BuyerID:        buyer,
		AgreedPrice:    o.UnitPrice,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestPgConcurrentInsertCreatesOneSession(t *testing.T) {
	p := newPgStore(t)
	o := pgOffer(t, p)
	s := pgSession(o, "buyer-"+uuid.NewString())

	const callers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = map[int64]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, ok, err := p.InsertSessionIfAbsent(context.Background(), s)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[got.ID] = true
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func TestPgInsertRejectsClosedOffer(t *testing.T) {
	p := newPgStore(t)
	ctx := context.Background()

	closed := pgOffer(t, p)
	changed, err := p.CloseOffer(ctx, closed.ID, OfferCompleted)
	require.NoError(t, err)
	require.True(t, changed)
	_, created, err := p.InsertSessionIfAbsent(ctx, pgSession(closed, "buyer-"+uuid.NewString()))
	assert.ErrorIs(t, err, ErrOfferInactive)
	assert.False(t, created)

	expired := pgOffer(t, p)
	late := pgSession(expired, "buyer-"+uuid.NewString())
	late.CreatedAt = expired.ExpiresAt.Add(time.Second)
	_, created, err = p.InsertSessionIfAbsent(ctx, late)
	assert.ErrorIs(t, err, ErrOfferInactive)
	assert.False(t, created)

	open, err := p.OpenSessionsForOffer(ctx, closed.ID)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPgConcurrentConfirmCompletesOnce(t *testing.T) {
	p := newPgStore(t)
	ctx := context.Background()
	o := pgOffer(t, p)
	s, created, err := p.InsertSessionIfAbsent(ctx, pgSession(o, "buyer-"+uuid.NewString()))
	require.NoError(t, err)
	require.True(t, created)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completes int
	)
	for _, party := range []Party{PartySeller, PartyBuyer, PartySeller, PartyBuyer} {
		wg.Add(1)
		go func(party Party) {
			defer wg.Done()
			_, done, err := p.ConfirmSession(context.Background(), s.ID, party)
			assert.NoError(t, err)
			if done {
				mu.Lock()
				completes++
				mu.Unlock()
			}
		}(party)
	}
	wg.Wait()

	assert.Equal(t, 1, completes)
	got, err := p.Session(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionCompleted, got.Status)
	offer, err := p.Offer(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, OfferCompleted, offer.Status)
}
