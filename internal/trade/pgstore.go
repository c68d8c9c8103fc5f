package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const offerColumns = `
	id, guild_id, channel_id, message_id, creator_id, creator_name, item_key, display_name,
	kind, unit_price, quantity, description, status, created_at, expires_at`

const sessionColumns = `
	id, offer_id, counterparty_id, seller_id, buyer_id, status, channel_ref, agreed_price,
	seller_confirmed, buyer_confirmed, created_at, updated_at, closed_at`

// PgStore is the Postgres implementation of Store.
type PgStore struct {
	db *pgxpool.Pool
}

func NewPgStore(db *pgxpool.Pool) *PgStore {
	return &PgStore{db: db}
}

func scanOffer(row pgx.Row) (Offer, error) {
	var o Offer
	err := row.Scan(
		&o.ID, &o.GuildID, &o.ChannelID, &o.MessageID, &o.CreatorID, &o.CreatorName, &o.ItemKey, &o.DisplayName,
		&o.Kind, &o.UnitPrice, &o.Quantity, &o.Description, &o.Status, &o.CreatedAt, &o.ExpiresAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Offer{}, ErrOfferNotFound
	}
	return o, err
}

func scanSession(row pgx.Row) (TradeSession, error) {
	var (
		s   TradeSession
		ref *string
	)
	err := row.Scan(
		&s.ID, &s.OfferID, &s.CounterpartyID, &s.SellerID, &s.BuyerID, &s.Status, &ref, &s.AgreedPrice,
		&s.SellerConfirmed, &s.BuyerConfirmed, &s.CreatedAt, &s.UpdatedAt, &s.ClosedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return TradeSession{}, ErrSessionNotFound
	}
	if ref != nil {
		s.ChannelRef = *ref
	}
	return s, err
}

func collectOffers(rows pgx.Rows) ([]Offer, error) {
	defer rows.Close()
	out := make([]Offer, 0)
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func collectSessions(rows pgx.Rows) ([]TradeSession, error) {
	defer rows.Close()
	out := make([]TradeSession, 0)
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PgStore) CreateOffer(ctx context.Context, o Offer) (Offer, error) {
	return scanOffer(p.db.QueryRow(ctx, `
		INSERT INTO market.trade_offers
			(guild_id, channel_id, message_id, creator_id, creator_name, item_key, display_name,
			 kind, unit_price, quantity, description, status, created_at, updated_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13, $14)
		RETURNING `+offerColumns,
		o.GuildID, o.ChannelID, o.MessageID, o.CreatorID, o.CreatorName, o.ItemKey, o.DisplayName,
		o.Kind, o.UnitPrice, o.Quantity, o.Description, o.Status, o.CreatedAt, o.ExpiresAt,
	))
}

func (p *PgStore) Offer(ctx context.Context, id int64) (Offer, error) {
	return scanOffer(p.db.QueryRow(ctx, `SELECT `+offerColumns+` FROM market.trade_offers WHERE id = $1`, id))
}

func (p *PgStore) SetOfferMessage(ctx context.Context, id int64, channelID, messageID string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE market.trade_offers
		SET channel_id = $2, message_id = $3, updated_at = now()
		WHERE id = $1
	`, id, channelID, messageID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrOfferNotFound
	}
	return nil
}

func (p *PgStore) ListOffersByCreator(ctx context.Context, creatorID string, limit int) ([]Offer, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+offerColumns+`
		FROM market.trade_offers
		WHERE creator_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, creatorID, limit)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (p *PgStore) ListActiveOffers(ctx context.Context, filter OfferFilter, now time.Time) ([]Offer, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+offerColumns+`
		FROM market.trade_offers
		WHERE status = 'active'
		  AND (expires_at IS NULL OR expires_at > $1)
		  AND ($2 = '' OR kind = $2)
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, now, string(filter.Kind), filter.Limit)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (p *PgStore) CloseOffer(ctx context.Context, id int64, status OfferStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("close offer: %q is not terminal", status)
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE market.trade_offers
		SET status = $2, updated_at = now()
		WHERE id = $1 AND status = 'active'
	`, id, status)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := p.Offer(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PgStore) ExpireOffers(ctx context.Context, now time.Time) ([]Offer, error) {
	rows, err := p.db.Query(ctx, `
		UPDATE market.trade_offers
		SET status = 'expired', updated_at = now()
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		RETURNING `+offerColumns, now)
	if err != nil {
		return nil, err
	}
	return collectOffers(rows)
}

func (p *PgStore) InsertSessionIfAbsent(ctx context.Context, s TradeSession) (TradeSession, bool, error) {
	// FOR SHARE holds the offer row until the insert commits, so a concurrent
	// close waits for it and its sibling cleanup sees the new session.
	created, err := scanSession(p.db.QueryRow(ctx, `
		INSERT INTO market.trade_sessions
			(offer_id, counterparty_id, seller_id, buyer_id, status, agreed_price, created_at, updated_at)
		SELECT $1::bigint, $2::text, $3::text, $4::text, $5::text, $6::numeric, $7::timestamptz, $7::timestamptz
		WHERE EXISTS (
			SELECT 1 FROM market.trade_offers
			WHERE id = $1::bigint AND status = 'active' AND (expires_at IS NULL OR expires_at > $7::timestamptz)
			FOR SHARE
		)
		ON CONFLICT (offer_id, counterparty_id) WHERE status IN ('pending', 'accepted') DO NOTHING
		RETURNING `+sessionColumns,
		s.OfferID, s.CounterpartyID, s.SellerID, s.BuyerID, SessionPending, s.AgreedPrice, s.CreatedAt,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return TradeSession{}, false, err
	}
	existing, err := scanSession(p.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM market.trade_sessions
		WHERE offer_id = $1 AND counterparty_id = $2 AND status IN ('pending', 'accepted')
	`, s.OfferID, s.CounterpartyID))
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return TradeSession{}, false, err
	}
	// Nothing inserted and nothing open: either the offer is closed or the
	// conflicting session closed between the two statements.
	var active bool
	err = p.db.QueryRow(ctx, `
		SELECT status = 'active' AND (expires_at IS NULL OR expires_at > $2)
		FROM market.trade_offers WHERE id = $1
	`, s.OfferID, s.CreatedAt).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return TradeSession{}, false, ErrOfferNotFound
	}
	if err != nil {
		return TradeSession{}, false, err
	}
	if !active {
		return TradeSession{}, false, ErrOfferInactive
	}
	return p.InsertSessionIfAbsent(ctx, s)
}

func (p *PgStore) AttachSpace(ctx context.Context, sessionID int64, channelRef string) error {
	tag, err := p.db.Exec(ctx, `
		UPDATE market.trade_sessions SET channel_ref = $2, updated_at = now() WHERE id = $1
	`, sessionID, channelRef)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (p *PgStore) Session(ctx context.Context, id int64) (TradeSession, error) {
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM market.trade_sessions WHERE id = $1`, id))
}

func (p *PgStore) SessionBySpace(ctx context.Context, channelRef string) (TradeSession, error) {
	return scanSession(p.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM market.trade_sessions WHERE channel_ref = $1`, channelRef))
}

func (p *PgStore) OpenSessionsForOffer(ctx context.Context, offerID int64) ([]TradeSession, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM market.trade_sessions
		WHERE offer_id = $1 AND status IN ('pending', 'accepted')
		ORDER BY id
	`, offerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (p *PgStore) StaleSessions(ctx context.Context, cutoff time.Time) ([]TradeSession, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM market.trade_sessions
		WHERE status IN ('pending', 'accepted') AND updated_at < $1
		ORDER BY id
	`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (p *PgStore) TerminalSessions(ctx context.Context) ([]TradeSession, error) {
	rows, err := p.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM market.trade_sessions
		WHERE status IN ('completed', 'cancelled')
		ORDER BY closed_at NULLS FIRST, id
	`)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// transitionSession runs a single guarded status update and falls back to
// reading the current row when the guard did not match.
func (p *PgStore) transitionSession(ctx context.Context, id int64, sql string) (TradeSession, bool, error) {
	s, err := scanSession(p.db.QueryRow(ctx, sql, id))
	if err == nil {
		return s, true, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return TradeSession{}, false, err
	}
	cur, err := p.Session(ctx, id)
	if err != nil {
		return TradeSession{}, false, err
	}
	return cur, false, nil
}

func (p *PgStore) AcceptSession(ctx context.Context, id int64) (TradeSession, bool, error) {
	return p.transitionSession(ctx, id, `
		UPDATE market.trade_sessions
		SET status = 'accepted', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+sessionColumns)
}

func (p *PgStore) CancelSession(ctx context.Context, id int64) (TradeSession, bool, error) {
	return p.transitionSession(ctx, id, `
		UPDATE market.trade_sessions
		SET status = 'cancelled', updated_at = now(), closed_at = now()
		WHERE id = $1 AND status IN ('pending', 'accepted')
		RETURNING `+sessionColumns)
}

// ConfirmSession locks the session row, so two confirmations arriving at the
// same time are applied one after the other and only the second observes both
// flags set.
func (p *PgStore) ConfirmSession(ctx context.Context, id int64, party Party) (TradeSession, bool, error) {
	tx, err := p.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return TradeSession{}, false, err
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx, `
		SELECT `+sessionColumns+` FROM market.trade_sessions WHERE id = $1 FOR UPDATE
	`, id))
	if err != nil {
		return TradeSession{}, false, err
	}
	if s.Status.Terminal() {
		return s, false, tx.Commit(ctx)
	}

	flag := "seller_confirmed"
	if party == PartyBuyer {
		flag = "buyer_confirmed"
	}
	s, err = scanSession(tx.QueryRow(ctx, `
		UPDATE market.trade_sessions
		SET `+flag+` = true, updated_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns, id))
	if err != nil {
		return TradeSession{}, false, err
	}
	if !s.BothConfirmed() {
		return s, false, tx.Commit(ctx)
	}

	var offerStatus OfferStatus
	if err := tx.QueryRow(ctx, `
		SELECT status FROM market.trade_offers WHERE id = $1 FOR UPDATE
	`, s.OfferID).Scan(&offerStatus); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return TradeSession{}, false, ErrOfferNotFound
		}
		return TradeSession{}, false, err
	}

	next := SessionCompleted
	if offerStatus != OfferActive {
		next = SessionCancelled
	}
	s, err = scanSession(tx.QueryRow(ctx, `
		UPDATE market.trade_sessions
		SET status = $2, updated_at = now(), closed_at = now()
		WHERE id = $1
		RETURNING `+sessionColumns, id, next))
	if err != nil {
		return TradeSession{}, false, err
	}
	if next == SessionCompleted {
		if _, err := tx.Exec(ctx, `
			UPDATE market.trade_offers SET status = 'completed', updated_at = now() WHERE id = $1
		`, s.OfferID); err != nil {
			return TradeSession{}, false, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return TradeSession{}, false, err
	}
	return s, next == SessionCompleted, nil
}

func (p *PgStore) DeleteSession(ctx context.Context, id int64) error {
	tag, err := p.db.Exec(ctx, `DELETE FROM market.trade_sessions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}
