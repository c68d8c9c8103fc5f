package prices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"strandmarkt/internal/trade"
)

type Service struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func NewService(db *pgxpool.Pool, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: db, log: logger}
}

func scanRecord(row pgx.Row) (Record, error) {
	var r Record
	err := row.Scan(&r.ItemKey, &r.DisplayName, &r.MarketPrice, &r.StateValue, &r.ImageURL, &r.UpdatedBy, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return r, err
}

func (s *Service) Current(ctx context.Context, name string) (Record, error) {
	return scanRecord(s.db.QueryRow(ctx, `
		SELECT item_key, display_name, market_price, state_value, image_url, updated_by, updated_at
		FROM market.current_prices
		WHERE item_key = $1
	`, Key(name)))
}

// Upsert stores a new market price and appends it to the history in one
// transaction. Omitted state value and image keep what is stored.
func (s *Service) Upsert(ctx context.Context, in UpsertInput) (UpsertResult, error) {
	if err := in.validate(); err != nil {
		return UpsertResult{}, err
	}
	key, display := trade.NormalizeItem(in.Name)

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return UpsertResult{}, err
	}
	defer tx.Rollback(ctx)

	var (
		res       UpsertResult
		prevState decimal.NullDecimal
		prevImage string
	)
	err = tx.QueryRow(ctx, `
		SELECT state_value, image_url FROM market.current_prices WHERE item_key = $1 FOR UPDATE
	`, key).Scan(&prevState, &prevImage)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		res.Created = true
	case err != nil:
		return UpsertResult{}, err
	}

	state := in.StateValue
	if !state.Valid && prevState.Valid {
		state = prevState
		res.KeptState = true
	}
	image := strings.TrimSpace(in.ImageURL)
	if image == "" && prevImage != "" {
		image = prevImage
		res.KeptImage = true
	}

	res.Record, err = scanRecord(tx.QueryRow(ctx, `
		INSERT INTO market.current_prices (item_key, display_name, market_price, state_value, image_url, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (item_key) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    market_price = EXCLUDED.market_price,
		    state_value = EXCLUDED.state_value,
		    image_url = EXCLUDED.image_url,
		    updated_by = EXCLUDED.updated_by,
		    updated_at = EXCLUDED.updated_at
		RETURNING item_key, display_name, market_price, state_value, image_url, updated_by, updated_at
	`, key, display, in.MarketPrice, state, image, in.UpdatedBy))
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upsert current price: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO market.price_history (item_key, display_name, market_price, state_value, image_url, added_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, key, display, in.MarketPrice, state, image, in.UpdatedBy); err != nil {
		return UpsertResult{}, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, err
	}
	s.log.Info("price updated", "item", key, "market_price", in.MarketPrice.String(), "by", in.UpdatedBy, "created", res.Created)
	return res, nil
}

// History returns the most recent entries of an item in chronological order.
// An item without entries yields ErrNoHistory.
func (s *Service) History(ctx context.Context, name string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `
		SELECT item_key, display_name, market_price, state_value, added_by, added_at
		FROM (
			SELECT * FROM market.price_history
			WHERE item_key = $1
			ORDER BY added_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY added_at ASC, id ASC
	`, Key(name), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]HistoryEntry, 0)
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ItemKey, &h.DisplayName, &h.MarketPrice, &h.StateValue, &h.AddedBy, &h.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNoHistory
	}
	return out, nil
}

// Stats aggregates the full history of an item.
func (s *Service) Stats(ctx context.Context, name string) (Stats, error) {
	history, err := s.History(ctx, name, 10_000)
	if err != nil {
		return Stats{}, err
	}
	return ComputeStats(history)
}

// All lists every current price, most expensive first.
func (s *Service) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.Query(ctx, `
		SELECT item_key, display_name, market_price, state_value, image_url, updated_by, updated_at
		FROM market.current_prices
		ORDER BY market_price DESC, display_name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Search returns display names containing the query, for autocomplete.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]string, error) {
	if limit <= 0 || limit > DefaultSearchLimit {
		limit = DefaultSearchLimit
	}
	rows, err := s.db.Query(ctx, `
		SELECT display_name
		FROM market.current_prices
		WHERE display_name ILIKE '%' || $1 || '%'
		ORDER BY display_name
		LIMIT $2
	`, likeEscaper.Replace(strings.TrimSpace(query)), limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// ItemExists lets the trade engine require known items.
func (s *Service) ItemExists(ctx context.Context, itemKey string) (bool, error) {
	var ok bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM market.current_prices WHERE item_key = $1)`, itemKey).Scan(&ok)
	return ok, err
}

// SetImage stores the normalized thumbnail of an item.
func (s *Service) SetImage(ctx context.Context, name string, png []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO market.item_images (item_key, png, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (item_key) DO UPDATE SET png = EXCLUDED.png, updated_at = EXCLUDED.updated_at
	`, Key(name), png)
	return err
}

func (s *Service) Image(ctx context.Context, name string) ([]byte, error) {
	var png []byte
	err := s.db.QueryRow(ctx, `SELECT png FROM market.item_images WHERE item_key = $1`, Key(name)).Scan(&png)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return png, err
}
