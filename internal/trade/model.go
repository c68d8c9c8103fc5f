package trade

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultOfferTTL       = 7 * 24 * time.Hour
	DefaultSessionTimeout = 24 * time.Hour

	// Trade channel names are capped by Discord at 100 characters.
	maxSpaceNameLen = 100
)

var (
	ErrOfferNotFound    = errors.New("offer not found")
	ErrOfferInactive    = errors.New("offer is no longer active")
	ErrSelfTrade        = errors.New("cannot trade on your own offer")
	ErrNotPermitted     = errors.New("missing trader role")
	ErrNotParticipant   = errors.New("not a participant of this trade")
	ErrNotCreator       = errors.New("only the offer creator can do this")
	ErrSessionNotFound  = errors.New("trade session not found")
	ErrSessionClosed    = errors.New("trade session already closed")
	ErrInvalidQuantity  = errors.New("quantity must be >= 1")
	ErrInvalidPrice     = errors.New("unit price must be > 0")
	ErrPriceTooHigh     = errors.New("price exceeds the storable maximum")
	ErrInvalidKind      = errors.New("kind must be sell or buy")
	ErrItemRequired     = errors.New("item is required")
	ErrUnknownItem      = errors.New("item not found in price list")
	ErrSpaceUnavailable = errors.New("trade channel could not be created")
)

// MaxPrice is the largest amount the NUMERIC(14, 2) price columns hold.
var MaxPrice = decimal.RequireFromString("999999999999.99")

type OfferKind string

const (
	KindSell OfferKind = "sell"
	KindBuy  OfferKind = "buy"
)

func ParseKind(s string) (OfferKind, error) {
	switch OfferKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindSell:
		return KindSell, nil
	case KindBuy:
		return KindBuy, nil
	default:
		return "", ErrInvalidKind
	}
}

type OfferStatus string

const (
	OfferActive    OfferStatus = "active"
	OfferCompleted OfferStatus = "completed"
	OfferCancelled OfferStatus = "cancelled"
	OfferExpired   OfferStatus = "expired"
)

func (s OfferStatus) Terminal() bool {
	return s != OfferActive
}

type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionAccepted  SessionStatus = "accepted"
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionCancelled
}

type Party string

const (
	PartySeller Party = "seller"
	PartyBuyer  Party = "buyer"
)

type Offer struct {
	ID          int64           `json:"id"`
	GuildID     string          `json:"guild_id"`
	ChannelID   string          `json:"channel_id,omitempty"`
	MessageID   string          `json:"message_id,omitempty"`
	CreatorID   string          `json:"creator_id"`
	CreatorName string          `json:"creator_name"`
	ItemKey     string          `json:"item_key"`
	DisplayName string          `json:"display_name"`
	Kind        OfferKind       `json:"kind"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	Description string          `json:"description,omitempty"`
	Status      OfferStatus     `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty"`
}

func (o Offer) Total() decimal.Decimal {
	return o.UnitPrice.Mul(decimal.NewFromInt(int64(o.Quantity)))
}

// Parties resolves seller and buyer for a negotiation between the offer's
// creator and the responding user.
func (o Offer) Parties(counterpartyID string) (sellerID, buyerID string) {
	if o.Kind == KindBuy {
		return counterpartyID, o.CreatorID
	}
	return o.CreatorID, counterpartyID
}

func (o Offer) ExpiredAt(now time.Time) bool {
	return o.ExpiresAt != nil && !now.Before(*o.ExpiresAt)
}

type TradeSession struct {
	ID              int64           `json:"id"`
	OfferID         int64           `json:"offer_id"`
	CounterpartyID  string          `json:"counterparty_id"`
	SellerID        string          `json:"seller_id"`
	BuyerID         string          `json:"buyer_id"`
	Status          SessionStatus   `json:"status"`
	ChannelRef      string          `json:"channel_ref,omitempty"`
	AgreedPrice     decimal.Decimal `json:"agreed_price"`
	SellerConfirmed bool            `json:"seller_confirmed"`
	BuyerConfirmed  bool            `json:"buyer_confirmed"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
}

func (s TradeSession) PartyOf(userID string) (Party, bool) {
	switch userID {
	case "":
		return "", false
	case s.SellerID:
		return PartySeller, true
	case s.BuyerID:
		return PartyBuyer, true
	}
	return "", false
}

func (s TradeSession) Participants() []string {
	return []string{s.SellerID, s.BuyerID}
}

func (s TradeSession) BothConfirmed() bool {
	return s.SellerConfirmed && s.BuyerConfirmed
}

// NormalizeItem returns the lookup key and the display form of an item name.
func NormalizeItem(name string) (key, display string) {
	display = strings.Join(strings.Fields(name), " ")
	return strings.ToLower(display), display
}

var nonSlugRE = regexp.MustCompile(`[^a-z0-9]+`)

// SpaceName builds the channel name of a trade session.
func SpaceName(o Offer, sessionID int64) string {
	slug := strings.Trim(nonSlugRE.ReplaceAllString(strings.ToLower(o.DisplayName), "-"), "-")
	if slug == "" {
		slug = "artikel"
	}
	suffix := "-" + strconv.FormatInt(sessionID, 10)
	name := "handel-" + slug
	if len(name)+len(suffix) > maxSpaceNameLen {
		name = strings.TrimRight(name[:maxSpaceNameLen-len(suffix)], "-")
	}
	return name + suffix
}

func validateOffer(in CreateOfferInput) error {
	if strings.TrimSpace(in.Item) == "" {
		return ErrItemRequired
	}
	if in.Quantity < 1 {
		return ErrInvalidQuantity
	}
	if !in.UnitPrice.IsPositive() {
		return ErrInvalidPrice
	}
	if in.UnitPrice.GreaterThan(MaxPrice) {
		return ErrPriceTooHigh
	}
	if _, err := ParseKind(string(in.Kind)); err != nil {
		return err
	}
	return nil
}
