package trade

import (
	"context"
	"time"

	"strandmarkt/internal/auth"
)

// Store is the persistence boundary of the engine. Besides plain CRUD it
// provides the atomic primitives the lifecycle depends on:
// InsertSessionIfAbsent (exactly one open session per offer/counterparty)
// and ConfirmSession (set one flag and complete when both are set).
type Store interface {
	CreateOffer(ctx context.Context, o Offer) (Offer, error)
	Offer(ctx context.Context, id int64) (Offer, error)
	SetOfferMessage(ctx context.Context, id int64, channelID, messageID string) error
	ListOffersByCreator(ctx context.Context, creatorID string, limit int) ([]Offer, error)
	ListActiveOffers(ctx context.Context, filter OfferFilter, now time.Time) ([]Offer, error)
	// CloseOffer moves an active offer to a terminal status. It reports
	// false when the offer was not active anymore.
	CloseOffer(ctx context.Context, id int64, status OfferStatus) (bool, error)
	// ExpireOffers marks every active offer whose expiry passed as expired
	// and returns them.
	ExpireOffers(ctx context.Context, now time.Time) ([]Offer, error)

	// InsertSessionIfAbsent inserts s unless an open session exists for the
	// same (OfferID, CounterpartyID). It returns the stored session and
	// whether this call created it. The insert only happens while the offer
	// is active and unexpired at s.CreatedAt; otherwise it fails with
	// ErrOfferInactive.
	InsertSessionIfAbsent(ctx context.Context, s TradeSession) (TradeSession, bool, error)
	AttachSpace(ctx context.Context, sessionID int64, channelRef string) error
	Session(ctx context.Context, id int64) (TradeSession, error)
	SessionBySpace(ctx context.Context, channelRef string) (TradeSession, error)
	OpenSessionsForOffer(ctx context.Context, offerID int64) ([]TradeSession, error)
	// StaleSessions lists open sessions last updated before cutoff.
	StaleSessions(ctx context.Context, cutoff time.Time) ([]TradeSession, error)
	TerminalSessions(ctx context.Context) ([]TradeSession, error)
	// AcceptSession moves pending to accepted; reports whether it did.
	AcceptSession(ctx context.Context, id int64) (TradeSession, bool, error)
	// ConfirmSession sets the confirmation flag of party and, if both flags
	// are set, completes the session together with its offer in the same
	// atomic step. completed is true only for the call that performed the
	// transition. If the offer is no longer active when both flags are set
	// the session is cancelled instead.
	ConfirmSession(ctx context.Context, id int64, party Party) (s TradeSession, completed bool, err error)
	// CancelSession cancels an open session; reports whether it did.
	CancelSession(ctx context.Context, id int64) (TradeSession, bool, error)
	DeleteSession(ctx context.Context, id int64) error
}

type OfferFilter struct {
	Kind  OfferKind
	Limit int
}

// SpaceRequest describes the private negotiation channel of a session.
type SpaceRequest struct {
	GuildID      string
	Name         string
	Topic        string
	Participants []string
}

// Spaces creates and destroys private negotiation channels. Destroy must
// treat a channel that is already gone as success.
type Spaces interface {
	Create(ctx context.Context, req SpaceRequest) (string, error)
	Destroy(ctx context.Context, ref string) error
}

type EventKind string

const (
	EventSessionOpened    EventKind = "session_opened"
	EventInterest         EventKind = "interest"
	EventPermissionDenied EventKind = "permission_denied"
	EventSessionAccepted  EventKind = "session_accepted"
	EventPartyConfirmed   EventKind = "party_confirmed"
	EventSessionCompleted EventKind = "session_completed"
	EventSessionCancelled EventKind = "session_cancelled"
	EventSessionTimedOut  EventKind = "session_timed_out"
	EventOfferClosed      EventKind = "offer_closed"
)

// Event is a lifecycle notification. Rendering is up to the Notifier.
type Event struct {
	Kind       EventKind
	Offer      Offer
	Session    TradeSession
	ActorID    string
	TeardownIn time.Duration
}

// Target addresses either a channel or a user's direct messages.
type Target struct {
	ChannelID string
	UserID    string
}

// Notifier delivers lifecycle events. Delivery is best-effort: errors are
// logged by the engine and never undo a committed transition.
type Notifier interface {
	Notify(ctx context.Context, to Target, ev Event) error
}

// Permissions decides whether a member may trade.
type Permissions interface {
	CanTrade(m auth.Member) bool
}

// ItemCatalog is consulted when offers must reference a known price entry.
type ItemCatalog interface {
	ItemExists(ctx context.Context, itemKey string) (bool, error)
}
