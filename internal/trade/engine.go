package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"strandmarkt/internal/auth"
	"strandmarkt/internal/metrics"
)

// Scheduler arms teardowns for terminal sessions. *Teardown implements it.
type Scheduler interface {
	Schedule(s TradeSession) time.Duration
	Rearm(s TradeSession) bool
}

type Settings struct {
	OfferTTL         time.Duration
	SessionTimeout   time.Duration
	RequireKnownItem bool
}

type Deps struct {
	Store       Store
	Spaces      Spaces
	Notifier    Notifier
	Permissions Permissions
	Teardown    Scheduler
	// Catalog is only consulted when Settings.RequireKnownItem is set.
	Catalog  ItemCatalog
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Settings Settings
	Clock    func() time.Time
}

type Engine struct {
	store    Store
	spaces   Spaces
	notifier Notifier
	perms    Permissions
	teardown Scheduler
	catalog  ItemCatalog
	metrics  *metrics.Metrics
	log      *slog.Logger
	settings Settings
	now      func() time.Time
}

func NewEngine(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Settings.OfferTTL <= 0 {
		d.Settings.OfferTTL = DefaultOfferTTL
	}
	if d.Settings.SessionTimeout <= 0 {
		d.Settings.SessionTimeout = DefaultSessionTimeout
	}
	return &Engine{
		store:    d.Store,
		spaces:   d.Spaces,
		notifier: d.Notifier,
		perms:    d.Permissions,
		teardown: d.Teardown,
		catalog:  d.Catalog,
		metrics:  d.Metrics,
		log:      d.Logger.With("component", "trade"),
		settings: d.Settings,
		now:      d.Clock,
	}
}

type CreateOfferInput struct {
	GuildID     string
	ChannelID   string
	Creator     auth.Member
	Item        string
	Kind        OfferKind
	UnitPrice   decimal.Decimal
	Quantity    int
	Description string
}

type InterestResult struct {
	Session TradeSession
	Offer   Offer
	// Created is false when an open session for the same user already
	// existed and nothing was changed.
	Created bool
}

type ConfirmResult struct {
	Session   TradeSession
	Completed bool
}

func (e *Engine) CreateOffer(ctx context.Context, in CreateOfferInput) (Offer, error) {
	if !e.perms.CanTrade(in.Creator) {
		e.metrics.Rejected("permission")
		return Offer{}, ErrNotPermitted
	}
	if err := validateOffer(in); err != nil {
		e.metrics.Rejected("validation")
		return Offer{}, err
	}
	kind, _ := ParseKind(string(in.Kind))
	key, display := NormalizeItem(in.Item)
	if e.settings.RequireKnownItem && e.catalog != nil {
		ok, err := e.catalog.ItemExists(ctx, key)
		if err != nil {
			return Offer{}, fmt.Errorf("check item: %w", err)
		}
		if !ok {
			e.metrics.Rejected("unknown_item")
			return Offer{}, ErrUnknownItem
		}
	}

	now := e.now().UTC()
	expires := now.Add(e.settings.OfferTTL)
	name := strings.TrimSpace(in.Creator.DisplayName)
	if name == "" {
		name = in.Creator.UserID
	}
	o, err := e.store.CreateOffer(ctx, Offer{
		GuildID:     in.GuildID,
		ChannelID:   in.ChannelID,
		CreatorID:   in.Creator.UserID,
		CreatorName: name,
		ItemKey:     key,
		DisplayName: display,
		Kind:        kind,
		UnitPrice:   in.UnitPrice,
		Quantity:    in.Quantity,
		Description: strings.TrimSpace(in.Description),
		Status:      OfferActive,
		CreatedAt:   now,
		ExpiresAt:   &expires,
	})
	if err != nil {
		return Offer{}, fmt.Errorf("create offer: %w", err)
	}
	e.metrics.OfferCreated()
	e.log.Info("offer created", "offer_id", o.ID, "creator", o.CreatorID, "kind", o.Kind, "item", o.ItemKey)
	return o, nil
}

// AttachOfferMessage records where the public post of an offer lives.
func (e *Engine) AttachOfferMessage(ctx context.Context, offerID int64, channelID, messageID string) error {
	return e.store.SetOfferMessage(ctx, offerID, channelID, messageID)
}

func (e *Engine) ExpressInterest(ctx context.Context, offerID int64, m auth.Member) (InterestResult, error) {
	o, err := e.store.Offer(ctx, offerID)
	if err != nil {
		return InterestResult{}, err
	}
	if o.Status != OfferActive || o.ExpiredAt(e.now()) {
		e.metrics.Rejected("inactive")
		return InterestResult{}, ErrOfferInactive
	}
	if m.UserID == o.CreatorID {
		e.metrics.Rejected("self_trade")
		return InterestResult{}, ErrSelfTrade
	}
	if !e.perms.CanTrade(m) {
		e.metrics.Rejected("permission")
		e.notify(ctx, Target{UserID: m.UserID}, Event{Kind: EventPermissionDenied, Offer: o, ActorID: m.UserID})
		return InterestResult{}, ErrNotPermitted
	}

	sellerID, buyerID := o.Parties(m.UserID)
	now := e.now().UTC()
	s, created, err := e.store.InsertSessionIfAbsent(ctx, TradeSession{
		OfferID:        o.ID,
		CounterpartyID: m.UserID,
		SellerID:       sellerID,
		BuyerID:        buyerID,
		Status:         SessionPending,
		AgreedPrice:    o.UnitPrice,
		CreatedAt:      now,
		UpdatedAt:      now,
	})
	if errors.Is(err, ErrOfferInactive) {
		e.metrics.Rejected("inactive")
		return InterestResult{}, ErrOfferInactive
	}
	if err != nil {
		return InterestResult{}, fmt.Errorf("open session: %w", err)
	}
	if !created {
		return InterestResult{Session: s, Offer: o}, nil
	}

	ref, err := e.spaces.Create(ctx, SpaceRequest{
		GuildID:      o.GuildID,
		Name:         SpaceName(o, s.ID),
		Topic:        fmt.Sprintf("Angebot #%d: %dx %s", o.ID, o.Quantity, o.DisplayName),
		Participants: []string{o.CreatorID, m.UserID},
	})
	if err != nil {
		e.log.Error("create trade channel failed", "session_id", s.ID, "offer_id", o.ID, "err", err)
		e.discardSession(ctx, s.ID)
		return InterestResult{}, fmt.Errorf("%w: %v", ErrSpaceUnavailable, err)
	}
	if err := e.store.AttachSpace(ctx, s.ID, ref); err != nil {
		e.log.Error("attach trade channel failed", "session_id", s.ID, "channel", ref, "err", err)
		if derr := e.spaces.Destroy(ctx, ref); derr != nil {
			e.log.Error("destroy orphaned trade channel failed", "channel", ref, "err", derr)
		}
		e.discardSession(ctx, s.ID)
		return InterestResult{}, fmt.Errorf("attach channel: %w", err)
	}
	s.ChannelRef = ref

	e.metrics.SessionEvent("opened")
	e.log.Info("trade session opened", "session_id", s.ID, "offer_id", o.ID, "seller", s.SellerID, "buyer", s.BuyerID, "channel", ref)
	e.notify(ctx, Target{ChannelID: ref}, Event{Kind: EventSessionOpened, Offer: o, Session: s, ActorID: m.UserID})
	e.notify(ctx, Target{UserID: o.CreatorID}, Event{Kind: EventInterest, Offer: o, Session: s, ActorID: m.UserID})
	return InterestResult{Session: s, Offer: o, Created: true}, nil
}

func (e *Engine) discardSession(ctx context.Context, id int64) {
	if err := e.store.DeleteSession(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
		e.log.Error("discard session failed", "session_id", id, "err", err)
	}
}

// AcceptTrade is the explicit accept step: the offer creator acknowledges the
// counterparty. Accepting an accepted session is a no-op.
func (e *Engine) AcceptTrade(ctx context.Context, sessionID int64, userID string) (TradeSession, error) {
	s, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return TradeSession{}, err
	}
	if _, ok := s.PartyOf(userID); !ok {
		e.metrics.Rejected("not_participant")
		return s, ErrNotParticipant
	}
	if userID == s.CounterpartyID {
		e.metrics.Rejected("not_creator")
		return s, ErrNotCreator
	}
	switch s.Status {
	case SessionAccepted:
		return s, nil
	case SessionCompleted, SessionCancelled:
		return s, ErrSessionClosed
	}
	updated, changed, err := e.store.AcceptSession(ctx, sessionID)
	if err != nil {
		return s, fmt.Errorf("accept session: %w", err)
	}
	if !changed {
		if updated.Status.Terminal() {
			return updated, ErrSessionClosed
		}
		return updated, nil
	}
	e.metrics.SessionEvent("accepted")
	o, _ := e.store.Offer(ctx, updated.OfferID)
	e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventSessionAccepted, Offer: o, Session: updated, ActorID: userID})
	return updated, nil
}

func (e *Engine) ConfirmTrade(ctx context.Context, sessionID int64, userID string) (ConfirmResult, error) {
	s, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return ConfirmResult{}, err
	}
	party, ok := s.PartyOf(userID)
	if !ok {
		e.metrics.Rejected("not_participant")
		return ConfirmResult{Session: s}, ErrNotParticipant
	}
	switch s.Status {
	case SessionCompleted:
		return ConfirmResult{Session: s}, nil
	case SessionCancelled:
		return ConfirmResult{Session: s}, ErrSessionClosed
	}

	updated, completed, err := e.store.ConfirmSession(ctx, sessionID, party)
	if err != nil {
		return ConfirmResult{Session: s}, fmt.Errorf("confirm session: %w", err)
	}
	o, oerr := e.store.Offer(ctx, updated.OfferID)
	if oerr != nil {
		e.log.Warn("load offer for notification", "offer_id", updated.OfferID, "err", oerr)
	}

	switch {
	case completed:
		e.metrics.SessionEvent("completed")
		d := e.teardown.Schedule(updated)
		e.log.Info("trade completed", "session_id", updated.ID, "offer_id", updated.OfferID, "teardown_in", d)
		e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventSessionCompleted, Offer: o, Session: updated, ActorID: userID, TeardownIn: d})
		e.closeSiblings(ctx, o, updated.ID)
		return ConfirmResult{Session: updated, Completed: true}, nil
	case updated.Status == SessionCancelled:
		// The offer closed while this session was open.
		e.metrics.SessionEvent("cancelled")
		d := e.teardown.Schedule(updated)
		e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventSessionCancelled, Offer: o, Session: updated, TeardownIn: d})
		return ConfirmResult{Session: updated}, ErrOfferInactive
	case updated.Status == SessionCompleted:
		return ConfirmResult{Session: updated}, nil
	}
	e.metrics.SessionEvent("confirmed")
	e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventPartyConfirmed, Offer: o, Session: updated, ActorID: userID})
	return ConfirmResult{Session: updated}, nil
}

func (e *Engine) CancelTrade(ctx context.Context, sessionID int64, userID string) (TradeSession, error) {
	s, err := e.store.Session(ctx, sessionID)
	if err != nil {
		return TradeSession{}, err
	}
	if _, ok := s.PartyOf(userID); !ok {
		e.metrics.Rejected("not_participant")
		return s, ErrNotParticipant
	}
	switch s.Status {
	case SessionCancelled:
		return s, nil
	case SessionCompleted:
		return s, ErrSessionClosed
	}
	updated, changed, err := e.store.CancelSession(ctx, sessionID)
	if err != nil {
		return s, fmt.Errorf("cancel session: %w", err)
	}
	if !changed {
		if updated.Status == SessionCompleted {
			return updated, ErrSessionClosed
		}
		return updated, nil
	}
	o, _ := e.store.Offer(ctx, updated.OfferID)
	e.metrics.SessionEvent("cancelled")
	d := e.teardown.Schedule(updated)
	e.log.Info("trade cancelled", "session_id", updated.ID, "offer_id", updated.OfferID, "by", userID, "teardown_in", d)
	e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventSessionCancelled, Offer: o, Session: updated, ActorID: userID, TeardownIn: d})
	return updated, nil
}

// CancelOffer withdraws an active offer. Open negotiations on it are
// cancelled as well.
func (e *Engine) CancelOffer(ctx context.Context, offerID int64, userID string) (Offer, error) {
	o, err := e.store.Offer(ctx, offerID)
	if err != nil {
		return Offer{}, err
	}
	if o.CreatorID != userID {
		e.metrics.Rejected("not_creator")
		return o, ErrNotCreator
	}
	closed, err := e.store.CloseOffer(ctx, offerID, OfferCancelled)
	if err != nil {
		return o, fmt.Errorf("close offer: %w", err)
	}
	if !closed {
		return o, ErrOfferInactive
	}
	o.Status = OfferCancelled
	e.log.Info("offer withdrawn", "offer_id", o.ID, "creator", userID)
	e.closeSiblings(ctx, o, 0)
	return o, nil
}

// closeSiblings cancels every open session of an offer that can no longer be
// traded, except the one given.
func (e *Engine) closeSiblings(ctx context.Context, o Offer, keep int64) int {
	open, err := e.store.OpenSessionsForOffer(ctx, o.ID)
	if err != nil {
		e.log.Error("list open sessions failed", "offer_id", o.ID, "err", err)
		return 0
	}
	n := 0
	for _, s := range open {
		if s.ID == keep {
			continue
		}
		updated, changed, err := e.store.CancelSession(ctx, s.ID)
		if err != nil {
			e.log.Error("cancel session failed", "session_id", s.ID, "err", err)
			continue
		}
		if !changed {
			continue
		}
		n++
		e.metrics.SessionEvent("cancelled")
		d := e.teardown.Schedule(updated)
		e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventOfferClosed, Offer: o, Session: updated, TeardownIn: d})
	}
	return n
}

func (e *Engine) ListMyOffers(ctx context.Context, userID string, limit int) ([]Offer, error) {
	if limit <= 0 {
		limit = 25
	}
	return e.store.ListOffersByCreator(ctx, userID, limit)
}

func (e *Engine) ListActiveOffers(ctx context.Context, filter OfferFilter) ([]Offer, error) {
	if filter.Kind != "" {
		k, err := ParseKind(string(filter.Kind))
		if err != nil {
			return nil, err
		}
		filter.Kind = k
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	return e.store.ListActiveOffers(ctx, filter, e.now())
}

func (e *Engine) Offer(ctx context.Context, id int64) (Offer, error) {
	return e.store.Offer(ctx, id)
}

// SessionForSpace resolves the session owning a trade channel.
func (e *Engine) SessionForSpace(ctx context.Context, channelRef string) (TradeSession, error) {
	return e.store.SessionBySpace(ctx, channelRef)
}

type SweepReport struct {
	ExpiredOffers    int
	TimedOut         int
	Cancelled        int
	TeardownsRearmed int
}

// Sweep expires offers past their TTL, cancels sessions idle for longer than
// the session timeout and re-arms teardowns for terminal sessions still in
// the store, which is how timers survive a restart.
func (e *Engine) Sweep(ctx context.Context, now time.Time) (SweepReport, error) {
	var rep SweepReport

	expired, err := e.store.ExpireOffers(ctx, now)
	if err != nil {
		return rep, fmt.Errorf("expire offers: %w", err)
	}
	rep.ExpiredOffers = len(expired)
	for _, o := range expired {
		rep.Cancelled += e.closeSiblings(ctx, o, 0)
	}

	stale, err := e.store.StaleSessions(ctx, now.Add(-e.settings.SessionTimeout))
	if err != nil {
		return rep, fmt.Errorf("stale sessions: %w", err)
	}
	for _, s := range stale {
		updated, changed, err := e.store.CancelSession(ctx, s.ID)
		if err != nil {
			e.log.Error("time out session failed", "session_id", s.ID, "err", err)
			continue
		}
		if !changed {
			continue
		}
		rep.TimedOut++
		e.metrics.SessionEvent("timed_out")
		o, _ := e.store.Offer(ctx, updated.OfferID)
		d := e.teardown.Schedule(updated)
		e.notify(ctx, Target{ChannelID: updated.ChannelRef}, Event{Kind: EventSessionTimedOut, Offer: o, Session: updated, TeardownIn: d})
	}

	terminal, err := e.store.TerminalSessions(ctx)
	if err != nil {
		return rep, fmt.Errorf("terminal sessions: %w", err)
	}
	for _, s := range terminal {
		if e.teardown.Rearm(s) {
			rep.TeardownsRearmed++
		}
	}

	e.metrics.Swept("offers_expired", rep.ExpiredOffers)
	e.metrics.Swept("sessions_timed_out", rep.TimedOut)
	e.metrics.Swept("sessions_cancelled", rep.Cancelled)
	if rep.ExpiredOffers+rep.TimedOut+rep.Cancelled > 0 {
		e.log.Info("sweep finished", "expired_offers", rep.ExpiredOffers, "timed_out", rep.TimedOut, "cancelled", rep.Cancelled, "rearmed", rep.TeardownsRearmed)
	}
	return rep, nil
}

func (e *Engine) notify(ctx context.Context, to Target, ev Event) {
	if e.notifier == nil || (to.ChannelID == "" && to.UserID == "") {
		return
	}
	if err := e.notifier.Notify(ctx, to, ev); err != nil {
		e.metrics.NotifyFailed()
		e.log.Warn("notification failed", "event", ev.Kind, "channel", to.ChannelID, "user", to.UserID, "err", err)
	}
}
