package discord

import (
	"errors"

	"strandmarkt/internal/prices"
	"strandmarkt/internal/render"
	"strandmarkt/internal/trade"
)

var (
	errRateLimited = errors.New("too many requests")
	errGuildOnly   = errors.New("command needs a guild")
)

// userMessage maps domain errors to the German reply shown to the user. The
// second result is false for faults that should be logged.
func userMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, trade.ErrNotPermitted):
		return "❌ Du benötigst die Händler-Rolle, um zu handeln!", true
	case errors.Is(err, trade.ErrSelfTrade):
		return "❌ Du kannst nicht auf dein eigenes Angebot handeln.", true
	case errors.Is(err, trade.ErrOfferNotFound):
		return "❌ Dieses Angebot existiert nicht.", true
	case errors.Is(err, trade.ErrOfferInactive):
		return "❌ Dieses Angebot ist nicht mehr aktiv.", true
	case errors.Is(err, trade.ErrNotParticipant):
		return "❌ Nur Käufer und Verkäufer dieses Handels können das tun.", true
	case errors.Is(err, trade.ErrNotCreator):
		return "❌ Nur der Ersteller des Angebots kann das tun.", true
	case errors.Is(err, trade.ErrSessionNotFound):
		return "❌ In diesem Channel läuft kein Handel.", true
	case errors.Is(err, trade.ErrSessionClosed):
		return "❌ Dieser Handel ist bereits abgeschlossen.", true
	case errors.Is(err, trade.ErrInvalidQuantity):
		return "❌ Die Menge muss mindestens 1 sein.", true
	case errors.Is(err, trade.ErrInvalidPrice), errors.Is(err, prices.ErrInvalidPrice):
		return "❌ Der Preis muss größer als 0 sein.", true
	case errors.Is(err, trade.ErrPriceTooHigh):
		return "❌ Der Preis darf höchstens 999.999.999.999,99 € betragen.", true
	case errors.Is(err, prices.ErrInvalidState):
		return "❌ Der Staatswert muss größer als 0 sein.", true
	case errors.Is(err, trade.ErrInvalidKind):
		return "❌ Die Angebotsart muss Verkauf oder Kauf sein.", true
	case errors.Is(err, trade.ErrItemRequired), errors.Is(err, prices.ErrNameRequired):
		return "❌ Bitte gib einen Gegenstand an.", true
	case errors.Is(err, trade.ErrUnknownItem):
		return "❌ Artikel nicht in der Datenbank gefunden! Füge ihn erst mit `/preis-hinzufugen` hinzu.", true
	case errors.Is(err, prices.ErrNotFound), errors.Is(err, prices.ErrNoHistory):
		return "❌ Keine Daten für diesen Gegenstand gefunden!", true
	case errors.Is(err, render.ErrNotEnoughData):
		return "❌ Zu wenige Preiseinträge für ein Diagramm.", true
	case errors.Is(err, trade.ErrSpaceUnavailable):
		return "❌ Der Handelschat konnte nicht erstellt werden. Bitte versuche es später erneut.", false
	case errors.Is(err, errBadImage):
		return "❌ Das Bild konnte nicht gelesen werden. Erlaubt sind PNG, JPEG oder GIF bis 8 MB.", true
	case errors.Is(err, errGuildOnly):
		return "❌ Dieser Befehl funktioniert nur auf dem Server.", true
	case errors.Is(err, errRateLimited):
		return "⏳ Nicht so schnell! Bitte warte einen Moment.", true
	default:
		return "❌ Da ist etwas schiefgelaufen. Bitte versuche es später erneut.", false
	}
}
