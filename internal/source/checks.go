package source

import (
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

// Commander decks are expected to land in this range of cards outside the sideboard.
const (
	MinCommanderDeckSize = 80
	MaxCommanderDeckSize = 120
)

// DeckSize sums the quantities of the main and command zones.
func DeckSize(cards []harvest.RawCard) int {
	total := 0
	for _, c := range cards {
		if c.Zone != harvest.ZoneSide {
			total += c.Quantity
		}
	}
	return total
}

// WarnUnusual logs data-quality warnings for a parsed commander deck. It never
// rejects the deck.
func WarnUnusual(logger *zap.Logger, source string, deck harvest.ParsedDeck) {
	if !strings.EqualFold(deck.Format, "commander") {
		return
	}
	if size := DeckSize(deck.Cards); size < MinCommanderDeckSize || size > MaxCommanderDeckSize {
		logger.Warn("unusual deck size",
			zap.String("source", source),
			zap.String("external_id", deck.ExternalID),
			zap.Int("cards", size),
		)
	}
	if len(deck.Commanders) == 0 {
		logger.Warn("commander deck without commander",
			zap.String("source", source),
			zap.String("external_id", deck.ExternalID),
		)
	}
}
