package archidekt

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/source"
)

type deckPayload struct {
	ID    *int64 `json:"id"`
	Name  string `json:"name"`
	Owner struct {
		Username string `json:"username"`
	} `json:"owner"`
	Featured  json.RawMessage `json:"featured"`
	Private   bool            `json:"private"`
	ViewCount int             `json:"viewCount"`
	CreatedAt string          `json:"createdAt"`
	UpdatedAt string          `json:"updatedAt"`
	Cards     []cardEntry     `json:"cards"`
	Error     json.RawMessage `json:"error"`
}

type cardEntry struct {
	Card struct {
		Name       string `json:"name"`
		OracleID   string `json:"oracleId"`
		OracleCard struct {
			Name     string `json:"name"`
			OracleID string `json:"oracleId"`
		} `json:"oracleCard"`
	} `json:"card"`
	Quantity   *int     `json:"quantity"`
	Categories []string `json:"categories"`
}

// Parse decodes one deck object, as returned by the single-deck endpoint or as an
// element of a listing page.
func (a *Adapter) Parse(raw []byte) (harvest.ParsedDeck, error) {
	var payload deckPayload
	if err := source.DecodeJSON(raw, &payload, "archidekt deck"); err != nil {
		return harvest.ParsedDeck{}, err
	}
	if len(payload.Error) > 0 {
		return harvest.ParsedDeck{}, harvest.ParseError("archidekt api error %s", payload.Error)
	}
	if payload.ID == nil {
		return harvest.ParsedDeck{}, harvest.ParseError("archidekt deck without id")
	}

	id := strconv.FormatInt(*payload.ID, 10)
	deck := harvest.ParsedDeck{
		ExternalID: id,
		Format:     "commander",
		Title:      payload.Name,
		Author:     payload.Owner.Username,
		URL:        DeckURL(id),
		Extra: map[string]any{
			"archidekt_id": *payload.ID,
			"featured":     featured(payload.Featured),
			"private":      payload.Private,
			"views":        payload.ViewCount,
			"created_at":   payload.CreatedAt,
			"updated_at":   payload.UpdatedAt,
		},
	}

	var errs []error
	for i, entry := range payload.Cards {
		name := entry.Card.Name
		if name == "" {
			name = entry.Card.OracleCard.Name
		}
		if name == "" {
			errs = append(errs, harvest.ParseError("archidekt deck %s: card %d has no name", id, i))
			continue
		}
		qty := 1
		if entry.Quantity != nil {
			qty = *entry.Quantity
		}
		if qty <= 0 {
			continue
		}
		oracleID := entry.Card.OracleID
		if oracleID == "" {
			oracleID = entry.Card.OracleCard.OracleID
		}
		zone := zoneFor(entry.Categories)
		deck.Cards = append(deck.Cards, harvest.RawCard{Name: name, Quantity: qty, Zone: zone, OracleID: oracleID})
		if zone == harvest.ZoneCommand {
			deck.Commanders = append(deck.Commanders, name)
		}
	}
	if len(errs) > 0 {
		return harvest.ParsedDeck{}, errors.Join(errs...)
	}
	source.WarnUnusual(a.logger, Name, deck)
	return deck, nil
}

func zoneFor(categories []string) harvest.Zone {
	zone := harvest.ZoneMain
	for _, c := range categories {
		switch strings.ToLower(c) {
		case "commander":
			return harvest.ZoneCommand
		case "sideboard", "maybeboard":
			zone = harvest.ZoneSide
		}
	}
	return zone
}

// featured is a boolean in newer payloads and a free-form string in older ones.
func featured(raw json.RawMessage) any {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s != ""
	}
	return false
}
