package moxfield

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
	"github.com/JakeFAU/deck-harvester/internal/source"
)

const stateMarker = "window.__INITIAL_STATE__"

type deckPayload struct {
	PublicID         string `json:"publicId"`
	Name             string `json:"name"`
	Format           string `json:"format"`
	Description      string `json:"description"`
	Visibility       string `json:"visibility"`
	LikeCount        int    `json:"likeCount"`
	ViewCount        int    `json:"viewCount"`
	CreatedAtUTC     string `json:"createdAtUtc"`
	LastUpdatedAtUTC string `json:"lastUpdatedAtUtc"`
	CreatedByUser    struct {
		UserName string `json:"userName"`
	} `json:"createdByUser"`
	Commanders map[string]boardEntry `json:"commanders"`
	Mainboard  map[string]boardEntry `json:"mainboard"`
	Sideboard  map[string]boardEntry `json:"sideboard"`
}

type boardEntry struct {
	Quantity *int `json:"quantity"`
	Card     struct {
		Name     string `json:"name"`
		OracleID string `json:"oracleId"`
	} `json:"card"`
}

// Parse accepts either the export API JSON or a deck page that embeds the deck in
// its initial state script.
func (a *Adapter) Parse(raw []byte) (harvest.ParsedDeck, error) {
	body := bytes.TrimSpace(raw)
	if len(body) > 0 && body[0] == '<' {
		extracted, err := extractState(body)
		if err != nil {
			return harvest.ParsedDeck{}, err
		}
		body = extracted
	}

	var payload deckPayload
	if err := source.DecodeJSON(body, &payload, "moxfield deck"); err != nil {
		return harvest.ParsedDeck{}, err
	}
	if payload.PublicID == "" && len(payload.Mainboard) == 0 && len(payload.Commanders) == 0 {
		return harvest.ParsedDeck{}, harvest.ParseError("moxfield payload carries no deck")
	}

	format := payload.Format
	if format == "" {
		format = "commander"
	}
	deck := harvest.ParsedDeck{
		ExternalID: payload.PublicID,
		Format:     format,
		Title:      payload.Name,
		Author:     payload.CreatedByUser.UserName,
		Extra: map[string]any{
			"moxfield_id": payload.PublicID,
			"description": payload.Description,
			"visibility":  payload.Visibility,
			"likes":       payload.LikeCount,
			"views":       payload.ViewCount,
			"created_at":  payload.CreatedAtUTC,
			"updated_at":  payload.LastUpdatedAtUTC,
		},
	}
	if payload.PublicID != "" {
		deck.URL = DeckURL(a.cfg.SiteURL, payload.PublicID)
	}

	for _, entry := range sortedEntries(payload.Commanders) {
		if entry.Card.Name == "" {
			continue
		}
		deck.Commanders = append(deck.Commanders, entry.Card.Name)
		deck.Cards = append(deck.Cards, toRawCard(entry, harvest.ZoneCommand))
	}
	for _, entry := range sortedEntries(payload.Mainboard) {
		if entry.Card.Name != "" {
			deck.Cards = append(deck.Cards, toRawCard(entry, harvest.ZoneMain))
		}
	}
	for _, entry := range sortedEntries(payload.Sideboard) {
		if entry.Card.Name != "" {
			deck.Cards = append(deck.Cards, toRawCard(entry, harvest.ZoneSide))
		}
	}
	source.WarnUnusual(a.logger, Name, deck)
	return deck, nil
}

func toRawCard(entry boardEntry, zone harvest.Zone) harvest.RawCard {
	qty := 1
	if entry.Quantity != nil && *entry.Quantity > 0 {
		qty = *entry.Quantity
	}
	return harvest.RawCard{Name: entry.Card.Name, Quantity: qty, Zone: zone, OracleID: entry.Card.OracleID}
}

func sortedEntries(board map[string]boardEntry) []boardEntry {
	keys := make([]string, 0, len(board))
	for k := range board {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]boardEntry, 0, len(keys))
	for _, k := range keys {
		out = append(out, board[k])
	}
	return out
}

// extractState pulls deck.deck out of `window.__INITIAL_STATE__ = {...};`.
func extractState(html []byte) ([]byte, error) {
	idx := bytes.Index(html, []byte(stateMarker))
	if idx < 0 {
		return nil, harvest.ParseError("moxfield page has no initial state")
	}
	rest := bytes.TrimSpace(html[idx+len(stateMarker):])
	if len(rest) == 0 || rest[0] != '=' {
		return nil, harvest.ParseError("moxfield initial state is not an assignment")
	}
	var state struct {
		Deck struct {
			Deck json.RawMessage `json:"deck"`
		} `json:"deck"`
	}
	if err := json.NewDecoder(bytes.NewReader(rest[1:])).Decode(&state); err != nil {
		return nil, harvest.ParseError("decode moxfield initial state: %v", err)
	}
	if len(state.Deck.Deck) == 0 || bytes.Equal(state.Deck.Deck, []byte("null")) {
		return nil, harvest.ParseError("moxfield initial state has no deck")
	}
	return state.Deck.Deck, nil
}
