package moxfield

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/deck-harvester/internal/harvest"
)

type fakeGetter struct {
	handler func(u *url.URL) (int, string, error)
	urls    []string
}

func (f *fakeGetter) Get(_ context.Context, raw string, _ http.Header) (harvest.Response, error) {
	f.urls = append(f.urls, raw)
	u, err := url.Parse(raw)
	if err != nil {
		return harvest.Response{}, err
	}
	status, body, err := f.handler(u)
	if err != nil {
		return harvest.Response{Status: status}, err
	}
	if status != http.StatusOK {
		return harvest.Response{Status: status}, &harvest.FetchError{Kind: harvest.ErrPermanent, URL: raw, Status: status}
	}
	return harvest.Response{URL: raw, Status: status, Body: []byte(body)}, nil
}

const exportJSON = `{
	"publicId": "AbCdEf123",
	"name": "Atraxa Superfriends",
	"format": "commander",
	"visibility": "public",
	"likeCount": 5,
	"viewCount": 99,
	"createdByUser": {"userName": "planeswalker"},
	"commanders": {"Atraxa, Praetors' Voice": {"quantity": 1, "card": {"name": "Atraxa, Praetors' Voice", "oracleId": "atraxa-1"}}},
	"mainboard": {
		"Sol Ring": {"quantity": 1, "card": {"name": "Sol Ring"}},
		"Forest": {"quantity": 10, "card": {"name": "Forest"}}
	},
	"sideboard": {"Fireball": {"quantity": 1, "card": {"name": "Fireball"}}}
}`

func searchPageJSON(publicIDs ...string) string {
	entries := make([]string, 0, len(publicIDs))
	for _, id := range publicIDs {
		visibility := "public"
		if strings.HasPrefix(id, "priv") {
			visibility = "unlisted"
		}
		entries = append(entries, fmt.Sprintf(`{"publicId": %q, "visibility": %q}`, id, visibility))
	}
	return `{"data": [` + strings.Join(entries, ",") + `]}`
}

func TestParseExportJSON(t *testing.T) {
	t.Parallel()

	deck, err := New(Config{}, nil).Parse([]byte(exportJSON))
	require.NoError(t, err)
	require.Equal(t, "AbCdEf123", deck.ExternalID)
	require.Equal(t, "Atraxa Superfriends", deck.Title)
	require.Equal(t, "planeswalker", deck.Author)
	require.Equal(t, "https://www.moxfield.com/decks/AbCdEf123", deck.URL)
	require.Equal(t, []string{"Atraxa, Praetors' Voice"}, deck.Commanders)
	require.Equal(t, []harvest.RawCard{
		{Name: "Atraxa, Praetors' Voice", Quantity: 1, Zone: harvest.ZoneCommand, OracleID: "atraxa-1"},
		{Name: "Forest", Quantity: 10, Zone: harvest.ZoneMain},
		{Name: "Sol Ring", Quantity: 1, Zone: harvest.ZoneMain},
		{Name: "Fireball", Quantity: 1, Zone: harvest.ZoneSide},
	}, deck.Cards)
	require.Equal(t, 99, deck.Extra["views"])
}

func TestParseInitialStatePage(t *testing.T) {
	t.Parallel()

	page := `<html><head><script>window.__INITIAL_STATE__ = {"deck": {"deck": ` + exportJSON + `}, "user": {}};</script></head></html>`
	deck, err := New(Config{}, nil).Parse([]byte(page))
	require.NoError(t, err)
	require.Equal(t, "AbCdEf123", deck.ExternalID)
	require.Len(t, deck.Cards, 4)
}

func TestParseRejectsBadPayloads(t *testing.T) {
	t.Parallel()

	a := New(Config{}, nil)
	for name, raw := range map[string]string{
		"malformed":      `{"publicId": `,
		"empty":          `{}`,
		"no state":       `<html><body>Just a moment...</body></html>`,
		"state no deck":  `<html><script>window.__INITIAL_STATE__ = {"deck": {}};</script></html>`,
		"broken state":   `<html><script>window.__INITIAL_STATE__ = {"deck": ;</script></html>`,
		"not assignment": `<html><script>window.__INITIAL_STATE__;</script></html>`,
	} {
		_, err := a.Parse([]byte(raw))
		require.ErrorIs(t, err, harvest.ErrParse, name)
	}
}

func TestDiscoverKeepsPublicDecks(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{handler: func(u *url.URL) (int, string, error) {
		require.Equal(t, "/v2/decks/search", u.Path)
		require.Equal(t, "commander", u.Query().Get("format"))
		switch u.Query().Get("page") {
		case "1":
			return http.StatusOK, searchPageJSON("deck000001", "priv000002"), nil
		default:
			return http.StatusOK, searchPageJSON("deck000003"), nil
		}
	}}
	a := New(Config{BaseURL: "https://api.test", PopularCommanders: []string{"Atraxa, Praetors' Voice"}, PageSize: 2, MaxPages: 5}, nil)

	var ids []string
	err := a.Discover(context.Background(), getter, func(_ context.Context, id string) (bool, error) {
		ids = append(ids, id)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"deck000001", "deck000003"}, ids)
	require.Len(t, getter.urls, 2)
}

func TestDiscoverFallsBackToBrowsePage(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{handler: func(u *url.URL) (int, string, error) {
		if strings.HasPrefix(u.Path, "/v2/") {
			return http.StatusForbidden, "", &harvest.FetchError{Kind: harvest.ErrChallenge, URL: u.String(), Status: 403}
		}
		require.Equal(t, "/decks/browse/commander/Edgar+Markov", u.Path)
		return http.StatusOK, `<html><a href="/decks/browse/commander/x">b</a><a href="/decks/vampires01">v</a></html>`, nil
	}}
	a := New(Config{PopularCommanders: []string{"Edgar Markov"}}, nil)

	var ids []string
	err := a.Discover(context.Background(), getter, func(_ context.Context, id string) (bool, error) {
		ids = append(ids, id)
		return true, nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"vampires01"}, ids)
}

func TestDiscoverReportsFailures(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{handler: func(*url.URL) (int, string, error) { return http.StatusNotFound, "", nil }}
	a := New(Config{PopularCommanders: []string{"A", "B"}}, nil)
	err := a.Discover(context.Background(), getter, func(context.Context, string) (bool, error) { return true, nil })
	require.ErrorIs(t, err, harvest.ErrPermanent)
	require.Len(t, getter.urls, 2)
}

func TestFetchUsesExportThenDeckPage(t *testing.T) {
	t.Parallel()

	getter := &fakeGetter{handler: func(u *url.URL) (int, string, error) {
		switch u.Path {
		case "/v2/decks/all/AbCdEf123":
			return http.StatusOK, exportJSON, nil
		case "/v2/decks/all/Blocked123":
			return http.StatusForbidden, "", nil
		case "/decks/Blocked123":
			return http.StatusOK, `<html>page</html>`, nil
		default:
			return http.StatusNotFound, "", nil
		}
	}}
	a := New(Config{}, nil)

	raw, err := a.Fetch(context.Background(), getter, "AbCdEf123")
	require.NoError(t, err)
	require.JSONEq(t, exportJSON, string(raw))

	raw, err = a.Fetch(context.Background(), getter, "Blocked123")
	require.NoError(t, err)
	require.Equal(t, "<html>page</html>", string(raw))

	_, err = a.Fetch(context.Background(), getter, "Missing123")
	require.ErrorIs(t, err, harvest.ErrPermanent)

	_, err = a.Fetch(context.Background(), getter, "bad/id")
	require.ErrorIs(t, err, harvest.ErrParse)
}
