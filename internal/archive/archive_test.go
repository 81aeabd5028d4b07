package archive

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "application/json", ContentType([]byte(`  {"id": 1}`)))
	assert.Equal(t, "application/json", ContentType([]byte(`[]`)))
	assert.Equal(t, "text/html; charset=utf-8", ContentType([]byte(`<!doctype html>`)))
	assert.Equal(t, "text/html; charset=utf-8", ContentType(nil))
}

func TestKey(t *testing.T) {
	t.Parallel()

	at := time.Date(2025, 3, 1, 23, 30, 0, 0, time.FixedZone("EST", -5*3600))
	raw := []byte(`{"id": 42}`)

	key := Key("/raw/", "archidekt", "42", at, raw)
	assert.Regexp(t, `^raw/archidekt/2025/03/02/42-[0-9a-f]{16}\.json$`, key)
	assert.Equal(t, key, Key("raw", "archidekt", "42", at, raw), "same payload, same object")
	assert.NotEqual(t, key, Key("raw", "archidekt", "42", at, []byte(`{"id": 43}`)))

	html := Key("", "moxfield", "../etc", at, []byte("<html></html>"))
	assert.Regexp(t, `^moxfield/2025/03/02/___etc-[0-9a-f]{16}\.html$`, html)
}
