package normalize

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// FaceSeparator joins the faces of split, transform and adventure cards.
const FaceSeparator = " // "

var ligatures = strings.NewReplacer(
	"æ", "ae", "Æ", "ae",
	"œ", "oe", "Œ", "oe",
	"‘", "'", "’", "'", "‛", "'", "`", "'",
	"“", `"`, "”", `"`,
	"–", "-", "—", "-",
)

var punctuation = strings.NewReplacer(
	`"`, "", "'", "", ",", "", ".", "", "!", "", ":", "", "?", "",
)

// Fold lowercases name, strips diacritics, straightens quotes and collapses
// whitespace. It is the key unmapped names are counted under.
func Fold(name string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, ligatures.Replace(name))
	if err != nil {
		folded = name
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// Loose is Fold with identity-neutral punctuation removed.
func Loose(name string) string {
	return strings.Join(strings.Fields(punctuation.Replace(Fold(name))), " ")
}

// Faces splits a combined multi-face name. Single-faced names yield nil.
func Faces(name string) []string {
	if !strings.Contains(name, FaceSeparator) {
		return nil
	}
	parts := strings.Split(name, FaceSeparator)
	faces := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			faces = append(faces, p)
		}
	}
	return faces
}
