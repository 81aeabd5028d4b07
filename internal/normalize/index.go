package normalize

import "strings"

// Card is one record of the canonical dump.
type Card struct {
	OracleID    string `json:"oracle_id"`
	Name        string `json:"name"`
	PrintedName string `json:"printed_name"`
	CardFaces   []Face `json:"card_faces"`
}

// Face is one side of a multi-faced card.
type Face struct {
	Name     string `json:"name"`
	OracleID string `json:"oracle_id"`
}

// Index is one immutable generation of the name lookup tables.
type Index struct {
	version    string
	generation uint64
	exact      map[string]string
	folded     map[string]string
	loose      map[string]string
	ids        map[string]struct{}
}

func newIndex(version string, generation uint64) *Index {
	return &Index{
		version:    version,
		generation: generation,
		exact:      make(map[string]string),
		folded:     make(map[string]string),
		loose:      make(map[string]string),
		ids:        make(map[string]struct{}),
	}
}

// add indexes card. Full names always win over face or alternate names, so a face
// never shadows a card that carries the same name in full.
func (ix *Index) add(card Card) {
	id := card.OracleID
	if id == "" {
		for _, f := range card.CardFaces {
			if f.OracleID != "" {
				id = f.OracleID
				break
			}
		}
	}
	if id == "" || card.Name == "" {
		return
	}
	ix.ids[id] = struct{}{}
	ix.put(card.Name, id, true)

	for _, face := range Faces(card.Name) {
		ix.put(face, id, false)
	}
	for _, f := range card.CardFaces {
		if f.Name != "" {
			ix.put(f.Name, id, false)
		}
	}
	if card.PrintedName != "" {
		ix.put(card.PrintedName, id, false)
	}
}

func (ix *Index) put(name, id string, primary bool) {
	name = strings.TrimSpace(name)
	set := func(m map[string]string, key string) {
		if key == "" {
			return
		}
		if _, taken := m[key]; taken && !primary {
			return
		}
		m[key] = id
	}
	set(ix.exact, name)
	set(ix.folded, Fold(name))
	set(ix.loose, Loose(name))
}

// Lookup resolves raw in order: exact full name, exact face, basic land, folded
// name and faces, punctuation-insensitive name and faces.
func (ix *Index) Lookup(raw string) (string, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return "", false
	}
	faces := Faces(name)

	if id, ok := ix.exact[name]; ok {
		return id, true
	}
	for _, f := range faces {
		if id, ok := ix.exact[f]; ok {
			return id, true
		}
	}
	folded := Fold(name)
	if id, ok := basicLand(folded); ok {
		return id, true
	}
	if id, ok := ix.folded[folded]; ok {
		return id, true
	}
	for _, f := range faces {
		if id, ok := ix.folded[Fold(f)]; ok {
			return id, true
		}
	}
	if id, ok := ix.loose[Loose(name)]; ok {
		return id, true
	}
	for _, f := range faces {
		if id, ok := ix.loose[Loose(f)]; ok {
			return id, true
		}
	}
	return "", false
}

// Contains reports whether id is part of this generation.
func (ix *Index) Contains(id string) bool {
	if _, ok := ix.ids[id]; ok {
		return true
	}
	for _, basic := range basicLands {
		if basic == id {
			return true
		}
	}
	return false
}

// Version is the dump version the index was built from.
func (ix *Index) Version() string {
	return ix.version
}

// Generation counts index swaps since the resolver was created.
func (ix *Index) Generation() uint64 {
	return ix.generation
}

// Size is the number of distinct identifiers indexed.
func (ix *Index) Size() int {
	return len(ix.ids)
}
