package normalize

import "regexp"

// Basic lands share one canonical identifier across every printing.
var basicLands = map[string]string{
	"plains":   "bc71ebf6-2056-41f7-be35-b2e5c34afa99",
	"island":   "8cff7b58-bd58-4911-a6a3-bdd1dbf71a72",
	"swamp":    "a3fb7228-e76b-4e96-a40e-20b5fed75685",
	"mountain": "8cf3dce3-01e4-4fe2-ac44-b13b6fe8799e",
	"forest":   "b34bb2dc-c1af-4d77-b0b3-a0fb342a5fc6",
}

// Matches folded names like "forest", "forest (zen) 246", "island #3" or "swamp 2".
var basicLandVariant = regexp.MustCompile(`^(plains|island|swamp|mountain|forest)(?:\s*[(\[#].*|\s+\d+[a-z]?)?$`)

func basicLand(folded string) (string, bool) {
	m := basicLandVariant.FindStringSubmatch(folded)
	if m == nil {
		return "", false
	}
	id, ok := basicLands[m[1]]
	return id, ok
}
