package template

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// HashLength is the number of hex characters of the binding hash used in
// connection keys.
const HashLength = 12

// Hash computes the canonical hash of a binding: SHA-256 over the JSON of
// the sorted key/value pairs, truncated to HashLength hex characters. Two
// sessions with identical bindings always produce the same hash.
func (b Binding) Hash() string {
	keys := make([]string, 0, len(b))
	for k := range b {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	type pair struct {
		K string `json:"k"`
		V string `json:"v"`
	}
	pairs := make([]pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pair{K: k, V: b[k]})
	}

	data, err := json.Marshal(pairs)
	if err != nil {
		// Marshaling a []struct of strings cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:HashLength]
}
