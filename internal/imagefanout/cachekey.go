package imagefanout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// CacheKeyOf computes the stable content-addressed hash of (prompt,
// negative prompt, style) per spec.md §3/§6: the canonical JSON of the
// triple with object keys sorted, SHA-256'd, hex-encoded.
func CacheKeyOf(prompt, negativePrompt string, style map[string]string) string {
	canon := canonicalTriple{
		Prompt:         prompt,
		NegativePrompt: negativePrompt,
		Style:          sortedPairs(style),
	}
	b, _ := json.Marshal(canon)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type canonicalTriple struct {
	Prompt         string      `json:"prompt"`
	NegativePrompt string      `json:"negative_prompt"`
	Style          []kvPair    `json:"style"`
}

type kvPair struct {
	K string `json:"k"`
	V string `json:"v"`
}

func sortedPairs(m map[string]string) []kvPair {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]kvPair, 0, len(keys))
	for _, k := range keys {
		out = append(out, kvPair{K: k, V: m[k]})
	}
	return out
}
