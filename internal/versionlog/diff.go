package versionlog

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/panelforge/engine/internal/domain"
)

// Diff structurally compares two decoded stage outputs (spec.md §4.5):
// textual payloads yield field-level diffs, image payloads (anything
// carrying an "images" list, stage 5's shape) yield per-panel comparisons,
// and a payload with both yields both. No diff library is implied by any
// example repo's go.mod, so this walks plain map[string]any values with
// stdlib only.
func Diff(a, b any) domain.ChangeSet {
	objA, _ := a.(map[string]any)
	objB, _ := b.(map[string]any)

	var cs domain.ChangeSet

	imagesA, hasImagesA := objA["images"]
	imagesB, hasImagesB := objB["images"]
	if hasImagesA || hasImagesB {
		cs.PanelDiffs = diffPanels(imagesA, imagesB)
	}

	textA := withoutKey(objA, "images")
	textB := withoutKey(objB, "images")
	cs.FieldDiffs = diffFields("", textA, textB)

	cs.Similarity = similarity(cs.FieldDiffs, cs.PanelDiffs, textA, textB)
	return cs
}

func withoutKey(obj map[string]any, key string) map[string]any {
	out := make(map[string]any, len(obj))
	for k, v := range obj {
		if k == key {
			continue
		}
		out[k] = v
	}
	return out
}

// diffFields walks both maps' keys at the top level (plus one level of
// nesting for nested objects) and records every field whose value differs.
func diffFields(prefix string, a, b map[string]any) []domain.FieldDiff {
	var diffs []domain.FieldDiff
	keys := unionKeys(a, b)
	for _, k := range keys {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		va, okA := a[k]
		vb, okB := b[k]
		if !okA {
			diffs = append(diffs, domain.FieldDiff{Path: path, Before: nil, After: vb})
			continue
		}
		if !okB {
			diffs = append(diffs, domain.FieldDiff{Path: path, Before: va, After: nil})
			continue
		}
		nestedA, isObjA := va.(map[string]any)
		nestedB, isObjB := vb.(map[string]any)
		if isObjA && isObjB {
			diffs = append(diffs, diffFields(path, nestedA, nestedB)...)
			continue
		}
		if !reflect.DeepEqual(va, vb) {
			diffs = append(diffs, domain.FieldDiff{Path: path, Before: va, After: vb})
		}
	}
	return diffs
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// diffPanels compares stage 5's images list, identifying panels by
// panel_id and hashing each panel's prompt+revised-prompt+byte-length as a
// stand-in for the raw pixel hash (generic stage output carries no raw
// bytes, see internal/stages/final.go's indexImagesByPanel note).
func diffPanels(a, b any) []domain.PanelDiff {
	byID := func(v any) map[string]map[string]any {
		out := map[string]map[string]any{}
		list, _ := v.([]any)
		for _, itemAny := range list {
			item, ok := itemAny.(map[string]any)
			if !ok {
				continue
			}
			id, _ := item["panel_id"].(string)
			if id == "" {
				continue
			}
			out[id] = item
		}
		return out
	}

	panelsA := byID(a)
	panelsB := byID(b)

	ids := make(map[string]struct{}, len(panelsA)+len(panelsB))
	for id := range panelsA {
		ids[id] = struct{}{}
	}
	for id := range panelsB {
		ids[id] = struct{}{}
	}
	sortedIDs := make([]string, 0, len(ids))
	for id := range ids {
		sortedIDs = append(sortedIDs, id)
	}
	sort.Strings(sortedIDs)

	var diffs []domain.PanelDiff
	for _, id := range sortedIDs {
		pa, okA := panelsA[id]
		pb, okB := panelsB[id]
		hashA := panelHash(pa)
		hashB := panelHash(pb)

		var changed []string
		if okA && okB {
			if pa["prompt"] != pb["prompt"] {
				changed = append(changed, "prompt")
			}
			if pa["cache_hit"] != pb["cache_hit"] {
				changed = append(changed, "cache_hit")
			}
		}

		diffs = append(diffs, domain.PanelDiff{
			PanelID:        id,
			SameIdentity:   okA && okB,
			ParamsChanged:  changed,
			BeforeHash:     hashA,
			AfterHash:      hashB,
			BytesIdentical: okA && okB && hashA == hashB,
		})
	}
	return diffs
}

func panelHash(panel map[string]any) string {
	if panel == nil {
		return ""
	}
	raw, _ := json.Marshal(panel)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// similarity is the fraction of compared leaf fields and panels that were
// unchanged, in [0,1].
func similarity(fieldDiffs []domain.FieldDiff, panelDiffs []domain.PanelDiff, a, b map[string]any) float64 {
	totalFields := len(unionKeys(a, b))
	totalPanels := len(panelDiffs)
	total := totalFields + totalPanels
	if total == 0 {
		return 1.0
	}

	unchangedFields := totalFields - len(fieldDiffs)
	if unchangedFields < 0 {
		unchangedFields = 0
	}
	unchangedPanels := 0
	for _, p := range panelDiffs {
		if p.BytesIdentical {
			unchangedPanels++
		}
	}

	return float64(unchangedFields+unchangedPanels) / float64(total)
}
