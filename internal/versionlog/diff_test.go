package versionlog

import "testing"

func TestDiffIdenticalTextYieldsNoFieldDiffsAndFullSimilarity(t *testing.T) {
	a := map[string]any{"theme": "redemption", "genres": []any{"action"}}
	b := map[string]any{"theme": "redemption", "genres": []any{"action"}}

	cs := Diff(a, b)
	if len(cs.FieldDiffs) != 0 {
		t.Fatalf("expected no field diffs, got %v", cs.FieldDiffs)
	}
	if cs.Similarity != 1.0 {
		t.Fatalf("expected similarity 1.0, got %v", cs.Similarity)
	}
}

func TestDiffChangedFieldIsReported(t *testing.T) {
	a := map[string]any{"theme": "redemption"}
	b := map[string]any{"theme": "revenge"}

	cs := Diff(a, b)
	if len(cs.FieldDiffs) != 1 {
		t.Fatalf("expected 1 field diff, got %d", len(cs.FieldDiffs))
	}
	if cs.FieldDiffs[0].Path != "theme" {
		t.Fatalf("expected path 'theme', got %s", cs.FieldDiffs[0].Path)
	}
	if cs.Similarity != 0.0 {
		t.Fatalf("expected similarity 0.0 with single differing field, got %v", cs.Similarity)
	}
}

func TestDiffPanelsDetectsIdentityAndByteChanges(t *testing.T) {
	a := map[string]any{
		"images": []any{
			map[string]any{"panel_id": "p1-1", "prompt": "a hero stands", "cache_hit": true},
		},
	}
	b := map[string]any{
		"images": []any{
			map[string]any{"panel_id": "p1-1", "prompt": "a hero kneels", "cache_hit": false},
		},
	}

	cs := Diff(a, b)
	if len(cs.PanelDiffs) != 1 {
		t.Fatalf("expected 1 panel diff, got %d", len(cs.PanelDiffs))
	}
	pd := cs.PanelDiffs[0]
	if !pd.SameIdentity {
		t.Fatal("expected same panel identity")
	}
	if pd.BytesIdentical {
		t.Fatal("expected changed prompt to yield different hash")
	}
	if len(pd.ParamsChanged) != 2 {
		t.Fatalf("expected 2 changed params, got %v", pd.ParamsChanged)
	}
}

func TestDiffNestedObjectFieldsAreWalked(t *testing.T) {
	a := map[string]any{"world_setting": map[string]any{"era": "future", "tone": "bleak"}}
	b := map[string]any{"world_setting": map[string]any{"era": "future", "tone": "hopeful"}}

	cs := Diff(a, b)
	if len(cs.FieldDiffs) != 1 {
		t.Fatalf("expected 1 nested field diff, got %d", len(cs.FieldDiffs))
	}
	if cs.FieldDiffs[0].Path != "world_setting.tone" {
		t.Fatalf("expected nested path world_setting.tone, got %s", cs.FieldDiffs[0].Path)
	}
}
