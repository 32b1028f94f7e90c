package conflict

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMergePayloads(t *testing.T) {
	fp := DefaultPolicy().FieldsFor("Patient")

	source := map[string]interface{}{
		"birth_date": "1950-01-15",
		"notes":      "imported note",
		"email":      "src@example.com",
	}
	local := map[string]interface{}{
		"birth_date": "1950-01-16",
		"notes":      "local note",
		"phone":      "+1 555 0100",
	}

	got := MergePayloads(fp, source, local)

	if got["birth_date"] != "1950-01-15" {
		t.Errorf("clinical birth_date = %v, want source value 1950-01-15", got["birth_date"])
	}
	if got["notes"] != "local note" {
		t.Errorf("administrative notes = %v, want local value", got["notes"])
	}
	if got["email"] != "src@example.com" {
		t.Errorf("source-only email = %v, want adopted", got["email"])
	}
	if got["phone"] != "+1 555 0100" {
		t.Errorf("local-only phone = %v, want kept", got["phone"])
	}
}

func TestMergePayloadsUnclassifiedKeepsLocal(t *testing.T) {
	fp := DefaultPolicy().FieldsFor("Patient")

	source := map[string]interface{}{"custom_flag": "a"}
	local := map[string]interface{}{"custom_flag": "b"}

	got := MergePayloads(fp, source, local)
	if got["custom_flag"] != "b" {
		t.Errorf("unclassified field = %v, want local value", got["custom_flag"])
	}
}

func TestOverlaySource(t *testing.T) {
	fp := DefaultPolicy().FieldsFor("Patient")

	source := map[string]interface{}{
		"birth_date": "1950-01-15",
		"notes":      "imported note",
		"extra":      "new",
	}
	local := map[string]interface{}{
		"birth_date": "1950-01-16",
		"notes":      "local note",
		"unmapped":   "stay",
	}

	got := OverlaySource(fp, source, local)

	if got["birth_date"] != "1950-01-15" {
		t.Errorf("birth_date = %v, want source value", got["birth_date"])
	}
	if got["notes"] != "imported note" {
		t.Errorf("notes = %v, want source value under use_source", got["notes"])
	}
	if got["extra"] != "new" {
		t.Errorf("source-only extra = %v, want adopted", got["extra"])
	}
	if got["unmapped"] != "stay" {
		t.Errorf("local-only unmapped = %v, want kept", got["unmapped"])
	}
}

func TestFieldsForUnknownResource(t *testing.T) {
	fp := DefaultPolicy().FieldsFor("Observation")
	if len(fp.Clinical) != 0 || len(fp.Administrative) != 0 {
		t.Errorf("unknown resource should have an empty field policy, got %+v", fp)
	}

	// Everything unclassified: merge keeps local on both-present fields.
	got := MergePayloads(fp, map[string]interface{}{"x": "s"}, map[string]interface{}{"x": "l"})
	if got["x"] != "l" {
		t.Errorf("unclassified merge = %v, want local", got["x"])
	}
}

func TestLoadPolicyMissingFile(t *testing.T) {
	p, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if !reflect.DeepEqual(p, DefaultPolicy()) {
		t.Error("missing file should fall back to defaults")
	}
}

func TestLoadPolicyOverride(t *testing.T) {
	doc := `
conflict_resources:
  Patient:
    clinical: [birth_date]
    administrative: [notes]
`
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	fp := p.FieldsFor("Patient")
	if len(fp.Clinical) != 1 || fp.Clinical[0] != "birth_date" {
		t.Errorf("clinical = %v, want [birth_date]", fp.Clinical)
	}
	if len(fp.Administrative) != 1 || fp.Administrative[0] != "notes" {
		t.Errorf("administrative = %v, want [notes]", fp.Administrative)
	}
}
