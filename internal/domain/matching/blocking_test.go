package matching

import (
	"testing"
	"time"

	"github.com/mpi/mpi/internal/domain/identity"
)

func strPtr(s string) *string { return &s }

func datePtr(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func TestSoundex(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"Robert", "R163"},
		{"Rupert", "R163"},
		{"Smith", "S530"},
		{"Smyth", "S530"},
		{"Ashcraft", "A261"},
		{"Tymczak", "T522"},
		{"Pfister", "P236"},
		{"Doe", "D000"},
		{"", ""},
		{"---", ""},
	}
	for _, tt := range tests {
		if got := soundex(tt.name); got != tt.want {
			t.Errorf("soundex(%q) = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestBlockingKeys(t *testing.T) {
	p := &identity.Patient{
		MRN:       "mrn-00123",
		LastName:  "Doe",
		BirthDate: datePtr("1950-01-15"),
		Phone:     strPtr("(555) 010-1234"),
	}

	keys := BlockingKeys(p)
	want := map[string]bool{
		"nd:D0001950":   true,
		"ph:5550101234": true,
		"mrn:MRN00123":  true,
	}
	if len(keys) != len(want) {
		t.Fatalf("keys = %v, want %d keys", keys, len(want))
	}
	for _, k := range keys {
		if !want[k] {
			t.Errorf("unexpected key %q", k)
		}
	}
}

func TestBlockingKeys_Deterministic(t *testing.T) {
	p := &identity.Patient{MRN: "A1", LastName: "Smith", BirthDate: datePtr("1980-06-01")}
	a := BlockingKeys(p)
	b := BlockingKeys(p)
	if len(a) != len(b) {
		t.Fatalf("key counts differ: %v vs %v", a, b)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("key %d differs: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestBlockingKeys_InsufficientData(t *testing.T) {
	tests := []struct {
		name    string
		patient identity.Patient
	}{
		{"empty record", identity.Patient{}},
		{"name without dob", identity.Patient{LastName: "Doe"}},
		{"short phone only", identity.Patient{Phone: strPtr("555")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if keys := BlockingKeys(&tt.patient); len(keys) != 0 {
				t.Errorf("keys = %v, want none", keys)
			}
		})
	}
}

func TestBlockingKeys_PhoneUsesLastTenDigits(t *testing.T) {
	a := &identity.Patient{Phone: strPtr("+1 555 010 1234")}
	b := &identity.Patient{Phone: strPtr("555-010-1234")}

	ka, kb := BlockingKeys(a), BlockingKeys(b)
	if len(ka) != 1 || len(kb) != 1 || ka[0] != kb[0] {
		t.Errorf("country-prefixed and bare numbers should share a key: %v vs %v", ka, kb)
	}
}

func TestNormalizeMRN(t *testing.T) {
	if got := NormalizeMRN("mrn-00123 "); got != "MRN00123" {
		t.Errorf("NormalizeMRN = %q, want MRN00123", got)
	}
}
