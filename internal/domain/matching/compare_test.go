package matching

import (
	"math"
	"testing"

	"github.com/mpi/mpi/internal/domain/identity"
)

func TestCompareFields_Symmetry(t *testing.T) {
	pairs := [][2]*identity.Patient{
		{
			{MRN: "A1", FirstName: "John", LastName: "Doe", BirthDate: datePtr("1950-01-15"), Phone: strPtr("555-0101")},
			{MRN: "B2", FirstName: "Jon", LastName: "Doe", BirthDate: datePtr("1950-01-16"), Phone: strPtr("555-0101")},
		},
		{
			{FirstName: "Maria", LastName: "Garcia", Gender: strPtr("female")},
			{FirstName: "Mario", LastName: "Garza", Gender: strPtr("male")},
		},
		{
			{MRN: "X", LastName: "Lee"},
			{LastName: "Li", BirthDate: datePtr("1990-12-31")},
		},
	}

	for i, pair := range pairs {
		ab := CompareFields(pair[0], pair[1])
		ba := CompareFields(pair[1], pair[0])
		if len(ab) != len(ba) {
			t.Fatalf("pair %d: field sets differ: %v vs %v", i, ab, ba)
		}
		for field, score := range ab {
			if math.Abs(score-ba[field]) > 1e-12 {
				t.Errorf("pair %d field %s: %f != %f", i, field, score, ba[field])
			}
		}
	}
}

func TestCompareFields_MissingFieldsExcluded(t *testing.T) {
	a := &identity.Patient{MRN: "A1", LastName: "Doe"}
	b := &identity.Patient{LastName: "Doe", Phone: strPtr("555-010-1234")}

	scores := CompareFields(a, b)
	if _, ok := scores[FieldLastName]; !ok {
		t.Error("last_name present on both sides should be scored")
	}
	for _, f := range []string{FieldMRN, FieldPhone, FieldFirstName, FieldBirthDate, FieldGender} {
		if _, ok := scores[f]; ok {
			t.Errorf("field %s missing on one side should be absent, got %f", f, scores[f])
		}
	}
}

func TestCompareBirthDates_Tiers(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want float64
	}{
		{"exact", "1950-01-15", "1950-01-15", 1.0},
		{"one day apart", "1950-01-15", "1950-01-16", 0.7},
		{"month day transposed", "1950-03-04", "1950-04-03", 0.7},
		{"same year", "1950-01-15", "1950-09-20", 0.3},
		{"different year", "1950-01-15", "1952-01-15", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := compareBirthDates(*datePtr(tt.a), *datePtr(tt.b))
			if got != tt.want {
				t.Errorf("compareBirthDates(%s, %s) = %f, want %f", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestComparePhones(t *testing.T) {
	tests := []struct {
		name   string
		a, b   string
		want   float64
		wantOK bool
	}{
		{"full ten digit match", "(555) 010-1234", "555-010-1234", 1.0, true},
		{"seven digit suffix match", "212-010-1234", "914-010-1234", 0.8, true},
		{"no match", "555-010-1234", "555-999-8888", 0, true},
		{"too short", "1234", "555-010-1234", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := comparePhones(tt.a, tt.b)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("comparePhones = (%f, %v), want (%f, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestJaroWinkler(t *testing.T) {
	tests := []struct {
		a, b     string
		min, max float64
	}{
		{"john", "john", 1.0, 1.0},
		{"john", "jon", 0.9, 1.0},
		{"martha", "marhta", 0.95, 0.97},
		{"abc", "xyz", 0, 0},
		{"", "john", 0, 0},
	}
	for _, tt := range tests {
		got := jaroWinkler(tt.a, tt.b)
		if got < tt.min || got > tt.max {
			t.Errorf("jaroWinkler(%q, %q) = %f, want in [%f, %f]", tt.a, tt.b, got, tt.min, tt.max)
		}
	}
}

func TestCompareFields_NameCaseInsensitive(t *testing.T) {
	a := &identity.Patient{FirstName: "JOHN", LastName: "DOE"}
	b := &identity.Patient{FirstName: "john", LastName: "doe"}

	scores := CompareFields(a, b)
	if scores[FieldFirstName] != 1.0 || scores[FieldLastName] != 1.0 {
		t.Errorf("case should not affect name scores: %v", scores)
	}
}
