package matching

import (
	"strings"
	"time"

	"github.com/mpi/mpi/internal/domain/identity"
)

// Comparable field names. These are the keys of the field score map and
// of the policy weight table.
const (
	FieldFirstName = "first_name"
	FieldLastName  = "last_name"
	FieldBirthDate = "birth_date"
	FieldPhone     = "phone"
	FieldMRN       = "mrn"
	FieldGender    = "gender"
)

// CompareFields scores every comparable field present on both records.
// A field missing on either side is absent from the result rather than
// scored zero. Symmetric: CompareFields(a, b) == CompareFields(b, a).
func CompareFields(a, b *identity.Patient) map[string]float64 {
	scores := make(map[string]float64)

	if a.FirstName != "" && b.FirstName != "" {
		scores[FieldFirstName] = jaroWinkler(normName(a.FirstName), normName(b.FirstName))
	}
	if a.LastName != "" && b.LastName != "" {
		scores[FieldLastName] = jaroWinkler(normName(a.LastName), normName(b.LastName))
	}
	if a.BirthDate != nil && b.BirthDate != nil {
		scores[FieldBirthDate] = compareBirthDates(*a.BirthDate, *b.BirthDate)
	}
	if a.Phone != nil && b.Phone != nil {
		if s, ok := comparePhones(*a.Phone, *b.Phone); ok {
			scores[FieldPhone] = s
		}
	}
	if am, bm := NormalizeMRN(a.MRN), NormalizeMRN(b.MRN); am != "" && bm != "" {
		scores[FieldMRN] = exactScore(am, bm)
	}
	if a.Gender != nil && b.Gender != nil {
		scores[FieldGender] = exactScore(*a.Gender, *b.Gender)
	}

	return scores
}

func normName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func exactScore(a, b string) float64 {
	if a == b {
		return 1.0
	}
	return 0
}

// compareBirthDates scores date proximity in tiers: exact 1.0, one day
// apart or month/day transposed 0.7, same year 0.3, else 0. Transposed
// dates (03-04 vs 04-03) are a common transcription error.
func compareBirthDates(a, b time.Time) float64 {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()

	if ay == by && am == bm && ad == bd {
		return 1.0
	}

	diff := a.Sub(b)
	if diff < 0 {
		diff = -diff
	}
	if diff <= 24*time.Hour {
		return 0.7
	}
	if ay == by && int(am) == bd && ad == int(bm) {
		return 0.7
	}
	if ay == by {
		return 0.3
	}
	return 0
}

// comparePhones scores normalized digit strings. Returns ok=false when
// either side is too short to compare meaningfully.
func comparePhones(a, b string) (float64, bool) {
	da, db := phoneDigits(a), phoneDigits(b)
	if len(da) < 7 || len(db) < 7 {
		return 0, false
	}

	la, lb := last(da, 10), last(db, 10)
	if len(la) == 10 && la == lb {
		return 1.0, true
	}
	if last(da, 7) == last(db, 7) {
		return 0.8, true
	}
	return 0, true
}

func last(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// jaroWinkler computes Jaro-Winkler similarity in [0,1]. The Winkler
// prefix bonus rewards shared leading characters, which suits given and
// family names.
func jaroWinkler(a, b string) float64 {
	j := jaro(a, b)
	if j <= 0.7 {
		return j
	}

	prefix := 0
	for i := 0; i < len(a) && i < len(b) && i < 4; i++ {
		if a[i] != b[i] {
			break
		}
		prefix++
	}
	return j + float64(prefix)*0.1*(1.0-j)
}

func jaro(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len(a), len(b)
	if la == 0 || lb == 0 {
		return 0
	}

	window := la
	if lb > window {
		window = lb
	}
	window = window/2 - 1
	if window < 0 {
		window = 0
	}

	matchA := make([]bool, la)
	matchB := make([]bool, lb)
	matches := 0

	for i := 0; i < la; i++ {
		lo := i - window
		if lo < 0 {
			lo = 0
		}
		hi := i + window + 1
		if hi > lb {
			hi = lb
		}
		for j := lo; j < hi; j++ {
			if matchB[j] || a[i] != b[j] {
				continue
			}
			matchA[i] = true
			matchB[j] = true
			matches++
			break
		}
	}

	if matches == 0 {
		return 0
	}

	transpositions := 0
	j := 0
	for i := 0; i < la; i++ {
		if !matchA[i] {
			continue
		}
		for !matchB[j] {
			j++
		}
		if a[i] != b[j] {
			transpositions++
		}
		j++
	}

	m := float64(matches)
	return (m/float64(la) + m/float64(lb) + (m-float64(transpositions)/2)/m) / 3
}
