package matching

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/mpi/mpi/internal/domain/identity"
)

// BlockingKeys derives the coarse index keys that make a patient
// comparison-eligible. Deterministic and symmetric: two records sharing
// any key are compared regardless of insertion order. A record too
// sparse to key (no usable name+DOB, phone, or MRN) yields nil, which
// callers count rather than treat as an error.
func BlockingKeys(p *identity.Patient) []string {
	var keys []string

	if p.LastName != "" && p.BirthDate != nil {
		if code := soundex(p.LastName); code != "" {
			keys = append(keys, fmt.Sprintf("nd:%s%d", code, p.BirthDate.Year()))
		}
	}

	if p.Phone != nil {
		if digits := phoneDigits(*p.Phone); len(digits) >= 7 {
			if len(digits) > 10 {
				digits = digits[len(digits)-10:]
			}
			keys = append(keys, "ph:"+digits)
		}
	}

	if mrn := NormalizeMRN(p.MRN); mrn != "" {
		keys = append(keys, "mrn:"+mrn)
	}

	return keys
}

// NormalizeMRN uppercases and strips everything but letters and digits.
func NormalizeMRN(mrn string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(mrn) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// phoneDigits keeps only the digits of a phone string.
func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var soundexCodes = map[rune]byte{
	'B': '1', 'F': '1', 'P': '1', 'V': '1',
	'C': '2', 'G': '2', 'J': '2', 'K': '2', 'Q': '2', 'S': '2', 'X': '2', 'Z': '2',
	'D': '3', 'T': '3',
	'L': '4',
	'M': '5', 'N': '5',
	'R': '6',
}

// soundex computes the classic four-character Soundex code of a name.
// Returns "" when the name has no leading letter to anchor the code.
func soundex(name string) string {
	name = strings.ToUpper(strings.TrimSpace(name))

	var letters []rune
	for _, r := range name {
		if r >= 'A' && r <= 'Z' {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return ""
	}

	code := []byte{byte(letters[0])}
	prev := soundexCodes[letters[0]]
	for _, r := range letters[1:] {
		d := soundexCodes[r]
		if d == 0 {
			// H and W do not reset the previous code; vowels do.
			if r != 'H' && r != 'W' {
				prev = 0
			}
			continue
		}
		if d != prev {
			code = append(code, d)
			if len(code) == 4 {
				break
			}
		}
		prev = d
	}
	for len(code) < 4 {
		code = append(code, '0')
	}
	return string(code)
}
