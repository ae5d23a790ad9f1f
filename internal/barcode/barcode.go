// Package barcode generates and validates scannable student identifiers.
//
// Format: 4-digit year + department code + 3-digit zero-padded sequence,
// e.g. 2025CS001. The fixed-width sequence is load-bearing: the generator
// range-scans [prefix000, prefix999] lexicographically, which is only valid
// while every sequence is zero-padded to three digits.
package barcode

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"scantrack/internal/metrics"
)

// Departments maps known department codes to display names.
var Departments = map[string]string{
	"CS":  "Computer Science",
	"IT":  "Information Technology",
	"ENG": "Engineering",
	"BUS": "Business",
	"EDU": "Education",
	"MED": "Medicine",
	"LAW": "Law",
	"ART": "Arts",
	"SCI": "Science",
	"GEN": "General",
}

// DirectoryReader is the slice of the student directory the generator needs.
type DirectoryReader interface {
	// BarcodesInRange returns barcode ids lexicographically within [lo, hi].
	BarcodesInRange(ctx context.Context, lo, hi string) ([]string, error)
	// BarcodeExists reports whether any student holds the given barcode.
	BarcodeExists(ctx context.Context, barcode string) (bool, error)
}

// Generator allocates unique barcode ids against a student directory.
type Generator struct {
	dir DirectoryReader
}

// NewGenerator creates a generator backed by the given directory.
func NewGenerator(dir DirectoryReader) *Generator {
	return &Generator{dir: dir}
}

// Generate returns a new barcode id for the department and year. Unknown
// departments fall back to GEN. The sequence is the smallest unused integer
// in [1,999] for the (year, department) prefix so that freed numbers are
// reused. When the directory query fails the sequence is fabricated in
// [100,999] and fallback is true; the caller decides whether a non-verified
// id is acceptable.
func (g *Generator) Generate(ctx context.Context, department string, year int) (id string, fallback bool, err error) {
	dept := strings.ToUpper(strings.TrimSpace(department))
	if _, ok := Departments[dept]; !ok {
		dept = "GEN"
	}
	prefix := strconv.Itoa(year) + dept

	seq, fallback := g.nextSequence(ctx, prefix)
	if seq < 1 || seq > 999 {
		return "", fallback, fmt.Errorf("barcode space exhausted for prefix %s", prefix)
	}
	return fmt.Sprintf("%s%03d", prefix, seq), fallback, nil
}

// nextSequence finds the first gap in the allocated sequence numbers.
func (g *Generator) nextSequence(ctx context.Context, prefix string) (int, bool) {
	existing, err := g.dir.BarcodesInRange(ctx, prefix+"000", prefix+"999")
	if err != nil {
		log.Printf("barcode: sequence query failed for %s, fabricating: %v", prefix, err)
		metrics.BarcodeFallbacks.Inc()
		return rand.Intn(900) + 100, true
	}

	var numbers []int
	for _, bc := range existing {
		if !strings.HasPrefix(bc, prefix) {
			continue
		}
		n, err := strconv.Atoi(bc[len(prefix):])
		if err != nil {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)

	next := 1
	for _, n := range numbers {
		if n == next {
			next++
		} else if n > next {
			break
		}
	}
	return next, false
}

// Exists reports whether a barcode is already allocated. Query failures
// degrade to "assume absent" so registration is never blocked by a read error.
func (g *Generator) Exists(ctx context.Context, barcode string) bool {
	ok, err := g.dir.BarcodeExists(ctx, barcode)
	if err != nil {
		log.Printf("barcode: existence check failed for %s: %v", barcode, err)
		return false
	}
	return ok
}

// Validation is the structural decode of a barcode. Malformed input yields
// IsValid false with a reason string; Validate never fails hard.
type Validation struct {
	IsValid        bool
	Err            string
	Year           int
	Department     string
	DepartmentName string
	Sequence       int
	Barcode        string
}

// Validate re-parses a barcode into its components.
func Validate(bc string) Validation {
	if bc == "" {
		return Validation{Err: "barcode is required"}
	}
	if len(bc) < 9 {
		return Validation{Err: "barcode too short"}
	}

	yearPart := bc[:4]
	deptPart := bc[4 : len(bc)-3]
	seqPart := bc[len(bc)-3:]

	year, err := strconv.Atoi(yearPart)
	if err != nil || !allDigits(yearPart) {
		return Validation{Err: "invalid year format"}
	}
	name, ok := Departments[deptPart]
	if !ok {
		return Validation{Err: "invalid department code"}
	}
	seq, err := strconv.Atoi(seqPart)
	if err != nil || !allDigits(seqPart) {
		return Validation{Err: "invalid sequential number format"}
	}

	return Validation{
		IsValid:        true,
		Year:           year,
		Department:     deptPart,
		DepartmentName: name,
		Sequence:       seq,
		Barcode:        bc,
	}
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return len(s) > 0
}

// checksum is the legacy 31-multiplier rolling hash rendered in base36.
// It is tamper evidence, not tamper proofing, and must stay byte-compatible
// with payloads already in the field.
func checksum(data string) string {
	var h int32
	for _, c := range []byte(data) {
		h = h<<5 - h + int32(c)
	}
	v := int64(h)
	if v < 0 {
		v = -v
	}
	return strconv.FormatInt(v, 36)
}
