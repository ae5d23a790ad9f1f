package barcode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"testing"
	"time"
)

type fakeDirectory struct {
	barcodes map[string]bool
	fail     bool
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{barcodes: make(map[string]bool)}
}

func (d *fakeDirectory) BarcodesInRange(_ context.Context, lo, hi string) ([]string, error) {
	if d.fail {
		return nil, errors.New("directory unavailable")
	}
	var out []string
	for bc := range d.barcodes {
		if bc >= lo && bc <= hi {
			out = append(out, bc)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *fakeDirectory) BarcodeExists(_ context.Context, bc string) (bool, error) {
	if d.fail {
		return false, errors.New("directory unavailable")
	}
	return d.barcodes[bc], nil
}

func TestGenerateSequentialAndGapReuse(t *testing.T) {
	dir := newFakeDirectory()
	g := NewGenerator(dir)
	ctx := context.Background()

	id, fallback, err := g.Generate(ctx, "CS", 2025)
	if err != nil || fallback {
		t.Fatalf("generate: id=%s fallback=%v err=%v", id, fallback, err)
	}
	if id != "2025CS001" {
		t.Fatalf("first id = %s, want 2025CS001", id)
	}
	dir.barcodes[id] = true

	id2, _, err := g.Generate(ctx, "CS", 2025)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id2 != "2025CS002" {
		t.Fatalf("second id = %s, want 2025CS002", id2)
	}
	dir.barcodes[id2] = true

	// Freeing the first sequence number makes it the next allocation again.
	delete(dir.barcodes, "2025CS001")
	id3, _, err := g.Generate(ctx, "CS", 2025)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id3 != "2025CS001" {
		t.Fatalf("gap reuse id = %s, want 2025CS001", id3)
	}
}

func TestGenerateUniquenessUnderRepeatedCalls(t *testing.T) {
	dir := newFakeDirectory()
	g := NewGenerator(dir)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 25; i++ {
		id, fallback, err := g.Generate(ctx, "IT", 2025)
		if err != nil || fallback {
			t.Fatalf("generate %d: fallback=%v err=%v", i, fallback, err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s on call %d", id, i)
		}
		seen[id] = true
		dir.barcodes[id] = true
		want := fmt.Sprintf("2025IT%03d", i+1)
		if id != want {
			t.Fatalf("call %d id = %s, want %s", i, id, want)
		}
	}
}

func TestGenerateUnknownDepartmentFallsBackToGEN(t *testing.T) {
	g := NewGenerator(newFakeDirectory())
	id, _, err := g.Generate(context.Background(), "xyz", 2025)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if id != "2025GEN001" {
		t.Fatalf("id = %s, want 2025GEN001", id)
	}
}

func TestGenerateDirectoryFailureFabricates(t *testing.T) {
	dir := newFakeDirectory()
	dir.fail = true
	g := NewGenerator(dir)

	id, fallback, err := g.Generate(context.Background(), "CS", 2025)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !fallback {
		t.Fatal("fabricated id must be flagged as fallback")
	}
	v := Validate(id)
	if !v.IsValid {
		t.Fatalf("fabricated id %s failed validation: %s", id, v.Err)
	}
	if v.Sequence < 100 || v.Sequence > 999 {
		t.Fatalf("fabricated sequence %d outside [100,999]", v.Sequence)
	}
}

func TestExists(t *testing.T) {
	dir := newFakeDirectory()
	dir.barcodes["2025CS001"] = true
	g := NewGenerator(dir)
	ctx := context.Background()

	if !g.Exists(ctx, "2025CS001") {
		t.Fatal("allocated barcode reported absent")
	}
	if g.Exists(ctx, "2025CS002") {
		t.Fatal("unallocated barcode reported present")
	}
	// A read failure must not block registration.
	dir.fail = true
	if g.Exists(ctx, "2025CS001") {
		t.Fatal("existence check must degrade to absent on directory failure")
	}
}

func TestValidateRoundTrip(t *testing.T) {
	g := NewGenerator(newFakeDirectory())
	for _, dept := range []string{"CS", "IT", "ENG", "GEN"} {
		id, _, err := g.Generate(context.Background(), dept, 2025)
		if err != nil {
			t.Fatalf("generate %s: %v", dept, err)
		}
		v := Validate(id)
		if !v.IsValid {
			t.Fatalf("Validate(%s): %s", id, v.Err)
		}
		if v.Year != 2025 || v.Department != dept || v.Sequence != 1 {
			t.Fatalf("decoded %+v from %s", v, id)
		}
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "barcode is required"},
		{"2025CS01", "barcode too short"},
		{"20X5CS001", "invalid year format"},
		{"2025XX001", "invalid department code"},
		{"2025CS0A1", "invalid sequential number format"},
	}
	for _, tc := range cases {
		v := Validate(tc.in)
		if v.IsValid {
			t.Fatalf("Validate(%q) accepted", tc.in)
		}
		if v.Err != tc.want {
			t.Fatalf("Validate(%q) err = %q, want %q", tc.in, v.Err, tc.want)
		}
	}
}

func TestScanPayloadRoundTrip(t *testing.T) {
	now := time.Now()
	data, err := EncodeScanPayload("2025CS001", "uid-1", now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := DecodeScanPayload(data, now.Add(time.Hour))
	if !v.IsValid {
		t.Fatalf("decode: %s", v.Err)
	}
	if v.Barcode != "2025CS001" || v.StudentID != "uid-1" || v.Version != "1.0" {
		t.Fatalf("decoded %+v", v)
	}
}

func TestScanPayloadExpiry(t *testing.T) {
	now := time.Now()
	data, err := EncodeScanPayload("2025CS001", "uid-1", now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	v := DecodeScanPayload(data, now.Add(25*time.Hour))
	if v.IsValid {
		t.Fatal("expired payload accepted")
	}
	if v.Err != "payload has expired" {
		t.Fatalf("err = %q", v.Err)
	}
}

func TestScanPayloadTamperDetected(t *testing.T) {
	now := time.Now()
	data, err := EncodeScanPayload("2025CS001", "uid-1", now)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	// Swap the barcode inside the payload without recomputing the checksum.
	var p ScanPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	p.Barcode = "2025CS002"
	tampered, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	v := DecodeScanPayload(string(tampered), now)
	if v.IsValid {
		t.Fatal("tampered payload accepted")
	}
	if v.Err != "payload integrity check failed" {
		t.Fatalf("err = %q", v.Err)
	}
}

func TestScanPayloadGarbage(t *testing.T) {
	if v := DecodeScanPayload("not json", time.Now()); v.IsValid || v.Err != "invalid payload data" {
		t.Fatalf("garbage payload: %+v", v)
	}
	if v := DecodeScanPayload(`{"barcode":"x"}`, time.Now()); v.IsValid || v.Err != "invalid payload format" {
		t.Fatalf("incomplete payload: %+v", v)
	}
}

func TestChecksumStableFormat(t *testing.T) {
	// The checksum must stay byte-compatible with payloads already issued:
	// base36, no sign, deterministic.
	a := checksum("2025CS001uid-1" + strconv.FormatInt(1700000000000, 10))
	b := checksum("2025CS001uid-1" + strconv.FormatInt(1700000000000, 10))
	if a != b || a == "" {
		t.Fatalf("checksum not deterministic: %q vs %q", a, b)
	}
	for _, r := range a {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'z') {
			t.Fatalf("checksum %q not base36", a)
		}
	}
}
