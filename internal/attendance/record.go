// Package attendance owns the attendance record lifecycle: the single write
// path, the tiered duplicate detector, and the record store behind both.
package attendance

import (
	"errors"
	"fmt"
	"time"
)

// Status is the attendance state of a record.
type Status string

const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusAbsent  Status = "Absent"
	StatusExcused Status = "Excused"
)

// Statuses lists every valid status in display order.
var Statuses = []Status{StatusPresent, StatusLate, StatusAbsent, StatusExcused}

// ValidStatus reports whether s is a known status.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPresent, StatusLate, StatusAbsent, StatusExcused:
		return true
	}
	return false
}

// Record is one attendance event. Records are created only through the
// recorder service, mutated only through explicit edits or bulk updates,
// and never expire.
type Record struct {
	ID                   string            `json:"id"`
	BarcodeID            string            `json:"barcodeId"`
	Timestamp            time.Time         `json:"timestamp"`
	Status               Status            `json:"status"`
	RecordedBy           string            `json:"recordedBy"`
	DuplicateCheckMethod string            `json:"duplicateCheckMethod,omitempty"`
	Extra                map[string]string `json:"extra,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            *time.Time        `json:"updatedAt,omitempty"`
	UpdatedBy            string            `json:"updatedBy,omitempty"`
}

// ErrInvalidInput is returned for an empty or malformed barcode id.
var ErrInvalidInput = errors.New("invalid barcode id provided")

// DuplicateError reports a same-day record that already exists. The message
// names the existing record's date, time, and the detection tier that found
// it so the operator can diagnose which query path answered.
type DuplicateError struct {
	BarcodeID string
	Existing  Record
	Method    string
}

func (e *DuplicateError) Error() string {
	ts := e.Existing.Timestamp.Local()
	return fmt.Sprintf(
		"duplicate attendance detected: id %s was already recorded today (%s) at %s; detection method: %s",
		e.BarcodeID, ts.Format("2006-01-02"), ts.Format("15:04:05"), e.Method,
	)
}

// SameLocalDay reports whether two instants fall on the same calendar day in
// the local time zone. Day boundaries deliberately follow the evaluating
// process's zone, not UTC, so a scan just after local midnight counts as a
// new day for the instructor running the scanner.
func SameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// LocalDayBounds returns the inclusive start and end of ref's local calendar day.
func LocalDayBounds(ref time.Time) (start, end time.Time) {
	y, m, d := ref.Local().Date()
	loc := ref.Local().Location()
	start = time.Date(y, m, d, 0, 0, 0, 0, loc)
	end = time.Date(y, m, d, 23, 59, 59, int(time.Second-time.Nanosecond), loc)
	return start, end
}
