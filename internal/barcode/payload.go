package barcode

import (
	"encoding/json"
	"strconv"
	"time"
)

// payloadVersion identifies the signed payload format.
const payloadVersion = "1.0"

// payloadMaxAge is how long a signed payload stays valid after issue.
const payloadMaxAge = 24 * time.Hour

// ScanPayload is the signed wrapper a display surface encodes for scanning.
type ScanPayload struct {
	Barcode   string `json:"barcode"`
	StudentID string `json:"studentId"`
	Timestamp int64  `json:"timestamp"` // unix milliseconds at issue
	Checksum  string `json:"checksum"`
	Version   string `json:"version"`
}

// PayloadValidation is the outcome of decoding a signed payload.
type PayloadValidation struct {
	IsValid   bool
	Err       string
	Barcode   string
	StudentID string
	IssuedAt  time.Time
	Version   string
}

// EncodeScanPayload wraps a barcode and student id with an issue timestamp
// and checksum. now is explicit so issue time is controllable in tests.
func EncodeScanPayload(bc, studentID string, now time.Time) (string, error) {
	ms := now.UnixMilli()
	p := ScanPayload{
		Barcode:   bc,
		StudentID: studentID,
		Timestamp: ms,
		Checksum:  checksum(bc + studentID + strconv.FormatInt(ms, 10)),
		Version:   payloadVersion,
	}
	out, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// DecodeScanPayload parses and verifies a signed payload. Expired or
// checksum-mismatched payloads are rejected with a specific reason; decode
// failures never panic or return a Go error, matching the validator contract.
func DecodeScanPayload(data string, now time.Time) PayloadValidation {
	var p ScanPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		return PayloadValidation{Err: "invalid payload data"}
	}
	if p.Barcode == "" || p.StudentID == "" || p.Timestamp == 0 || p.Checksum == "" {
		return PayloadValidation{Err: "invalid payload format"}
	}

	expected := checksum(p.Barcode + p.StudentID + strconv.FormatInt(p.Timestamp, 10))
	if p.Checksum != expected {
		return PayloadValidation{Err: "payload integrity check failed"}
	}

	issued := time.UnixMilli(p.Timestamp)
	if now.Sub(issued) > payloadMaxAge {
		return PayloadValidation{Err: "payload has expired"}
	}

	return PayloadValidation{
		IsValid:   true,
		Barcode:   p.Barcode,
		StudentID: p.StudentID,
		IssuedAt:  issued,
		Version:   p.Version,
	}
}
