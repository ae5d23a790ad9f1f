// Package analytics derives time-windowed statistics from attendance
// snapshots. Compute is a pure function of its inputs so the same records
// and window always reproduce the same output.
package analytics

import (
	"regexp"
	"sort"
	"time"

	"scantrack/internal/attendance"
)

// Window selects the lookback period for a snapshot.
type Window string

const (
	WindowDay     Window = "day"
	WindowWeek    Window = "week"
	WindowMonth   Window = "month"
	WindowQuarter Window = "quarter"
)

// lookback maps each window to calendar days; unknown windows act as week.
func (w Window) lookback() int {
	switch w {
	case WindowDay:
		return 1
	case WindowMonth:
		return 30
	case WindowQuarter:
		return 90
	default:
		return 7
	}
}

// Summary is the headline view of a window.
type Summary struct {
	TotalRecords   int     `json:"totalRecords"`
	UniqueStudents int     `json:"uniqueStudents"`
	AttendanceRate float64 `json:"attendanceRate"` // % Present of filtered total
	LateRate       float64 `json:"lateRate"`
	Trend          float64 `json:"trend"` // % change vs the preceding equal window
}

// StatusCount is one slice of the status breakdown.
type StatusCount struct {
	Status     attendance.Status `json:"status"`
	Count      int               `json:"count"`
	Percentage float64           `json:"percentage"`
}

// DailyBucket aggregates one calendar date present in the window.
type DailyBucket struct {
	Date           string                    `json:"date"` // local YYYY-MM-DD
	Count          int                       `json:"count"`
	UniqueStudents int                       `json:"uniqueStudents"`
	ByStatus       map[attendance.Status]int `json:"byStatus"`
}

// HourlyBucket aggregates one hour of day across the window.
type HourlyBucket struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// DepartmentCount aggregates records by department code from the barcode.
type DepartmentCount struct {
	Department string `json:"department"`
	Count      int    `json:"count"`
}

// TopStudent is one entry in the most-recorded ranking.
type TopStudent struct {
	BarcodeID string `json:"barcodeId"`
	Count     int    `json:"count"`
}

// Snapshot is the full derived view for one window.
type Snapshot struct {
	Summary             Summary           `json:"summary"`
	StatusBreakdown     []StatusCount     `json:"statusBreakdown"`
	DailyTrends         []DailyBucket     `json:"dailyTrends"`
	HourlyTrends        []HourlyBucket    `json:"hourlyTrends"`
	DepartmentBreakdown []DepartmentCount `json:"departmentBreakdown"`
	TopStudents         []TopStudent      `json:"topStudents"`
}

var deptPattern = regexp.MustCompile(`\d{4}([A-Z]+)\d+`)

// ExtractDepartment pulls the department code out of a barcode id.
// Non-matching ids map to "Unknown".
func ExtractDepartment(barcodeID string) string {
	m := deptPattern.FindStringSubmatch(barcodeID)
	if m == nil {
		return "Unknown"
	}
	return m[1]
}

// Compute aggregates records inside [now-window, now]. now is explicit so
// the result is re-derivable; there is no hidden clock or state.
func Compute(records []attendance.Record, w Window, now time.Time) Snapshot {
	days := w.lookback()
	start := now.AddDate(0, 0, -days)

	var current []attendance.Record
	for _, r := range records {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(now) {
			current = append(current, r)
		}
	}

	total := len(current)
	statusCounts := map[attendance.Status]int{}
	students := map[string]bool{}
	for _, r := range current {
		statusCounts[statusOf(r)]++
		students[r.BarcodeID] = true
	}

	breakdown := make([]StatusCount, 0, len(attendance.Statuses))
	for _, st := range attendance.Statuses {
		pct := 0.0
		if total > 0 {
			pct = float64(statusCounts[st]) / float64(total) * 100
		}
		breakdown = append(breakdown, StatusCount{Status: st, Count: statusCounts[st], Percentage: pct})
	}

	attendanceRate, lateRate := 0.0, 0.0
	if total > 0 {
		attendanceRate = float64(statusCounts[attendance.StatusPresent]) / float64(total) * 100
		lateRate = float64(statusCounts[attendance.StatusLate]) / float64(total) * 100
	}

	// Trend compares against the immediately preceding window of equal length.
	prevStart := start.AddDate(0, 0, -days)
	prevTotal := 0
	for _, r := range records {
		if !r.Timestamp.Before(prevStart) && r.Timestamp.Before(start) {
			prevTotal++
		}
	}
	trend := 0.0
	if prevTotal > 0 {
		trend = float64(total-prevTotal) / float64(prevTotal) * 100
	}

	return Snapshot{
		Summary: Summary{
			TotalRecords:   total,
			UniqueStudents: len(students),
			AttendanceRate: attendanceRate,
			LateRate:       lateRate,
			Trend:          trend,
		},
		StatusBreakdown:     breakdown,
		DailyTrends:         dailyTrends(current),
		HourlyTrends:        hourlyTrends(current),
		DepartmentBreakdown: departmentBreakdown(current),
		TopStudents:         topStudents(current, 10),
	}
}

func statusOf(r attendance.Record) attendance.Status {
	if r.Status == "" {
		return attendance.StatusPresent
	}
	return r.Status
}

func dailyTrends(recs []attendance.Record) []DailyBucket {
	byDate := map[string]*DailyBucket{}
	studentsByDate := map[string]map[string]bool{}
	for _, r := range recs {
		date := r.Timestamp.Local().Format("2006-01-02")
		b, ok := byDate[date]
		if !ok {
			b = &DailyBucket{Date: date, ByStatus: map[attendance.Status]int{}}
			byDate[date] = b
			studentsByDate[date] = map[string]bool{}
		}
		b.Count++
		b.ByStatus[statusOf(r)]++
		studentsByDate[date][r.BarcodeID] = true
	}

	out := make([]DailyBucket, 0, len(byDate))
	for date, b := range byDate {
		b.UniqueStudents = len(studentsByDate[date])
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func hourlyTrends(recs []attendance.Record) []HourlyBucket {
	byHour := map[int]int{}
	for _, r := range recs {
		byHour[r.Timestamp.Local().Hour()]++
	}
	out := make([]HourlyBucket, 0, len(byHour))
	for h, c := range byHour {
		out = append(out, HourlyBucket{Hour: h, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out
}

func departmentBreakdown(recs []attendance.Record) []DepartmentCount {
	byDept := map[string]int{}
	var order []string
	for _, r := range recs {
		if r.BarcodeID == "" {
			continue
		}
		dept := ExtractDepartment(r.BarcodeID)
		if _, seen := byDept[dept]; !seen {
			order = append(order, dept)
		}
		byDept[dept]++
	}
	out := make([]DepartmentCount, 0, len(order))
	for _, dept := range order {
		out = append(out, DepartmentCount{Department: dept, Count: byDept[dept]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// topStudents ranks by record count descending; ties keep input order.
func topStudents(recs []attendance.Record, n int) []TopStudent {
	counts := map[string]int{}
	var order []string
	for _, r := range recs {
		if r.BarcodeID == "" {
			continue
		}
		if _, seen := counts[r.BarcodeID]; !seen {
			order = append(order, r.BarcodeID)
		}
		counts[r.BarcodeID]++
	}
	out := make([]TopStudent, 0, len(order))
	for _, id := range order {
		out = append(out, TopStudent{BarcodeID: id, Count: counts[id]})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	if len(out) > n {
		out = out[:n]
	}
	return out
}
