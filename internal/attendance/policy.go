package attendance

import "time"

// Window boundaries are minutes since local midnight.
const minutesPerHour = 60

// Policy holds the time-of-day boundaries driving the decision engine
// plus the debounce window. All values are configurable in one place;
// DefaultPolicy matches the site's working hours.
type Policy struct {
	StartDay           int // nominal day start
	LateMorning        int // after this, morning check-in is late
	MorningEnd         int // still-morning / lunch-window boundary
	LunchBuffer        int // lunch-out / afternoon-in boundary
	AfternoonStart     int // nominal afternoon start
	LateAfternoon      int // after this, afternoon check-in is late
	MaxLateAfternoon   int // after this, a first scan of the day is absent
	AfternoonScanLimit int // after this, a scan is no longer an afternoon check-in
	WorkEnd            int // normal departure
	OvertimeStart      int // departure after this is overtime

	Debounce time.Duration

	// PersistAbsent controls whether a too-late first scan writes an
	// explicit absent record (visible on dashboards) or is dropped.
	PersistAbsent bool
}

// DefaultPolicy returns the production boundaries.
func DefaultPolicy() Policy {
	return Policy{
		StartDay:           7 * minutesPerHour,            // 07:00
		LateMorning:        8*minutesPerHour + 15,         // 08:15
		MorningEnd:         11 * minutesPerHour,           // 11:00
		LunchBuffer:        12*minutesPerHour + 30,        // 12:30
		AfternoonStart:     13 * minutesPerHour,           // 13:00
		LateAfternoon:      13*minutesPerHour + 15,        // 13:15
		MaxLateAfternoon:   13*minutesPerHour + 30,        // 13:30
		AfternoonScanLimit: 14 * minutesPerHour,           // 14:00
		WorkEnd:            17 * minutesPerHour,           // 17:00
		OvertimeStart:      18 * minutesPerHour,           // 18:00
		Debounce:           60 * time.Second,
		PersistAbsent:      true,
	}
}

// Decision kinds returned by the engine.
const (
	DecisionCheckIn     = "check_in"
	DecisionLunchOut    = "lunch_out"
	DecisionAfternoonIn = "afternoon_in"
	DecisionCheckOut    = "check_out"
	DecisionAbsent      = "absent"
	DecisionRepeat      = "repeat_scan"
	DecisionDebounced   = "debounced"
)

// Decision describes what one recognized event did to the day's record.
type Decision struct {
	Kind        string
	Created     bool
	Mutated     bool
	Overtime    bool
	LateMinutes int
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*minutesPerHour + t.Minute()
}

// FirstScan builds the day's record from the first recognized event.
// The returned record is nil when the scan is rejected without
// persistence (absent with PersistAbsent disabled).
func (p Policy) FirstScan(emp Employee, at time.Time, imageRef string) (*Record, Decision) {
	tm := minuteOfDay(at)
	rec := &Record{
		EmployeeID: emp.EmployeeID,
		Name:       emp.Name,
		Day:        DayOf(at),
	}

	switch {
	case tm < p.MorningEnd:
		t := at
		rec.MorningIn = &t
		rec.MorningInImage = imageRef
		late := 0
		if tm > p.LateMorning {
			late = tm - p.LateMorning
			rec.Status = StatusLate
		} else {
			rec.Status = StatusOnTime
		}
		rec.appendEvent(NoteEvent{Kind: EventCheckIn, At: at, LateMinutes: late})
		return rec, Decision{Kind: DecisionCheckIn, Created: true, Mutated: true, LateMinutes: late}

	case tm > p.MaxLateAfternoon:
		// Too late for any first scan. The record, if persisted, lets
		// dashboards tell "confirmed absent" from "no data".
		if !p.PersistAbsent {
			return nil, Decision{Kind: DecisionAbsent}
		}
		rec.Status = StatusAbsent
		rec.appendEvent(NoteEvent{Kind: EventAbsent, At: at})
		return rec, Decision{Kind: DecisionAbsent, Created: true, Mutated: true}

	default:
		// No morning scan happened; the employee shows up around the
		// afternoon window.
		t := at
		rec.AfternoonIn = &t
		rec.AfternoonInImage = imageRef
		rec.Status = StatusAbsentMorning
		rec.appendEvent(NoteEvent{Kind: EventAfternoonIn, At: at})
		return rec, Decision{Kind: DecisionAfternoonIn, Created: true, Mutated: true}
	}
}

// NextScan applies a subsequent recognized event to an existing record.
func (p Policy) NextScan(rec *Record, at time.Time, imageRef string) Decision {
	if last := rec.LastUpdate(); !last.IsZero() && at.Sub(last) < p.Debounce {
		return Decision{Kind: DecisionDebounced}
	}

	tm := minuteOfDay(at)
	switch {
	case tm >= p.MorningEnd && tm < p.LunchBuffer && rec.LunchOut == nil:
		t := at
		rec.LunchOut = &t
		rec.LunchOutImage = imageRef
		rec.appendEvent(NoteEvent{Kind: EventLunchOut, At: at})
		return Decision{Kind: DecisionLunchOut, Mutated: true}

	case tm >= p.LunchBuffer && tm < p.AfternoonScanLimit && rec.AfternoonIn == nil:
		t := at
		rec.AfternoonIn = &t
		rec.AfternoonInImage = imageRef
		late := 0
		if tm > p.LateAfternoon {
			late = tm - p.LateAfternoon
			rec.Status = StatusLateAfternoon
		}
		rec.appendEvent(NoteEvent{Kind: EventAfternoonIn, At: at, LateMinutes: late})
		return Decision{Kind: DecisionAfternoonIn, Mutated: true, LateMinutes: late}

	case tm >= p.WorkEnd:
		// Re-scans later the same evening overwrite the departure; the
		// event timeline replaces the old segment instead of stacking.
		t := at
		rec.FinalOut = &t
		rec.FinalOutImage = imageRef
		kind := EventDeparture
		overtime := tm >= p.OvertimeStart
		if overtime {
			kind = EventOvertime
		}
		rec.appendEvent(NoteEvent{Kind: kind, At: at})
		return Decision{Kind: DecisionCheckOut, Mutated: true, Overtime: overtime}

	default:
		return Decision{Kind: DecisionRepeat}
	}
}
