package attendance

import (
	"fmt"
	"strings"
	"time"
)

// Employee is a registered employee in the identity directory.
type Employee struct {
	ID         string     `json:"id"`
	EmployeeID string     `json:"employee_id"`
	Name       string     `json:"name"`
	Email      *string    `json:"email,omitempty"`
	Role       string     `json:"role"`
	IsEnrolled bool       `json:"is_enrolled"`
	EnrolledAt *time.Time `json:"enrolled_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Event kinds recorded on a day's note timeline.
const (
	EventCheckIn     = "check_in"
	EventLunchOut    = "lunch_out"
	EventAfternoonIn = "afternoon_in"
	EventDeparture   = "departure"
	EventOvertime    = "overtime"
	EventAbsent      = "absent"
)

// Statuses carried by a day record.
const (
	StatusOnTime        = "on_time"
	StatusLate          = "late"
	StatusAbsentMorning = "absent_morning"
	StatusLateAfternoon = "late_afternoon"
	StatusAbsent        = "absent"
)

// NoteEvent is one tagged entry on the record's note timeline. The
// rendered note text is derived from these, so updating a departure
// replaces the event instead of splicing strings.
type NoteEvent struct {
	Kind        string    `json:"kind"`
	At          time.Time `json:"at"`
	LateMinutes int       `json:"late_minutes,omitempty"`
}

// Record is one employee's attendance for one calendar day. At most one
// exists per (employee, day); the repository enforces this with a unique
// constraint and the service serializes same-key mutations.
type Record struct {
	ID         string `json:"id"`
	EmployeeID string `json:"employee_id"`
	Name       string `json:"name"`
	// Day is midnight local time of the calendar day.
	Day time.Time `json:"date"`

	MorningIn        *time.Time `json:"check_in_time,omitempty"`
	MorningInImage   string     `json:"check_in_image,omitempty"`
	LunchOut         *time.Time `json:"check_out_time_morning,omitempty"`
	LunchOutImage    string     `json:"check_out_image_morning,omitempty"`
	AfternoonIn      *time.Time `json:"check_in_time_afternoon,omitempty"`
	AfternoonInImage string     `json:"check_in_image_afternoon,omitempty"`
	FinalOut         *time.Time `json:"check_out_time,omitempty"`
	FinalOutImage    string     `json:"check_out_image,omitempty"`

	Status string      `json:"status"`
	Events []NoteEvent `json:"events"`

	CreatedAt time.Time `json:"created_at"`
}

// DayOf truncates t to midnight in its own location.
func DayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// LastUpdate returns the most recent populated scan timestamp, checked
// from final check-out back to morning check-in.
func (r *Record) LastUpdate() time.Time {
	for _, t := range []*time.Time{r.FinalOut, r.AfternoonIn, r.LunchOut, r.MorningIn} {
		if t != nil {
			return *t
		}
	}
	return time.Time{}
}

// TotalHours derives worked hours from whichever time pairs are
// populated: morning-to-lunch plus afternoon-to-final, or straight
// morning-to-final when no lunch break was recorded.
func (r *Record) TotalHours() float64 {
	var total time.Duration
	if r.MorningIn != nil && r.LunchOut != nil {
		total += r.LunchOut.Sub(*r.MorningIn)
	}
	if r.AfternoonIn != nil && r.FinalOut != nil {
		total += r.FinalOut.Sub(*r.AfternoonIn)
	}
	if r.MorningIn != nil && r.FinalOut != nil && r.LunchOut == nil && r.AfternoonIn == nil {
		total = r.FinalOut.Sub(*r.MorningIn)
	}
	return float64(int(total.Minutes())) / 60.0
}

// appendEvent adds an event to the timeline. Departure and overtime are
// mutually exclusive and a later scan replaces the previous one.
func (r *Record) appendEvent(e NoteEvent) {
	if e.Kind == EventDeparture || e.Kind == EventOvertime {
		kept := r.Events[:0]
		for _, ev := range r.Events {
			if ev.Kind != EventDeparture && ev.Kind != EventOvertime {
				kept = append(kept, ev)
			}
		}
		r.Events = kept
	}
	r.Events = append(r.Events, e)
}

// Note renders the event timeline as the user-visible summary text.
func (r *Record) Note() string {
	parts := make([]string, 0, len(r.Events))
	for _, e := range r.Events {
		hm := e.At.Format("15:04")
		switch e.Kind {
		case EventCheckIn:
			if e.LateMinutes > 0 {
				parts = append(parts, fmt.Sprintf("late %dm", e.LateMinutes))
			}
		case EventLunchOut:
			parts = append(parts, fmt.Sprintf("lunch-out at %s", hm))
		case EventAfternoonIn:
			if e.LateMinutes > 0 {
				parts = append(parts, fmt.Sprintf("afternoon in at %s (late %dm)", hm, e.LateMinutes))
			} else if r.MorningIn == nil {
				parts = append(parts, "absent morning - present afternoon")
			} else {
				parts = append(parts, fmt.Sprintf("afternoon in at %s", hm))
			}
		case EventDeparture:
			parts = append(parts, fmt.Sprintf("departure at %s", hm))
		case EventOvertime:
			parts = append(parts, fmt.Sprintf("overtime until %s", hm))
		case EventAbsent:
			parts = append(parts, "absent: first scan after cutoff")
		}
	}
	return strings.Join(parts, "; ")
}
