package attendance

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/recognition"
)

// ErrDuplicateDay is returned when an insert loses the race against a
// concurrent first scan for the same (employee, day). Callers refetch
// and apply the event to the winner's record.
var ErrDuplicateDay = errors.New("attendance record for day already exists")

// ErrNotFound is returned when a looked-up entity does not exist.
var ErrNotFound = errors.New("not found")

// Repository persists the identity directory and attendance records in
// Postgres.
type Repository struct {
	db *sql.DB
}

// NewRepository creates a repo.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// --- identity directory ---

// GetEmployee returns an employee by its employee code, nil when absent.
func (r *Repository) GetEmployee(ctx context.Context, employeeID string) (*Employee, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, employee_id, name, email, role, is_enrolled, enrolled_at, created_at
		FROM employees WHERE employee_id = $1
	`, employeeID)
	var e Employee
	if err := row.Scan(&e.ID, &e.EmployeeID, &e.Name, &e.Email, &e.Role, &e.IsEnrolled, &e.EnrolledAt, &e.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &e, nil
}

// ListEmployees returns every registered employee.
func (r *Repository) ListEmployees(ctx context.Context) ([]Employee, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, employee_id, name, email, role, is_enrolled, enrolled_at, created_at
		FROM employees ORDER BY employee_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var employees []Employee
	for rows.Next() {
		var e Employee
		if err := rows.Scan(&e.ID, &e.EmployeeID, &e.Name, &e.Email, &e.Role, &e.IsEnrolled, &e.EnrolledAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		employees = append(employees, e)
	}
	return employees, rows.Err()
}

// NextEmployeeID allocates the next NVnnn code from the dedicated
// sequence. nextval is atomic, so concurrent creates each get a
// distinct code instead of racing a read-latest-then-insert.
func (r *Repository) NextEmployeeID(ctx context.Context) (string, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT nextval('employee_code_seq')`).Scan(&n); err != nil {
		return "", err
	}
	return EmployeeCode(n), nil
}

// EmployeeCode formats a sequence number as an NVnnn employee code.
// Codes past NV999 simply grow wider.
func EmployeeCode(n int) string {
	return fmt.Sprintf("NV%03d", n)
}

// CreateEmployee inserts a new employee.
func (r *Repository) CreateEmployee(ctx context.Context, e *Employee) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Role == "" {
		e.Role = "employee"
	}
	return r.db.QueryRowContext(ctx, `
		INSERT INTO employees (id, employee_id, name, email, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, e.ID, e.EmployeeID, e.Name, e.Email, e.Role).Scan(&e.CreatedAt)
}

// DeleteEmployee removes an employee; face samples and attendance
// records cascade via foreign keys.
func (r *Repository) DeleteEmployee(ctx context.Context, employeeID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM employees WHERE employee_id = $1`, employeeID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnrolled marks enrollment state. Resetting keeps stored samples so
// history survives; only the flag changes.
func (r *Repository) SetEnrolled(ctx context.Context, employeeID string, enrolled bool) error {
	var enrolledAt any
	if enrolled {
		enrolledAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE employees SET is_enrolled = $2, enrolled_at = $3 WHERE employee_id = $1
	`, employeeID, enrolled, enrolledAt)
	return err
}

// ResetAllEnrollment marks every employee unenrolled.
func (r *Repository) ResetAllEnrollment(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `UPDATE employees SET is_enrolled = FALSE, enrolled_at = NULL`)
	return err
}

// --- gallery ---

// AppendFaceSample stores one more sample for the employee and marks it
// enrolled.
func (r *Repository) AppendFaceSample(ctx context.Context, employeeID string, s recognition.FaceSample) error {
	emb, err := json.Marshal(s.Embedding)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO face_samples (id, employee_id, embedding, quality, source)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.NewString(), employeeID, emb, s.Quality, s.Source); err != nil {
		return err
	}
	return r.SetEnrolled(ctx, employeeID, true)
}

// ReplaceFaceSamples drops prior samples before storing the new one.
func (r *Repository) ReplaceFaceSamples(ctx context.Context, employeeID string, s recognition.FaceSample) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM face_samples WHERE employee_id = $1`, employeeID); err != nil {
		return err
	}
	return r.AppendFaceSample(ctx, employeeID, s)
}

// ListGallery loads all enrolled identities with their samples for the
// matcher scan.
func (r *Repository) ListGallery(ctx context.Context) ([]recognition.Identity, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT e.employee_id, e.name, s.embedding, s.quality, s.source, s.captured_at
		FROM employees e
		JOIN face_samples s ON s.employee_id = e.employee_id
		WHERE e.is_enrolled = TRUE
		ORDER BY e.employee_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var gallery []recognition.Identity
	var current *recognition.Identity
	for rows.Next() {
		var employeeID, name, source string
		var emb []byte
		var quality float64
		var capturedAt time.Time
		if err := rows.Scan(&employeeID, &name, &emb, &quality, &source, &capturedAt); err != nil {
			return nil, err
		}
		var vec []float32
		if err := json.Unmarshal(emb, &vec); err != nil {
			return nil, fmt.Errorf("decode embedding for %s: %w", employeeID, err)
		}
		if current == nil || current.EmployeeID != employeeID {
			gallery = append(gallery, recognition.Identity{EmployeeID: employeeID, Name: name})
			current = &gallery[len(gallery)-1]
		}
		current.Samples = append(current.Samples, recognition.FaceSample{
			Embedding:  vec,
			Quality:    quality,
			CapturedAt: capturedAt.Unix(),
			Source:     source,
		})
	}
	return gallery, rows.Err()
}

// --- attendance records ---

const recordColumns = `
	id, employee_id, name, day,
	morning_in, morning_in_image, lunch_out, lunch_out_image,
	afternoon_in, afternoon_in_image, final_out, final_out_image,
	status, note, events, created_at
`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var rec Record
	var note string
	var events []byte
	if err := row.Scan(
		&rec.ID, &rec.EmployeeID, &rec.Name, &rec.Day,
		&rec.MorningIn, &rec.MorningInImage, &rec.LunchOut, &rec.LunchOutImage,
		&rec.AfternoonIn, &rec.AfternoonInImage, &rec.FinalOut, &rec.FinalOutImage,
		&rec.Status, &note, &events, &rec.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(events) > 0 {
		if err := json.Unmarshal(events, &rec.Events); err != nil {
			return nil, fmt.Errorf("decode note events: %w", err)
		}
	}
	return &rec, nil
}

// GetRecordForDay returns the record for (employee, day), nil when none.
func (r *Repository) GetRecordForDay(ctx context.Context, employeeID string, day time.Time) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE employee_id = $1 AND day = $2
	`, employeeID, DayOf(day))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

// InsertRecord writes a new day record. The (employee_id, day) unique
// constraint backs the one-record-per-day invariant; a conflicting
// insert returns ErrDuplicateDay instead of a second row.
func (r *Repository) InsertRecord(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO attendance_records (`+recordColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,NOW())
		ON CONFLICT (employee_id, day) DO NOTHING
	`, rec.ID, rec.EmployeeID, rec.Name, DayOf(rec.Day),
		rec.MorningIn, rec.MorningInImage, rec.LunchOut, rec.LunchOutImage,
		rec.AfternoonIn, rec.AfternoonInImage, rec.FinalOut, rec.FinalOutImage,
		rec.Status, rec.Note(), events)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateDay
	}
	return nil
}

// UpdateRecord persists a mutated record.
func (r *Repository) UpdateRecord(ctx context.Context, rec *Record) error {
	events, err := json.Marshal(rec.Events)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE attendance_records SET
			morning_in = $2, morning_in_image = $3,
			lunch_out = $4, lunch_out_image = $5,
			afternoon_in = $6, afternoon_in_image = $7,
			final_out = $8, final_out_image = $9,
			status = $10, note = $11, events = $12
		WHERE id = $1
	`, rec.ID,
		rec.MorningIn, rec.MorningInImage, rec.LunchOut, rec.LunchOutImage,
		rec.AfternoonIn, rec.AfternoonInImage, rec.FinalOut, rec.FinalOutImage,
		rec.Status, rec.Note(), events)
	return err
}

// ListRecords returns records filtered by optional date range and
// employee, newest first, paginated.
func (r *Repository) ListRecords(ctx context.Context, employeeID string, from, to *time.Time, limit, offset int) ([]Record, int, error) {
	if limit <= 0 {
		limit = 10
	}
	if offset < 0 {
		offset = 0
	}
	where := " WHERE 1=1"
	args := []any{}
	if employeeID != "" {
		args = append(args, employeeID)
		where += fmt.Sprintf(" AND employee_id = $%d", len(args))
	}
	if from != nil {
		args = append(args, DayOf(*from))
		where += fmt.Sprintf(" AND day >= $%d", len(args))
	}
	if to != nil {
		args = append(args, DayOf(*to))
		where += fmt.Sprintf(" AND day <= $%d", len(args))
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM attendance_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	args = append(args, limit, offset)
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records`+where+`
		ORDER BY day DESC, morning_in DESC NULLS LAST
		LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		recs = append(recs, *rec)
	}
	return recs, total, rows.Err()
}

// TodayRecords returns every record for the given day, newest scan first.
func (r *Repository) TodayRecords(ctx context.Context, day time.Time) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+` FROM attendance_records
		WHERE day = $1 ORDER BY morning_in DESC NULLS LAST
	`, DayOf(day))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, *rec)
	}
	return recs, rows.Err()
}

// Stats summarizes today's presence for the dashboard.
type Stats struct {
	TotalEmployees int `json:"total_employees"`
	PresentToday   int `json:"present_today"`
	AbsentToday    int `json:"absent_today"`
}

// DashboardStats counts employees with any record today against the
// directory size.
func (r *Repository) DashboardStats(ctx context.Context, day time.Time) (Stats, error) {
	var s Stats
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM employees`).Scan(&s.TotalEmployees); err != nil {
		return s, err
	}
	if err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT employee_id) FROM attendance_records
		WHERE day = $1 AND status <> $2
	`, DayOf(day), StatusAbsent).Scan(&s.PresentToday); err != nil {
		return s, err
	}
	s.AbsentToday = s.TotalEmployees - s.PresentToday
	return s, nil
}

// --- devices ---

// UpsertDevice ensures a kiosk device record exists.
func (r *Repository) UpsertDevice(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return errors.New("device id required")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO devices (device_id) VALUES ($1)
		ON CONFLICT (device_id) DO NOTHING
	`, deviceID)
	return err
}

// SaveRefreshToken stores a refresh token for rotation checks.
func (r *Repository) SaveRefreshToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (device_id, token, expires_at)
		VALUES ($1, $2, $3)
	`, deviceID, token, expiresAt)
	return err
}
