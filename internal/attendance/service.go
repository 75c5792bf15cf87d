package attendance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/faceclient"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/imagestore"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/recognition"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/session"
)

// Store is the persistence surface the service needs. *Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	GetEmployee(ctx context.Context, employeeID string) (*Employee, error)
	ListGallery(ctx context.Context) ([]recognition.Identity, error)
	AppendFaceSample(ctx context.Context, employeeID string, s recognition.FaceSample) error
	ReplaceFaceSamples(ctx context.Context, employeeID string, s recognition.FaceSample) error
	GetRecordForDay(ctx context.Context, employeeID string, day time.Time) (*Record, error)
	InsertRecord(ctx context.Context, rec *Record) error
	UpdateRecord(ctx context.Context, rec *Record) error
}

// Extractor is the external embedding/liveness service surface.
type Extractor interface {
	ExtractBatch(ctx context.Context, images []string) (*faceclient.ExtractResult, error)
}

// Notifier fans accepted mutations out to dashboards. Implementations
// must not block the attendance write path.
type Notifier interface {
	NotifyRecord(rec *Record)
}

// RecognizeResult is the response contract for the recognition endpoint.
type RecognizeResult struct {
	Status  string  `json:"status,omitempty"` // "collecting" while buffering
	Count   int     `json:"count,omitempty"`
	Match   bool    `json:"match"`
	Name    string  `json:"name,omitempty"`
	Message string  `json:"message,omitempty"`
	Kind    string  `json:"kind,omitempty"`
	Record  *Record `json:"record,omitempty"`
}

// EnrollmentResult is the response contract for the enrollment endpoint.
type EnrollmentResult struct {
	Status  string `json:"status,omitempty"`
	Count   int    `json:"count,omitempty"`
	Done    bool   `json:"-"`
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// Service runs the recognition and enrollment pipelines: capture
// aggregation, embedding extraction, gallery matching, the time-window
// decision engine, and idempotent persistence.
type Service struct {
	store    Store
	matcher  recognition.Matcher
	face     Extractor
	images   imagestore.Store
	notifier Notifier
	captures *session.CaptureHub
	enrolls  *session.EnrollHub

	policy            Policy
	threshold         float64
	relaxedMax        float64
	replaceOnReenroll bool

	// One mutex per (employee, day): the read-decide-write sequence on a
	// record is not safe under concurrent same-key execution.
	locks sync.Map
}

// Option tweaks service construction.
type Option func(*Service)

// WithReplaceOnReenroll makes re-enrollment replace prior samples
// instead of appending.
func WithReplaceOnReenroll() Option {
	return func(s *Service) { s.replaceOnReenroll = true }
}

// WithPolicy overrides the default time-window policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// NewService wires the recognition pipeline.
func NewService(store Store, matcher recognition.Matcher, face Extractor, images imagestore.Store,
	notifier Notifier, captures *session.CaptureHub, enrolls *session.EnrollHub,
	threshold, relaxedMax float64, opts ...Option) *Service {

	s := &Service{
		store:      store,
		matcher:    matcher,
		face:       face,
		images:     images,
		notifier:   notifier,
		captures:   captures,
		enrolls:    enrolls,
		policy:     DefaultPolicy(),
		threshold:  threshold,
		relaxedMax: relaxedMax,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Recognize processes one submitted capture image. deviceKey isolates
// concurrent kiosks; captureAt carries the device timestamp (zero means
// server time); offline marks a late-uploaded single-image batch.
func (s *Service) Recognize(ctx context.Context, deviceKey, image string, captureAt time.Time, offline bool) (RecognizeResult, error) {
	burst := s.captures.Submit(deviceKey, image, captureAt, offline)
	if !burst.Ready {
		return RecognizeResult{Status: "collecting", Count: burst.Count}, nil
	}

	res, err := s.face.ExtractBatch(ctx, burst.Batch)
	if err != nil {
		// Transient failure: the batch is gone, the device retries with
		// a fresh burst.
		recognitionsTotal.WithLabelValues("extract_error").Inc()
		return RecognizeResult{}, fmt.Errorf("embedding extraction: %w", err)
	}
	if !res.Success || !faceclient.Live(res, s.relaxedMax) {
		recognitionsTotal.WithLabelValues("spoof_or_noface").Inc()
		return RecognizeResult{Match: false, Name: "Spoof/NoFace", Message: res.Message}, nil
	}

	gallery, err := s.store.ListGallery(ctx)
	if err != nil {
		return RecognizeResult{}, fmt.Errorf("load gallery: %w", err)
	}
	match := s.matcher.Match(res.Vector, gallery)
	matchDistance.Observe(match.Distance)
	if !recognition.Accepted(match, s.threshold) {
		recognitionsTotal.WithLabelValues("unknown").Inc()
		return RecognizeResult{Match: false, Name: "unknown"}, nil
	}

	// Evidence image is best-effort; a storage failure never aborts the
	// attendance mutation.
	imageRef := ""
	if ref, err := s.images.SaveBase64(imagestore.AttendanceFolder, "LOG_"+match.EmployeeID, burst.Batch[0], burst.When); err != nil {
		log.Printf("attendance image save failed for %s: %v", match.EmployeeID, err)
	} else {
		imageRef = ref
	}

	rec, decision, err := s.apply(ctx, match.EmployeeID, match.Name, burst.When, imageRef)
	if err != nil {
		return RecognizeResult{}, err
	}

	recognitionsTotal.WithLabelValues(decision.Kind).Inc()
	if decision.Mutated && s.notifier != nil {
		s.notifier.NotifyRecord(rec)
	}

	if decision.Kind == DecisionAbsent {
		return RecognizeResult{
			Match:   false,
			Name:    "absent",
			Kind:    decision.Kind,
			Message: "first scan after cutoff, marked absent",
		}, nil
	}
	return RecognizeResult{Match: true, Name: match.Name, Kind: decision.Kind, Record: rec}, nil
}

// apply runs the decision engine against the day's record under the
// per-(employee, day) lock.
func (s *Service) apply(ctx context.Context, employeeID, name string, at time.Time, imageRef string) (*Record, Decision, error) {
	key := employeeID + "@" + DayOf(at).Format("2006-01-02")
	muAny, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	rec, err := s.store.GetRecordForDay(ctx, employeeID, at)
	if err != nil {
		return nil, Decision{}, fmt.Errorf("fetch day record: %w", err)
	}

	if rec == nil {
		newRec, decision := s.policy.FirstScan(Employee{EmployeeID: employeeID, Name: name}, at, imageRef)
		if newRec == nil {
			return nil, decision, nil
		}
		err := s.store.InsertRecord(ctx, newRec)
		if errors.Is(err, ErrDuplicateDay) {
			// Lost the race against another instance; fall through to
			// the update path on the surviving record.
			rec, err = s.store.GetRecordForDay(ctx, employeeID, at)
			if err != nil || rec == nil {
				return nil, Decision{}, fmt.Errorf("refetch after duplicate day: %w", err)
			}
		} else if err != nil {
			return nil, Decision{}, fmt.Errorf("insert day record: %w", err)
		} else {
			return newRec, decision, nil
		}
	}

	decision := s.policy.NextScan(rec, at, imageRef)
	if decision.Mutated {
		if err := s.store.UpdateRecord(ctx, rec); err != nil {
			return nil, Decision{}, fmt.Errorf("update day record: %w", err)
		}
	}
	return rec, decision, nil
}

// PruneLocks drops per-(employee, day) mutexes for days before cutoff.
// Yesterday's keys can never be locked again, so the map would otherwise
// grow by employees x days for the life of the process.
func (s *Service) PruneLocks(cutoff time.Time) int {
	day := DayOf(cutoff).Format("2006-01-02")
	pruned := 0
	s.locks.Range(func(k, _ any) bool {
		key, ok := k.(string)
		if !ok {
			return true
		}
		if i := strings.LastIndexByte(key, '@'); i >= 0 && key[i+1:] < day {
			s.locks.Delete(k)
			pruned++
		}
		return true
	})
	return pruned
}

// Enroll buffers one enrollment image for the employee and completes
// the enrollment once the burst is full.
func (s *Service) Enroll(ctx context.Context, employeeID, image string) (EnrollmentResult, error) {
	emp, err := s.store.GetEmployee(ctx, employeeID)
	if err != nil {
		return EnrollmentResult{}, fmt.Errorf("lookup employee: %w", err)
	}
	if emp == nil {
		return EnrollmentResult{Done: true, Success: false, Message: "employee not found"}, nil
	}

	burst := s.enrolls.Submit(employeeID, image)
	if !burst.Ready {
		return EnrollmentResult{Status: "collecting", Count: burst.Count}, nil
	}

	res, err := s.face.ExtractBatch(ctx, burst.Batch)
	if err != nil {
		enrollmentsTotal.WithLabelValues("error").Inc()
		return EnrollmentResult{}, fmt.Errorf("embedding extraction: %w", err)
	}
	if !res.Success {
		enrollmentsTotal.WithLabelValues("no_face").Inc()
		return EnrollmentResult{Done: true, Success: false, Message: "No face detected"}, nil
	}

	// Re-enrollment replaces visual evidence regardless of the sample
	// policy.
	prefix := "ENROLL_" + employeeID
	if err := s.images.DeletePrefix(imagestore.FacesFolder, prefix); err != nil {
		log.Printf("delete old enrollment images for %s: %v", employeeID, err)
	}
	if _, err := s.images.SaveBase64(imagestore.FacesFolder, prefix, burst.Batch[0], time.Now()); err != nil {
		log.Printf("enrollment image save failed for %s: %v", employeeID, err)
	}

	sample := recognition.FaceSample{
		Embedding:  res.Vector,
		Quality:    res.DebugScore,
		CapturedAt: time.Now().Unix(),
		Source:     "esp32_batch",
	}
	if s.replaceOnReenroll {
		err = s.store.ReplaceFaceSamples(ctx, employeeID, sample)
	} else {
		err = s.store.AppendFaceSample(ctx, employeeID, sample)
	}
	if err != nil {
		enrollmentsTotal.WithLabelValues("error").Inc()
		return EnrollmentResult{}, fmt.Errorf("store face sample: %w", err)
	}

	enrollmentsTotal.WithLabelValues("ok").Inc()
	return EnrollmentResult{Done: true, Success: true, Message: "Enrollment Complete"}, nil
}
