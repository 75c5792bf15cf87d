package attendance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khanhhung149/ChamCong-ESP32S3/internal/faceclient"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/recognition"
	"github.com/khanhhung149/ChamCong-ESP32S3/internal/session"
)

// fakeStore is an in-memory Store with the same uniqueness semantics as
// the Postgres repository.
type fakeStore struct {
	mu        sync.Mutex
	employees map[string]*Employee
	gallery   []recognition.Identity
	records   map[string]*Record // employeeID@day -> record
	inserts   int
	updates   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		employees: make(map[string]*Employee),
		records:   make(map[string]*Record),
	}
}

func recordKey(employeeID string, day time.Time) string {
	return employeeID + "@" + DayOf(day).Format("2006-01-02")
}

func (f *fakeStore) GetEmployee(_ context.Context, id string) (*Employee, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.employees[id], nil
}

func (f *fakeStore) ListGallery(_ context.Context) ([]recognition.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gallery, nil
}

func (f *fakeStore) AppendFaceSample(_ context.Context, id string, s recognition.FaceSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.gallery {
		if f.gallery[i].EmployeeID == id {
			f.gallery[i].Samples = append(f.gallery[i].Samples, s)
			return nil
		}
	}
	name := id
	if e := f.employees[id]; e != nil {
		name = e.Name
	}
	f.gallery = append(f.gallery, recognition.Identity{EmployeeID: id, Name: name, Samples: []recognition.FaceSample{s}})
	return nil
}

func (f *fakeStore) ReplaceFaceSamples(ctx context.Context, id string, s recognition.FaceSample) error {
	f.mu.Lock()
	for i := range f.gallery {
		if f.gallery[i].EmployeeID == id {
			f.gallery[i].Samples = nil
		}
	}
	f.mu.Unlock()
	return f.AppendFaceSample(ctx, id, s)
}

func (f *fakeStore) GetRecordForDay(_ context.Context, id string, day time.Time) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[recordKey(id, day)]
	if rec == nil {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) InsertRecord(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := recordKey(rec.EmployeeID, rec.Day)
	if _, exists := f.records[key]; exists {
		return ErrDuplicateDay
	}
	cp := *rec
	f.records[key] = &cp
	f.inserts++
	return nil
}

func (f *fakeStore) UpdateRecord(_ context.Context, rec *Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[recordKey(rec.EmployeeID, rec.Day)] = &cp
	f.updates++
	return nil
}

type fakeExtractor struct {
	res *faceclient.ExtractResult
	err error
}

func (f *fakeExtractor) ExtractBatch(context.Context, []string) (*faceclient.ExtractResult, error) {
	return f.res, f.err
}

type fakeImages struct {
	mu      sync.Mutex
	saved   []string
	deleted []string
}

func (f *fakeImages) SaveBase64(folder, prefix, _ string, _ time.Time) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "/" + folder + "/" + prefix + ".jpg"
	f.saved = append(f.saved, ref)
	return ref, nil
}

func (f *fakeImages) DeletePrefix(folder, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, folder+"/"+prefix)
	return nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	recs []*Record
}

func (f *fakeNotifier) NotifyRecord(rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, rec)
}

func liveResult(vec []float32) *faceclient.ExtractResult {
	return &faceclient.ExtractResult{Success: true, Vector: vec, Liveness: true, DebugScore: 0.05}
}

func newTestService(store *fakeStore, face Extractor, opts ...Option) (*Service, *fakeNotifier, *fakeImages) {
	notifier := &fakeNotifier{}
	images := &fakeImages{}
	svc := NewService(store, recognition.NewLinearMatcher(), face, images, notifier,
		session.NewCaptureHub(1, 5*time.Second), session.NewEnrollHub(2),
		0.68, 0.35, opts...)
	return svc, notifier, images
}

func enrolledStore() *fakeStore {
	store := newFakeStore()
	store.employees["NV001"] = &Employee{EmployeeID: "NV001", Name: "Alice", IsEnrolled: true}
	store.gallery = []recognition.Identity{{
		EmployeeID: "NV001",
		Name:       "Alice",
		Samples:    []recognition.FaceSample{{Embedding: []float32{1, 0, 0}}},
	}}
	return store
}

func TestRecognizeCollecting(t *testing.T) {
	store := enrolledStore()
	notifier := &fakeNotifier{}
	svc := NewService(store, recognition.NewLinearMatcher(), &fakeExtractor{res: liveResult([]float32{1, 0, 0})},
		&fakeImages{}, notifier, session.NewCaptureHub(3, 5*time.Second), session.NewEnrollHub(5), 0.68, 0.35)

	res, err := svc.Recognize(context.Background(), "dev1", "img1", time.Time{}, false)
	require.NoError(t, err)
	assert.Equal(t, "collecting", res.Status)
	assert.Equal(t, 1, res.Count)
}

func TestRecognizeCreatesMorningRecord(t *testing.T) {
	store := enrolledStore()
	svc, notifier, images := newTestService(store, &fakeExtractor{res: liveResult([]float32{1, 0, 0})})

	when := time.Date(2024, 3, 4, 7, 30, 0, 0, time.Local)
	res, err := svc.Recognize(context.Background(), "dev1", "img", when, true)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, "Alice", res.Name)
	assert.Equal(t, DecisionCheckIn, res.Kind)

	rec := store.records[recordKey("NV001", when)]
	require.NotNil(t, rec)
	assert.Equal(t, StatusOnTime, rec.Status)
	assert.Equal(t, when, *rec.MorningIn)
	assert.NotEmpty(t, rec.MorningInImage)
	assert.Len(t, notifier.recs, 1)
	assert.Len(t, images.saved, 1)
}

func TestRecognizeUnknownFace(t *testing.T) {
	store := enrolledStore()
	svc, notifier, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{0, 0, 1})})

	res, err := svc.Recognize(context.Background(), "dev1", "img", time.Time{}, true)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, "unknown", res.Name)
	assert.Empty(t, store.records)
	assert.Empty(t, notifier.recs)
}

func TestRecognizeSpoofRejected(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{
		res: &faceclient.ExtractResult{Success: true, Vector: []float32{1, 0, 0}, Liveness: false, DebugScore: 0.9},
	})

	res, err := svc.Recognize(context.Background(), "dev1", "img", time.Time{}, true)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, "Spoof/NoFace", res.Name)
	assert.Empty(t, store.records)
}

func TestRecognizeRelaxedLivenessFallback(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{
		res: &faceclient.ExtractResult{Success: true, Vector: []float32{1, 0, 0}, Liveness: false, DebugScore: 0.1},
	})

	when := time.Date(2024, 3, 4, 7, 30, 0, 0, time.Local)
	res, err := svc.Recognize(context.Background(), "dev1", "img", when, true)
	require.NoError(t, err)
	assert.True(t, res.Match)
}

func TestRecognizeExtractorFailureIsTransient(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{err: errors.New("connection refused")})

	_, err := svc.Recognize(context.Background(), "dev1", "img", time.Time{}, true)
	assert.Error(t, err)
	assert.Empty(t, store.records)
}

func TestRecognizeDebounceIdempotent(t *testing.T) {
	store := enrolledStore()
	svc, notifier, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{1, 0, 0})})

	base := time.Date(2024, 3, 4, 11, 30, 0, 0, time.Local)
	first := time.Date(2024, 3, 4, 7, 30, 0, 0, time.Local)

	_, err := svc.Recognize(context.Background(), "dev1", "img", first, true)
	require.NoError(t, err)
	_, err = svc.Recognize(context.Background(), "dev1", "img", base, true)
	require.NoError(t, err)

	// 30 seconds after the lunch-out scan: dropped, no mutation.
	res, err := svc.Recognize(context.Background(), "dev1", "img", base.Add(30*time.Second), true)
	require.NoError(t, err)
	assert.True(t, res.Match)
	assert.Equal(t, DecisionDebounced, res.Kind)

	rec := store.records[recordKey("NV001", base)]
	assert.Equal(t, base, *rec.LunchOut)
	assert.Equal(t, 1, store.inserts)
	assert.Equal(t, 1, store.updates)
	assert.Len(t, notifier.recs, 2)
}

func TestRecognizeAbsentAfterCutoff(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{1, 0, 0})})

	when := time.Date(2024, 3, 4, 13, 45, 0, 0, time.Local)
	res, err := svc.Recognize(context.Background(), "dev1", "img", when, true)
	require.NoError(t, err)
	assert.False(t, res.Match)
	assert.Equal(t, "absent", res.Name)

	rec := store.records[recordKey("NV001", when)]
	require.NotNil(t, rec)
	assert.Equal(t, StatusAbsent, rec.Status)
}

func TestRecognizeConcurrentSameEmployeeSingleRecord(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{1, 0, 0})})

	day := time.Date(2024, 3, 4, 0, 0, 0, 0, time.Local)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			when := day.Add(7*time.Hour + 30*time.Minute + time.Duration(i)*2*time.Minute)
			_, err := svc.Recognize(context.Background(), "dev1", "img", when, true)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	// The day uniqueness invariant: exactly one record, one insert.
	assert.Len(t, store.records, 1)
	assert.Equal(t, 1, store.inserts)
}

func TestPruneLocksDropsPastDays(t *testing.T) {
	store := enrolledStore()
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{1, 0, 0})})

	today := time.Date(2024, 3, 5, 7, 30, 0, 0, time.Local)
	yesterday := today.AddDate(0, 0, -1)

	_, err := svc.Recognize(context.Background(), "dev1", "img", yesterday, true)
	require.NoError(t, err)
	_, err = svc.Recognize(context.Background(), "dev1", "img", today, true)
	require.NoError(t, err)

	assert.Equal(t, 1, svc.PruneLocks(today))

	remaining := 0
	svc.locks.Range(func(k, _ any) bool {
		remaining++
		assert.Contains(t, k.(string), DayOf(today).Format("2006-01-02"))
		return true
	})
	assert.Equal(t, 1, remaining)

	// Idempotent: nothing left to prune.
	assert.Equal(t, 0, svc.PruneLocks(today))
}

func TestEnrollCollectsThenStoresSample(t *testing.T) {
	store := newFakeStore()
	store.employees["NV002"] = &Employee{EmployeeID: "NV002", Name: "Bob"}
	svc, _, images := newTestService(store, &fakeExtractor{res: liveResult([]float32{0, 1, 0})})

	res, err := svc.Enroll(context.Background(), "NV002", "img1")
	require.NoError(t, err)
	assert.Equal(t, "collecting", res.Status)
	assert.Equal(t, 1, res.Count)

	res, err = svc.Enroll(context.Background(), "NV002", "img2")
	require.NoError(t, err)
	require.True(t, res.Done)
	assert.True(t, res.Success)

	require.Len(t, store.gallery, 1)
	assert.Equal(t, "NV002", store.gallery[0].EmployeeID)
	assert.Len(t, store.gallery[0].Samples, 1)
	// Old evidence removed, new evidence saved.
	assert.Equal(t, []string{"faces/ENROLL_NV002"}, images.deleted)
	assert.Len(t, images.saved, 1)
}

func TestEnrollAppendsOnReenrollByDefault(t *testing.T) {
	store := newFakeStore()
	store.employees["NV002"] = &Employee{EmployeeID: "NV002", Name: "Bob"}
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{0, 1, 0})})

	for i := 0; i < 4; i++ {
		_, err := svc.Enroll(context.Background(), "NV002", "img")
		require.NoError(t, err)
	}
	assert.Len(t, store.gallery[0].Samples, 2)
}

func TestEnrollReplacePolicy(t *testing.T) {
	store := newFakeStore()
	store.employees["NV002"] = &Employee{EmployeeID: "NV002", Name: "Bob"}
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{0, 1, 0})}, WithReplaceOnReenroll())

	for i := 0; i < 4; i++ {
		_, err := svc.Enroll(context.Background(), "NV002", "img")
		require.NoError(t, err)
	}
	assert.Len(t, store.gallery[0].Samples, 1)
}

func TestEnrollNoFaceAbortsWithoutMutation(t *testing.T) {
	store := newFakeStore()
	store.employees["NV002"] = &Employee{EmployeeID: "NV002", Name: "Bob"}
	svc, _, _ := newTestService(store, &fakeExtractor{res: &faceclient.ExtractResult{Success: false, Message: "No face found"}})

	_, err := svc.Enroll(context.Background(), "NV002", "img1")
	require.NoError(t, err)
	res, err := svc.Enroll(context.Background(), "NV002", "img2")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Success)
	assert.Empty(t, store.gallery)
}

func TestEnrollUnknownEmployee(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newTestService(store, &fakeExtractor{res: liveResult([]float32{0, 1, 0})})

	res, err := svc.Enroll(context.Background(), "NV999", "img")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.False(t, res.Success)
}
