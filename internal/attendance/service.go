// Package attendance coordinates enrollment and face-verified attendance
// marking over the store, the face-detection service and the scan relay.
package attendance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"attendance/internal/embedding"
	"attendance/internal/faceclient"
	"attendance/internal/relay"
	"attendance/internal/store"
)

// Domain errors. Handlers map these onto HTTP statuses.
var (
	ErrMissingData      = errors.New("missing form data or face image")
	ErrDuplicate        = errors.New("student with this roll number or rfid uid already exists")
	ErrNoFaceFound      = errors.New("no face found in the image")
	ErrAmbiguousFace    = errors.New("more than one face found in the image")
	ErrNotRegistered    = errors.New("rfid card not registered")
	ErrMissingEmbedding = errors.New("no stored face embedding for student")
)

// Detector is the external face-detection capability.
type Detector interface {
	Detect(ctx context.Context, image []byte) ([]faceclient.Face, error)
}

// VerifyStatus is the outcome of a verification attempt that got as far as
// comparing faces.
type VerifyStatus string

const (
	StatusMarked        VerifyStatus = "marked"
	StatusAlreadyMarked VerifyStatus = "already_marked"
	StatusNoMatch       VerifyStatus = "no_match"
)

// VerifyResult carries the verification outcome back to the handler.
type VerifyResult struct {
	Status     VerifyStatus
	Student    *store.Student
	Similarity float64
	Log        *store.Log
}

// Summary holds dashboard counters for the current UTC day.
type Summary struct {
	TotalStudents int `json:"total_students"`
	PresentToday  int `json:"present_today"`
	AbsentToday   int `json:"absent_today"`
}

// Service is the orchestrator. All dependencies are injected; there is no
// process-global state.
type Service struct {
	store     *store.Store
	detector  Detector
	relay     relay.Relay
	threshold float64
	now       func() time.Time

	marksMu sync.Mutex
	marks   map[string]*sync.Mutex
}

// NewService wires the orchestrator. threshold is the strict cosine
// similarity cutoff for a face match.
func NewService(st *store.Store, det Detector, rl relay.Relay, threshold float64) *Service {
	return &Service{
		store:     st,
		detector:  det,
		relay:     rl,
		threshold: threshold,
		now:       time.Now,
		marks:     make(map[string]*sync.Mutex),
	}
}

// studentLock returns the per-student mutex guarding the check-then-append
// sequence. Entries are never evicted; the map is bounded by enrollment.
func (s *Service) studentLock(studentID string) *sync.Mutex {
	s.marksMu.Lock()
	defer s.marksMu.Unlock()
	mu, ok := s.marks[studentID]
	if !ok {
		mu = &sync.Mutex{}
		s.marks[studentID] = mu
	}
	return mu
}

// NormalizeUID case-folds an RFID UID. Readers report UIDs with
// inconsistent casing.
func NormalizeUID(uid string) string {
	return strings.ToLower(strings.TrimSpace(uid))
}

// Enroll registers a new student from exactly one detected face.
func (s *Service) Enroll(ctx context.Context, name, rollNumber, rfidUID string, image []byte) (*store.Student, error) {
	name = strings.TrimSpace(name)
	rollNumber = strings.TrimSpace(rollNumber)
	uid := NormalizeUID(rfidUID)
	if name == "" || rollNumber == "" || uid == "" || len(image) == 0 {
		return nil, ErrMissingData
	}

	// Fast-path duplicate check; the unique constraints in the store are
	// the authoritative guard under concurrent enrollment.
	exists, err := s.store.StudentExists(ctx, rollNumber, uid)
	if err != nil {
		return nil, fmt.Errorf("duplicate check: %w", err)
	}
	if exists {
		return nil, ErrDuplicate
	}

	faces, err := s.detector.Detect(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceFound
	}
	if len(faces) > 1 {
		return nil, ErrAmbiguousFace
	}

	vector, err := embedding.Marshal(faces[0].Embedding)
	if err != nil {
		return nil, fmt.Errorf("serialize embedding: %w", err)
	}

	st := &store.Student{Name: name, RollNumber: rollNumber, RFIDUID: uid}
	if err := s.store.CreateStudent(ctx, st, vector); err != nil {
		if errors.Is(err, store.ErrDuplicateStudent) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("persist student: %w", err)
	}
	return st, nil
}

// Verify compares the live image against the stored embedding for the
// scanned RFID UID and marks attendance on a match, at most once per UTC
// calendar day.
func (s *Service) Verify(ctx context.Context, rfidUID string, image []byte) (*VerifyResult, error) {
	uid := NormalizeUID(rfidUID)
	if uid == "" || len(image) == 0 {
		return nil, ErrMissingData
	}

	st, err := s.store.StudentByRFID(ctx, uid)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, fmt.Errorf("lookup student: %w", err)
	}

	raw, err := s.store.Embedding(ctx, st.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrMissingEmbedding
		}
		return nil, fmt.Errorf("load embedding: %w", err)
	}
	stored, err := embedding.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode stored embedding: %w", err)
	}

	faces, err := s.detector.Detect(ctx, image)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceFound
	}
	// When several faces are in frame the first one is compared; enrollment
	// already guarantees one stored face per student.
	match, sim, err := embedding.Matches(stored, faces[0].Embedding, s.threshold)
	if err != nil {
		return nil, fmt.Errorf("compare embeddings: %w", err)
	}

	res := &VerifyResult{Student: st, Similarity: sim}
	if !match {
		res.Status = StatusNoMatch
		return res, nil
	}

	// Serialize check-then-append per student; the UNIQUE(student_id, day)
	// constraint backstops other writers (or other instances).
	mu := s.studentLock(st.ID)
	mu.Lock()
	defer mu.Unlock()

	nowUTC := s.now().UTC()
	logged, err := s.store.HasLoggedOn(ctx, st.ID, store.DayKey(nowUTC))
	if err != nil {
		return nil, fmt.Errorf("check ledger: %w", err)
	}
	if logged {
		res.Status = StatusAlreadyMarked
		return res, nil
	}

	entry, err := s.store.AppendLog(ctx, st.ID, nowUTC)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateDay) {
			res.Status = StatusAlreadyMarked
			return res, nil
		}
		return nil, fmt.Errorf("append ledger: %w", err)
	}
	res.Status = StatusMarked
	res.Log = entry
	return res, nil
}

// Scan resolves an RFID UID and publishes the scan event to live viewers.
// Publication completes before the scan endpoint acknowledges the reader.
func (s *Service) Scan(ctx context.Context, rfidUID string) (relay.Event, error) {
	uid := NormalizeUID(rfidUID)
	if uid == "" {
		return relay.Event{}, ErrMissingData
	}

	evt := relay.Event{UID: uid, Name: "Unknown", Status: relay.StatusUnregistered}
	st, err := s.store.StudentByRFID(ctx, uid)
	switch {
	case err == nil:
		evt.Name = st.Name
		evt.Status = relay.StatusRegistered
	case errors.Is(err, store.ErrNotFound):
		// keep unregistered event
	default:
		return relay.Event{}, fmt.Errorf("lookup student: %w", err)
	}

	if err := s.relay.Publish(ctx, evt); err != nil {
		return relay.Event{}, fmt.Errorf("publish scan: %w", err)
	}
	return evt, nil
}

// Summary returns the dashboard counters for the current UTC day.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	total, err := s.store.CountStudents(ctx)
	if err != nil {
		return Summary{}, err
	}
	present, err := s.store.PresentOn(ctx, store.DayKey(s.now().UTC()))
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		TotalStudents: total,
		PresentToday:  present,
		AbsentToday:   total - present,
	}, nil
}

// Students lists all enrolled students ordered by name.
func (s *Service) Students(ctx context.Context) ([]store.Student, error) {
	return s.store.ListStudents(ctx)
}

// Logs lists all attendance entries newest first.
func (s *Service) Logs(ctx context.Context) ([]store.Log, error) {
	return s.store.ListLogs(ctx)
}
