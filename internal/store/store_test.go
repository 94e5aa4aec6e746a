package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "attendance.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enroll(t *testing.T, s *Store, name, roll, uid string) *Student {
	t.Helper()
	st := &Student{Name: name, RollNumber: roll, RFIDUID: uid}
	if err := s.CreateStudent(context.Background(), st, `[0.1,0.2,0.3]`); err != nil {
		t.Fatalf("create student %s: %v", name, err)
	}
	return st
}

func TestCreateStudentAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := enroll(t, s, "Alice", "R1", "ab12")
	if st.ID == "" {
		t.Fatal("student id not assigned")
	}

	got, err := s.StudentByRFID(ctx, "ab12")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.Name != "Alice" || got.RollNumber != "R1" {
		t.Errorf("lookup returned %+v", got)
	}

	vector, err := s.Embedding(ctx, st.ID)
	if err != nil {
		t.Fatalf("embedding: %v", err)
	}
	if vector != `[0.1,0.2,0.3]` {
		t.Errorf("embedding = %q", vector)
	}

	if _, err := s.StudentByRFID(ctx, "zz99"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown uid: got %v, want ErrNotFound", err)
	}
}

func TestCreateStudentDuplicates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enroll(t, s, "Alice", "R1", "ab12")

	err := s.CreateStudent(ctx, &Student{Name: "Bob", RollNumber: "R1", RFIDUID: "cd34"}, `[1,2,3]`)
	if !errors.Is(err, ErrDuplicateStudent) {
		t.Errorf("duplicate roll: got %v, want ErrDuplicateStudent", err)
	}

	err = s.CreateStudent(ctx, &Student{Name: "Bob", RollNumber: "R2", RFIDUID: "ab12"}, `[1,2,3]`)
	if !errors.Is(err, ErrDuplicateStudent) {
		t.Errorf("duplicate uid: got %v, want ErrDuplicateStudent", err)
	}

	// A failed enrollment must not leave a partial row behind.
	exists, err := s.StudentExists(ctx, "R2", "nope")
	if err != nil {
		t.Fatal(err)
	}
	if exists {
		t.Error("failed enrollment left a student row")
	}
}

func TestStudentExists(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enroll(t, s, "Alice", "R1", "ab12")

	for _, tc := range []struct {
		roll, uid string
		want      bool
	}{
		{"R1", "xx", true},
		{"xx", "ab12", true},
		{"R1", "ab12", true},
		{"R2", "cd34", false},
	} {
		got, err := s.StudentExists(ctx, tc.roll, tc.uid)
		if err != nil {
			t.Fatal(err)
		}
		if got != tc.want {
			t.Errorf("StudentExists(%q, %q) = %v; want %v", tc.roll, tc.uid, got, tc.want)
		}
	}
}

func TestAppendLogOncePerDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	st := enroll(t, s, "Alice", "R1", "ab12")
	now := time.Date(2024, 3, 10, 9, 30, 0, 0, time.UTC)

	if _, err := s.AppendLog(ctx, st.ID, now); err != nil {
		t.Fatalf("first append: %v", err)
	}

	// Same UTC day, later time.
	_, err := s.AppendLog(ctx, st.ID, now.Add(5*time.Hour))
	if !errors.Is(err, ErrDuplicateDay) {
		t.Errorf("same-day append: got %v, want ErrDuplicateDay", err)
	}

	// Next day is fine.
	if _, err := s.AppendLog(ctx, st.ID, now.Add(24*time.Hour)); err != nil {
		t.Fatalf("next-day append: %v", err)
	}

	logged, err := s.HasLoggedOn(ctx, st.ID, DayKey(now))
	if err != nil {
		t.Fatal(err)
	}
	if !logged {
		t.Error("HasLoggedOn = false after append")
	}
}

func TestDayKeyUsesUTC(t *testing.T) {
	// 23:30 in UTC-5 is 04:30 the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	local := time.Date(2024, 3, 10, 23, 30, 0, 0, loc)
	if got := DayKey(local); got != "2024-03-11" {
		t.Errorf("DayKey = %s; want 2024-03-11", got)
	}
}

func TestSummaryCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := enroll(t, s, "Alice", "R1", "ab12")
	enroll(t, s, "Bob", "R2", "cd34")

	now := time.Now().UTC()
	if _, err := s.AppendLog(ctx, alice.ID, now); err != nil {
		t.Fatal(err)
	}

	total, err := s.CountStudents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	present, err := s.PresentOn(ctx, DayKey(now))
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || present != 1 {
		t.Errorf("total=%d present=%d; want 2 and 1", total, present)
	}
}

func TestListLogsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	alice := enroll(t, s, "Alice", "R1", "ab12")
	bob := enroll(t, s, "Bob", "R2", "cd34")

	base := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	if _, err := s.AppendLog(ctx, alice.ID, base); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AppendLog(ctx, bob.ID, base.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	logs, err := s.ListLogs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 2 {
		t.Fatalf("got %d logs; want 2", len(logs))
	}
	if logs[0].Name != "Bob" || logs[1].Name != "Alice" {
		t.Errorf("order: got %s then %s; want Bob then Alice", logs[0].Name, logs[1].Name)
	}
	if logs[0].RollNumber != "R2" {
		t.Errorf("joined roll number = %s; want R2", logs[0].RollNumber)
	}
	if loc := logs[0].Timestamp.Location(); loc != time.UTC {
		t.Errorf("timestamp location = %v; want UTC", loc)
	}
}

func TestListStudentsOrderedByName(t *testing.T) {
	s := newTestStore(t)

	enroll(t, s, "Charlie", "R3", "ef56")
	enroll(t, s, "Alice", "R1", "ab12")
	enroll(t, s, "Bob", "R2", "cd34")

	students, err := s.ListStudents(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"Alice", "Bob", "Charlie"}
	if len(students) != len(want) {
		t.Fatalf("got %d students; want %d", len(students), len(want))
	}
	for i, name := range want {
		if students[i].Name != name {
			t.Errorf("index %d: got %s, want %s", i, students[i].Name, name)
		}
	}
}
