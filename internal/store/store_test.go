package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func insertTestSession(t *testing.T, s *Store, id string) *Session {
	t.Helper()
	sess := &Session{
		ID:         id,
		PubKeyPEM:  "-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n",
		PubKeyHash: "abc123",
		ArmedAt:    time.Unix(1700000000, 0),
	}
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}
	return sess
}

func TestOpenAndClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("database file not created: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	insertTestSession(t, s, "sess-1")
	s.Close()

	s, err = Open(dbPath)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s.Close()

	got, err := s.GetSession("sess-1")
	if err != nil || got == nil {
		t.Fatalf("session lost across reopen: %v", err)
	}
}

func TestCloseNilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
	if err := s.Ping(t.Context()); err == nil {
		t.Error("Ping on nil db should error")
	}
}

func TestSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	if err := CheckSchema(ctx, s.db); err != nil {
		t.Fatalf("CheckSchema failed: %v", err)
	}
	current, latest, err := SchemaVersion(ctx, s.db)
	if err != nil {
		t.Fatalf("SchemaVersion failed: %v", err)
	}
	if latest != 2 || current != latest {
		t.Errorf("schema at %d, latest %d", current, latest)
	}
	if err := Migrate(ctx, s.db); err != nil {
		t.Errorf("second Migrate should be a no-op: %v", err)
	}
}

func TestRollbackAndReapply(t *testing.T) {
	s := openTestStore(t)
	ctx := t.Context()

	if err := Rollback(ctx, s.db); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if err := CheckSchema(ctx, s.db); err == nil {
		t.Error("expected trips table to be missing after rollback")
	}
	if current, _, _ := SchemaVersion(ctx, s.db); current != 1 {
		t.Errorf("schema at %d after rollback, want 1", current)
	}

	if err := Migrate(ctx, s.db); err != nil {
		t.Fatalf("re-migrate failed: %v", err)
	}
	if err := CheckSchema(ctx, s.db); err != nil {
		t.Errorf("CheckSchema after re-migrate: %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := openTestStore(t)
	insertTestSession(t, s, "sess-1")

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil")
	}
	if got.DetectionTime != nil || got.KeyErasedAt != nil {
		t.Error("fresh session should have no detection or erasure time")
	}
	if got.PubKeyHash != "abc123" {
		t.Errorf("PubKeyHash mismatch: %s", got.PubKeyHash)
	}

	first := time.Unix(1700000100, 0)
	updated, err := s.MarkDetection("sess-1", first)
	if err != nil || !updated {
		t.Fatalf("first MarkDetection: updated=%v err=%v", updated, err)
	}

	updated, err = s.MarkDetection("sess-1", first.Add(time.Minute))
	if err != nil {
		t.Fatalf("second MarkDetection failed: %v", err)
	}
	if updated {
		t.Error("second MarkDetection should not update")
	}

	erased := first.Add(60 * time.Second)
	if err := s.MarkKeyErased("sess-1", erased); err != nil {
		t.Fatalf("MarkKeyErased failed: %v", err)
	}

	got, _ = s.GetSession("sess-1")
	if got.DetectionTime == nil || !got.DetectionTime.Equal(first) {
		t.Errorf("DetectionTime = %v, want %v", got.DetectionTime, first)
	}
	if got.KeyErasedAt == nil || !got.KeyErasedAt.Equal(erased) {
		t.Errorf("KeyErasedAt = %v, want %v", got.KeyErasedAt, erased)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetSession("missing")
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got != nil {
		t.Error("expected nil for missing session")
	}

	if err := s.MarkKeyErased("missing", time.Now()); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("expected ErrUnknownSession, got %v", err)
	}
}

func TestLatestSession(t *testing.T) {
	s := openTestStore(t)

	got, err := s.LatestSession()
	if err != nil || got != nil {
		t.Fatalf("empty store: got %v, err %v", got, err)
	}

	insertTestSession(t, s, "old")
	newer := &Session{ID: "new", PubKeyPEM: "pem", PubKeyHash: "h", ArmedAt: time.Unix(1800000000, 0)}
	if err := s.InsertSession(newer); err != nil {
		t.Fatalf("InsertSession failed: %v", err)
	}

	got, err = s.LatestSession()
	if err != nil {
		t.Fatalf("LatestSession failed: %v", err)
	}
	if got.ID != "new" {
		t.Errorf("expected newest session, got %s", got.ID)
	}
}

func TestCaptureRequiresSession(t *testing.T) {
	s := openTestStore(t)

	_, err := s.InsertCapture(&Capture{
		SessionID: "nope",
		Timestamp: time.Now(),
		ImagePath: "/tmp/x.jpg",
		Digest:    "00",
	})
	if err == nil {
		t.Error("expected foreign key violation")
	}
}

func TestInsertAndListCaptures(t *testing.T) {
	s := openTestStore(t)
	insertTestSession(t, s, "sess-1")
	insertTestSession(t, s, "sess-2")

	base := time.Unix(1700000000, 0)
	for i, c := range []Capture{
		{SessionID: "sess-1", Timestamp: base.Add(2 * time.Second), ImagePath: "b.jpg", SigPath: "b.jpg.sig", Digest: "bb", Signed: true},
		{SessionID: "sess-1", Timestamp: base.Add(time.Second), ImagePath: "a.jpg", Digest: "aa"},
		{SessionID: "sess-2", Timestamp: base, ImagePath: "c.jpg", Digest: "cc"},
	} {
		id, err := s.InsertCapture(&c)
		if err != nil {
			t.Fatalf("InsertCapture %d failed: %v", i, err)
		}
		if id == 0 {
			t.Errorf("InsertCapture %d returned zero id", i)
		}
	}

	captures, err := s.ListCaptures("sess-1")
	if err != nil {
		t.Fatalf("ListCaptures failed: %v", err)
	}
	if len(captures) != 2 {
		t.Fatalf("expected 2 captures, got %d", len(captures))
	}
	if captures[0].ImagePath != "a.jpg" || captures[1].ImagePath != "b.jpg" {
		t.Errorf("captures not in timestamp order: %s, %s", captures[0].ImagePath, captures[1].ImagePath)
	}
	if captures[0].SigPath != "" || captures[0].Signed {
		t.Error("unsigned capture should have no signature path")
	}
	if captures[1].SigPath != "b.jpg.sig" || !captures[1].Signed {
		t.Error("signed capture lost its signature path")
	}

	all, err := s.ListCaptures("")
	if err != nil {
		t.Fatalf("ListCaptures(all) failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 captures in total, got %d", len(all))
	}

	got, err := s.GetCaptureByImage("b.jpg")
	if err != nil || got == nil {
		t.Fatalf("GetCaptureByImage: %v, %v", got, err)
	}
	if got.Digest != "bb" {
		t.Errorf("wrong capture returned: %+v", got)
	}

	missing, err := s.GetCaptureByImage("zzz.jpg")
	if err != nil || missing != nil {
		t.Errorf("expected nil for unknown image, got %v, %v", missing, err)
	}
}

func TestTripsAndStats(t *testing.T) {
	s := openTestStore(t)
	insertTestSession(t, s, "sess-1")

	at := time.Unix(1700000050, 0)
	for _, tr := range []Trip{
		{SessionID: "sess-1", Source: "pir", At: at, First: true},
		{SessionID: "sess-1", Source: "camera", At: at.Add(time.Second)},
	} {
		if _, err := s.InsertTrip(&tr); err != nil {
			t.Fatalf("InsertTrip failed: %v", err)
		}
	}

	trips, err := s.ListTrips("sess-1")
	if err != nil {
		t.Fatalf("ListTrips failed: %v", err)
	}
	if len(trips) != 2 {
		t.Fatalf("expected 2 trips, got %d", len(trips))
	}
	if !trips[0].First || trips[0].Source != "pir" {
		t.Errorf("first trip wrong: %+v", trips[0])
	}
	if trips[1].First {
		t.Error("second trip should not be first")
	}

	if _, err := s.InsertCapture(&Capture{SessionID: "sess-1", Timestamp: at, ImagePath: "x.jpg", Digest: "00", Signed: true, SigPath: "x.jpg.sig"}); err != nil {
		t.Fatalf("InsertCapture failed: %v", err)
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := Stats{Sessions: 1, Captures: 1, SignedCaptures: 1, Trips: 2}
	if st != want {
		t.Errorf("Stats = %+v, want %+v", st, want)
	}
}

func TestVerifyCaptures(t *testing.T) {
	s := openTestStore(t)
	insertTestSession(t, s, "sess-1")
	dir := t.TempDir()

	write := func(name string, data []byte) (string, string) {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		sum := sha256.Sum256(data)
		return path, hex.EncodeToString(sum[:])
	}

	goodPath, goodDigest := write("good.jpg", []byte("good image"))
	badPath, badDigest := write("bad.jpg", []byte("original"))
	if err := os.WriteFile(badPath, []byte("tampered"), 0600); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	s.InsertCapture(&Capture{SessionID: "sess-1", Timestamp: now, ImagePath: goodPath, Digest: goodDigest})
	s.InsertCapture(&Capture{SessionID: "sess-1", Timestamp: now.Add(time.Second), ImagePath: badPath, Digest: badDigest})
	s.InsertCapture(&Capture{SessionID: "sess-1", Timestamp: now.Add(2 * time.Second), ImagePath: filepath.Join(dir, "gone.jpg"), Digest: "00"})

	checked := 0
	problems, err := s.VerifyCaptures("sess-1", func(c Capture) error {
		checked++
		return nil
	})
	if err != nil {
		t.Fatalf("VerifyCaptures failed: %v", err)
	}
	if checked != 1 {
		t.Errorf("check should run only for intact captures, ran %d times", checked)
	}
	if len(problems) != 2 {
		t.Fatalf("expected 2 problems, got %d: %v", len(problems), problems)
	}
	if problems[0].Capture.ImagePath != badPath {
		t.Errorf("expected tampered capture first, got %s", problems[0].Capture.ImagePath)
	}

	sentinel := errors.New("bad signature")
	problems, err = s.VerifyCaptures("sess-1", func(c Capture) error { return sentinel })
	if err != nil {
		t.Fatalf("VerifyCaptures failed: %v", err)
	}
	if len(problems) != 3 || !errors.Is(problems[0].Err, sentinel) {
		t.Errorf("check error not reported: %v", problems)
	}
}
