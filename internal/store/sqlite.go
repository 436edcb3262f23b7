package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrUnknownSession is returned when a write references a session that was
// never inserted.
var ErrUnknownSession = errors.New("store: unknown session")

// Store represents the SQLite capture index.
type Store struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := Migrate(context.Background(), db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("store: closed")
	}
	return s.db.PingContext(ctx)
}

// InsertSession records a new arm session.
func (s *Store) InsertSession(sess *Session) error {
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, pubkey_pem, pubkey_hash, armed_at)
		VALUES (?, ?, ?, ?)`,
		sess.ID, sess.PubKeyPEM, sess.PubKeyHash, sess.ArmedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// MarkDetection stores the detection time of a session. Only the first call
// for a session has any effect; it reports whether the row was updated.
func (s *Store) MarkDetection(sessionID string, at time.Time) (bool, error) {
	result, err := s.db.Exec(`
		UPDATE sessions SET detection_ns = ?
		WHERE id = ? AND detection_ns IS NULL`,
		at.UnixNano(), sessionID,
	)
	if err != nil {
		return false, fmt.Errorf("mark detection: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark detection: %w", err)
	}
	return n == 1, nil
}

// MarkKeyErased stores when the session's signing key was destroyed.
func (s *Store) MarkKeyErased(sessionID string, at time.Time) error {
	result, err := s.db.Exec(`
		UPDATE sessions SET key_erased_ns = ?
		WHERE id = ? AND key_erased_ns IS NULL`,
		at.UnixNano(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("mark key erased: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark key erased: %w", err)
	}
	if n == 0 {
		sess, err := s.GetSession(sessionID)
		if err != nil {
			return err
		}
		if sess == nil {
			return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
		}
	}
	return nil
}

// GetSession retrieves a session by ID. It returns nil, nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, pubkey_pem, pubkey_hash, armed_at, detection_ns, key_erased_ns
		FROM sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// LatestSession returns the most recently armed session, or nil, nil.
func (s *Store) LatestSession() (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, pubkey_pem, pubkey_hash, armed_at, detection_ns, key_erased_ns
		FROM sessions ORDER BY armed_at DESC LIMIT 1`)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest session: %w", err)
	}
	return sess, nil
}

// InsertCapture indexes a persisted frame and returns its ID.
func (s *Store) InsertCapture(c *Capture) (int64, error) {
	var sigPath sql.NullString
	if c.SigPath != "" {
		sigPath = sql.NullString{String: c.SigPath, Valid: true}
	}

	result, err := s.db.Exec(`
		INSERT INTO captures (session_id, timestamp_ns, image_path, sig_path, digest, signed, attached)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.Timestamp.UnixNano(), c.ImagePath, sigPath, c.Digest, c.Signed, c.Attached,
	)
	if err != nil {
		return 0, fmt.Errorf("insert capture: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get capture id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListCaptures returns the captures of a session in timestamp order. An
// empty sessionID lists every capture.
func (s *Store) ListCaptures(sessionID string) ([]Capture, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = s.db.Query(`
			SELECT id, session_id, timestamp_ns, image_path, sig_path, digest, signed, attached
			FROM captures ORDER BY timestamp_ns ASC, id ASC`)
	} else {
		rows, err = s.db.Query(`
			SELECT id, session_id, timestamp_ns, image_path, sig_path, digest, signed, attached
			FROM captures WHERE session_id = ?
			ORDER BY timestamp_ns ASC, id ASC`, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()

	return scanCaptures(rows)
}

// GetCaptureByImage finds the capture stored at the given image path.
func (s *Store) GetCaptureByImage(imagePath string) (*Capture, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, timestamp_ns, image_path, sig_path, digest, signed, attached
		FROM captures WHERE image_path = ?
		ORDER BY id DESC LIMIT 1`, imagePath)
	if err != nil {
		return nil, fmt.Errorf("query capture: %w", err)
	}
	defer rows.Close()

	captures, err := scanCaptures(rows)
	if err != nil {
		return nil, err
	}
	if len(captures) == 0 {
		return nil, nil
	}
	return &captures[0], nil
}

// InsertTrip records a sensor trip and returns its ID.
func (s *Store) InsertTrip(t *Trip) (int64, error) {
	result, err := s.db.Exec(`
		INSERT INTO trips (session_id, source, at_ns, first)
		VALUES (?, ?, ?, ?)`,
		t.SessionID, t.Source, t.At.UnixNano(), t.First,
	)
	if err != nil {
		return 0, fmt.Errorf("insert trip: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get trip id: %w", err)
	}
	t.ID = id
	return id, nil
}

// ListTrips returns the trips of a session in time order.
func (s *Store) ListTrips(sessionID string) ([]Trip, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, source, at_ns, first
		FROM trips WHERE session_id = ?
		ORDER BY at_ns ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()

	var trips []Trip
	for rows.Next() {
		var t Trip
		var atNs int64
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Source, &atNs, &t.First); err != nil {
			return nil, fmt.Errorf("scan trip: %w", err)
		}
		t.At = time.Unix(0, atNs)
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// Stats counts the rows of every table.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM captures),
			(SELECT COUNT(*) FROM captures WHERE signed = 1),
			(SELECT COUNT(*) FROM trips)`,
	).Scan(&st.Sessions, &st.Captures, &st.SignedCaptures, &st.Trips)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var armedNs int64
	var detectionNs, erasedNs sql.NullInt64

	if err := row.Scan(&sess.ID, &sess.PubKeyPEM, &sess.PubKeyHash, &armedNs, &detectionNs, &erasedNs); err != nil {
		return nil, err
	}

	sess.ArmedAt = time.Unix(0, armedNs)
	if detectionNs.Valid {
		t := time.Unix(0, detectionNs.Int64)
		sess.DetectionTime = &t
	}
	if erasedNs.Valid {
		t := time.Unix(0, erasedNs.Int64)
		sess.KeyErasedAt = &t
	}
	return &sess, nil
}

func scanCaptures(rows *sql.Rows) ([]Capture, error) {
	var captures []Capture
	for rows.Next() {
		var c Capture
		var tsNs int64
		var sigPath sql.NullString

		if err := rows.Scan(&c.ID, &c.SessionID, &tsNs, &c.ImagePath, &sigPath, &c.Digest, &c.Signed, &c.Attached); err != nil {
			return nil, fmt.Errorf("scan capture: %w", err)
		}
		c.Timestamp = time.Unix(0, tsNs)
		c.SigPath = sigPath.String
		captures = append(captures, c)
	}
	return captures, rows.Err()
}
