// Command tripwire-verify checks captured frames against a session's
// public key.
//
// Each <timestamp>.jpg is hashed, the canonical "<timestamp>,<sha256>"
// payload is rebuilt from its file name and the detached <timestamp>.sig
// is verified. Frames persisted after the signing key was erased have no
// signature and are reported as unsigned.
//
// Usage:
//
//	tripwire-verify --key pubkey.pem <capture.jpg | captures-dir>...
//	tripwire-verify --db tripwire.db [--session <id>]
package main

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/pflag"

	"tripwire/internal/evidence"
	"tripwire/internal/signer"
	"tripwire/internal/store"
)

var version = "dev"

// Status is the verdict for one capture.
type Status string

const (
	StatusValid    Status = "valid"
	StatusUnsigned Status = "unsigned"
	StatusInvalid  Status = "invalid"
)

// Result is one line of the report.
type Result struct {
	Path      string `json:"path"`
	Timestamp string `json:"timestamp,omitempty"`
	Digest    string `json:"digest,omitempty"`
	Status    Status `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Report is the outcome of a run.
type Report struct {
	Session  string   `json:"session,omitempty"`
	Trips    []Trip   `json:"trips,omitempty"`
	Results  []Result `json:"results"`
	Valid    int      `json:"valid"`
	Unsigned int      `json:"unsigned"`
	Invalid  int      `json:"invalid"`
}

// Trip is a sensor trip recorded for the verified session.
type Trip struct {
	Source string `json:"source"`
	At     string `json:"at"`
	First  bool   `json:"first"`
}

func (r *Report) add(res Result) {
	switch res.Status {
	case StatusValid:
		r.Valid++
	case StatusUnsigned:
		r.Unsigned++
	default:
		r.Invalid++
	}
	r.Results = append(r.Results, res)
}

// OK reports whether nothing failed. Unsigned frames fail only when
// requireSigned is set.
func (r *Report) OK(requireSigned bool) bool {
	if r.Invalid > 0 {
		return false
	}
	return !requireSigned || r.Unsigned == 0
}

func main() {
	keyPath := pflag.StringP("key", "k", "", "public key (PEM, OpenSSH or raw 32 bytes)")
	dbPath := pflag.String("db", "", "verify every indexed capture of a session in this database")
	sessionID := pflag.String("session", "", "session to verify with --db (default: latest)")
	format := pflag.StringP("format", "f", "text", "output format: text, json")
	requireSigned := pflag.Bool("require-signed", false, "treat unsigned frames as failures")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tripwire-verify - verify tripwire captures\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  %s --key pubkey.pem <capture.jpg | dir>...\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --db tripwire.db [--session id]\n\n", os.Args[0])
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if *showVersion {
		fmt.Printf("tripwire-verify %s\n", version)
		return
	}

	var (
		report *Report
		err    error
	)
	switch {
	case *dbPath != "":
		report, err = verifyIndex(*dbPath, *sessionID, *keyPath)
	case *keyPath != "" && pflag.NArg() > 0:
		var pub ed25519.PublicKey
		pub, err = signer.LoadPublicKey(*keyPath)
		if err == nil {
			report, err = verifyPaths(pub, pflag.Args())
		}
	default:
		pflag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "tripwire-verify: %v\n", err)
		os.Exit(2)
	}

	if err := writeReport(os.Stdout, report, *format); err != nil {
		fmt.Fprintf(os.Stderr, "tripwire-verify: %v\n", err)
		os.Exit(2)
	}
	if !report.OK(*requireSigned) {
		os.Exit(1)
	}
}

// verifyPaths verifies image files and every .jpg directly inside
// directories.
func verifyPaths(pub ed25519.PublicKey, paths []string) (*Report, error) {
	var images []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			images = append(images, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.jpg"))
		if err != nil {
			return nil, err
		}
		images = append(images, matches...)
	}
	sort.Strings(images)

	report := &Report{}
	for _, img := range images {
		report.add(verifyOne(pub, img))
	}
	return report, nil
}

func verifyOne(pub ed25519.PublicKey, imagePath string) Result {
	res := Result{Path: imagePath}
	v, err := evidence.VerifyFile(pub, imagePath)
	if v != nil {
		res.Timestamp = evidence.FormatTimestamp(v.Timestamp)
		res.Digest = v.Digest
	}
	switch {
	case err == nil:
		res.Status = StatusValid
	case errors.Is(err, evidence.ErrNoSignature):
		res.Status = StatusUnsigned
	default:
		res.Status = StatusInvalid
		res.Error = err.Error()
	}
	return res
}

// verifyIndex walks the indexed captures of one session. The session's
// stored public key is used unless keyPath is given.
func verifyIndex(dbPath, sessionID, keyPath string) (*Report, error) {
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	var sess *store.Session
	if sessionID == "" {
		sess, err = db.LatestSession()
	} else {
		sess, err = db.GetSession(sessionID)
	}
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, errors.New("no such session")
	}

	var pub ed25519.PublicKey
	if keyPath != "" {
		pub, err = signer.LoadPublicKey(keyPath)
	} else {
		pub, err = signer.ParsePublicKey([]byte(sess.PubKeyPEM))
	}
	if err != nil {
		return nil, err
	}

	captures, err := db.ListCaptures(sess.ID)
	if err != nil {
		return nil, err
	}
	problems, err := db.VerifyCaptures(sess.ID, evidence.VerifyCapture(pub))
	if err != nil {
		return nil, err
	}
	failed := make(map[int64]error, len(problems))
	for _, p := range problems {
		failed[p.Capture.ID] = p.Err
	}

	trips, err := db.ListTrips(sess.ID)
	if err != nil {
		return nil, err
	}

	report := &Report{Session: sess.ID}
	for _, t := range trips {
		report.Trips = append(report.Trips, Trip{Source: t.Source, At: evidence.FormatTimestamp(t.At), First: t.First})
	}
	for _, c := range captures {
		res := Result{
			Path:      c.ImagePath,
			Timestamp: evidence.FormatTimestamp(c.Timestamp),
			Digest:    c.Digest,
			Status:    StatusValid,
		}
		if err, ok := failed[c.ID]; ok {
			res.Status = StatusInvalid
			res.Error = err.Error()
		} else if !c.Signed {
			res.Status = StatusUnsigned
		}
		report.add(res)
	}
	return report, nil
}

func writeReport(w io.Writer, r *Report, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text", "":
		if r.Session != "" {
			fmt.Fprintf(w, "session %s\n", r.Session)
		}
		for _, t := range r.Trips {
			mark := ""
			if t.First {
				mark = "  (detection)"
			}
			fmt.Fprintf(w, "TRIP      %s  %s%s\n", t.Source, t.At, mark)
		}
		for _, res := range r.Results {
			line := fmt.Sprintf("%-8s  %s", strings.ToUpper(string(res.Status)), res.Path)
			if res.Error != "" {
				line += "  (" + res.Error + ")"
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintf(w, "\n%d valid, %d unsigned, %d invalid\n", r.Valid, r.Unsigned, r.Invalid)
		return nil
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
