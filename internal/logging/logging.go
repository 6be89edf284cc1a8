// Package logging wires up structured logging and the four output-files/
// log artifacts (error, updates, info, progress) the supervisor and workers
// write to over the life of a run.
package logging

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// New creates the root logger, formatted the way the rest of the pack's
// services do (text, full timestamps), honoring LOG_LEVEL if present.
func New() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(envOr("LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	return log
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Artifacts bundles the four output-files/ writers the spec's log
// artifact list names. Error, Updates and Info are dedicated logrus
// loggers writing plain lines to their own files; Progress writes to
// stderr, and update-progress.txt itself is written by WriteProgress.
// Close releases the underlying file handles.
type Artifacts struct {
	Error    *logrus.Logger
	Updates  *logrus.Logger
	Info     *logrus.Logger
	Progress *logrus.Logger

	files []*os.File
}

// NewArtifacts opens (creating as needed) error-log.txt, updates-log.txt
// and info-log.txt under dir. update-progress.txt is not opened here; it
// is created on the first WriteProgress call.
func NewArtifacts(dir string) (*Artifacts, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", dir, err)
	}

	a := &Artifacts{}

	errLog, errFile, err := openFileLogger(dir, "error-log.txt")
	if err != nil {
		return nil, err
	}
	a.Error, a.files = errLog, append(a.files, errFile)

	updLog, updFile, err := openFileLogger(dir, "updates-log.txt")
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Updates, a.files = updLog, append(a.files, updFile)

	infoLog, infoFile, err := openFileLogger(dir, "info-log.txt")
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Info, a.files = infoLog, append(a.files, infoFile)

	// update-progress.txt is a snapshot overwritten in place, not appended;
	// it is written directly via WriteProgress rather than through logrus.
	progLog := logrus.New()
	progLog.SetOutput(os.Stderr)
	a.Progress = progLog

	return a, nil
}

func openFileLogger(dir, name string) (*logrus.Logger, *os.File, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	l := logrus.New()
	l.SetOutput(f)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	return l, f, nil
}

// WriteProgress overwrites update-progress.txt with the latest snapshot.
func (a *Artifacts) WriteProgress(dir, snapshot string) error {
	path := filepath.Join(dir, "update-progress.txt")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(snapshot), 0o644); err != nil {
		return fmt.Errorf("write progress temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename progress file: %w", err)
	}
	return nil
}

// Close releases the underlying file handles.
func (a *Artifacts) Close() {
	for _, f := range a.files {
		_ = f.Close()
	}
}

// GenerateCorrelationID creates a short random id for attributing a
// RemoteCatalog call or batch job to a single log trail.
func GenerateCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
