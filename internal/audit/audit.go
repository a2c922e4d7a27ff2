// Package audit keeps an append-only, per-session log of command
// invocations. Records are JSON, zstd-compressed one frame per record,
// varint length-delimited. Append failures are reported but must never
// fail the invocation that produced them.
package audit

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
)

// Invocation outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRemoteError = "remote_error"
	OutcomeConnectErr  = "connect_error"
	OutcomeTimeout     = "timeout"
	OutcomeRejected    = "rejected"
)

const maxRecordSize = 16 * 1024 * 1024

// Record is one settled command invocation.
type Record struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Command    string    `json:"command"`
	Outcome    string    `json:"outcome"`
	ExitCode   int       `json:"exitCode"`
	Detail     string    `json:"detail,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	DurationMS int64     `json:"durationMs"`
}

// Log appends records under rootDir, one file per session.
type Log struct {
	rootDir string

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu    sync.Mutex
	files map[string]*logFile
}

type logFile struct {
	f  *os.File
	bw *bufio.Writer
}

// Open prepares a log rooted at dir, creating it if needed.
func Open(dir string) (*Log, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("audit dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Log{
		rootDir: dir,
		enc:     enc,
		dec:     dec,
		files:   make(map[string]*logFile),
	}, nil
}

// Append writes one record to its session's file. The record ID is
// assigned here.
func (l *Log) Append(rec Record) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	rec.ID = uuid.NewString()
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	frame := l.enc.EncodeAll(payload, nil)

	l.mu.Lock()
	defer l.mu.Unlock()
	lf, err := l.openLocked(rec.SessionID)
	if err != nil {
		return err
	}
	if err := writeDelimited(lf.bw, frame); err != nil {
		return err
	}
	return lf.bw.Flush()
}

// Replay streams every record for one session, in append order.
func (l *Log) Replay(sessionID string, send func(Record) error) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}
	l.mu.Lock()
	if lf := l.files[sessionID]; lf != nil {
		_ = lf.bw.Flush()
	}
	path := l.path(sessionID)
	l.mu.Unlock()

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		frame, err := readDelimited(r)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := l.dec.DecodeAll(frame, nil)
		if err != nil {
			return err
		}
		var rec Record
		if err := json.Unmarshal(payload, &rec); err != nil {
			return err
		}
		if err := send(rec); err != nil {
			return err
		}
	}
}

// Sessions lists the session IDs with recorded invocations.
func (l *Log) Sessions() ([]string, error) {
	entries, err := os.ReadDir(l.rootDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".log"))
	}
	return out, nil
}

// Close flushes and closes every open file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var first error
	for id, lf := range l.files {
		if err := lf.bw.Flush(); err != nil && first == nil {
			first = err
		}
		if err := lf.f.Close(); err != nil && first == nil {
			first = err
		}
		delete(l.files, id)
	}
	return first
}

func (l *Log) path(sessionID string) string {
	return filepath.Join(l.rootDir, sessionID+".log")
}

func (l *Log) openLocked(sessionID string) (*logFile, error) {
	if lf := l.files[sessionID]; lf != nil {
		return lf, nil
	}
	f, err := os.OpenFile(l.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	lf := &logFile{f: f, bw: bufio.NewWriter(f)}
	l.files[sessionID] = lf
	return lf, nil
}

func readDelimited(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("invalid record length 0")
	}
	if n > maxRecordSize {
		return nil, fmt.Errorf("record too large: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func writeDelimited(w *bufio.Writer, msg []byte) error {
	var hdr [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(hdr[:], uint64(len(msg)))
	if _, err := w.Write(hdr[:n]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}
