// Package chain appends audit records to a hash-chained JSON-lines file.
// Each record carries the hash of its predecessor, so any edit or removal
// breaks Verify.
package chain

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger is what services depend on.
type Logger interface {
	Log(kind, actor, target string, meta map[string]string) error
}

// Nop discards records.
type Nop struct{}

func (Nop) Log(string, string, string, map[string]string) error { return nil }

type Writer struct {
	mu   sync.Mutex
	f    *os.File
	prev []byte // previous hash
}

// NewWriter opens path for append and resumes the chain from its last record.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	prev := make([]byte, sha256.Size)
	if last, err := lastHash(path); err != nil {
		return nil, err
	} else if last != nil {
		prev = last
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{f: f, prev: prev}, nil
}

func (w *Writer) Close() error { return w.f.Close() }

type Event struct {
	Time   time.Time         `json:"time"`
	Kind   string            `json:"kind"`
	Actor  string            `json:"actor"`
	Target string            `json:"target"`
	Meta   map[string]string `json:"meta,omitempty"`
	Prev   string            `json:"prev"`
	Hash   string            `json:"hash,omitempty"`
}

func digest(prev []byte, ev Event) ([]byte, error) {
	ev.Hash = ""
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	h := sha256.Sum256(append(append([]byte{}, prev...), b...))
	return h[:], nil
}

func (w *Writer) Log(kind, actor, target string, meta map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	ev := Event{Time: time.Now().UTC(), Kind: kind, Actor: actor, Target: target, Meta: meta, Prev: hex.EncodeToString(w.prev)}
	h, err := digest(w.prev, ev)
	if err != nil {
		return err
	}
	ev.Hash = hex.EncodeToString(h)
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(append(b, '\n')); err != nil {
		return err
	}
	copy(w.prev, h)
	return nil
}

func lastHash(path string) ([]byte, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			last = sc.Text()
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if last == "" {
		return nil, nil
	}
	var ev Event
	if err := json.Unmarshal([]byte(last), &ev); err != nil {
		return nil, fmt.Errorf("audit: corrupt tail: %w", err)
	}
	return hex.DecodeString(ev.Hash)
}

// Verify walks the file and returns the number of records, or an error
// naming the first record whose chain does not hold.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	prev := make([]byte, sha256.Size)
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		n++
		var ev Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return n, fmt.Errorf("audit: record %d: %w", n, err)
		}
		if ev.Prev != hex.EncodeToString(prev) {
			return n, fmt.Errorf("audit: record %d: broken link", n)
		}
		h, err := digest(prev, ev)
		if err != nil {
			return n, err
		}
		if ev.Hash != hex.EncodeToString(h) {
			return n, fmt.Errorf("audit: record %d: hash mismatch", n)
		}
		prev = h
	}
	return n, sc.Err()
}
