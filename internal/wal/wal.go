// Package wal is the gateway's append-only audit write-ahead log: JSONL
// segments of hash-chained entries. Each entry carries the SHA-256 of its
// predecessor so tampering anywhere breaks the chain from that point on.
package wal

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/redact"
)

// Known entry types. Replay tolerates unknown values for forward
// compatibility, skipping them with a warning.
const (
	TypeAudit  = "audit"
	TypeLedger = "ledger"
	TypeClaim  = "claim"
)

// Entry is one WAL record.
type Entry struct {
	Seq      uint64                 `json:"seq"`
	PrevHash string                 `json:"prevHash"`
	Hash     string                 `json:"hash"`
	TS       string                 `json:"ts"` // ISO-8601 UTC
	Type     string                 `json:"type"`
	Phase    string                 `json:"phase,omitempty"`
	Action   string                 `json:"action"`
	Target   string                 `json:"target,omitempty"`
	Params   map[string]interface{} `json:"params,omitempty"`
	RunCtx   RunContext             `json:"runCtx"`
	HMAC     string                 `json:"hmac,omitempty"`
}

// RunContext identifies the process that wrote an entry.
type RunContext struct {
	PodID    string `json:"pod_id"`
	BuildSHA string `json:"build_sha"`
}

// hashBody covers every field except Hash and HMAC themselves.
func (e *Entry) hashBody() []byte {
	clone := *e
	clone.Hash = ""
	clone.HMAC = ""
	b, _ := json.Marshal(&clone)
	return b
}

// Log is a single-segment WAL. Appends are totally ordered under one lock.
type Log struct {
	mu       sync.Mutex
	path     string
	seq      uint64
	lastHash string
	runCtx   RunContext
	hmacKey  []byte // optional
	logger   *log.Logger
}

// Options configures a WAL.
type Options struct {
	RunCtx  RunContext
	HMACKey []byte
}

// genesisHash anchors the chain for an empty log.
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Open opens (or creates) the WAL segment at path and recovers the chain
// tail by replaying it.
func Open(path string, opts Options) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("wal: mkdir: %w", err)
	}

	l := &Log{
		path:     path,
		lastHash: genesisHash,
		runCtx:   opts.RunCtx,
		hmacKey:  opts.HMACKey,
		logger:   log.New(log.Writer(), "[WAL] ", log.LstdFlags),
	}

	entries, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.seq = entries[n-1].Seq
		l.lastHash = entries[n-1].Hash
	}
	return l, nil
}

// Append writes one entry and returns its sequence number. Params are
// redacted before they touch disk.
func (l *Log) Append(entryType, phase, action, target string, params map[string]interface{}) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:      l.seq + 1,
		PrevHash: l.lastHash,
		TS:       time.Now().UTC().Format(time.RFC3339Nano),
		Type:     entryType,
		Phase:    phase,
		Action:   action,
		Target:   target,
		Params:   redact.Map(params),
		RunCtx:   l.runCtx,
	}

	body := e.hashBody()
	sum := sha256.Sum256(body)
	e.Hash = hex.EncodeToString(sum[:])
	if len(l.hmacKey) > 0 {
		mac := hmac.New(sha256.New, l.hmacKey)
		mac.Write(body)
		e.HMAC = hex.EncodeToString(mac.Sum(nil))
	}

	line, err := json.Marshal(&e)
	if err != nil {
		return 0, fmt.Errorf("wal: marshal: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("wal: open: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("wal: write: %w", err)
	}

	l.seq = e.Seq
	l.lastHash = e.Hash
	return e.Seq, nil
}

// Replay returns every known-typed entry in order. Unknown types are
// skipped with a warning (forward compatibility); corrupt lines abort.
func (l *Log) Replay() ([]Entry, error) {
	all, err := l.readAll()
	if err != nil {
		return nil, err
	}
	out := all[:0:0]
	for _, e := range all {
		switch e.Type {
		case TypeAudit, TypeLedger, TypeClaim:
			out = append(out, e)
		default:
			l.logger.Printf("skipping unknown entry type %q at seq %d", e.Type, e.Seq)
		}
	}
	return out, nil
}

// readAll reads the raw segment including unknown-typed entries; the hash
// chain covers every line regardless of type.
func (l *Log) readAll() ([]Entry, error) {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("wal: open for replay: %w", err)
	}
	defer f.Close()

	var out []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("wal: corrupt entry at line %d: %w", lineNo, err)
		}
		out = append(out, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("wal: scan: %w", err)
	}
	return out, nil
}

// Verify walks the chain and reports the first break, if any.
func (l *Log) Verify() error {
	entries, err := l.readAll()
	if err != nil {
		return err
	}
	prev := genesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("wal: chain break at seq %d: prevHash mismatch", e.Seq)
		}
		sum := sha256.Sum256(e.hashBody())
		if hex.EncodeToString(sum[:]) != e.Hash {
			return fmt.Errorf("wal: chain break at seq %d: hash mismatch", e.Seq)
		}
		prev = e.Hash
	}
	return nil
}
