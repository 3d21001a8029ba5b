package budget

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hounfour/gateway/internal/wire"
)

// Scope identifies a spend aggregation bucket. Phase and Sprint nest under
// Project; blank levels are simply not aggregated.
type Scope struct {
	Project string `json:"project"`
	Phase   string `json:"phase,omitempty"`
	Sprint  string `json:"sprint,omitempty"`
}

// Keys returns the aggregation keys this scope contributes to, most general
// first.
func (s Scope) Keys() []string {
	if s.Project == "" {
		return nil
	}
	keys := []string{"project:" + s.Project}
	if s.Phase != "" {
		keys = append(keys, "phase:"+s.Project+"/"+s.Phase)
		if s.Sprint != "" {
			keys = append(keys, "sprint:"+s.Project+"/"+s.Phase+"/"+s.Sprint)
		}
	}
	return keys
}

// Entry is one JSONL ledger line. Money fields use the canonical wire string
// form.
type Entry struct {
	TS              string `json:"ts"`
	TraceID         string `json:"trace_id"`
	Scope           Scope  `json:"scope"`
	Provider        string `json:"provider"`
	Model           string `json:"model"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	ReasoningTokens int64  `json:"reasoning_tokens"`
	LatencyMS       int64  `json:"latency_ms"`
	InputCostMicro  string `json:"input_cost_micro"`
	OutputCostMicro string `json:"output_cost_micro"`
	TotalCostMicro  string `json:"total_cost_micro"`
	UsageSource     string `json:"usage_source"`
}

// checkpoint is the periodic aggregate snapshot: per-key spend plus the
// number of ledger lines already folded in, so startup only replays the tail.
type checkpoint struct {
	Entries int64             `json:"entries"`
	Spent   map[string]string `json:"spent"`
}

// Ledger is the append-only JSONL spend journal with a periodic checkpoint.
type Ledger struct {
	mu              sync.Mutex
	path            string
	checkpointPath  string
	entries         int64
	checkpointEvery int64
	logger          *log.Logger
}

// OpenLedger opens (or creates) the ledger at path. The checkpoint lives
// next to it with a .checkpoint suffix.
func OpenLedger(path string, checkpointEvery int64) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("budget: mkdir ledger dir: %w", err)
	}
	if checkpointEvery <= 0 {
		checkpointEvery = 256
	}
	return &Ledger{
		path:            path,
		checkpointPath:  path + ".checkpoint",
		checkpointEvery: checkpointEvery,
		logger:          log.New(log.Writer(), "[BUDGET] ", log.LstdFlags),
	}, nil
}

// Append writes one entry. The caller decides what a write failure means
// (fail-open vs fail-closed).
func (l *Ledger) Append(e Entry) error {
	line, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("budget: marshal ledger entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("budget: open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("budget: write ledger: %w", err)
	}
	l.entries++
	return nil
}

// Load recovers the spend map: checkpoint first, then tail replay. Entries
// whose money fields parse only leniently are counted and logged, never
// dropped.
func (l *Ledger) Load() (map[string]wire.MicroUSD, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	spent := make(map[string]wire.MicroUSD)
	var skip int64

	if raw, err := os.ReadFile(l.checkpointPath); err == nil {
		var cp checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			l.logger.Printf("unreadable checkpoint, replaying full ledger: %v", err)
		} else {
			skip = cp.Entries
			for k, v := range cp.Spent {
				m, normalized, perr := wire.ParseMicroUSDLenient(v)
				if perr != nil {
					l.logger.Printf("checkpoint amount for %s unparseable, replaying full ledger: %v", k, perr)
					spent = make(map[string]wire.MicroUSD)
					skip = 0
					break
				}
				if normalized {
					metricNormalized.Inc()
				}
				spent[k] = m
			}
		}
	}

	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		l.entries = skip
		return spent, nil
	}
	if err != nil {
		return nil, fmt.Errorf("budget: open ledger for replay: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	var lineNo int64
	for scanner.Scan() {
		lineNo++
		if lineNo <= skip {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			l.logger.Printf("skipping corrupt ledger line %d: %v", lineNo, err)
			continue
		}
		total, normalized, perr := wire.ParseMicroUSDLenient(e.TotalCostMicro)
		if perr != nil {
			l.logger.Printf("skipping ledger line %d with unparseable total: %v", lineNo, perr)
			continue
		}
		if normalized {
			metricNormalized.Inc()
			l.logger.Printf("normalized non-canonical amount at ledger line %d", lineNo)
		}
		for _, key := range e.Scope.Keys() {
			sum, aerr := spent[key].Add(total)
			if aerr != nil {
				return nil, fmt.Errorf("budget: spend overflow for %s: %w", key, aerr)
			}
			spent[key] = sum
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("budget: scan ledger: %w", err)
	}

	l.entries = lineNo
	return spent, nil
}

// MaybeCheckpoint writes a snapshot when enough entries accumulated since
// the last one.
func (l *Ledger) MaybeCheckpoint(spent map[string]wire.MicroUSD) error {
	l.mu.Lock()
	entries := l.entries
	due := entries > 0 && entries%l.checkpointEvery == 0
	l.mu.Unlock()
	if !due {
		return nil
	}
	return l.Checkpoint(spent, entries)
}

// Checkpoint writes the aggregate snapshot atomically (temp file + rename).
func (l *Ledger) Checkpoint(spent map[string]wire.MicroUSD, entries int64) error {
	cp := checkpoint{Entries: entries, Spent: make(map[string]string, len(spent))}
	for k, v := range spent {
		cp.Spent[k] = v.String()
	}
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("budget: marshal checkpoint: %w", err)
	}
	tmp := l.checkpointPath + ".tmp." + fmt.Sprint(time.Now().UnixNano())
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("budget: write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, l.checkpointPath); err != nil {
		return fmt.Errorf("budget: publish checkpoint: %w", err)
	}
	return nil
}

// Entries reports how many lines the ledger currently holds.
func (l *Ledger) Entries() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entries
}
