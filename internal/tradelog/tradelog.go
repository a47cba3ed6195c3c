package tradelog

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"portfolio-guard/internal/interfaces"
	"portfolio-guard/internal/types"
)

const (
	ledgerFile   = "ledger.jsonl"
	snapshotFile = "snapshot.json"
)

var (
	_ interfaces.Ledger        = (*FileLedger)(nil)
	_ interfaces.SnapshotStore = (*FileLedger)(nil)
)

// record is one JSONL line. Sig is an HMAC-SHA256 over the encoded entry
// when an audit key is configured.
type record struct {
	Entry json.RawMessage `json:"entry"`
	Sig   string          `json:"sig,omitempty"`
}

// appendFile is the part of *os.File the ledger writes through.
type appendFile interface {
	io.Writer
	Sync() error
	Stat() (os.FileInfo, error)
	Truncate(size int64) error
	Close() error
}

// FileLedger is an append-only JSONL ledger with a JSON snapshot beside it.
type FileLedger struct {
	mu      sync.Mutex
	dir     string
	key     []byte
	f       appendFile
	lastSeq int64
	now     func() time.Time
}

// Open creates dir if needed, verifies the existing ledger and positions
// the sequence after its last entry.
func Open(dir string, auditKey []byte) (*FileLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	l := &FileLedger{dir: dir, key: auditKey, now: time.Now}

	entries, err := l.read(0)
	if err != nil {
		return nil, err
	}
	if n := len(entries); n > 0 {
		l.lastSeq = entries[n-1].Seq
	}

	f, err := os.OpenFile(filepath.Join(dir, ledgerFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	l.f = f
	return l, nil
}

func (l *FileLedger) Append(_ context.Context, e types.LedgerEntry) (types.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: ledger closed", types.ErrPersistence)
	}
	e.Seq = l.lastSeq + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now().UTC()
	}

	line, err := l.encode(e)
	if err != nil {
		return types.LedgerEntry{}, err
	}
	info, err := l.f.Stat()
	if err != nil {
		return types.LedgerEntry{}, fmt.Errorf("%w: stat before seq %d: %v", types.ErrPersistence, e.Seq, err)
	}
	off := info.Size()
	if _, err := l.f.Write(line); err != nil {
		return types.LedgerEntry{}, l.rollback(off, fmt.Errorf("append seq %d: %w", e.Seq, err))
	}
	if err := l.f.Sync(); err != nil {
		return types.LedgerEntry{}, l.rollback(off, fmt.Errorf("sync seq %d: %w", e.Seq, err))
	}
	l.lastSeq = e.Seq
	return e, nil
}

// rollback truncates a failed append back to off so the file never holds a
// line whose seq was not handed out. If that fails too the ledger is closed.
func (l *FileLedger) rollback(off int64, cause error) error {
	if err := l.f.Truncate(off); err != nil {
		_ = l.f.Close()
		l.f = nil
		return fmt.Errorf("%w: %v; truncate to %d failed, ledger closed: %v", types.ErrPersistence, cause, off, err)
	}
	return fmt.Errorf("%w: %v", types.ErrPersistence, cause)
}

func (l *FileLedger) Entries(_ context.Context, afterSeq int64) ([]types.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.read(afterSeq)
}

func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// SaveSnapshot writes the state to a temp file and renames it into place.
func (l *FileLedger) SaveSnapshot(_ context.Context, state types.PortfolioState) error {
	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode snapshot: %v", types.ErrPersistence, err)
	}
	p := filepath.Join(l.dir, snapshotFile)
	tmp := p + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", types.ErrPersistence, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		return fmt.Errorf("%w: rename snapshot: %v", types.ErrPersistence, err)
	}
	return nil
}

func (l *FileLedger) LoadSnapshot(_ context.Context) (*types.PortfolioState, error) {
	b, err := os.ReadFile(filepath.Join(l.dir, snapshotFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read snapshot: %v", types.ErrPersistence, err)
	}
	var state types.PortfolioState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("%w: decode snapshot: %v", types.ErrPersistence, err)
	}
	return &state, nil
}

func (l *FileLedger) encode(e types.LedgerEntry) ([]byte, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode seq %d: %v", types.ErrPersistence, e.Seq, err)
	}
	rec := record{Entry: body}
	if len(l.key) > 0 {
		rec.Sig = sign(l.key, body)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("%w: encode seq %d: %v", types.ErrPersistence, e.Seq, err)
	}
	return append(b, '\n'), nil
}

func (l *FileLedger) read(afterSeq int64) ([]types.LedgerEntry, error) {
	f, err := os.Open(filepath.Join(l.dir, ledgerFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	defer f.Close()

	var out []types.LedgerEntry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var prev int64
	for line := 1; sc.Scan(); line++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", types.ErrPersistence, line, err)
		}
		if len(l.key) > 0 {
			if err := verify(l.key, rec); err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", types.ErrPersistence, line, err)
			}
		}
		var e types.LedgerEntry
		if err := json.Unmarshal(rec.Entry, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", types.ErrPersistence, line, err)
		}
		if e.Seq <= prev {
			return nil, fmt.Errorf("%w: line %d: seq %d not after %d", types.ErrPersistence, line, e.Seq, prev)
		}
		prev = e.Seq
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPersistence, err)
	}
	return out, nil
}

func sign(key, body []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func verify(key []byte, rec record) error {
	want, err := hex.DecodeString(rec.Sig)
	if err != nil || len(want) == 0 {
		return errors.New("missing or malformed signature")
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(rec.Entry)
	if !hmac.Equal(mac.Sum(nil), want) {
		return errors.New("signature mismatch")
	}
	return nil
}
