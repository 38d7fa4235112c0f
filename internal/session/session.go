// Package session implements the per-plan-file runtime snapshot store
// (spec §4.6): atomic writes via internal/filelock, a debounced flush so a
// burst of task updates collapses into one disk write, and a tolerant load
// path that falls back to the .bak copy if the primary file is corrupt.
package session

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/harrison/auto-dev-scheduler/internal/events"
	"github.com/harrison/auto-dev-scheduler/internal/filelock"
	"github.com/harrison/auto-dev-scheduler/internal/logger"
	"github.com/harrison/auto-dev-scheduler/internal/models"
)

// flushDelay coalesces a burst of Save calls (one per tick, one per worker
// completion) into a single disk write.
const flushDelay = 750 * time.Millisecond

// Store persists Session snapshots under <stateDir>/sessions/<hash>.json,
// one file per distinct plan path.
type Store struct {
	stateDir string
	log      logger.Logger

	mu       sync.Mutex
	timers   map[string]*time.Timer
	pending  map[string]*models.Session
	nonce    map[string]uint64
}

func New(stateDir string, log logger.Logger) *Store {
	if log == nil {
		log = logger.NopLogger{}
	}
	return &Store{
		stateDir: stateDir,
		log:      log,
		timers:   make(map[string]*time.Timer),
		pending:  make(map[string]*models.Session),
		nonce:    make(map[string]uint64),
	}
}

func (st *Store) pathFor(planPath string) string {
	return filepath.Join(st.stateDir, "sessions", keyFor(planPath)+".json")
}

func keyFor(planPath string) string {
	sum := sha1.Sum([]byte(planPath))
	return hex.EncodeToString(sum[:])[:16]
}

// Save debounces a snapshot write: the most recent snapshot for planPath
// wins, written flushDelay after the last call in a burst.
func (st *Store) Save(s *models.Session) {
	st.mu.Lock()
	defer st.mu.Unlock()

	st.pending[s.PlanPath] = s
	st.nonce[s.PlanPath]++
	myNonce := st.nonce[s.PlanPath]

	if t, ok := st.timers[s.PlanPath]; ok {
		t.Stop()
	}
	st.timers[s.PlanPath] = time.AfterFunc(flushDelay, func() {
		st.flush(s.PlanPath, myNonce)
	})
}

func (st *Store) flush(planPath string, nonce uint64) {
	st.mu.Lock()
	if st.nonce[planPath] != nonce {
		st.mu.Unlock()
		return // superseded by a newer Save before the timer fired
	}
	s := st.pending[planPath]
	delete(st.pending, planPath)
	st.mu.Unlock()

	if s == nil {
		return
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		st.log.LogWorkerLog(events.WorkerLog{Level: "error", Line: "session marshal: " + err.Error(), At: time.Now()})
		return
	}
	if err := filelock.AtomicWriteWithBackup(st.pathFor(planPath), data); err != nil {
		st.log.LogWorkerLog(events.WorkerLog{Level: "error", Line: "session write: " + err.Error(), At: time.Now()})
	}
}

// Load reads the persisted session for planPath, trying the primary file
// then its .bak, discarding anything with a mismatched SessionVersion.
func (st *Store) Load(planPath string) (*models.Session, bool) {
	primary := st.pathFor(planPath)
	if s, ok := tryLoad(primary); ok {
		return s, true
	}
	if s, ok := tryLoad(primary + ".bak"); ok {
		return s, true
	}
	return nil, false
}

func tryLoad(path string) (*models.Session, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var s models.Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, false
	}
	if s.Version != models.SessionVersion {
		return nil, false
	}
	return &s, true
}
