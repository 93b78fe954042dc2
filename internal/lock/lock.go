// Package lock coordinates concurrent agents through file-based workspace
// locks. All state lives under <trak-dir>/locks/ so multiple processes on one
// host cooperate without a daemon; no lock state ever enters the database.
package lock

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/trakhq/trak/internal/config"
	"github.com/trakhq/trak/internal/debug"
	"github.com/trakhq/trak/internal/types"
)

// Kind distinguishes whole-repo locks from file-scoped ones.
type Kind string

const (
	KindRepo  Kind = "repo"
	KindFiles Kind = "files"
)

// Lock is one workspace reservation.
type Lock struct {
	TaskID     string   `json:"taskId"`
	Repo       string   `json:"repoPath"`
	Files      []string `json:"files,omitempty"`
	Kind       Kind     `json:"lockType"`
	Agent      string   `json:"agent,omitempty"`
	PID        int      `json:"pid"`
	AcquiredAt string   `json:"timestamp"`
	ExpiresAt  string   `json:"expiresAt"`
}

// QueueEntry is a pending lock request, ordered by priority then arrival.
type QueueEntry struct {
	TaskID      string   `json:"task_id"`
	Agent       string   `json:"agent,omitempty"`
	Files       []string `json:"files,omitempty"`
	Priority    int      `json:"priority"`
	RequestedAt string   `json:"requested_at"`
}

// Conflict describes why an acquire was refused.
type Conflict struct {
	Kind    Kind     `json:"kind"`
	Holder  Lock     `json:"holder"`
	Overlap []string `json:"overlap,omitempty"`
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	Acquired bool      `json:"acquired"`
	Lock     *Lock     `json:"lock,omitempty"`
	Conflict *Conflict `json:"conflict,omitempty"`
}

// QueueResult is the outcome of AcquireOrQueue.
type QueueResult struct {
	Acquired       bool      `json:"acquired"`
	Lock           *Lock     `json:"lock,omitempty"`
	Queued         bool      `json:"queued,omitempty"`
	AlreadyQueued  bool      `json:"already_queued,omitempty"`
	Position       int       `json:"position,omitempty"` // 1-based
	Holder         string    `json:"holder,omitempty"`
	ConflictingFns []string  `json:"conflicting_files,omitempty"`
	Conflict       *Conflict `json:"conflict,omitempty"`
}

// RepoLocks is the live lock state of one repo, as seen by List.
type RepoLocks struct {
	Repo  string `json:"repo"`
	Locks []Lock `json:"locks"`
}

// Manager owns the locks directory.
type Manager struct {
	dir     string
	timeout time.Duration
}

// NewManager builds a Manager rooted at <trakDir>/locks, creating the
// directory if needed. Expiry comes from lock.timeout (default 30m).
func NewManager(trakDir string) (*Manager, error) {
	dir := filepath.Join(trakDir, "locks")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create locks directory: %w", err)
	}
	timeout := config.GetDuration("lock.timeout")
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &Manager{dir: dir, timeout: timeout}, nil
}

// repoHash keys lock files by repo path: sha256 hex, first 12 characters.
func repoHash(repo string) string {
	sum := sha256.Sum256([]byte(repo))
	return hex.EncodeToString(sum[:])[:12]
}

func (m *Manager) lockPath(repo string) string {
	return filepath.Join(m.dir, repoHash(repo)+".lock")
}

func (m *Manager) queuePath(repo string) string {
	return filepath.Join(m.dir, repoHash(repo)+".queue")
}

// withFlock serializes read-modify-write cycles on one repo's lock state
// across processes. The OS-level flock lives on a sidecar so the lock file
// itself can be atomically created and deleted.
func (m *Manager) withFlock(repo string, fn func() error) error {
	fl := flock.New(filepath.Join(m.dir, repoHash(repo)+".flk"))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ok, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", repo, err)
	}
	if !ok {
		return fmt.Errorf("timed out waiting for lock on %s", repo)
	}
	defer fl.Unlock()
	return fn()
}

// Acquire tries to reserve repo (or a file subset of it) for taskID.
// Empty files means the whole repo. Stale holders expire during the read.
func (m *Manager) Acquire(repo, taskID, agent string, files []string) (*AcquireResult, error) {
	repo = absPath(repo)
	var result *AcquireResult
	err := m.withFlock(repo, func() error {
		holders, err := m.readLive(repo)
		if err != nil {
			return err
		}

		now := types.Now()
		requested := &Lock{
			TaskID:     taskID,
			Repo:       repo,
			Files:      normalizeFiles(files),
			Kind:       kindOf(files),
			Agent:      agent,
			PID:        os.Getpid(),
			AcquiredAt: now,
			ExpiresAt:  types.FormatTime(time.Now().UTC().Add(m.timeout)),
		}

		kept := holders[:0]
		for i := range holders {
			h := holders[i]
			if h.TaskID == taskID {
				// Re-acquire: merge file sets when both are scoped, refresh expiry.
				if len(h.Files) > 0 && len(requested.Files) > 0 {
					requested.Files = unionFiles(h.Files, requested.Files)
				} else if len(h.Files) == 0 || len(requested.Files) == 0 {
					requested.Files = nil
					requested.Kind = KindRepo
				}
				requested.AcquiredAt = h.AcquiredAt
				continue
			}
			if c := conflictWith(h, requested); c != nil {
				m.audit(AuditEvent{Op: AuditConflict, Repo: repo, TaskID: taskID, Agent: agent, Files: c.Overlap,
					Detail: fmt.Sprintf("held by %s", h.TaskID)})
				result = &AcquireResult{Conflict: c}
				return nil
			}
			kept = append(kept, h)
		}

		kept = append(kept, *requested)
		if err := m.writeLocks(repo, kept); err != nil {
			return err
		}
		m.audit(AuditEvent{Op: AuditAcquire, Repo: repo, TaskID: taskID, Agent: agent, Files: requested.Files})
		m.removeFromQueue(repo, taskID)
		result = &AcquireResult{Acquired: true, Lock: requested}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// conflictWith applies the conflict rules between an existing holder and a
// request from a different task.
func conflictWith(holder Lock, req *Lock) *Conflict {
	if holder.Kind == KindRepo || len(holder.Files) == 0 {
		return &Conflict{Kind: KindRepo, Holder: holder}
	}
	if len(req.Files) == 0 {
		return &Conflict{Kind: KindRepo, Holder: holder}
	}
	if overlap, ok := Overlap(holder.Files, req.Files); ok {
		return &Conflict{Kind: KindFiles, Holder: holder, Overlap: overlap}
	}
	return nil
}

// Release drops taskID's hold on repo. With an empty taskID every hold is
// dropped. The queue is untouched; waiters re-request on their next cycle.
func (m *Manager) Release(repo, taskID string) error {
	repo = absPath(repo)
	return m.withFlock(repo, func() error {
		holders, err := m.readLive(repo)
		if err != nil {
			return err
		}
		var kept []Lock
		released := false
		for _, h := range holders {
			if taskID == "" || h.TaskID == taskID {
				released = true
				m.audit(AuditEvent{Op: AuditRelease, Repo: repo, TaskID: h.TaskID, Agent: h.Agent})
				continue
			}
			kept = append(kept, h)
		}
		if !released {
			return fmt.Errorf("no lock held on %s by %s", repo, orAny(taskID))
		}
		return m.writeLocks(repo, kept)
	})
}

// AcquireOrQueue tries Acquire and, on conflict, records the request in the
// repo's queue (ascending priority, then FIFO).
func (m *Manager) AcquireOrQueue(repo, taskID, agent string, files []string, priority int) (*QueueResult, error) {
	repo = absPath(repo)
	res, err := m.Acquire(repo, taskID, agent, files)
	if err != nil {
		return nil, err
	}
	if res.Acquired {
		return &QueueResult{Acquired: true, Lock: res.Lock}, nil
	}

	var out *QueueResult
	err = m.withFlock(repo, func() error {
		queue, err := m.readQueue(repo)
		if err != nil {
			return err
		}
		for i, entry := range queue {
			if entry.TaskID == taskID {
				out = &QueueResult{AlreadyQueued: true, Position: i + 1, Conflict: res.Conflict}
				return nil
			}
		}
		queue = append(queue, QueueEntry{
			TaskID:      taskID,
			Agent:       agent,
			Files:       normalizeFiles(files),
			Priority:    priority,
			RequestedAt: types.Now(),
		})
		sort.SliceStable(queue, func(a, b int) bool {
			if queue[a].Priority != queue[b].Priority {
				return queue[a].Priority < queue[b].Priority
			}
			return queue[a].RequestedAt < queue[b].RequestedAt
		})
		if err := m.writeQueue(repo, queue); err != nil {
			return err
		}
		pos := 0
		for i, entry := range queue {
			if entry.TaskID == taskID {
				pos = i + 1
				break
			}
		}
		m.audit(AuditEvent{Op: AuditQueue, Repo: repo, TaskID: taskID, Agent: agent,
			Detail: fmt.Sprintf("position %d", pos)})
		out = &QueueResult{
			Queued:         true,
			Position:       pos,
			Holder:         res.Conflict.Holder.TaskID,
			ConflictingFns: res.Conflict.Overlap,
			Conflict:       res.Conflict,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Break force-deletes every hold on repo regardless of holder. Emergency
// recovery for stuck agents.
func (m *Manager) Break(repo, brokenBy, reason string) error {
	repo = absPath(repo)
	return m.withFlock(repo, func() error {
		if err := os.Remove(m.lockPath(repo)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to break lock on %s: %w", repo, err)
		}
		m.audit(AuditEvent{Op: AuditBreak, Repo: repo, Agent: brokenBy, Detail: reason})
		return nil
	})
}

// Renew extends the holder's expiry by the configured timeout. Only the
// current holder of the task's lock may renew.
func (m *Manager) Renew(repo, taskID string) (*Lock, error) {
	repo = absPath(repo)
	var renewed *Lock
	err := m.withFlock(repo, func() error {
		holders, err := m.readLive(repo)
		if err != nil {
			return err
		}
		for i := range holders {
			if holders[i].TaskID == taskID {
				holders[i].ExpiresAt = types.FormatTime(time.Now().UTC().Add(m.timeout))
				renewed = &holders[i]
				return m.writeLocks(repo, holders)
			}
		}
		return fmt.Errorf("no lock held on %s by %s", repo, taskID)
	})
	if err != nil {
		return nil, err
	}
	return renewed, nil
}

// Queue returns the pending requests for repo, in dispatch order.
func (m *Manager) Queue(repo string) ([]QueueEntry, error) {
	repo = absPath(repo)
	var out []QueueEntry
	err := m.withFlock(repo, func() error {
		var err error
		out, err = m.readQueue(repo)
		return err
	})
	return out, err
}

// Holders returns the live locks on repo, expiring stale ones.
func (m *Manager) Holders(repo string) ([]Lock, error) {
	repo = absPath(repo)
	var out []Lock
	err := m.withFlock(repo, func() error {
		var err error
		out, err = m.readLive(repo)
		if err != nil {
			return err
		}
		return m.writeLocks(repo, out)
	})
	return out, err
}

// List scans the locks directory, returning every repo with live holders.
// Stale locks expire as a side effect.
func (m *Manager) List() ([]RepoLocks, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read locks directory: %w", err)
	}

	var out []RepoLocks
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lock") {
			continue
		}
		path := filepath.Join(m.dir, entry.Name())
		holders, err := readLockFile(path)
		if err != nil {
			debug.Logf("lock: skipping unreadable %s: %v", path, err)
			continue
		}
		if len(holders) == 0 {
			continue
		}
		repo := holders[0].Repo
		live := m.expireStale(repo, holders)
		if err := m.writeLocks(repo, live); err != nil {
			return nil, err
		}
		if len(live) > 0 {
			out = append(out, RepoLocks{Repo: repo, Locks: live})
		}
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].Repo < out[b].Repo })
	return out, nil
}

// readLive reads repo's lock file and drops expired or orphaned holders,
// auditing each expiry.
func (m *Manager) readLive(repo string) ([]Lock, error) {
	holders, err := readLockFile(m.lockPath(repo))
	if err != nil {
		return nil, err
	}
	live := m.expireStale(repo, holders)
	if len(live) != len(holders) {
		if err := m.writeLocks(repo, live); err != nil {
			return nil, err
		}
	}
	return live, nil
}

func (m *Manager) expireStale(repo string, holders []Lock) []Lock {
	now := types.Now()
	var live []Lock
	for _, h := range holders {
		switch {
		case h.ExpiresAt != "" && h.ExpiresAt <= now:
			m.audit(AuditEvent{Op: AuditExpire, Repo: repo, TaskID: h.TaskID, Agent: h.Agent, Detail: "timeout"})
		case h.PID > 0 && !pidAlive(h.PID):
			m.audit(AuditEvent{Op: AuditExpire, Repo: repo, TaskID: h.TaskID, Agent: h.Agent,
				Detail: fmt.Sprintf("pid %d gone", h.PID)})
		default:
			live = append(live, h)
		}
	}
	return live
}

func readLockFile(path string) ([]Lock, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- under our locks dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lock file: %w", err)
	}
	var holders []Lock
	if err := json.Unmarshal(data, &holders); err != nil {
		// Single-object files from older writers.
		var one Lock
		if err2 := json.Unmarshal(data, &one); err2 != nil {
			return nil, fmt.Errorf("malformed lock file %s: %w", path, err)
		}
		holders = []Lock{one}
	}
	return holders, nil
}

// writeLocks replaces repo's lock file atomically; an empty holder set
// deletes it.
func (m *Manager) writeLocks(repo string, holders []Lock) error {
	path := m.lockPath(repo)
	if len(holders) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(holders, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { // #nosec G306
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return os.Rename(tmp, path)
}

func (m *Manager) readQueue(repo string) ([]QueueEntry, error) {
	data, err := os.ReadFile(m.queuePath(repo)) // #nosec G304
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read queue file: %w", err)
	}
	var queue []QueueEntry
	if err := json.Unmarshal(data, &queue); err != nil {
		return nil, fmt.Errorf("malformed queue file: %w", err)
	}
	return queue, nil
}

func (m *Manager) writeQueue(repo string, queue []QueueEntry) error {
	path := m.queuePath(repo)
	if len(queue) == 0 {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to remove queue file: %w", err)
		}
		return nil
	}
	data, err := json.MarshalIndent(queue, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil { // #nosec G306
		return fmt.Errorf("failed to write queue file: %w", err)
	}
	return os.Rename(tmp, path)
}

// removeFromQueue drops taskID from repo's queue after a successful acquire.
// Caller holds the flock.
func (m *Manager) removeFromQueue(repo, taskID string) {
	queue, err := m.readQueue(repo)
	if err != nil || len(queue) == 0 {
		return
	}
	kept := queue[:0]
	removed := false
	for _, entry := range queue {
		if entry.TaskID == taskID {
			removed = true
			continue
		}
		kept = append(kept, entry)
	}
	if removed {
		if err := m.writeQueue(repo, kept); err != nil {
			debug.Logf("lock: failed to update queue for %s: %v", repo, err)
			return
		}
		m.audit(AuditEvent{Op: AuditDequeue, Repo: repo, TaskID: taskID})
	}
}

// pidAlive probes a process with signal 0. EPERM still means alive.
func pidAlive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func kindOf(files []string) Kind {
	if len(files) == 0 {
		return KindRepo
	}
	return KindFiles
}

func normalizeFiles(files []string) []string {
	var out []string
	for _, f := range files {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func unionFiles(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, f := range append(append([]string(nil), a...), b...) {
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func orAny(taskID string) string {
	if taskID == "" {
		return "any task"
	}
	return taskID
}
