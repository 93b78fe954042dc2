package lock

import (
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/trakhq/trak/internal/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return m
}

func TestAcquireAndRelease(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	res, err := m.Acquire(repo, "trak-t1", "agent-a", nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if !res.Acquired || res.Lock == nil {
		t.Fatalf("Acquire() = %+v, want acquired", res)
	}
	if res.Lock.Kind != KindRepo || res.Lock.ExpiresAt == "" {
		t.Errorf("lock = %+v, want repo kind with expiry", res.Lock)
	}

	if err := m.Release(repo, "trak-t1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := m.Release(repo, "trak-t1"); err == nil {
		t.Error("releasing a lock twice should fail")
	}
}

func TestAcquireConflictRules(t *testing.T) {
	tests := []struct {
		name        string
		holderFiles []string
		reqFiles    []string
		wantOK      bool
	}{
		{name: "repo blocks repo", holderFiles: nil, reqFiles: nil, wantOK: false},
		{name: "repo blocks files", holderFiles: nil, reqFiles: []string{"src/a.go"}, wantOK: false},
		{name: "files block repo", holderFiles: []string{"src/a.go"}, reqFiles: nil, wantOK: false},
		{name: "overlapping files conflict", holderFiles: []string{"src/a.go"}, reqFiles: []string{"src/a.go"}, wantOK: false},
		{name: "disjoint files coexist", holderFiles: []string{"src/a.go"}, reqFiles: []string{"src/b.go"}, wantOK: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestManager(t)
			repo := t.TempDir()
			if _, err := m.Acquire(repo, "trak-holder", "a", tt.holderFiles); err != nil {
				t.Fatalf("holder Acquire() error = %v", err)
			}
			res, err := m.Acquire(repo, "trak-req", "b", tt.reqFiles)
			if err != nil {
				t.Fatalf("Acquire() error = %v", err)
			}
			if res.Acquired != tt.wantOK {
				t.Errorf("Acquired = %v, want %v (conflict: %+v)", res.Acquired, tt.wantOK, res.Conflict)
			}
			if !tt.wantOK && res.Conflict.Holder.TaskID != "trak-holder" {
				t.Errorf("conflict holder = %q, want trak-holder", res.Conflict.Holder.TaskID)
			}
		})
	}
}

func TestReacquireMergesFileSets(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	if _, err := m.Acquire(repo, "trak-t1", "a", []string{"src/a.go"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	res, err := m.Acquire(repo, "trak-t1", "a", []string{"src/b.go"})
	if err != nil {
		t.Fatalf("re-Acquire() error = %v", err)
	}
	if !res.Acquired {
		t.Fatal("same task re-acquire must succeed")
	}
	if len(res.Lock.Files) != 2 {
		t.Errorf("Files = %v, want the union of both sets", res.Lock.Files)
	}

	// Widening to the whole repo collapses the file set.
	res, err = m.Acquire(repo, "trak-t1", "a", nil)
	if err != nil {
		t.Fatalf("widen Acquire() error = %v", err)
	}
	if res.Lock.Kind != KindRepo || len(res.Lock.Files) != 0 {
		t.Errorf("widened lock = %+v, want whole repo", res.Lock)
	}
}

func TestAcquireOrQueueOrdering(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	if _, err := m.Acquire(repo, "trak-holder", "a", nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	// FIFO within a priority, lower priority number first overall.
	r1, err := m.AcquireOrQueue(repo, "trak-q1", "b", nil, 2)
	if err != nil {
		t.Fatalf("AcquireOrQueue() error = %v", err)
	}
	if !r1.Queued || r1.Position != 1 || r1.Holder != "trak-holder" {
		t.Fatalf("first queue result = %+v, want queued at 1", r1)
	}
	r2, err := m.AcquireOrQueue(repo, "trak-q2", "c", nil, 0)
	if err != nil {
		t.Fatalf("AcquireOrQueue() error = %v", err)
	}
	if r2.Position != 1 {
		t.Errorf("higher priority request queued at %d, want 1", r2.Position)
	}
	again, err := m.AcquireOrQueue(repo, "trak-q1", "b", nil, 2)
	if err != nil {
		t.Fatalf("AcquireOrQueue() error = %v", err)
	}
	if !again.AlreadyQueued || again.Position != 2 {
		t.Errorf("re-queue = %+v, want already queued at 2", again)
	}

	queue, err := m.Queue(repo)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if len(queue) != 2 || queue[0].TaskID != "trak-q2" || queue[1].TaskID != "trak-q1" {
		t.Errorf("queue order = %+v, want [trak-q2 trak-q1]", queue)
	}

	// Once the holder releases, the acquire also dequeues the winner.
	if err := m.Release(repo, "trak-holder"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	res, err := m.AcquireOrQueue(repo, "trak-q2", "c", nil, 0)
	if err != nil {
		t.Fatalf("AcquireOrQueue() after release error = %v", err)
	}
	if !res.Acquired {
		t.Fatalf("queued task should acquire after release, got %+v", res)
	}
	queue, err = m.Queue(repo)
	if err != nil {
		t.Fatalf("Queue() error = %v", err)
	}
	if len(queue) != 1 || queue[0].TaskID != "trak-q1" {
		t.Errorf("queue after acquire = %+v, want just trak-q1", queue)
	}
}

func TestBreak(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	if _, err := m.Acquire(repo, "trak-stuck", "a", nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if err := m.Break(repo, "operator", "agent hung"); err != nil {
		t.Fatalf("Break() error = %v", err)
	}
	res, err := m.Acquire(repo, "trak-next", "b", nil)
	if err != nil {
		t.Fatalf("Acquire() after break error = %v", err)
	}
	if !res.Acquired {
		t.Error("repo should be free after break")
	}
}

func TestRenewHolderOnly(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	res, err := m.Acquire(repo, "trak-t1", "a", nil)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	before := res.Lock.ExpiresAt

	time.Sleep(1100 * time.Millisecond) // second-resolution timestamps
	renewed, err := m.Renew(repo, "trak-t1")
	if err != nil {
		t.Fatalf("Renew() error = %v", err)
	}
	if renewed.ExpiresAt <= before {
		t.Errorf("ExpiresAt = %q, want later than %q", renewed.ExpiresAt, before)
	}

	if _, err := m.Renew(repo, "trak-other"); err == nil {
		t.Error("only the holder may renew")
	}
}

func TestStaleHoldersExpire(t *testing.T) {
	m := newTestManager(t)
	repo := absPath(t.TempDir())

	holders := []Lock{
		{TaskID: "trak-expired", Repo: repo, Kind: KindRepo, PID: os.Getpid(),
			AcquiredAt: "2026-01-01 00:00:00", ExpiresAt: "2026-01-01 00:30:00"},
		{TaskID: "trak-orphan", Repo: repo, Kind: KindRepo, PID: 1 << 30,
			AcquiredAt: types.Now(), ExpiresAt: types.FormatTime(time.Now().UTC().Add(time.Hour))},
		{TaskID: "trak-live", Repo: repo, Kind: KindRepo, PID: os.Getpid(),
			AcquiredAt: types.Now(), ExpiresAt: types.FormatTime(time.Now().UTC().Add(time.Hour))},
	}
	data, err := json.Marshal(holders)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(m.lockPath(repo), data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	live, err := m.Holders(repo)
	if err != nil {
		t.Fatalf("Holders() error = %v", err)
	}
	if len(live) != 1 || live[0].TaskID != "trak-live" {
		t.Errorf("Holders() = %+v, want just trak-live", live)
	}
}

func TestReadLockFileSingleObjectFallback(t *testing.T) {
	m := newTestManager(t)
	repo := absPath(t.TempDir())

	one := Lock{TaskID: "trak-old", Repo: repo, Kind: KindRepo, PID: os.Getpid(),
		AcquiredAt: types.Now(), ExpiresAt: types.FormatTime(time.Now().UTC().Add(time.Hour))}
	data, err := json.Marshal(one)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if err := os.WriteFile(m.lockPath(repo), data, 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	holders, err := m.Holders(repo)
	if err != nil {
		t.Fatalf("Holders() error = %v", err)
	}
	if len(holders) != 1 || holders[0].TaskID != "trak-old" {
		t.Errorf("Holders() = %+v, want the single legacy holder", holders)
	}
}

func TestLockFileUsesCamelCaseKeys(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()
	if _, err := m.Acquire(repo, "trak-t1", "a", []string{"src/a.go"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	data, err := os.ReadFile(m.lockPath(absPath(repo)))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	var raw []map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("lock file is not a JSON array: %v", err)
	}
	for _, key := range []string{"taskId", "repoPath", "files", "lockType", "pid", "timestamp", "expiresAt"} {
		if _, ok := raw[0][key]; !ok {
			t.Errorf("lock file missing key %q: %v", key, raw[0])
		}
	}
}

func TestAuditTrail(t *testing.T) {
	m := newTestManager(t)
	repo := t.TempDir()

	if _, err := m.Acquire(repo, "trak-t1", "a", nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.Acquire(repo, "trak-t2", "b", nil); err != nil {
		t.Fatalf("conflicting Acquire() error = %v", err)
	}
	if err := m.Release(repo, "trak-t1"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	events, err := m.ReadAudit()
	if err != nil {
		t.Fatalf("ReadAudit() error = %v", err)
	}
	ops := make(map[string]int)
	for _, ev := range events {
		ops[ev.Op]++
	}
	if ops[AuditAcquire] != 1 || ops[AuditConflict] != 1 || ops[AuditRelease] != 1 {
		t.Errorf("audit ops = %v, want one acquire, one conflict, one release", ops)
	}
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	repoA := t.TempDir()
	repoB := t.TempDir()
	if _, err := m.Acquire(repoA, "trak-a", "x", nil); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if _, err := m.Acquire(repoB, "trak-b", "y", []string{"go.mod"}); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	repos, err := m.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(repos) != 2 {
		t.Fatalf("List() = %d repos, want 2", len(repos))
	}
	for _, r := range repos {
		if len(r.Locks) != 1 {
			t.Errorf("repo %s has %d locks, want 1", r.Repo, len(r.Locks))
		}
	}
}
