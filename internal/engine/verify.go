package engine

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/trakhq/trak/internal/git"
	"github.com/trakhq/trak/internal/storage"
	"github.com/trakhq/trak/internal/types"
)

// CloseOptions is the flag set of the close operation.
type CloseOptions struct {
	Verify bool
	Force  bool
	Proof  string
	Commit string

	// Additive spend recorded with the close.
	TokensIn        int64
	TokensOut       int64
	CostUSD         float64
	Model           string
	DurationSeconds float64
}

// Check is one verification check and its outcome.
type Check struct {
	Name   string `json:"name"`
	Kind   string `json:"kind"` // hard | soft
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CloseResult reports what the close operation did.
type CloseResult struct {
	Task        *types.Task   `json:"task"`
	Closed      bool          `json:"closed"`
	AlreadyDone bool          `json:"already_done,omitempty"`
	Blocked     bool          `json:"blocked,omitempty"`
	Forced      bool          `json:"forced,omitempty"`
	Checks      []Check       `json:"checks,omitempty"`
	Unblocked   []*types.Task `json:"unblocked,omitempty"`
}

// Close runs the verification gate and, when it passes, completes the task.
//
// Paths to done: prior verification_status=passed, --force, or --verify with
// no hard-check failure and at least one soft check passing. Anything else
// leaves the task in review with a blocking journal entry, and the caller
// exits non-zero.
func (e *Engine) Close(ctx context.Context, id string, opts CloseOptions) (*CloseResult, error) {
	resolved, err := e.st.ResolveID(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := e.st.GetTask(ctx, resolved)
	if err != nil {
		return nil, err
	}

	if t.Status == types.StatusDone {
		return &CloseResult{Task: t, AlreadyDone: true}, nil
	}

	switch {
	case t.VerificationStatus == string(types.VerifyPassed):
		return e.complete(ctx, t, opts, nil, false)
	case opts.Force:
		return e.complete(ctx, t, opts, nil, true)
	case opts.Verify:
		checks := e.runChecks(ctx, t, opts)
		if gatePasses(checks) {
			return e.complete(ctx, t, opts, checks, false)
		}
		return e.block(ctx, t, checks)
	default:
		return e.block(ctx, t, nil)
	}
}

// runChecks evaluates the gate. Hard checks must all pass; soft checks need
// one success among them.
func (e *Engine) runChecks(ctx context.Context, t *types.Task, opts CloseOptions) []Check {
	var checks []Check

	if t.VerifyCommand != "" {
		checks = append(checks, e.runVerifyCommand(ctx, t.VerifyCommand))
	}
	if opts.Commit != "" {
		c := Check{Name: "commit", Kind: "hard"}
		if git.CommitExists(ctx, e.repoRoot(), opts.Commit) {
			c.Passed = true
			c.Detail = "Commit verified"
		} else {
			c.Detail = "Commit not found"
		}
		checks = append(checks, c)
	}

	checks = append(checks, e.journalActivityCheck(ctx, t))
	checks = append(checks, e.gitProofCheck(ctx, t))

	proof := Check{Name: "proof-artifact", Kind: "soft", Passed: opts.Proof != ""}
	if proof.Passed {
		proof.Detail = opts.Proof
	}
	checks = append(checks, proof)

	return checks
}

func (e *Engine) runVerifyCommand(ctx context.Context, command string) Check {
	c := Check{Name: "verify-command", Kind: "hard", Detail: command}
	cmd := exec.CommandContext(ctx, "sh", "-c", command) // #nosec G204 -- user-authored verify command
	cmd.Dir = e.repoRoot()
	if out, err := cmd.CombinedOutput(); err != nil {
		c.Detail = fmt.Sprintf("%s: %s", command, firstLine(string(out)))
	} else {
		c.Passed = true
	}
	return c
}

// journalActivityCheck passes when at least one non-system journal entry was
// written since the task last entered wip.
func (e *Engine) journalActivityCheck(ctx context.Context, t *types.Task) Check {
	c := Check{Name: "journal-activity", Kind: "soft"}
	journal, err := e.st.Journal(ctx, t.ID)
	if err != nil {
		c.Detail = err.Error()
		return c
	}

	since := ""
	for _, entry := range journal {
		if entry.Author == systemAuthor && strings.HasPrefix(entry.Entry, "Status: ") && strings.HasSuffix(entry.Entry, "→ wip") {
			since = entry.Timestamp
		}
	}
	count := 0
	for _, entry := range journal {
		if entry.Author == systemAuthor {
			continue
		}
		if since != "" && entry.Timestamp < since {
			continue
		}
		count++
	}
	if count > 0 {
		c.Passed = true
		c.Detail = fmt.Sprintf("%d journal entries", count)
	}
	return c
}

// gitProofCheck passes when commits landed since the wip baseline, preferring
// ones that mention the task id.
func (e *Engine) gitProofCheck(ctx context.Context, t *types.Task) Check {
	c := Check{Name: "git-proof", Kind: "soft"}
	if !git.IsRepo(ctx, e.repoRoot()) {
		return c
	}
	commits, err := git.CommitsSince(ctx, e.repoRoot(), t.WIPSnapshot, t.ID)
	if err != nil || len(commits) == 0 {
		return c
	}
	if t.WIPSnapshot == "" {
		// Without a baseline, history alone proves nothing; only commits
		// naming the task count.
		var named []string
		for _, line := range commits {
			if strings.Contains(line, t.ID) {
				named = append(named, line)
			}
		}
		commits = named
	}
	if len(commits) > 0 {
		c.Passed = true
		c.Detail = fmt.Sprintf("%d commits", len(commits))
	}
	return c
}

// gatePasses applies the gate rule: no hard failure, at least one soft pass.
func gatePasses(checks []Check) bool {
	softPassed := false
	for _, c := range checks {
		if c.Kind == "hard" && !c.Passed {
			return false
		}
		if c.Kind == "soft" && c.Passed {
			softPassed = true
		}
	}
	return softPassed
}

// complete finishes the close: status done, verification recorded, spend
// appended, checks journaled, unblocked successors listed.
func (e *Engine) complete(ctx context.Context, t *types.Task, opts CloseOptions, checks []Check, forced bool) (*CloseResult, error) {
	result := &CloseResult{Closed: true, Forced: forced, Checks: checks}

	err := e.st.InTx(ctx, func(tx *storage.Tx) error {
		updates := map[string]any{
			"status":      string(types.StatusDone),
			"retry_after": "",
		}
		if forced || len(checks) > 0 {
			updates["verification_status"] = string(types.VerifyPassed)
			updates["verified_by"] = e.agent
		}
		if err := tx.UpdateTask(ctx, t.ID, updates); err != nil {
			return err
		}
		for _, c := range checks {
			if err := tx.AddJournal(ctx, t.ID, checkEntry(c)); err != nil {
				return err
			}
		}
		if forced {
			if err := tx.AddJournal(ctx, t.ID, types.JournalEntry{
				Entry:  "[force] human override",
				Author: e.agent,
			}); err != nil {
				return err
			}
		}
		if err := tx.AddJournal(ctx, t.ID, types.JournalEntry{
			Entry:  fmt.Sprintf("Status: %s → %s", t.Status, types.StatusDone),
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		var err error
		result.Task, err = tx.GetTask(ctx, t.ID)
		if err != nil {
			return err
		}
		result.Unblocked, err = tx.UnblockedByClose(ctx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	if opts.TokensIn > 0 || opts.TokensOut > 0 || opts.CostUSD > 0 || opts.DurationSeconds > 0 {
		if _, err := e.costs.Record(ctx, types.CostEvent{
			TaskID:          t.ID,
			Model:           opts.Model,
			TokensIn:        opts.TokensIn,
			TokensOut:       opts.TokensOut,
			CostUSD:         opts.CostUSD,
			DurationSeconds: opts.DurationSeconds,
			Agent:           e.agent,
			Operation:       "close",
		}); err != nil {
			return nil, err
		}
		result.Task, err = e.st.GetTask(ctx, t.ID)
		if err != nil {
			return nil, err
		}
	}

	data := map[string]any{"status": string(types.StatusDone)}
	if s := result.Task.VerificationStatus; s != "" {
		data["verification_status"] = s
		data["verified_by"] = result.Task.VerifiedBy
	}
	e.emit(types.Event{Op: types.EventClose, ID: t.ID, TS: result.Task.UpdatedAt, Data: data})
	e.autocommit(ctx, fmt.Sprintf("trak: close %s", t.ID))
	return result, nil
}

// block refuses the close: the task parks in review and the caller is
// expected to exit non-zero.
func (e *Engine) block(ctx context.Context, t *types.Task, checks []Check) (*CloseResult, error) {
	result := &CloseResult{Blocked: true, Checks: checks}

	err := e.st.InTx(ctx, func(tx *storage.Tx) error {
		if t.Status != types.StatusReview {
			if err := tx.UpdateTask(ctx, t.ID, map[string]any{"status": string(types.StatusReview)}); err != nil {
				return err
			}
		}
		for _, c := range checks {
			if err := tx.AddJournal(ctx, t.ID, checkEntry(c)); err != nil {
				return err
			}
		}
		if err := tx.AddJournal(ctx, t.ID, types.JournalEntry{
			Entry:  "Close blocked: no verification — verification required",
			Author: systemAuthor,
		}); err != nil {
			return err
		}
		var err error
		result.Task, err = tx.GetTask(ctx, t.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.emit(types.Event{Op: types.EventUpdate, ID: t.ID, TS: result.Task.UpdatedAt,
		Data: map[string]any{"status": string(types.StatusReview)}})
	e.autocommit(ctx, fmt.Sprintf("trak: close blocked %s", t.ID))
	return result, nil
}

func checkEntry(c Check) types.JournalEntry {
	outcome := "failed"
	if c.Passed {
		outcome = "passed"
	}
	entry := fmt.Sprintf("Verification %s: %s", outcome, c.Name)
	if c.Detail != "" {
		entry += " (" + c.Detail + ")"
	}
	return types.JournalEntry{Entry: entry, Author: systemAuthor}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
