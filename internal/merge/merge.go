// Package merge resolves git conflicts in the event log mechanically.
//
// When two branches both append to trak.jsonl, git leaves conflict markers in
// the file. Because every line is a self-contained JSON record and every task
// carries a canonical updated_at, resolution needs no human judgment: replay
// each side, then keep the newer version of each task.
package merge

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/trakhq/trak/internal/eventlog"
	"github.com/trakhq/trak/internal/types"
)

const (
	markerOurs   = "<<<<<<<"
	markerBase   = "======="
	markerTheirs = ">>>>>>>"
)

// Resolution records which side won one conflicting task.
type Resolution struct {
	TaskID string `json:"task_id"`
	Winner string `json:"winner"` // ours | theirs
}

// HasConflictMarkers reports whether data contains a git conflict region.
func HasConflictMarkers(data []byte) bool {
	for _, line := range bytes.Split(data, []byte("\n")) {
		trimmed := bytes.TrimRight(line, "\r")
		if bytes.HasPrefix(trimmed, []byte(markerOurs+" ")) || bytes.Equal(trimmed, []byte(markerOurs)) {
			return true
		}
	}
	return false
}

// Resolve takes conflicted log content and returns the merged task set plus a
// resolution record per task whose lines sit inside a conflict region. Tasks
// only touched by shared lines replay identically on both sides and get no
// resolution.
//
// Rules: last-writer-wins on updated_at (canonical timestamps compare as
// strings); exact ties go to theirs, the side being merged in; tasks present
// on only one side are kept.
func Resolve(data []byte) ([]*types.Task, []Resolution, error) {
	oursRaw, theirsRaw, conflicted, err := partition(data)
	if err != nil {
		return nil, nil, err
	}

	ours, err := eventlog.ReplayBytes(oursRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to replay our side: %w", err)
	}
	theirs, err := eventlog.ReplayBytes(theirsRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to replay their side: %w", err)
	}

	merged := make(map[string]*types.Task, len(ours))
	for _, t := range ours {
		merged[t.ID] = t
	}

	var resolutions []Resolution
	for _, theirT := range theirs {
		ourT, both := merged[theirT.ID]
		if !both {
			merged[theirT.ID] = theirT
			continue
		}
		winner := "theirs"
		if ourT.UpdatedAt > theirT.UpdatedAt {
			winner = "ours"
		} else {
			merged[theirT.ID] = theirT
		}
		if conflicted[theirT.ID] {
			resolutions = append(resolutions, Resolution{TaskID: theirT.ID, Winner: winner})
		}
	}

	out := make([]*types.Task, 0, len(merged))
	for _, t := range merged {
		out = append(out, t)
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].CreatedAt != out[b].CreatedAt {
			return out[a].CreatedAt < out[b].CreatedAt
		}
		return out[a].ID < out[b].ID
	})
	sort.SliceStable(resolutions, func(a, b int) bool { return resolutions[a].TaskID < resolutions[b].TaskID })
	return out, resolutions, nil
}

// ResolveFile resolves the conflicted log at path in place, rewriting it as a
// clean snapshot.
func ResolveFile(path string) ([]*types.Task, []Resolution, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- the project's own log
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if !HasConflictMarkers(data) {
		return nil, nil, fmt.Errorf("%s has no conflict markers", path)
	}
	tasks, resolutions, err := Resolve(data)
	if err != nil {
		return nil, nil, err
	}
	if err := eventlog.WriteSnapshot(path, tasks); err != nil {
		return nil, nil, err
	}
	return tasks, resolutions, nil
}

// partition splits conflicted content into the two complete views: lines
// outside conflict regions go to both sides, lines between the markers go to
// the side the marker names. conflicted holds the task ids referenced inside
// marker regions; only those tasks actually diverged.
func partition(data []byte) (ours, theirs []byte, conflicted map[string]bool, err error) {
	var oursBuf, theirsBuf bytes.Buffer
	conflicted = make(map[string]bool)

	const (
		inShared = iota
		inOurs
		inTheirs
	)
	state := inShared
	lineNo := 0

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		trimmed := strings.TrimRight(line, "\r")
		switch {
		case strings.HasPrefix(trimmed, markerOurs):
			if state != inShared {
				return nil, nil, nil, fmt.Errorf("nested conflict marker on line %d", lineNo)
			}
			state = inOurs
		case trimmed == markerBase:
			if state != inOurs {
				return nil, nil, nil, fmt.Errorf("unexpected %s on line %d", markerBase, lineNo)
			}
			state = inTheirs
		case strings.HasPrefix(trimmed, markerTheirs):
			if state != inTheirs {
				return nil, nil, nil, fmt.Errorf("unexpected %s on line %d", markerTheirs, lineNo)
			}
			state = inShared
		default:
			switch state {
			case inShared:
				oursBuf.WriteString(line)
				oursBuf.WriteByte('\n')
				theirsBuf.WriteString(line)
				theirsBuf.WriteByte('\n')
			case inOurs:
				oursBuf.WriteString(line)
				oursBuf.WriteByte('\n')
				if id := lineTaskID(trimmed); id != "" {
					conflicted[id] = true
				}
			case inTheirs:
				theirsBuf.WriteString(line)
				theirsBuf.WriteByte('\n')
				if id := lineTaskID(trimmed); id != "" {
					conflicted[id] = true
				}
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to scan conflicted log: %w", err)
	}
	if state != inShared {
		return nil, nil, nil, fmt.Errorf("unterminated conflict region at end of file")
	}
	return oursBuf.Bytes(), theirsBuf.Bytes(), conflicted, nil
}

// lineTaskID pulls the task id out of one log line. Both formats carry it in
// the top-level "id" field; malformed lines surface later during replay.
func lineTaskID(line string) string {
	var rec struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return ""
	}
	return rec.ID
}
