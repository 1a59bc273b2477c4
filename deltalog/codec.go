package deltalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// A commit file is newline delimited JSON: the commit info first, then one
// line per action. The commit info carries an xxhash64 of the action lines.

type commitInfo struct {
	LogRecord
	NumActions int    `json:"numActions"`
	Checksum   string `json:"checksum"`
}

type commitLine struct {
	CommitInfo *commitInfo `json:"commitInfo"`
}

// EncodeRecord renders rec as the contents of a commit file.
func EncodeRecord(rec *LogRecord) ([]byte, error) {
	lines := make([][]byte, 0, len(rec.Actions))
	h := xxhash.New()
	for i, a := range rec.Actions {
		if !a.valid() {
			return nil, fmt.Errorf("action %d must set exactly one of add, remove, schema, metadata", i)
		}
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("failed to encode action %d: %w", i, err)
		}
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{'\n'})
		lines = append(lines, b)
	}
	head, err := json.Marshal(commitLine{CommitInfo: &commitInfo{
		LogRecord:  *rec,
		NumActions: len(rec.Actions),
		Checksum:   formatChecksum(h.Sum64()),
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode commit info: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(head)
	buf.WriteByte('\n')
	for _, l := range lines {
		buf.Write(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeRecord parses and verifies the commit file of version.
func DecodeRecord(version int64, name string, data []byte) (*LogRecord, error) {
	invalid := func(format string, args ...any) error {
		return &InvalidLogError{Version: version, Path: name, Reason: fmt.Sprintf(format, args...)}
	}
	lines := bytes.Split(bytes.TrimRight(data, "\n"), []byte{'\n'})
	if len(lines) == 0 || len(lines[0]) == 0 {
		return nil, invalid("empty commit file")
	}
	var head commitLine
	if err := json.Unmarshal(lines[0], &head); err != nil {
		return nil, invalid("undecodable commit info: %v", err)
	}
	if head.CommitInfo == nil {
		return nil, invalid("first line is not commit info")
	}
	info := head.CommitInfo
	if info.Version != version {
		return nil, invalid("commit info carries version %d", info.Version)
	}
	actions := lines[1:]
	if len(actions) != info.NumActions {
		return nil, invalid("expected %d actions, found %d", info.NumActions, len(actions))
	}
	h := xxhash.New()
	rec := info.LogRecord
	rec.Actions = make([]Action, 0, len(actions))
	for i, l := range actions {
		_, _ = h.Write(l)
		_, _ = h.Write([]byte{'\n'})
		var a Action
		if err := json.Unmarshal(l, &a); err != nil {
			return nil, invalid("undecodable action %d: %v", i, err)
		}
		if !a.valid() {
			return nil, invalid("action %d sets no or several kinds", i)
		}
		rec.Actions = append(rec.Actions, a)
	}
	if sum := formatChecksum(h.Sum64()); sum != info.Checksum {
		return nil, invalid("checksum mismatch: stored %s, computed %s", info.Checksum, sum)
	}
	return &rec, nil
}

func formatChecksum(sum uint64) string {
	return strconv.FormatUint(sum, 16)
}
