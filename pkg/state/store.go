package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	cnst "github.com/ultrathink-os/liveforge/internal/constants"
	internalUtils "github.com/ultrathink-os/liveforge/internal/utils"
)

// Store is the append-only checkpoint and build-state record under one
// build root. Nothing here is ever overwritten: checkpoints accumulate rows,
// state reads resolve the last occurrence of a key. That gives an auditable
// trail after a crash without any coordination.
type Store struct {
	root string
}

func NewStore(buildRoot string) (*Store, error) {
	s := &Store{root: buildRoot}
	if err := internalUtils.CreateIfNotExists(s.checkpointDir()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) checkpointDir() string {
	return filepath.Join(s.root, cnst.CheckpointsDir)
}

func (s *Store) stateFile() string {
	return filepath.Join(s.root, cnst.StateFile)
}

// Checkpoint appends a timestamped row under checkpoints/<name>. A repeat
// checkpoint of the same name appends a second distinct row; existing rows
// are never mutated.
func (s *Store) Checkpoint(name string) error {
	f, err := os.OpenFile(filepath.Join(s.checkpointDir(), name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s\n", time.Now().Format(time.RFC3339))
	if err == nil {
		internalUtils.Log.Debug().Str("checkpoint", name).Msg("Checkpoint recorded")
	}
	return err
}

// HasCheckpoint reports whether at least one record exists for the name.
// Consumed by operators and the state command, not by the driver: stages
// replay on every invocation.
func (s *Store) HasCheckpoint(name string) bool {
	info, err := os.Stat(filepath.Join(s.checkpointDir(), name))
	return err == nil && info.Size() > 0
}

// CheckpointCount returns how many rows were recorded for the name.
func (s *Store) CheckpointCount(name string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(s.checkpointDir(), name))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return len(internalUtils.CleanupSlice(strings.Split(string(raw), "\n"))), nil
}

// Checkpoints lists recorded checkpoint names, sorted.
func (s *Store) Checkpoints() ([]string, error) {
	entries, err := os.ReadDir(s.checkpointDir())
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// UpdateState appends a key=value row to the build state log.
func (s *Store) UpdateState(key, value string) error {
	f, err := os.OpenFile(s.stateFile(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = fmt.Fprintf(f, "%s=%s\n", key, value)
	return err
}

// ReadState parses the state log. Duplicate keys resolve to the last row.
func (s *Store) ReadState() (map[string]string, error) {
	if _, err := os.Stat(s.stateFile()); os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	return internalUtils.ReadEnv(s.stateFile())
}

// Get resolves one key from the state log.
func (s *Store) Get(key string) (string, bool) {
	env, err := s.ReadState()
	if err != nil {
		return "", false
	}
	v, ok := env[key]
	return v, ok
}

// RecordFailure writes the crash-forensics rows the driver owes an operator
// on fatal abort.
func (s *Store) RecordFailure(stage, reason string) {
	if err := s.UpdateState(cnst.StateKeyModuleFailed, stage); err != nil {
		internalUtils.Log.Err(err).Msg("Recording failed module")
	}
	if err := s.UpdateState(cnst.StateKeyFailureReason, reason); err != nil {
		internalUtils.Log.Err(err).Msg("Recording failure reason")
	}
}
