package trader

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// managerState is the only durable local state: which partial-close rules
// have already fired per ticket. Integer map keys marshal as JSON strings,
// matching the on-disk contract {"partials_taken": {"<ticket>": {"<rule>": true}}}.
type managerState struct {
	PartialsTaken map[int64]map[int]bool `json:"partials_taken"`
}

// loadManagerState reads the state file. A missing file is a fresh start, not
// an error; a corrupted file is reported so the caller can log and continue
// fresh.
func loadManagerState(path string) (map[int64]map[int]bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[int64]map[int]bool{}, nil
	}
	if err != nil {
		return map[int64]map[int]bool{}, fmt.Errorf("could not read state file: %w", err)
	}

	var state managerState
	if err := json.Unmarshal(data, &state); err != nil {
		return map[int64]map[int]bool{}, fmt.Errorf("could not parse state file: %w", err)
	}
	if state.PartialsTaken == nil {
		state.PartialsTaken = map[int64]map[int]bool{}
	}
	return state.PartialsTaken, nil
}

func saveManagerState(path string, partialsTaken map[int64]map[int]bool) error {
	data, err := json.MarshalIndent(managerState{PartialsTaken: partialsTaken}, "", "    ")
	if err != nil {
		return fmt.Errorf("could not encode state: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("could not write state file: %w", err)
	}
	return nil
}
