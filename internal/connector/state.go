package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/mitchellh/go-homedir"
)

// State is the durable half of a pairing: enough to resume the session
// after a restart.
type State struct {
	SessionID    string `json:"sessionId"`
	SessionToken string `json:"sessionToken"`
}

func (s State) valid() bool {
	return s.SessionID != "" && s.SessionToken != ""
}

// LoadState reads the state file at path. A missing file returns
// ok == false and no error.
func LoadState(path string) (st State, ok bool, err error) {
	path, err = homedir.Expand(path)
	if err != nil {
		return State{}, false, fmt.Errorf("expand state path: %w", err)
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("read state: %w", err)
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, false, fmt.Errorf("parse state %s: %w", path, err)
	}
	if !st.valid() {
		return State{}, false, fmt.Errorf("parse state %s: missing sessionId or sessionToken", path)
	}
	return st, true, nil
}

// SaveState writes st to path atomically, so a crash never leaves a
// half-written token behind. The file is private to the user.
func SaveState(path string, st State) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expand state path: %w", err)
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := renameio.WriteFile(path, b, 0o600); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// RemoveState deletes the state file. A missing file is not an error.
func RemoveState(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("expand state path: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove state: %w", err)
	}
	return nil
}
