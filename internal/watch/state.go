package watch

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// state persists the fingerprint every source had when it was last
// filtered, so restarts skip unchanged inputs.
type state struct {
	Files map[string]fingerprint `json:"files"`
}

type fingerprint struct {
	Size    int64 `json:"size"`
	ModTime int64 `json:"mod_time"`
}

func fingerprintOf(path string) (fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fingerprint{}, err
	}
	return fingerprint{Size: info.Size(), ModTime: info.ModTime().UnixNano()}, nil
}

// loadState reads watch state from the given path.
// Returns empty state if the file doesn't exist.
func loadState(path string) (state, error) {
	st := state{Files: make(map[string]fingerprint)}
	if path == "" {
		return st, nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, err
	}

	if err := json.Unmarshal(data, &st); err != nil {
		// Corrupt state file; start fresh rather than failing.
		return state{Files: make(map[string]fingerprint)}, nil
	}
	if st.Files == nil {
		st.Files = make(map[string]fingerprint)
	}
	return st, nil
}

// saveState atomically writes watch state to the given path.
func saveState(path string, st state) error {
	if path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}

	data, err := json.Marshal(st)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
