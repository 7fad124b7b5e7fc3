package cover

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistedState is the on-disk shape of <tmp>/unipi/cover_<id>.json
// (§6 Persisted state).
type persistedState struct {
	Position  int       `json:"position"`
	Tilt      int       `json:"tilt"`
	State     string    `json:"state"`
	WrittenAt time.Time `json:"written_at"`
}

// PersistDir resolves <tmp>/unipi per §6: /tmp/unipi by default, or
// /var/tmp/unipi when advanced.persistent_tmp_dir is set — which also
// disables calibration mode.
func PersistDir(persistentTmpDir bool) string {
	if persistentTmpDir {
		return filepath.Join(string(filepath.Separator), "var", "tmp", "unipi")
	}
	return filepath.Join(string(filepath.Separator), "tmp", "unipi")
}

func persistPath(dir, coverID string) string {
	return filepath.Join(dir, fmt.Sprintf("cover_%s.json", coverID))
}

// loadPersisted reads a cover's last persisted state. A missing file is
// not an error; it is the "never run before" case handled by the
// caller as calibration-required.
func loadPersisted(dir, coverID string) (*persistedState, error) {
	data, err := os.ReadFile(persistPath(dir, coverID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("parse persisted cover state: %w", err)
	}
	return &ps, nil
}

// savePersisted writes position/tilt/state atomically via temp-file +
// rename, per §3 Lifecycle and §6.
func savePersisted(dir, coverID string, position, tilt int, state State, now time.Time) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create persist dir: %w", err)
	}

	ps := persistedState{Position: position, Tilt: tilt, State: state.String(), WrittenAt: now}
	data, err := json.Marshal(ps)
	if err != nil {
		return err
	}

	final := persistPath(dir, coverID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp persist file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename persist file: %w", err)
	}
	return nil
}
