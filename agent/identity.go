package agent

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Identity is what a worker keeps on disk so a restart reuses its worker id
type Identity struct {
	WorkerID     string    `yaml:"worker_id"`
	TenantID     uint64    `yaml:"tenant_id"`
	Hostname     string    `yaml:"hostname"`
	RegisteredAt time.Time `yaml:"registered_at"`
}

// LoadIdentity returns an empty identity when the file does not exist
func LoadIdentity(path string) (id Identity, err error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return id, nil
	}
	if err != nil {
		return
	}
	err = yaml.Unmarshal(data, &id)
	return
}

func SaveIdentity(path string, id Identity) error {
	data, err := yaml.Marshal(&id)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err = os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
