package config

import (
	"os"
	"path/filepath"
)

// Paths contains the standard locations of amon data.
type Paths struct {
	Data      string // ~/.amon
	Sessions  string // ~/.amon/sessions
	Workspace string // ~/.amon/workspace
	Logs      string // ~/.amon/logs
}

// GetPaths returns the standard paths, rooted at AMON_DATA_DIR when set.
func GetPaths() *Paths {
	data := os.Getenv("AMON_DATA_DIR")
	if data == "" {
		data = filepath.Join(homeDir(), ".amon")
	}
	return PathsAt(data)
}

// PathsAt returns the paths rooted at data.
func PathsAt(data string) *Paths {
	return &Paths{
		Data:      data,
		Sessions:  filepath.Join(data, "sessions"),
		Workspace: filepath.Join(data, "workspace"),
		Logs:      filepath.Join(data, "logs"),
	}
}

// EnsurePaths creates the data, sessions and logs directories. The default
// workspace is created on first use.
func (p *Paths) EnsurePaths() error {
	for _, dir := range []string{p.Data, p.Sessions, p.Logs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}

// SettingsFile returns the JSON settings file path.
func (p *Paths) SettingsFile() string {
	return filepath.Join(p.Data, "settings.json")
}

// ProjectSettingsFile returns the overlay settings path for a workspace.
func ProjectSettingsFile(workspace string) string {
	return filepath.Join(workspace, ".amon", "settings.json")
}

func homeDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return os.Getenv("HOME")
}
