package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/amon-ai/amon/pkg/types"
)

// Defaults for agent settings.
const (
	DefaultMaxTurns          = 50
	DefaultMaxThinkingTokens = 10000
	DefaultExecutable        = "claude"
	DefaultHost              = "127.0.0.1"
	DefaultPort              = 4096
)

// ValidationError reports an invalid setting.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid setting %s: %s", e.Field, e.Message)
}

// Defaults returns the settings used when no file sets a value.
func Defaults() *types.Settings {
	return &types.Settings{
		Agent: types.AgentSettings{
			PermissionMode:    types.PermissionDefault,
			MaxTurns:          DefaultMaxTurns,
			MaxThinkingTokens: DefaultMaxThinkingTokens,
			Backend:           types.BackendCLI,
			Executable:        DefaultExecutable,
		},
		Server: types.ServerSettings{Host: DefaultHost, Port: DefaultPort},
	}
}

// Load loads settings from multiple sources (priority order):
// 1. Defaults
// 2. <data>/settings.json, settings.jsonc, settings.yaml
// 3. Workspace overlay <workspace>/.amon/settings.json(c)
// 4. AMON_SETTINGS file
// 5. AMON_SETTINGS_CONTENT inline JSON
// 6. Environment variables
//
// Later sources override the fields they set. Missing files are skipped;
// malformed files are errors.
func Load(paths *Paths, workspace string) (*types.Settings, error) {
	settings := Defaults()

	for _, path := range SettingsFiles(paths, workspace) {
		if err := loadFile(path, settings); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
	}

	if content := os.Getenv("AMON_SETTINGS_CONTENT"); content != "" {
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), settings); err != nil {
			return nil, fmt.Errorf("config: parse AMON_SETTINGS_CONTENT: %w", err)
		}
	}

	if err := applyEnvOverrides(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// SettingsFiles lists the files Load reads, in order.
func SettingsFiles(paths *Paths, workspace string) []string {
	files := []string{
		filepath.Join(paths.Data, "settings.json"),
		filepath.Join(paths.Data, "settings.jsonc"),
		filepath.Join(paths.Data, "settings.yaml"),
		filepath.Join(paths.Data, "settings.yml"),
	}
	if workspace != "" {
		overlay := ProjectSettingsFile(workspace)
		files = append(files, overlay, strings.TrimSuffix(overlay, ".json")+".jsonc")
	}
	if path := os.Getenv("AMON_SETTINGS"); path != "" {
		files = append(files, path)
	}
	return files
}

// loadFile decodes one file over settings.
func loadFile(path string, settings *types.Settings) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = interpolate(data, filepath.Dir(path))

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, settings)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), settings)
	}
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders. Relative
// file paths resolve against baseDir; an unreadable file keeps its
// placeholder.
func interpolate(data []byte, baseDir string) []byte {
	str := envPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(homeDir(), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return match
		}
		// Escape for a JSON string; YAML accepts the same escapes in
		// double-quoted scalars.
		quoted, _ := json.Marshal(strings.TrimRight(string(content), "\n"))
		return string(quoted[1 : len(quoted)-1])
	})
	return []byte(str)
}

// applyEnvOverrides applies AMON_* variables and fills the active
// provider's empty fields from ANTHROPIC_*.
func applyEnvOverrides(s *types.Settings) error {
	if mode := os.Getenv("AMON_PERMISSION_MODE"); mode != "" {
		s.Agent.PermissionMode = types.PermissionMode(mode)
	}
	if turns := os.Getenv("AMON_MAX_TURNS"); turns != "" {
		n, err := strconv.Atoi(turns)
		if err != nil {
			return &ValidationError{Field: "AMON_MAX_TURNS", Message: err.Error()}
		}
		s.Agent.MaxTurns = n
	}
	if exe := os.Getenv("AMON_CLAUDE_PATH"); exe != "" {
		s.Agent.Executable = exe
	}
	if backend := os.Getenv("AMON_BACKEND"); backend != "" {
		s.Agent.Backend = types.Backend(backend)
	}
	if port := os.Getenv("AMON_PORT"); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil {
			return &ValidationError{Field: "AMON_PORT", Message: err.Error()}
		}
		s.Server.Port = n
	}

	for i := range s.Agent.Providers {
		p := &s.Agent.Providers[i]
		if p.ID != s.Agent.ActiveProviderID {
			continue
		}
		fill(&p.APIKey, "ANTHROPIC_API_KEY")
		fill(&p.APIURL, "ANTHROPIC_BASE_URL")
		fill(&p.Model, "ANTHROPIC_MODEL")
	}
	return nil
}

func fill(field *string, env string) {
	if *field == "" {
		*field = os.Getenv(env)
	}
}

// Validate checks the settings a query depends on.
func Validate(s *types.Settings) error {
	a := &s.Agent
	if a.PermissionMode != "" && !a.PermissionMode.Valid() {
		return &ValidationError{Field: "agent.permissionMode", Message: "unknown mode " + strconv.Quote(string(a.PermissionMode))}
	}
	if a.MaxTurns < 0 {
		return &ValidationError{Field: "agent.maxTurns", Message: "must not be negative"}
	}
	if a.MaxThinkingTokens < 0 {
		return &ValidationError{Field: "agent.maxThinkingTokens", Message: "must not be negative"}
	}
	switch a.Backend {
	case "", types.BackendCLI, types.BackendAPI:
	default:
		return &ValidationError{Field: "agent.backend", Message: "unknown backend " + strconv.Quote(string(a.Backend))}
	}
	if a.ActiveProviderID != "" {
		if _, ok := a.ActiveProvider(); !ok {
			return &ValidationError{Field: "agent.activeProviderId", Message: "no provider with id " + strconv.Quote(a.ActiveProviderID)}
		}
	}
	if a.Backend == types.BackendAPI && a.ActiveProviderID == "" {
		return &ValidationError{Field: "agent.activeProviderId", Message: "required by the api backend"}
	}
	if s.Server.Port < 0 || s.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "out of range"}
	}
	return nil
}

// Redact returns a copy of s with API keys masked.
func Redact(s types.Settings) types.Settings {
	if len(s.Agent.Providers) == 0 {
		return s
	}
	providers := make([]types.ProviderConfig, len(s.Agent.Providers))
	copy(providers, s.Agent.Providers)
	for i := range providers {
		if providers[i].APIKey != "" {
			providers[i].APIKey = "********"
		}
	}
	s.Agent.Providers = providers
	return s
}

// Save writes settings to path, as YAML for .yaml/.yml and JSON otherwise.
func Save(s *types.Settings, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(s)
	default:
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return nil
}
