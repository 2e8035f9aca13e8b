// Package config loads amon settings and keeps them current.
//
// # Sources
//
// Load merges settings from these sources, later ones winning field by
// field:
//
//  1. Built-in defaults (permission mode "default", 50 turns, 10000
//     thinking tokens, the "cli" backend running "claude")
//  2. <data>/settings.json, settings.jsonc, settings.yaml or settings.yml
//  3. The workspace overlay <workspace>/.amon/settings.json(c)
//  4. The file named by AMON_SETTINGS
//  5. Inline JSON in AMON_SETTINGS_CONTENT
//  6. Environment variables
//
// The data directory is ~/.amon unless AMON_DATA_DIR is set. JSON files may
// contain comments; they are stripped with tidwall/jsonc.
//
// # Variable Interpolation
//
// Settings files support two placeholders:
//   - {env:VAR_NAME} expands to the environment variable
//   - {file:path} expands to the file contents, escaped for a string
//
// File paths may be absolute, relative to the settings file, or start
// with ~/.
//
// # Environment Overrides
//
//   - AMON_PERMISSION_MODE, AMON_MAX_TURNS, AMON_CLAUDE_PATH, AMON_BACKEND
//     and AMON_PORT override the matching settings.
//   - ANTHROPIC_API_KEY, ANTHROPIC_BASE_URL and ANTHROPIC_MODEL fill the
//     active provider's fields when the files leave them empty.
//
// LoadDotEnv reads .env files first without overriding the real
// environment.
//
// # Hot Reload
//
// A Store holds the current settings behind an atomic pointer; readers
// always see a complete value. A Watcher observes the settings files with
// fsnotify, debounces bursts, reloads, validates and swaps the Store. A
// settings.changed event with API keys redacted follows every swap.
package config
