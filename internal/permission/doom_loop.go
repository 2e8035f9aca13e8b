package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// DoomLoopThreshold is the number of identical consecutive calls that marks
// a request as repeated.
const DoomLoopThreshold = 3

const doomHistory = 10

// DoomLoopDetector remembers the most recent tool calls per session.
type DoomLoopDetector struct {
	mu      sync.Mutex
	history map[string][]string
}

// NewDoomLoopDetector creates an empty detector.
func NewDoomLoopDetector() *DoomLoopDetector {
	return &DoomLoopDetector{history: make(map[string][]string)}
}

// Check records the call and reports whether it completes a run of
// DoomLoopThreshold identical calls.
func (d *DoomLoopDetector) Check(sessionID, toolName string, input any) bool {
	key := callKey(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	h := append(d.history[sessionID], key)
	if len(h) > doomHistory {
		h = h[len(h)-doomHistory:]
	}
	d.history[sessionID] = h

	if len(h) < DoomLoopThreshold {
		return false
	}
	for _, k := range h[len(h)-DoomLoopThreshold:] {
		if k != key {
			return false
		}
	}
	return true
}

// Clear forgets the session's history.
func (d *DoomLoopDetector) Clear(sessionID string) {
	d.mu.Lock()
	delete(d.history, sessionID)
	d.mu.Unlock()
}

func callKey(toolName string, input any) string {
	data, _ := json.Marshal(struct {
		Tool  string `json:"tool"`
		Input any    `json:"input"`
	}{toolName, input})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
