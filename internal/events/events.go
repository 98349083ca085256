package events

import "time"

// Event names pushed to clients.
const (
	AudioStarted = "audio-capture-started"
	AudioData    = "audio-data"
	AudioStopped = "audio-capture-stopped"
	AudioError   = "audio-capture-error"

	ActiveAppUpdate    = "active-app-update"
	AppUsageUpdate     = "app-usage-update"
	BrowserUsageUpdate = "browser-usage-update"

	ScreenshotsCaptured = "screenshots-captured"
)

// Event is one notification. Data must be JSON-encodable; audio-data
// carries []byte, which encodes as base64.
type Event struct {
	Name    string    `json:"name"`
	Session string    `json:"session,omitempty"`
	Data    any       `json:"data,omitempty"`
	Time    time.Time `json:"time"`
}

// Emitter is implemented by Hub and by test recorders.
type Emitter interface {
	Emit(Event)
}
