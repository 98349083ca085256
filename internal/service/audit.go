package service

import (
	"encoding/json"

	"github.com/breeze-rmm/deskcap/internal/audit"
)

// Auditor records privacy-relevant actions. *audit.Logger implements it.
type Auditor interface {
	Log(eventType, source string, details map[string]any)
}

// auditedCommands maps the commands that touch the microphone, the screen,
// user activity or the filesystem to their audit event.
var auditedCommands = map[string]string{
	CmdStartAudioCapture:      audit.EventCaptureStarted,
	CmdStopAudioCapture:       audit.EventCaptureStopped,
	CmdStartAppTracking:       audit.EventTrackingStarted,
	CmdStartBrowserTracking:   audit.EventTrackingStarted,
	CmdStopAppTracking:        audit.EventTrackingStopped,
	CmdStopBrowserTracking:    audit.EventTrackingStopped,
	CmdStartRandomScreenshots: audit.EventScreenshotsStarted,
	CmdStopRandomScreenshots:  audit.EventScreenshotsStopped,
	CmdSnapshotAllScreens:     audit.EventSnapshotTaken,
	CmdWriteFile:              audit.EventFileWritten,
}

// recordAudit logs a successful audited command. A start-audio-capture that
// was refused because a capture is running is not recorded.
func (s *Service) recordAudit(command string, args json.RawMessage, result any) {
	if s.Audit == nil {
		return
	}
	event, ok := auditedCommands[command]
	if !ok {
		return
	}

	var details map[string]any
	switch r := result.(type) {
	case StartCaptureResult:
		if !r.Accepted {
			return
		}
		details = map[string]any{"sessionId": r.SessionID}
		if a, err := decodeArgs[StartCaptureArgs](args); err == nil {
			details["deviceId"] = a.DeviceID
		}
	case []string:
		details = map[string]any{"screens": len(r)}
	}
	if command == CmdWriteFile {
		// Only the path; the payload is the user's data.
		var a struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &a); err == nil {
			details = map[string]any{"path": a.Path}
		}
	}
	s.Audit.Log(event, command, details)
}
