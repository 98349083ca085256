package service

import (
	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/screen"
)

// Command names accepted over IPC.
const (
	CmdListAudioDevices  = "list-audio-devices"
	CmdStartAudioCapture = "start-audio-capture"
	CmdStopAudioCapture  = "stop-audio-capture"
	CmdAudioStatus       = "audio-capture-status"

	CmdListProcesses = "list-running-processes"

	CmdStartAppTracking     = "start-app-tracking"
	CmdStopAppTracking      = "stop-app-tracking"
	CmdStartBrowserTracking = "start-browser-tracking"
	CmdStopBrowserTracking  = "stop-browser-tracking"
	CmdGetAppUsage          = "get-app-usage"
	CmdGetBrowserUsage      = "get-browser-usage"

	CmdListCaptureSources  = "list-capture-sources"
	CmdChooseCaptureSource = "choose-capture-source"
	CmdChooseSavePath      = "choose-save-path"
	CmdWriteFile           = "write-file"
	CmdSnapshotAllScreens  = "snapshot-all-screens"

	CmdListRecordingCodecs     = "list-recording-codecs"
	CmdResolveRecordingProfile = "resolve-recording-profile"

	CmdStartRandomScreenshots = "start-random-screenshots"
	CmdStopRandomScreenshots  = "stop-random-screenshots"
	CmdListScreenshots        = "list-screenshots"

	CmdStatus = "status"
)

// Argument payloads.
type (
	StartCaptureArgs struct {
		DeviceID string `json:"deviceId"`
	}

	ChooseSourceArgs struct {
		Sources []screen.Source `json:"sources"`
	}

	SavePathArgs struct {
		DefaultPath string `json:"defaultPath"`
	}

	WriteFileArgs struct {
		Path string `json:"path"`
		Data []byte `json:"data"`
	}

	ListScreenshotsArgs struct {
		Limit int `json:"limit"`
	}
)

// StartCaptureResult is the reply to start-audio-capture. A start while a
// capture is running is reported with Accepted false, not as an error.
type StartCaptureResult struct {
	Accepted  bool                `json:"accepted"`
	SessionID string              `json:"sessionId,omitempty"`
	Params    *audio.StreamParams `json:"params,omitempty"`
	Reason    string              `json:"reason,omitempty"`
}

// StatusResult is the reply to status.
type StatusResult struct {
	Version           string         `json:"version"`
	Uptime            string         `json:"uptime"`
	Health            map[string]any `json:"health"`
	Capture           audio.Status   `json:"capture"`
	Tracking          bool           `json:"tracking"`
	RandomScreenshots bool           `json:"randomScreenshots"`
}
