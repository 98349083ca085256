package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/dialog"
	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/screen"
)

type handlerFunc func(s *Service, ctx context.Context, args json.RawMessage) (any, error)

type commandSpec struct {
	handle handlerFunc
	// slow commands wait on the user, the disk or the display server and
	// run on the worker pool.
	slow bool
}

// handlerRegistry maps command names to their handlers. It is only read
// after package init.
var handlerRegistry = map[string]commandSpec{
	// Audio
	CmdListAudioDevices:  {handle: handleListAudioDevices},
	CmdStartAudioCapture: {handle: handleStartAudioCapture},
	CmdStopAudioCapture:  {handle: handleStopAudioCapture},
	CmdAudioStatus:       {handle: handleAudioStatus},

	// Processes
	CmdListProcesses: {handle: handleListProcesses, slow: true},

	// Usage tracking; app and browser tracking share one loop
	CmdStartAppTracking:     {handle: handleStartTracking},
	CmdStopAppTracking:      {handle: handleStopTracking},
	CmdStartBrowserTracking: {handle: handleStartTracking},
	CmdStopBrowserTracking:  {handle: handleStopTracking},
	CmdGetAppUsage:          {handle: handleGetAppUsage},
	CmdGetBrowserUsage:      {handle: handleGetBrowserUsage},

	// Screen
	CmdListCaptureSources:  {handle: handleListCaptureSources, slow: true},
	CmdChooseCaptureSource: {handle: handleChooseCaptureSource, slow: true},
	CmdChooseSavePath:      {handle: handleChooseSavePath, slow: true},
	CmdWriteFile:           {handle: handleWriteFile, slow: true},
	CmdSnapshotAllScreens:  {handle: handleSnapshotAllScreens, slow: true},

	// Recording profiles
	CmdListRecordingCodecs:     {handle: handleListRecordingCodecs},
	CmdResolveRecordingProfile: {handle: handleResolveRecordingProfile},

	// Random screenshots
	CmdStartRandomScreenshots: {handle: handleStartRandomScreenshots},
	CmdStopRandomScreenshots:  {handle: handleStopRandomScreenshots, slow: true},
	CmdListScreenshots:        {handle: handleListScreenshots, slow: true},

	CmdStatus: {handle: handleStatus},
}

// Commands returns every registered command name.
func Commands() []string {
	out := make([]string, 0, len(handlerRegistry))
	for name := range handlerRegistry {
		out = append(out, name)
	}
	return out
}

type empty struct{}

// --- Audio ---

func handleListAudioDevices(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Host == nil {
		return nil, fmt.Errorf("%w: audio host", ErrUnavailable)
	}
	return audio.ListDevices(s.Host)
}

func handleStartAudioCapture(s *Service, ctx context.Context, raw json.RawMessage) (any, error) {
	if s.Capture == nil {
		return nil, fmt.Errorf("%w: audio capture", ErrUnavailable)
	}
	args, err := decodeArgs[StartCaptureArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId is required", ErrBadRequest)
	}

	id, params, err := s.Capture.Start(ctx, args.DeviceID)
	if errors.Is(err, audio.ErrAlreadyCapturing) {
		return StartCaptureResult{Accepted: false, Reason: "already_capturing"}, nil
	}
	if err != nil {
		return nil, err
	}
	return StartCaptureResult{Accepted: true, SessionID: id, Params: &params}, nil
}

func handleStopAudioCapture(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Capture == nil {
		return nil, fmt.Errorf("%w: audio capture", ErrUnavailable)
	}
	s.Capture.Stop()
	return empty{}, nil
}

func handleAudioStatus(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Capture == nil {
		return nil, fmt.Errorf("%w: audio capture", ErrUnavailable)
	}
	return s.Capture.Status(), nil
}

// --- Processes ---

func handleListProcesses(s *Service, ctx context.Context, _ json.RawMessage) (any, error) {
	return s.Processes(ctx), nil
}

// --- Usage tracking ---

func handleStartTracking(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Tracker == nil {
		return nil, fmt.Errorf("%w: usage tracker", ErrUnavailable)
	}
	s.Tracker.Start()
	return empty{}, nil
}

func handleStopTracking(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Tracker == nil {
		return nil, fmt.Errorf("%w: usage tracker", ErrUnavailable)
	}
	s.Tracker.Stop()
	return empty{}, nil
}

func handleGetAppUsage(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Tracker == nil {
		return nil, fmt.Errorf("%w: usage tracker", ErrUnavailable)
	}
	return s.Tracker.AppUsage(), nil
}

func handleGetBrowserUsage(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Tracker == nil {
		return nil, fmt.Errorf("%w: usage tracker", ErrUnavailable)
	}
	return s.Tracker.BrowserUsage(), nil
}

// --- Screen ---

func handleListCaptureSources(s *Service, ctx context.Context, _ json.RawMessage) (any, error) {
	if s.Screens == nil {
		return nil, fmt.Errorf("%w: screen", ErrUnavailable)
	}
	return s.Screens.ListSources(ctx)
}

func handleChooseCaptureSource(s *Service, ctx context.Context, raw json.RawMessage) (any, error) {
	if s.Dialogs == nil {
		return nil, fmt.Errorf("%w: dialogs", ErrUnavailable)
	}
	args, err := decodeArgs[ChooseSourceArgs](raw)
	if err != nil {
		return nil, err
	}
	if len(args.Sources) == 0 && s.Screens != nil {
		if args.Sources, err = s.Screens.ListSources(ctx); err != nil {
			return nil, err
		}
	}
	src, err := s.Dialogs.ChooseSource(ctx, args.Sources)
	if errors.Is(err, dialog.ErrCancelled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}

func handleChooseSavePath(s *Service, ctx context.Context, raw json.RawMessage) (any, error) {
	if s.Dialogs == nil {
		return nil, fmt.Errorf("%w: dialogs", ErrUnavailable)
	}
	args, err := decodeArgs[SavePathArgs](raw)
	if err != nil {
		return nil, err
	}
	path, err := s.Dialogs.SaveFile(ctx, args.DefaultPath)
	if errors.Is(err, dialog.ErrCancelled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return path, nil
}

func handleWriteFile(s *Service, _ context.Context, raw json.RawMessage) (any, error) {
	args, err := decodeArgs[WriteFileArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.Path == "" {
		return nil, fmt.Errorf("%w: path is required", ErrBadRequest)
	}
	if err := s.WriteFile(args.Path, args.Data); err != nil {
		return nil, err
	}
	log.Info("file written", logging.KeyPath, args.Path, "bytes", len(args.Data))
	return empty{}, nil
}

func handleSnapshotAllScreens(s *Service, ctx context.Context, _ json.RawMessage) (any, error) {
	if s.Screens == nil {
		return nil, fmt.Errorf("%w: screen", ErrUnavailable)
	}
	shots, err := s.Screens.SnapshotAll(ctx)
	if err != nil {
		return nil, err
	}
	return screen.DataURLs(shots), nil
}

// --- Recording profiles ---

func handleListRecordingCodecs(_ *Service, _ context.Context, _ json.RawMessage) (any, error) {
	return screen.Codecs(), nil
}

func handleResolveRecordingProfile(_ *Service, _ context.Context, raw json.RawMessage) (any, error) {
	req, err := decodeArgs[screen.ProfileRequest](raw)
	if err != nil {
		return nil, err
	}
	p, err := screen.ResolveProfile(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return p, nil
}

// --- Random screenshots ---

func handleStartRandomScreenshots(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Scheduler == nil {
		return nil, fmt.Errorf("%w: screenshot scheduler", ErrUnavailable)
	}
	s.Scheduler.Start()
	return empty{}, nil
}

func handleStopRandomScreenshots(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	if s.Scheduler == nil {
		return nil, fmt.Errorf("%w: screenshot scheduler", ErrUnavailable)
	}
	s.Scheduler.Stop()
	return empty{}, nil
}

func handleListScreenshots(s *Service, ctx context.Context, raw json.RawMessage) (any, error) {
	if s.Archive == nil {
		return nil, fmt.Errorf("%w: screenshot archive", ErrUnavailable)
	}
	args, err := decodeArgs[ListScreenshotsArgs](raw)
	if err != nil {
		return nil, err
	}
	if args.Limit < 0 {
		return nil, fmt.Errorf("%w: negative limit", ErrBadRequest)
	}
	return s.Archive.List(ctx, args.Limit)
}

// --- Status ---

func handleStatus(s *Service, _ context.Context, _ json.RawMessage) (any, error) {
	res := StatusResult{
		Version: s.Version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Health:  s.Health.Summary(),
	}
	if s.Capture != nil {
		res.Capture = s.Capture.Status()
	}
	if s.Tracker != nil {
		res.Tracking = s.Tracker.Running()
	}
	if s.Scheduler != nil {
		res.RandomScreenshots = s.Scheduler.Running()
	}
	return res, nil
}
