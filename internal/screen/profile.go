package screen

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrUnknownCodec   = errors.New("screen: unknown codec")
	ErrInvalidQuality = errors.New("screen: invalid video quality")
	ErrFrameRate      = errors.New("screen: frame rate must be between 1 and 60")
)

// DefaultMimeType is used when no codec is selected or the selected one is
// not supported by the recorder.
const DefaultMimeType = "video/webm"

// Codec is one selectable screen recording format.
type Codec struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	MimeType  string `json:"mimeType"`
	Extension string `json:"extension"`
}

var codecs = []Codec{
	{ID: "vp8", Name: "VP8", MimeType: "video/webm;codecs=vp8", Extension: "webm"},
	{ID: "vp9", Name: "VP9", MimeType: "video/webm;codecs=vp9", Extension: "webm"},
	{ID: "av1", Name: "AV1", MimeType: "video/webm;codecs=av1", Extension: "webm"},
	{ID: "h264", Name: "H.264 (AVC)", MimeType: "video/mp4;codecs=h264", Extension: "mp4"},
	{ID: "h265", Name: "H.265 (HEVC)", MimeType: "video/mp4;codecs=hevc", Extension: "mp4"},
	{ID: "mpeg4", Name: "MPEG-4 Part 2", MimeType: "video/mp4;codecs=mp4v", Extension: "mp4"},
	{ID: "mjpeg", Name: "Motion JPEG", MimeType: "video/webm;codecs=mjpeg", Extension: "webm"},
	{ID: "wmv", Name: "Windows Media Video", MimeType: "video/x-ms-wmv", Extension: "wmv"},
	{ID: "theora", Name: "Theora", MimeType: "video/ogg;codecs=theora", Extension: "ogv"},
}

// Codecs returns the codec table.
func Codecs() []Codec {
	return slices.Clone(codecs)
}

type qualityPreset struct {
	bitrate       int
	width, height int
}

var qualities = map[string]qualityPreset{
	"low":    {bitrate: 1_000_000, width: 640, height: 480},
	"medium": {bitrate: 2_500_000, width: 1280, height: 720},
	"high":   {bitrate: 5_000_000, width: 1920, height: 1080},
}

// ProfileRequest is what the renderer asks for. Supported lists the MIME
// types its recorder accepts.
type ProfileRequest struct {
	Codec     string   `json:"codec"`
	Quality   string   `json:"quality"`
	FrameRate int      `json:"frameRate"`
	Supported []string `json:"supported"`
}

// Profile is the resolved recording configuration. When Fallback is set
// the requested codec could not be used and MimeType is DefaultMimeType.
type Profile struct {
	RequestedCodec string `json:"requestedCodec,omitempty"`
	UsedCodec      string `json:"usedCodec,omitempty"`
	MimeType       string `json:"mimeType"`
	Extension      string `json:"extension"`
	Bitrate        int    `json:"videoBitsPerSecond,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	FrameRate      int    `json:"frameRate"`
	Fallback       bool   `json:"fallback"`
}

// ResolveProfile validates req and picks the recorder format. Quality
// defaults to high and frame rate to 30.
func ResolveProfile(req ProfileRequest) (Profile, error) {
	quality := strings.ToLower(req.Quality)
	if quality == "" {
		quality = "high"
	}
	preset, ok := qualities[quality]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrInvalidQuality, req.Quality)
	}
	fps := req.FrameRate
	if fps == 0 {
		fps = 30
	}
	if fps < 1 || fps > 60 {
		return Profile{}, fmt.Errorf("%w: %d", ErrFrameRate, fps)
	}

	p := Profile{
		RequestedCodec: req.Codec,
		MimeType:       DefaultMimeType,
		Extension:      "webm",
		Width:          preset.width,
		Height:         preset.height,
		FrameRate:      fps,
	}
	if req.Codec == "" {
		return p, nil
	}

	idx := slices.IndexFunc(codecs, func(c Codec) bool { return c.ID == req.Codec })
	if idx < 0 {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownCodec, req.Codec)
	}
	c := codecs[idx]
	if !supports(req.Supported, c.MimeType) {
		log.Info("recording codec not supported, using default", "codec", c.ID, "mimeType", DefaultMimeType)
		p.Fallback = true
		return p, nil
	}
	p.UsedCodec = c.ID
	p.MimeType = c.MimeType
	p.Extension = c.Extension
	p.Bitrate = preset.bitrate
	return p, nil
}

func supports(supported []string, mime string) bool {
	for _, s := range supported {
		if strings.EqualFold(strings.ReplaceAll(s, " ", ""), mime) {
			return true
		}
	}
	return false
}
