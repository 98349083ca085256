package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/breeze-rmm/deskcap/internal/audio"
	"github.com/breeze-rmm/deskcap/internal/client"
	"github.com/breeze-rmm/deskcap/internal/events"
	"github.com/breeze-rmm/deskcap/internal/files"
	"github.com/breeze-rmm/deskcap/internal/procs"
	"github.com/breeze-rmm/deskcap/internal/retry"
	"github.com/breeze-rmm/deskcap/internal/screen"
	"github.com/breeze-rmm/deskcap/internal/service"
	"github.com/breeze-rmm/deskcap/internal/store"
	"github.com/breeze-rmm/deskcap/internal/usage"
)

var (
	recordDevice   string
	recordDuration time.Duration
	recordOut      string
	snapshotDir    string
	screenshotsMax int
)

func init() {
	recordCmd.Flags().StringVarP(&recordDevice, "device", "d", "", "capture device id (default: first input-capable device)")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this long (default: until interrupted)")
	recordCmd.Flags().StringVarP(&recordOut, "out", "O", "", "write encoded audio to this file (required)")
	recordCmd.MarkFlagRequired("out")

	snapshotCmd.Flags().StringVar(&snapshotDir, "dir", ".", "directory for the PNG files")
	screenshotsListCmd.Flags().IntVar(&screenshotsMax, "limit", 20, "maximum entries to list (0 for all)")

	trackingCmd.AddCommand(trackingStartCmd, trackingStopCmd)
	screenshotsCmd.AddCommand(screenshotsStartCmd, screenshotsStopCmd, screenshotsListCmd)

	rootCmd.AddCommand(devicesCmd, recordCmd, usageCmd, trackingCmd, processesCmd,
		sourcesCmd, snapshotCmd, codecsCmd, screenshotsCmd, statusCmd)
}

// withClient dials the daemon and runs fn with a connected client.
func withClient(cmd *cobra.Command, subscribe []string, fn func(ctx context.Context, c *client.Client) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	path := socketPath
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		path = cfg.SocketPath
	}

	c, err := dialDaemon(ctx, client.Options{SocketPath: path, Name: "deskcap-cli", Subscribe: subscribe}, dialWait)
	if err != nil {
		return fmt.Errorf("daemon not reachable (is 'deskcap run' active?): %w", err)
	}
	defer c.Close()
	return fn(ctx, c)
}

// dialDaemon dials once, or keeps retrying for up to wait.
func dialDaemon(ctx context.Context, opts client.Options, wait time.Duration) (*client.Client, error) {
	if wait <= 0 {
		return client.Dial(ctx, opts)
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	cfg := retry.Default()
	cfg.MaxRetries = int(wait/cfg.InitialDelay) + 1
	return client.DialRetry(ctx, opts, cfg)
}

// call is withClient for a single request-response command.
func call(cmd *cobra.Command, command string, args, out any) error {
	return withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
		return c.Call(ctx, command, args, out)
	})
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List audio devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		var devs []audio.Device
		if err := call(cmd, service.CmdListAudioDevices, nil, &devs); err != nil {
			return err
		}
		return printResult(devs, func(w io.Writer) error {
			fmt.Fprintln(w, "ID\tNAME\tDIRECTION\tIN\tOUT\tRATES")
			for _, d := range devs {
				name := d.Name
				if d.IsDefault {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n", d.ID, name, direction(d), d.InputChannels, d.OutputChannels, joinInts(d.SampleRates))
			}
			return nil
		})
	},
}

func direction(d audio.Device) string {
	switch {
	case d.IsInput && d.IsOutput:
		return "duplex"
	case d.IsInput:
		return "input"
	case d.IsOutput:
		return "output"
	}
	return "-"
}

func joinInts(v []int) string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ",")
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Capture audio from a device into a file",
	RunE: func(cmd *cobra.Command, args []string) error {
		subscribe := []string{events.AudioStarted, events.AudioData, events.AudioStopped, events.AudioError}
		return withClient(cmd, subscribe, func(ctx context.Context, c *client.Client) error {
			deviceID := recordDevice
			if deviceID == "" {
				var devs []audio.Device
				if err := c.Call(ctx, service.CmdListAudioDevices, nil, &devs); err != nil {
					return err
				}
				for _, d := range devs {
					if d.InputChannels > 0 {
						deviceID = d.ID
						break
					}
				}
				if deviceID == "" {
					return fmt.Errorf("no input-capable audio device found")
				}
			}
			return record(ctx, c, deviceID)
		})
	},
}

func record(ctx context.Context, c *client.Client, deviceID string) error {
	var res service.StartCaptureResult
	if err := c.Call(ctx, service.CmdStartAudioCapture, service.StartCaptureArgs{DeviceID: deviceID}, &res); err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("capture not started: %s", res.Reason)
	}

	f, err := os.Create(recordOut)
	if err != nil {
		c.Call(context.Background(), service.CmdStopAudioCapture, nil, nil)
		return fmt.Errorf("%w: %v", files.ErrFileWrite, err)
	}
	defer f.Close()

	fmt.Fprintf(os.Stderr, "recording device %s (session %s), press Ctrl-C to stop\n", deviceID, res.SessionID)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var deadline <-chan time.Time
	if recordDuration > 0 {
		timer := time.NewTimer(recordDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	stopping := false
	requestStop := func() {
		if stopping {
			return
		}
		stopping = true
		if err := c.Call(ctx, service.CmdStopAudioCapture, nil, nil); err != nil {
			fmt.Fprintf(os.Stderr, "stop request failed: %v\n", err)
		}
	}

	var written int64
	for {
		select {
		case ev, ok := <-c.Events():
			if !ok {
				return fmt.Errorf("daemon connection lost: %v", c.Err())
			}
			if ev.Session != "" && ev.Session != res.SessionID {
				continue
			}
			switch ev.Name {
			case events.AudioData:
				var chunk []byte
				if err := json.Unmarshal(ev.Data, &chunk); err != nil {
					return fmt.Errorf("decode audio chunk: %w", err)
				}
				n, err := f.Write(chunk)
				written += int64(n)
				if err != nil {
					requestStop()
					return fmt.Errorf("%w: %v", files.ErrFileWrite, err)
				}
			case events.AudioStopped:
				fmt.Fprintf(os.Stderr, "stopped, %d bytes written to %s\n", written, recordOut)
				return nil
			case events.AudioError:
				var info audio.ErrorInfo
				json.Unmarshal(ev.Data, &info)
				return fmt.Errorf("capture failed (%s): %s", info.Code, info.Message)
			}
		case <-deadline:
			requestStop()
		case <-sigCh:
			requestStop()
		case <-ctx.Done():
			requestStop()
			return ctx.Err()
		}
	}
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show application and browser usage counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result struct {
			Apps     usage.Counters `json:"apps"`
			Browsers usage.Counters `json:"browsers"`
		}
		err := withClient(cmd, nil, func(ctx context.Context, c *client.Client) error {
			if err := c.Call(ctx, service.CmdGetAppUsage, nil, &result.Apps); err != nil {
				return err
			}
			return c.Call(ctx, service.CmdGetBrowserUsage, nil, &result.Browsers)
		})
		if err != nil {
			return err
		}
		return printResult(result, func(w io.Writer) error {
			fmt.Fprintln(w, "KIND\tNAME\tTICKS")
			writeCounters(w, "app", result.Apps)
			writeCounters(w, "browser", result.Browsers)
			return nil
		})
	},
}

func writeCounters(w io.Writer, kind string, c usage.Counters) {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c[keys[i]] != c[keys[j]] {
			return c[keys[i]] > c[keys[j]]
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		fmt.Fprintf(w, "%s\t%s\t%d\n", kind, k, c[k])
	}
}

var trackingCmd = &cobra.Command{
	Use:   "tracking",
	Short: "Control application and browser usage tracking",
}

var trackingStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start usage tracking",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, service.CmdStartAppTracking, nil, nil); err != nil {
			return err
		}
		fmt.Println("Usage tracking started.")
		return nil
	},
}

var trackingStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop usage tracking (counters are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, service.CmdStopAppTracking, nil, nil); err != nil {
			return err
		}
		fmt.Println("Usage tracking stopped.")
		return nil
	},
}

var processesCmd = &cobra.Command{
	Use:   "processes",
	Short: "List running processes",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []procs.Process
		if err := call(cmd, service.CmdListProcesses, nil, &list); err != nil {
			return err
		}
		return printResult(list, func(w io.Writer) error {
			fmt.Fprintln(w, "PID\tNAME")
			for _, p := range list {
				fmt.Fprintf(w, "%d\t%s\n", p.PID, p.Name)
			}
			return nil
		})
	},
}

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List screens and windows that can be captured",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []screen.Source
		if err := call(cmd, service.CmdListCaptureSources, nil, &list); err != nil {
			return err
		}
		return printResult(list, func(w io.Writer) error {
			fmt.Fprintln(w, "ID\tKIND\tNAME")
			for _, s := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID, s.Kind, s.Name)
			}
			return nil
		})
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Capture every display to PNG files",
	RunE: func(cmd *cobra.Command, args []string) error {
		var urls []string
		if err := call(cmd, service.CmdSnapshotAllScreens, nil, &urls); err != nil {
			return err
		}
		stamp := time.Now().Format("20060102-150405")
		paths := make([]string, 0, len(urls))
		for i, u := range urls {
			data, err := decodeDataURL(u)
			if err != nil {
				return fmt.Errorf("snapshot %d: %w", i, err)
			}
			path := filepath.Join(snapshotDir, fmt.Sprintf("screen-%s-%d.png", stamp, i))
			if err := files.Write(path, data); err != nil {
				return err
			}
			paths = append(paths, path)
		}
		return printResult(paths, func(w io.Writer) error {
			for _, p := range paths {
				fmt.Fprintln(w, p)
			}
			return nil
		})
	},
}

func decodeDataURL(u string) ([]byte, error) {
	const prefix = "base64,"
	i := strings.Index(u, prefix)
	if !strings.HasPrefix(u, "data:") || i < 0 {
		return nil, fmt.Errorf("not a base64 data URL")
	}
	return base64.StdEncoding.DecodeString(u[i+len(prefix):])
}

var codecsCmd = &cobra.Command{
	Use:   "codecs",
	Short: "List screen recording codecs",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []screen.Codec
		if err := call(cmd, service.CmdListRecordingCodecs, nil, &list); err != nil {
			return err
		}
		return printResult(list, func(w io.Writer) error {
			fmt.Fprintln(w, "NAME\tMIME TYPE\tEXTENSION")
			for _, c := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, c.MimeType, c.Extension)
			}
			return nil
		})
	},
}

var screenshotsCmd = &cobra.Command{
	Use:   "screenshots",
	Short: "Control random screenshots and list the archive",
}

var screenshotsStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start taking screenshots at random intervals",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, service.CmdStartRandomScreenshots, nil, nil); err != nil {
			return err
		}
		fmt.Println("Random screenshots started.")
		return nil
	},
}

var screenshotsStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop random screenshots",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := call(cmd, service.CmdStopRandomScreenshots, nil, nil); err != nil {
			return err
		}
		fmt.Println("Random screenshots stopped.")
		return nil
	},
}

var screenshotsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived screenshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		var list []store.Meta
		if err := call(cmd, service.CmdListScreenshots, service.ListScreenshotsArgs{Limit: screenshotsMax}, &list); err != nil {
			return err
		}
		return printResult(list, func(w io.Writer) error {
			fmt.Fprintln(w, "ID\tDISPLAY\tSIZE\tCAPTURED")
			for _, m := range list {
				fmt.Fprintf(w, "%s\t%d\t%dx%d\t%s\n", m.ID, m.Display, m.Width, m.Height, m.CapturedAt.Local().Format(time.DateTime))
			}
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st service.StatusResult
		if err := call(cmd, service.CmdStatus, nil, &st); err != nil {
			return err
		}
		return printResult(st, func(w io.Writer) error {
			fmt.Fprintf(w, "Version:\t%s\n", st.Version)
			fmt.Fprintf(w, "Uptime:\t%s\n", st.Uptime)
			fmt.Fprintf(w, "Capture:\t%s\n", st.Capture.State)
			if st.Capture.SessionID != "" {
				fmt.Fprintf(w, "  Session:\t%s (%s)\n", st.Capture.SessionID, st.Capture.DeviceName)
				fmt.Fprintf(w, "  Frames:\t%d (%d dropped)\n", st.Capture.Frames, st.Capture.FramesDropped)
			}
			fmt.Fprintf(w, "Tracking:\t%t\n", st.Tracking)
			fmt.Fprintf(w, "Random screenshots:\t%t\n", st.RandomScreenshots)
			if overall, ok := st.Health["status"]; ok {
				fmt.Fprintf(w, "Health:\t%v\n", overall)
			}
			return nil
		})
	},
}
