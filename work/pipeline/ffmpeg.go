package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"lanmedia/work/logger"
	"lanmedia/work/profiles"
)

var audioEncoders = map[string]string{
	"PCM/S16BE": "pcm_s16be",
	"PCM/S16LE": "pcm_s16le",
	"MP2":       "mp2",
	"MP3":       "libmp3lame",
	"AAC":       "aac",
	"AC3":       "ac3",
	"WMAV2":     "wmav2",
	"VORBIS":    "libvorbis",
	"FLAC":      "flac",
}

var videoEncoders = map[string]string{
	"MPEG1":  "mpeg1video",
	"MPEG2":  "mpeg2video",
	"MPEG4":  "mpeg4",
	"THEORA": "libtheora",
	"FLV1":   "flv",
}

var imageEncoders = map[string]string{
	"JPEG": "mjpeg",
	"PNG":  "png",
}

// muxers maps container names to ffmpeg formats. Extra arguments follow the
// format name.
var muxers = map[string][]string{
	"s16be":    {"s16be"},
	"mp2":      {"mp2"},
	"mp3":      {"mp3"},
	"adts":     {"adts"},
	"ac3":      {"ac3"},
	"asf":      {"asf"},
	"ogg":      {"ogg"},
	"wav":      {"wav"},
	"flv":      {"flv"},
	"mpeg":     {"mpeg"},
	"vob":      {"vob"},
	"mpegts":   {"mpegts"},
	"m2ts":     {"mpegts", "-mpegts_m2ts_mode", "1"},
	"matroska": {"matroska"},
	"jpeg":     {"image2pipe"},
	"png":      {"image2pipe"},
}

const readChunk = 32 * 1024

// FFmpeg runs each pipeline as an ffmpeg process writing to stdout.
type FFmpeg struct {
	path     string
	preInput []string
	log      *logger.Logger
	running  *xsync.MapOf[string, *ffmpegHandle]
}

// NewFFmpeg creates a pipeline around the ffmpeg binary at path. preInput
// is placed before the input arguments of every run.
func NewFFmpeg(path string, preInput []string, log *logger.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpeg{
		path:     path,
		preInput: preInput,
		log:      log,
		running:  xsync.NewMapOf[string, *ffmpegHandle](),
	}
}

// Capabilities reports the codec and container names this pipeline can
// produce, in the vocabulary of the profile catalog.
func (f *FFmpeg) Capabilities() profiles.Capabilities {
	return profiles.Capabilities{
		AudioCodecs: slices.Sorted(maps.Keys(audioEncoders)),
		VideoCodecs: slices.Sorted(maps.Keys(videoEncoders)),
		ImageCodecs: slices.Sorted(maps.Keys(imageEncoders)),
		Formats:     slices.Sorted(maps.Keys(muxers)),
	}
}

// Running returns the number of live processes.
func (f *FFmpeg) Running() int {
	return f.running.Size()
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}

func filterEscape(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`, `:`, `\:`, `,`, `\,`)
	return r.Replace(s)
}

// Args builds the ffmpeg argument list for spec. Codecs or containers without
// an ffmpeg counterpart yield ErrUnsupported.
func (f *FFmpeg) Args(spec Spec) ([]string, error) {
	if spec.Source == "" {
		return nil, ErrEmptySource
	}

	args := slices.Clone(f.preInput)
	args = append(args, "-hide_banner", "-nostdin", "-loglevel", "error")
	if spec.Start > 0 {
		args = append(args, "-ss", seconds(spec.Start))
	}
	args = append(args, "-i", spec.Source)

	var vf, af, out []string
	image := false

	for _, st := range spec.Stages {
		switch st.Kind {
		case StageDemux:
			if st.Stream != "" {
				out = append(out, "-map", "0:v:0?", "-map", "0:"+st.Stream)
			}

		case StageDecode:
			// decoding is implicit

		case StageSubtitles:
			if st.Stream != "" && st.Stream != "off" {
				vf = append(vf, "subtitles="+filterEscape(spec.Source)+":si="+st.Stream)
			}

		case StageResample:
			if st.SampleRate > 0 {
				out = append(out, "-ar", strconv.Itoa(st.SampleRate))
			}
			if st.Channels > 0 {
				out = append(out, "-ac", strconv.Itoa(st.Channels))
			}

		case StageResize:
			if st.Width <= 0 || st.Height <= 0 {
				continue
			}
			w, h := strconv.Itoa(st.Width), strconv.Itoa(st.Height)
			switch st.Fit {
			case FitBox:
				vf = append(vf,
					"scale="+w+":"+h+":force_original_aspect_ratio=decrease",
					"pad="+w+":"+h+":(ow-iw)/2:(oh-ih)/2")
			case FitZoom:
				vf = append(vf,
					"scale="+w+":"+h+":force_original_aspect_ratio=increase",
					"crop="+w+":"+h)
			default:
				vf = append(vf, "scale="+w+":"+h)
			}

		case StageFrameSync:
			if st.FrameRate <= 0 {
				continue
			}
			if st.Stretch > 0 && (st.Stretch < 0.999999 || st.Stretch > 1.000001) {
				factor := strconv.FormatFloat(st.Stretch, 'f', 6, 64)
				vf = append(vf, "setpts=PTS/"+factor)
				af = append(af, "atempo="+factor)
			}
			out = append(out, "-r", strconv.FormatFloat(st.FrameRate, 'f', -1, 64))

		case StageEncode:
			if st.AudioCodec != "" {
				enc, ok := audioEncoders[strings.ToUpper(st.AudioCodec)]
				if !ok {
					return nil, fmt.Errorf("audio codec %q: %w", st.AudioCodec, ErrUnsupported)
				}
				out = append(out, "-c:a", enc)
			} else if st.VideoCodec != "" || st.ImageCodec != "" {
				out = append(out, "-an")
			}
			if st.VideoCodec != "" {
				enc, ok := videoEncoders[strings.ToUpper(st.VideoCodec)]
				if !ok {
					return nil, fmt.Errorf("video codec %q: %w", st.VideoCodec, ErrUnsupported)
				}
				out = append(out, "-c:v", enc)
				if !st.Fast && strings.HasPrefix(enc, "mpeg") {
					out = append(out, "-trellis", "1", "-mbd", "rd")
				}
			} else if st.ImageCodec != "" {
				enc, ok := imageEncoders[strings.ToUpper(st.ImageCodec)]
				if !ok {
					return nil, fmt.Errorf("image codec %q: %w", st.ImageCodec, ErrUnsupported)
				}
				out = append(out, "-c:v", enc, "-frames:v", "1")
				image = true
			} else if st.AudioCodec != "" {
				out = append(out, "-vn")
			}

		case StageMux:
			mux, ok := muxers[strings.ToLower(st.Container)]
			if !ok {
				return nil, fmt.Errorf("container %q: %w", st.Container, ErrUnsupported)
			}
			out = append(out, "-f")
			out = append(out, mux...)

		default:
			return nil, fmt.Errorf("stage %q: %w", st.Kind, ErrUnsupported)
		}
	}

	if len(vf) > 0 {
		args = append(args, "-vf", strings.Join(vf, ","))
	}
	if len(af) > 0 && !image {
		args = append(args, "-af", strings.Join(af, ","))
	}
	args = append(args, out...)
	return append(args, "-"), nil
}

func niceness(p Priority) int {
	switch p {
	case PriorityLow:
		return 10
	case PriorityHigh:
		return -5
	}
	return 0
}

// Open starts ffmpeg for spec. ctx bounds only the start; the process runs
// until the handle is closed or its output ends.
func (f *FFmpeg) Open(ctx context.Context, spec Spec) (Handle, error) {
	args, err := f.Args(spec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.log.Debug("{pipeline/ffmpeg - Open} command: %s %s", f.path, strings.Join(args, " "))

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.path, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	if f.log.IsDebug() {
		cmd.Stderr = &stderrLog{log: f.log, profile: spec.Target.Profile}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start %s: %w", f.path, err)
	}

	if n := niceness(spec.Target.Priority); n != 0 {
		if err := syscall.Setpriority(syscall.PRIO_PGRP, cmd.Process.Pid, n); err != nil {
			f.log.Debug("{pipeline/ffmpeg - Open} setpriority %d: %v", n, err)
		}
	}

	h := &ffmpegHandle{
		id:     uuid.NewString(),
		cmd:    cmd,
		cancel: cancel,
		owner:  f,
	}
	h.out = &activityReader{r: stdout, h: h}
	h.active.Store(true)
	h.touch()
	f.running.Store(h.id, h)

	f.log.Info("{pipeline/ffmpeg - Open} started %s (pid %d) for %s", h.id, cmd.Process.Pid, spec.Target.Profile)
	return h, nil
}

type ffmpegHandle struct {
	id     string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	owner  *FFmpeg
	out    io.Reader

	active       atomic.Bool
	lastActivity atomic.Int64
	closeOnce    sync.Once
	closeErr     error
}

func (h *ffmpegHandle) ID() string        { return h.id }
func (h *ffmpegHandle) Output() io.Reader { return h.out }
func (h *ffmpegHandle) Active() bool      { return h.active.Load() }

func (h *ffmpegHandle) LastActivity() time.Time {
	return time.Unix(0, h.lastActivity.Load())
}

func (h *ffmpegHandle) touch() {
	h.lastActivity.Store(time.Now().UnixNano())
}

// Close kills the whole process group and reaps it.
func (h *ffmpegHandle) Close() error {
	h.closeOnce.Do(func() {
		h.active.Store(false)
		h.cancel()
		err := h.cmd.Wait()
		h.owner.running.Delete(h.id)

		// a killed process reports its signal
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) && !errors.Is(err, context.Canceled) {
			h.closeErr = err
		}
		h.owner.log.Debug("{pipeline/ffmpeg - Close} stopped %s: %v", h.id, err)
	})
	return h.closeErr
}

// activityReader stamps the handle on every successful read and marks it
// inactive once the output ends.
type activityReader struct {
	r io.Reader
	h *ffmpegHandle
}

func (a *activityReader) Read(p []byte) (int, error) {
	if len(p) > readChunk {
		p = p[:readChunk]
	}
	n, err := a.r.Read(p)
	if n > 0 {
		a.h.touch()
	}
	if err != nil {
		a.h.active.Store(false)
	}
	return n, err
}

type stderrLog struct {
	log     *logger.Logger
	profile string
}

func (s *stderrLog) Write(p []byte) (int, error) {
	for line := range strings.Lines(string(p)) {
		if line = strings.TrimSpace(line); line != "" {
			s.log.Debug("{pipeline/ffmpeg - stderr} [%s] %s", s.profile, line)
		}
	}
	return len(p), nil
}
