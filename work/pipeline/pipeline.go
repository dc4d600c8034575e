package pipeline

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrUnsupported is returned before anything is started when a spec asks
	// for a codec or container the pipeline cannot produce.
	ErrUnsupported = errors.New("unsupported codec or container")

	// ErrEmptySource is returned for a spec without a source.
	ErrEmptySource = errors.New("pipeline source is empty")
)

// StageKind names one step of a transcode graph.
type StageKind string

const (
	StageDemux     StageKind = "demux"
	StageDecode    StageKind = "decode"
	StageSubtitles StageKind = "subtitles"
	StageResample  StageKind = "resample"
	StageResize    StageKind = "resize"
	StageFrameSync StageKind = "framesync"
	StageEncode    StageKind = "encode"
	StageMux       StageKind = "mux"
)

// Fit controls how a resize stage treats a source with another aspect ratio.
type Fit int

const (
	FitStretch Fit = iota // scale to the exact size
	FitBox                // scale inside the size and pad the rest
	FitZoom               // scale over the size and crop the rest
)

// StageSpec is one explicit step of the graph. Only the fields relevant to
// Kind are read.
type StageSpec struct {
	Kind StageKind `json:"kind"`

	// Stream selects an input stream (demux, decode, subtitles). Empty means
	// the default stream, or "off" for subtitles.
	Stream string `json:"stream,omitempty"`

	// resample
	SampleRate int `json:"sampleRate,omitempty"`
	Channels   int `json:"channels,omitempty"`

	// resize
	Width  int `json:"width,omitempty"`
	Height int `json:"height,omitempty"`
	Fit    Fit `json:"fit,omitempty"`

	// framesync; Stretch is target/source, the factor the duration is scaled by
	FrameRate float64 `json:"frameRate,omitempty"`
	Stretch   float64 `json:"stretch,omitempty"`

	// encode
	AudioCodec string `json:"audioCodec,omitempty"`
	VideoCodec string `json:"videoCodec,omitempty"`
	ImageCodec string `json:"imageCodec,omitempty"`
	Fast       bool   `json:"fast,omitempty"`

	// mux
	Container string `json:"container,omitempty"`
}

// Priority is the scheduling class of a pipeline process.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityLow
	PriorityHigh
)

// Target describes what the pipeline delivers.
type Target struct {
	Profile  string   `json:"profile"`
	MimeType string   `json:"mimeType"`
	Priority Priority `json:"priority"`
}

// Spec is the complete description of one transcode run. It is built once per
// session and never mutated afterwards.
type Spec struct {
	Source string        `json:"source"`
	Start  time.Duration `json:"start,omitempty"`
	Stages []StageSpec   `json:"stages"`
	Target Target        `json:"target"`
}

// Stage returns the first stage of kind k.
func (s Spec) Stage(k StageKind) (StageSpec, bool) {
	for _, st := range s.Stages {
		if st.Kind == k {
			return st, true
		}
	}
	return StageSpec{}, false
}

// Handle is a running pipeline. Output yields the encoded stream until the
// source is exhausted or the handle is closed.
type Handle interface {
	ID() string
	Output() io.Reader
	Active() bool
	LastActivity() time.Time
	Close() error
}

// Pipeline starts transcode runs.
type Pipeline interface {
	Open(ctx context.Context, spec Spec) (Handle, error)
}
