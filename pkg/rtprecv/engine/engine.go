// Package engine connects RTP sessions to the audio server that mixes and
// plays them.
//
// An Engine resolves destination sinks by name. Each session registers one
// Input on a sink: the engine pulls audio from the session's Source at
// whatever pace its output demands, resampling from the rate last given to
// SetRate.
package engine

import (
	"errors"
	"time"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
)

var (
	ErrSinkNotFound = errors.New("sink not found")
	ErrFormat       = errors.New("sample format not supported by engine")
)

// Source is the consumer side of a session's jitter queue
type Source interface {
	// Read fills p with up to len(p) bytes and fails when nothing is readable
	Read(p []byte) (int, error)

	// Rewind moves the read position back so already rendered data is rendered again
	Rewind(n int64) int64

	// SetMaxRewind tells the source how much history the engine may rewind
	SetMaxRewind(n int64)
}

// Engine is an audio server the receiver feeds
type Engine interface {
	// Sink resolves a destination by name, failing with ErrSinkNotFound
	Sink(name string) (Sink, error)

	Close() error
}

type Sink interface {
	Name() string

	// CreateInput registers a new producer and starts pulling from cfg.Source
	CreateInput(cfg InputConfig) (Input, error)
}

type InputConfig struct {
	Format audio.Spec

	// RequestedLatency is what the session would like the engine to buffer downstream
	RequestedLatency time.Duration

	MediaName  string
	Properties map[string]string

	Source Source

	// OnKill is called, at most once, when the engine tears the input down on its own
	OnKill func()
}

// Input is one producer attached to a sink. All methods are safe to call
// after Destroy and do nothing then
type Input interface {
	// GrantedLatency is the downstream latency the engine settled on at creation
	GrantedLatency() time.Duration

	// OutputLatency is the sink's current output latency
	OutputLatency() time.Duration

	// PendingRender is audio already pulled from the source but not yet handed to the sink
	PendingRender() time.Duration

	// SetRate changes the sample rate the resampler assumes for this input
	SetRate(rate uint32)

	// Underrun reports whether the engine is currently starved of data from the source
	Underrun() bool

	// RequestRewind asks the engine to resume pulling promptly after an underrun
	RequestRewind()

	// Destroy detaches the input; the source is not read again once it returns
	Destroy()
}
