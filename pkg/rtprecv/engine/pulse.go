package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/audio"
)

// DefaultSinkName resolves to the server's default sink
const DefaultSinkName = "@DEFAULT_SINK@"

const killPollInterval = 500 * time.Millisecond

// wire values of pa_sample_format_t the client library has no names for
const (
	formatALaw byte = 1
	formatULaw byte = 2
)

var pulseFormats = map[audio.Encoding]byte{
	audio.EncodingS16BE: proto.FormatInt16BE,
	audio.EncodingU8:    proto.FormatUint8,
	audio.EncodingULaw:  formatULaw,
	audio.EncodingALaw:  formatALaw,
}

// readerFormat is the format handed to the client library, which refuses
// companded formats. Those are one byte per sample, so they travel as u8
// and the real format is put back into the create request
func readerFormat(wire byte) byte {
	switch wire {
	case formatALaw, formatULaw:
		return proto.FormatUint8
	}

	return wire
}

// PulseEngine plays sessions through a PulseAudio (or pipewire-pulse) server
type PulseEngine struct {
	logger *zap.SugaredLogger
	client *pulse.Client
}

func NewPulse(logger *zap.SugaredLogger, applicationName string) (*PulseEngine, error) {
	logger = logger.Named("engine")

	client, err := pulse.NewClient(pulse.ClientApplicationName(applicationName))
	if err != nil {
		logger.Warnw("Failed to establish PulseAudio connection", "error", err)
		return nil, fmt.Errorf("establish PulseAudio connection: %w", err)
	}

	e := &PulseEngine{
		logger: logger,
		client: client,
	}

	e.logger.Debug("Created PA engine instance")

	return e, nil
}

func (e *PulseEngine) Sink(name string) (Sink, error) {
	var (
		sink *pulse.Sink
		err  error
	)

	if name == "" || name == DefaultSinkName {
		sink, err = e.client.DefaultSink()
	} else {
		sink, err = e.client.SinkByID(name)
	}

	if err != nil {
		e.logger.Warnw("Failed to look up sink", "sink", name, "error", err)
		return nil, fmt.Errorf("%w: %s: %v", ErrSinkNotFound, name, err)
	}

	return &pulseSink{engine: e, sink: sink}, nil
}

func (e *PulseEngine) Close() error {
	e.client.Close()
	e.logger.Debug("Released PA engine instance")

	return nil
}

type pulseSink struct {
	engine *PulseEngine
	sink   *pulse.Sink
}

func (s *pulseSink) Name() string {
	return s.sink.ID()
}

func (s *pulseSink) CreateInput(cfg InputConfig) (Input, error) {
	format, ok := pulseFormats[cfg.Format.Encoding]
	if !ok || !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrFormat, cfg.Format)
	}

	var layout pulse.PlaybackOption
	switch cfg.Format.Channels {
	case 1:
		layout = pulse.PlaybackMono
	case 2:
		layout = pulse.PlaybackStereo
	default:
		return nil, fmt.Errorf("%w: %d channels", ErrFormat, cfg.Format.Channels)
	}

	// latency is sized from rate and channels, so it goes after them
	opts := []pulse.PlaybackOption{
		pulse.PlaybackSink(s.sink),
		pulse.PlaybackSampleRate(int(cfg.Format.Rate)),
		layout,
		pulse.PlaybackLatency(cfg.RequestedLatency.Seconds()),
		pulse.PlaybackRawOption(createRequest(cfg, format)),
	}

	// the server never rewinds a client stream
	if cfg.Source != nil {
		cfg.Source.SetMaxRewind(0)
	}

	in := &pulseInput{
		logger: s.engine.logger.Named("input"),
		client: s.engine.client,
		sink:   s.sink,
		cfg:    cfg,
		stop:   make(chan struct{}),
	}

	stream, err := s.engine.client.NewPlayback(pulse.NewReader(in, readerFormat(format)), opts...)
	if err != nil {
		s.engine.logger.Warnw("Failed to create playback stream", "sink", s.sink.ID(), "error", err)
		return nil, fmt.Errorf("create playback stream: %w", err)
	}

	in.stream = stream
	in.granted = cfg.Format.BytesToDuration(int64(stream.BufferSizeBytes()))

	stream.Start()
	go in.watch()

	in.logger.Debugw("Created input",
		"sink", s.sink.ID(),
		"streamIndex", stream.StreamIndex(),
		"grantedLatency", in.granted)

	return in, nil
}

func createRequest(cfg InputConfig, format byte) func(*proto.CreatePlaybackStream) {
	return func(c *proto.CreatePlaybackStream) {
		c.Format = format

		// the rate is retuned while playing
		c.VariableRate = true

		if c.Properties == nil {
			c.Properties = proto.PropList{}
		}
		c.Properties["media.name"] = proto.PropListString(cfg.MediaName)
		for k, v := range cfg.Properties {
			c.Properties[k] = proto.PropListString(v)
		}
	}
}

type pulseInput struct {
	logger *zap.SugaredLogger
	client *pulse.Client
	sink   *pulse.Sink
	stream *pulse.PlaybackStream
	cfg    InputConfig

	granted time.Duration

	lock      sync.Mutex
	underrun  bool
	pending   time.Duration
	destroyed bool

	stop     chan struct{}
	killOnce sync.Once
}

// Read is called by the client library whenever the server requests data
func (i *pulseInput) Read(p []byte) (int, error) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.destroyed {
		return 0, pulse.EndOfData
	}

	got := 0
	for got < len(p) {
		n, err := i.cfg.Source.Read(p[got:])
		if err != nil || n == 0 {
			break
		}
		got += n
	}

	silence := i.cfg.Format.Silence()
	for j := got; j < len(p); j++ {
		p[j] = silence
	}

	i.underrun = got < len(p)
	i.pending = i.cfg.Format.BytesToDuration(int64(len(p)))

	return len(p), nil
}

// watch notices the server killing the stream, e.g. when its sink goes away
func (i *pulseInput) watch() {
	ticker := time.NewTicker(killPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
			if i.stream.Error() == nil && !i.stream.Closed() {
				continue
			}

			i.logger.Infow("Playback stream killed by server", "error", i.stream.Error())
			i.killOnce.Do(func() {
				if i.cfg.OnKill != nil {
					i.cfg.OnKill()
				}
			})

			return
		}
	}
}

func (i *pulseInput) GrantedLatency() time.Duration {
	return i.granted
}

func (i *pulseInput) OutputLatency() time.Duration {
	if i.isDestroyed() {
		return 0
	}

	request := proto.GetSinkInfo{
		SinkIndex: proto.Undefined,
		SinkName:  i.sink.ID(),
	}
	reply := proto.GetSinkInfoReply{}

	if err := i.client.RawRequest(&request, &reply); err != nil {
		i.logger.Debugw("Failed to get sink latency", "error", err)
		return 0
	}

	return time.Duration(reply.Latency) * time.Microsecond
}

func (i *pulseInput) PendingRender() time.Duration {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.pending
}

func (i *pulseInput) SetRate(rate uint32) {
	if i.isDestroyed() {
		return
	}

	request := proto.UpdatePlaybackStreamSampleRate{
		StreamIndex: i.stream.StreamIndex(),
		SampleRate:  rate,
	}

	if err := i.client.RawRequest(&request, nil); err != nil {
		i.logger.Warnw("Failed to update stream sample rate", "rate", rate, "error", err)
	}
}

func (i *pulseInput) Underrun() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.underrun || i.stream.Underflow()
}

func (i *pulseInput) RequestRewind() {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.destroyed {
		return
	}

	i.underrun = false
	if !i.stream.Running() {
		i.stream.Start()
	}
}

func (i *pulseInput) isDestroyed() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.destroyed
}

func (i *pulseInput) Destroy() {
	i.lock.Lock()
	if i.destroyed {
		i.lock.Unlock()
		return
	}
	i.destroyed = true
	i.lock.Unlock()

	close(i.stop)
	i.stream.Close()

	i.logger.Debugw("Destroyed input", "streamIndex", i.stream.StreamIndex())
}
