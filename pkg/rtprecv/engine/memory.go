package engine

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryEngine is an in-process engine. Its inputs are only pulled when
// somebody calls Pull, directly or through Drive
type MemoryEngine struct {
	logger *zap.SugaredLogger

	sinks map[string]*MemorySink
	lock  sync.Mutex

	stopDrive chan struct{}
	driveOnce sync.Once
}

func NewMemory(logger *zap.SugaredLogger) *MemoryEngine {
	logger = logger.Named("engine")

	e := &MemoryEngine{
		logger:    logger,
		sinks:     make(map[string]*MemorySink),
		stopDrive: make(chan struct{}),
	}

	logger.Debug("Created memory engine instance")

	return e
}

// NewNull creates a memory engine with a single sink whose inputs are
// drained in real time and discarded
func NewNull(logger *zap.SugaredLogger, sinkName string) *MemoryEngine {
	e := NewMemory(logger)
	e.AddSink(sinkName, 20*time.Millisecond, 0)
	e.Drive(10 * time.Millisecond)

	return e
}

// AddSink registers a sink granting at least minLatency and allowing maxRewind bytes of rewind
func (e *MemoryEngine) AddSink(name string, minLatency time.Duration, maxRewind int64) *MemorySink {
	e.lock.Lock()
	defer e.lock.Unlock()

	s := &MemorySink{
		engine:        e,
		name:          name,
		minLatency:    minLatency,
		outputLatency: minLatency,
		maxRewind:     maxRewind,
	}
	e.sinks[name] = s

	return s
}

func (e *MemoryEngine) RemoveSink(name string) {
	e.lock.Lock()
	s, ok := e.sinks[name]
	delete(e.sinks, name)
	e.lock.Unlock()

	if !ok {
		return
	}

	// removing a sink kills everything playing on it
	for _, in := range s.Inputs() {
		in.Kill()
	}
}

func (e *MemoryEngine) Sink(name string) (Sink, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	s, ok := e.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSinkNotFound, name)
	}

	return s, nil
}

// Drive pulls every input on every sink each interval, at the input's current rate
func (e *MemoryEngine) Drive(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-e.stopDrive:
				return
			case <-ticker.C:
				e.lock.Lock()
				sinks := make([]*MemorySink, 0, len(e.sinks))
				for _, s := range e.sinks {
					sinks = append(sinks, s)
				}
				e.lock.Unlock()

				for _, s := range sinks {
					for _, in := range s.Inputs() {
						in.PullDuration(interval)
					}
				}
			}
		}
	}()
}

func (e *MemoryEngine) Close() error {
	e.driveOnce.Do(func() { close(e.stopDrive) })
	e.logger.Debug("Closed memory engine")

	return nil
}

type MemorySink struct {
	engine *MemoryEngine
	name   string

	minLatency    time.Duration
	outputLatency time.Duration
	maxRewind     int64

	inputs []*MemoryInput
	lock   sync.Mutex
}

func (s *MemorySink) Name() string {
	return s.name
}

// SetOutputLatency changes what inputs report as the sink's output latency
func (s *MemorySink) SetOutputLatency(d time.Duration) {
	s.lock.Lock()
	defer s.lock.Unlock()

	s.outputLatency = d
}

func (s *MemorySink) Inputs() []*MemoryInput {
	s.lock.Lock()
	defer s.lock.Unlock()

	inputs := make([]*MemoryInput, len(s.inputs))
	copy(inputs, s.inputs)

	return inputs
}

func (s *MemorySink) CreateInput(cfg InputConfig) (Input, error) {
	if !cfg.Format.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrFormat, cfg.Format)
	}

	granted := cfg.RequestedLatency
	if granted < s.minLatency {
		granted = s.minLatency
	}

	in := &MemoryInput{
		sink:    s,
		cfg:     cfg,
		granted: granted,
		rate:    cfg.Format.Rate,
	}

	if cfg.Source != nil {
		cfg.Source.SetMaxRewind(s.maxRewind)
	}

	s.lock.Lock()
	s.inputs = append(s.inputs, in)
	s.lock.Unlock()

	s.engine.logger.Debugw("Created input",
		"sink", s.name,
		"mediaName", cfg.MediaName,
		"format", cfg.Format.String(),
		"grantedLatency", granted)

	return in, nil
}

func (s *MemorySink) remove(in *MemoryInput) {
	s.lock.Lock()
	defer s.lock.Unlock()

	for i, candidate := range s.inputs {
		if candidate == in {
			s.inputs = append(s.inputs[:i], s.inputs[i+1:]...)
			return
		}
	}
}

type MemoryInput struct {
	sink    *MemorySink
	cfg     InputConfig
	granted time.Duration

	lock      sync.Mutex
	rate      uint32
	underrun  bool
	pending   time.Duration
	rewinds   int
	destroyed bool

	killOnce sync.Once
}

func (i *MemoryInput) Config() InputConfig {
	return i.cfg
}

func (i *MemoryInput) GrantedLatency() time.Duration {
	return i.granted
}

func (i *MemoryInput) OutputLatency() time.Duration {
	i.sink.lock.Lock()
	defer i.sink.lock.Unlock()

	return i.sink.outputLatency
}

func (i *MemoryInput) PendingRender() time.Duration {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.pending
}

// SetPendingRender overrides the pending render latency reported to the session
func (i *MemoryInput) SetPendingRender(d time.Duration) {
	i.lock.Lock()
	defer i.lock.Unlock()

	i.pending = d
}

func (i *MemoryInput) SetRate(rate uint32) {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.destroyed {
		return
	}

	i.rate = rate
}

func (i *MemoryInput) Rate() uint32 {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.rate
}

func (i *MemoryInput) Underrun() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.underrun
}

func (i *MemoryInput) RequestRewind() {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.destroyed || !i.underrun {
		return
	}

	i.underrun = false
	i.rewinds++
}

// Rewinds counts the rewind requests that ended an underrun
func (i *MemoryInput) Rewinds() int {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.rewinds
}

// Pull renders n bytes from the source, padding with silence when it runs dry
func (i *MemoryInput) Pull(n int) []byte {
	i.lock.Lock()
	defer i.lock.Unlock()

	if i.destroyed || i.cfg.Source == nil || n <= 0 {
		return nil
	}

	out := make([]byte, n)
	got := 0
	for got < n {
		m, err := i.cfg.Source.Read(out[got:])
		if err != nil || m == 0 {
			break
		}
		got += m
	}

	silence := i.cfg.Format.Silence()
	for j := got; j < n; j++ {
		out[j] = silence
	}

	i.underrun = got < n

	return out
}

// PullDuration renders d worth of input at the current rate
func (i *MemoryInput) PullDuration(d time.Duration) []byte {
	spec := i.cfg.Format
	spec.Rate = i.Rate()

	return i.Pull(int(spec.DurationToBytes(d)))
}

// Kill simulates the engine tearing the input down on its own
func (i *MemoryInput) Kill() {
	i.killOnce.Do(func() {
		if i.cfg.OnKill != nil {
			i.cfg.OnKill()
		}
	})
}

func (i *MemoryInput) Destroyed() bool {
	i.lock.Lock()
	defer i.lock.Unlock()

	return i.destroyed
}

func (i *MemoryInput) Destroy() {
	i.lock.Lock()
	if i.destroyed {
		i.lock.Unlock()
		return
	}
	i.destroyed = true
	i.lock.Unlock()

	i.sink.remove(i)
	i.sink.engine.logger.Debugw("Destroyed input", "sink", i.sink.name, "mediaName", i.cfg.MediaName)
}
