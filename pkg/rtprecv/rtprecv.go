// Package rtprecv receives multicast RTP audio streams announced over SAP
// and plays each of them into an audio engine, absorbing network jitter and
// sender clock drift along the way.
package rtprecv

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/MixyLabs/rtprecv/pkg/rtprecv/engine"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/mcast"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/sap"
	"github.com/MixyLabs/rtprecv/pkg/rtprecv/util"
)

const (
	applicationName = "rtprecv"

	deathTimeout = 20 * time.Second

	// the jitter queue never holds more than this, whatever the drift
	maxQueueLength = 40 * 1024 * 1024
)

type killRequest struct {
	session *Session
	reason  string
}

// Receiver is the main entity managing all subcomponents
type Receiver struct {
	logger    *zap.SugaredLogger
	configMan *ConfigManager
	metrics   *Metrics
	registry  *registry

	engine   engine.Engine
	listener *sap.Listener

	announcements  <-chan *sap.Announcement
	configReloaded chan bool
	kills          chan killRequest
	stopChannel    chan bool
	stopLoop       chan struct{}
	loopDone       chan struct{}

	metricsServer *http.Server

	openSocket func(addr *net.UDPAddr) (net.PacketConn, error)
	now        func() time.Time
	cookie     uint32
	verbose    bool
}

// NewReceiver creates a receiver reading its config from configPath, or
// from config.yaml in the working directory when it is empty
func NewReceiver(logger *zap.SugaredLogger, configPath string, verbose bool) (*Receiver, error) {
	logger = logger.Named("receiver")

	config, err := NewConfig(logger, configPath)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	r := newReceiver(logger, config, verbose)

	logger.Debug("Created receiver instance")

	return r, nil
}

func newReceiver(logger *zap.SugaredLogger, config *ConfigManager, verbose bool) *Receiver {
	return &Receiver{
		logger:      logger,
		configMan:   config,
		metrics:     NewMetrics(),
		registry:    newRegistry(logger, maxSessions),
		kills:       make(chan killRequest, maxSessions),
		stopChannel: make(chan bool, 1),
		stopLoop:    make(chan struct{}),
		loopDone:    make(chan struct{}),
		openSocket:  mcast.Open,
		now:         time.Now,
		cookie:      rand.Uint32(),
		verbose:     verbose,
	}
}

// Initialize loads the config, connects to the engine and starts listening
// for announcements in the background
func (r *Receiver) Initialize() error {
	r.logger.Debug("Initializing")

	if err := r.configMan.Load(); err != nil {
		r.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	cfg := r.configMan.Current()

	eng, err := r.createEngine(cfg)
	if err != nil {
		r.logger.Errorw("Failed to create engine", "engine", cfg.Engine, "error", err)
		return fmt.Errorf("create engine: %w", err)
	}

	conn, err := r.openSocket(cfg.SAPEndpoint())
	if err != nil {
		_ = eng.Close()
		r.logger.Errorw("Failed to open announcement socket", "address", cfg.SAPEndpoint(), "error", err)
		return fmt.Errorf("open announcement socket: %w", err)
	}

	r.engine = eng
	r.listener = sap.NewListener(r.logger, conn)
	r.announcements = r.listener.SubscribeToAnnouncements()
	r.configReloaded = r.configMan.SubscribeToChanges()

	r.startMetricsServer(cfg.MetricsAddress)

	go r.configMan.WatchConfigFileChanges()

	r.start()

	return nil
}

func (r *Receiver) createEngine(cfg Config) (engine.Engine, error) {
	switch cfg.Engine {
	case engineNameNull:
		return engine.NewNull(r.logger, cfg.Sink), nil
	default:
		eng, err := engine.NewPulse(r.logger, applicationName)
		if err != nil {
			return nil, err
		}

		return eng, nil
	}
}

// start runs the control loop and, if there is one, the announcement listener
func (r *Receiver) start() {
	r.logger.Info("Control loop starting")

	go r.controlLoop()

	if r.listener != nil {
		r.listener.Start()
	}
}

// Run blocks until the process is interrupted or Stop is called
func (r *Receiver) Run() {
	r.setupInterruptHandler()

	// wait until gracefully stopped
	<-r.stopChannel
	r.logger.Debug("Stop channel signaled, terminating")

	if err := r.stop(); err != nil {
		r.logger.Warnw("Failed to stop receiver", "error", err)
		os.Exit(1)
	}
}

func (r *Receiver) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		r.logger.Debugw("Interrupted", "signal", signal)
		r.signalStop()
	}()
}

func (r *Receiver) signalStop() {
	r.logger.Debug("Signalling stop channel")

	select {
	case r.stopChannel <- true:
	default:
	}
}

// controlLoop serializes every registry mutation: announcements, the death
// sweep and kill requests from readers and the engine
func (r *Receiver) controlLoop() {
	defer close(r.loopDone)
	defer r.recoverFromPanic()

	sweep := time.NewTicker(deathTimeout)
	defer sweep.Stop()

	for {
		select {
		case a, ok := <-r.announcements:
			if !ok {
				r.logger.Debug("Announcement listener closed")
				r.announcements = nil
				continue
			}

			r.handleAnnouncement(a)

		case <-sweep.C:
			r.sweep(r.now())

		case k := <-r.kills:
			r.destroySession(k.session, k.reason)

		case <-r.configReloaded:
			r.logger.Infow("Config reloaded, new sessions will use the configured sink",
				"sink", r.configMan.Current().Sink,
				"sessions", r.registry)

		case <-r.stopLoop:
			return
		}
	}
}

// requestKill hands a session to the control loop for teardown. Safe from any goroutine
func (r *Receiver) requestKill(s *Session, reason string) {
	go func() {
		select {
		case r.kills <- killRequest{session: s, reason: reason}:
		case <-r.loopDone:
		}
	}()
}

func (r *Receiver) startMetricsServer(address string) {
	if address == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", r.metrics.Handler())

	r.metricsServer = &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		r.logger.Infow("Serving metrics", "address", address)

		if err := r.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Warnw("Metrics server failed", "error", err)
		}
	}()
}

func (r *Receiver) stop() error {
	r.logger.Info("Stopping")

	r.configMan.StopWatchingConfigFile()

	// the listener goes first so the control loop never blocks it
	if r.listener != nil {
		r.listener.Stop()
	}

	close(r.stopLoop)
	<-r.loopDone

	for _, s := range r.registry.Sessions() {
		r.destroySession(s, "shutdown")
	}

	if r.metricsServer != nil {
		if err := r.metricsServer.Close(); err != nil {
			r.logger.Warnw("Failed to close metrics server", "error", err)
		}
	}

	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Errorw("Failed to close engine", "error", err)
			return fmt.Errorf("close engine: %w", err)
		}
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = r.logger.Sync()

	return nil
}
