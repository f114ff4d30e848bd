package sap

import (
	"errors"
	"net"
	"sync"

	"go.uber.org/zap"
)

const maxDatagramSize = 64 * 1024

// Listener reads SAP datagrams from the announcement socket and hands
// decoded announcements to its consumers
type Listener struct {
	logger *zap.SugaredLogger
	conn   net.PacketConn

	consumers []chan *Announcement
	lock      sync.Mutex

	stopOnce sync.Once
	done     chan struct{}
}

func NewListener(logger *zap.SugaredLogger, conn net.PacketConn) *Listener {
	logger = logger.Named("sap")

	l := &Listener{
		logger: logger,
		conn:   conn,
		done:   make(chan struct{}),
	}

	logger.Debugw("Created SAP listener instance", "address", conn.LocalAddr())

	return l
}

// SubscribeToAnnouncements returns a channel that receives every
// announcement decoded after the call. Subscribe before Start
func (l *Listener) SubscribeToAnnouncements() <-chan *Announcement {
	l.lock.Lock()
	defer l.lock.Unlock()

	ch := make(chan *Announcement, 16)
	l.consumers = append(l.consumers, ch)

	return ch
}

// Start begins reading in the background until Stop is called
func (l *Listener) Start() {
	go l.run()
}

func (l *Listener) run() {
	defer close(l.done)

	buf := make([]byte, maxDatagramSize)

	for {
		n, from, err := l.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				l.logger.Debug("Announcement socket closed, stopping")
			} else {
				l.logger.Warnw("Failed to read from announcement socket, stopping", "error", err)
			}

			l.closeConsumers()
			return
		}

		announcement, err := Decode(buf[:n])
		if err != nil {
			// announcements for formats we can't play are common on shared groups
			continue
		}

		l.logger.Debugw("Received announcement",
			"origin", announcement.Origin,
			"goodbye", announcement.Goodbye,
			"from", from)

		l.publish(announcement)
	}
}

func (l *Listener) publish(a *Announcement) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, consumer := range l.consumers {
		consumer <- a
	}
}

func (l *Listener) closeConsumers() {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, consumer := range l.consumers {
		close(consumer)
	}

	l.consumers = nil
}

// Stop closes the announcement socket and waits for the reader to exit
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		if err := l.conn.Close(); err != nil {
			l.logger.Warnw("Failed to close announcement socket", "error", err)
		}
	})

	<-l.done
	l.logger.Debug("SAP listener stopped")
}
