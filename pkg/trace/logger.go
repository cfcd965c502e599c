package trace

import (
	log "github.com/sirupsen/logrus"
)

// Logger 把事件写成logrus日志
type Logger struct {
	entry *log.Entry
}

func NewLogger(entry *log.Entry) *Logger {
	if entry == nil {
		entry = log.NewEntry(log.StandardLogger())
	}
	return &Logger{entry: entry}
}

func (l *Logger) Observe(e Event) {
	fields := log.Fields{"event": e.Kind.String()}
	if e.Peer != nil {
		fields["peer"] = e.Peer.String()
	}
	if e.SessionID != "" {
		fields["session"] = e.SessionID
	}
	entry := l.entry.WithFields(fields)

	switch e.Kind {
	case HandshakeStarted:
		entry.Debug("handshake started")
	case HandshakeSucceeded:
		entry.WithFields(log.Fields{
			"mode":      e.Mode,
			"cipher":    e.CipherSuite,
			"identity":  e.Identity,
			"anonymous": e.Anonymous,
		}).Info("handshake succeeded")
	case HandshakeFailed:
		entry.WithError(e.Err).Warn("handshake failed")
	case AuthDowngraded:
		entry.WithError(e.Err).Warn("client authentication failed, session continues as anonymous")
	case SessionClosed:
		entry.WithField("reason", e.Reason).Info("session closed")
	case DatagramDropped:
		entry.WithField("reason", e.Reason).WithError(e.Err).Debug("datagram dropped")
	case RequestHandled:
		entry.WithFields(log.Fields{"method": e.Method, "code": e.Code}).Debug("request handled")
	case MessageTraced:
		if e.Inbound {
			entry.Tracef("<== %s", e.Message)
		} else {
			entry.Tracef("==> %s", e.Message)
		}
	}
}
