package logger

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type contextKey string

// Context keys read by WithContext
const (
	TraceIDKey   contextKey = "trace_id"
	RequestIDKey contextKey = "request_id"
	IdentityKey  contextKey = "identity"
)

// Logger wraps logrus.Logger with additional functionality
type Logger struct {
	*logrus.Logger
}

// New creates a new logger instance
func New(level string) *Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput creates a logger writing to out
func NewWithOutput(level string, out io.Writer) *Logger {
	log := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	log.SetLevel(logLevel)

	log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "level",
			logrus.FieldKeyMsg:   "message",
		},
	})
	log.SetOutput(out)

	return &Logger{Logger: log}
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return NewWithOutput("panic", io.Discard)
}

// WithComponent creates a new logger entry with component name field
func (l *Logger) WithComponent(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// WithIdentity creates a new logger entry with identity field
func (l *Logger) WithIdentity(identity string) *logrus.Entry {
	return l.Logger.WithField("identity", identity)
}

// WithTuple creates a new logger entry carrying the grant tuple
func (l *Logger) WithTuple(owner, recipient, documentID string) *logrus.Entry {
	return l.Logger.WithFields(logrus.Fields{
		"owner":       owner,
		"recipient":   recipient,
		"document_id": documentID,
	})
}

// WithContext creates a logger with context-aware fields
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithFields(logrus.Fields{})

	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if requestID := ctx.Value(RequestIDKey); requestID != nil {
		entry = entry.WithField("request_id", requestID)
	}
	if identity := ctx.Value(IdentityKey); identity != nil {
		entry = entry.WithField("identity", identity)
	}

	return entry
}

// KeyEvent logs key-pair lifecycle events. Only fingerprints are ever logged.
func (l *Logger) KeyEvent(ctx context.Context, event, identity, fingerprint string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"key_event":   true,
		"event":       event,
		"identity":    identity,
		"fingerprint": fingerprint,
		"details":     details,
	}).Info("Key event")
}

// Access logs grant, revoke and resolve outcomes
func (l *Logger) Access(ctx context.Context, action, owner, recipient, documentID string, success bool, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"access":      true,
		"action":      action,
		"owner":       owner,
		"recipient":   recipient,
		"document_id": documentID,
		"success":     success,
		"details":     details,
	})

	if success {
		entry.Info("Access event")
	} else {
		entry.Warn("Access event failed")
	}
}

// Security logs security-related events
func (l *Logger) Security(ctx context.Context, event, identity string, details map[string]interface{}) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"security": true,
		"event":    event,
		"identity": identity,
		"details":  details,
	}).Warn("Security event")
}

// LedgerTransaction logs ledger transaction events
func (l *Logger) LedgerTransaction(ctx context.Context, function string, success bool, txID string, details map[string]interface{}) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"ledger":         true,
		"function":       function,
		"success":        success,
		"transaction_id": txID,
		"details":        details,
	})

	if success {
		entry.Info("Ledger transaction completed")
	} else {
		entry.Error("Ledger transaction failed")
	}
}

// HTTPRequest logs HTTP request events
func (l *Logger) HTTPRequest(ctx context.Context, method, path, clientIP string, statusCode int, duration int64) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"http_request": true,
		"method":       method,
		"path":         path,
		"client_ip":    clientIP,
		"status_code":  statusCode,
		"duration_ms":  duration,
	})

	if statusCode >= 400 {
		entry.Warn("HTTP request completed with error")
	} else {
		entry.Info("HTTP request completed")
	}
}
