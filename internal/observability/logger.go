package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{
		logger: logger,
	}
}

// WithDocument adds document_id context to logger.
func (l *Logger) WithDocument(docID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("document_id", docID).Logger(),
	}
}

// WithConnection adds connection_id context to logger.
func (l *Logger) WithConnection(connID string) *Logger {
	return &Logger{
		logger: l.logger.With().Str("connection_id", connID).Logger(),
	}
}

// WithClient adds client_id context to logger.
func (l *Logger) WithClient(clientID uint64) *Logger {
	return &Logger{
		logger: l.logger.With().Uint64("client_id", clientID).Logger(),
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

// Info logs an info message.
func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

// Error logs an error message.
func (l *Logger) Error(err error, msg string) {
	l.logger.Error().Err(err).Msg(msg)
}

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) {
	l.logger.Fatal().Err(err).Msg(msg)
}

// DocumentLoaded logs the first attach to a previously-unloaded document.
func (l *Logger) DocumentLoaded(docID string, encrypted bool) {
	l.logger.Info().
		Str("document_id", docID).
		Bool("encrypted", encrypted).
		Msg("document loaded")
}

// DocumentUnloaded logs a document's eviction once its last connection detaches.
func (l *Logger) DocumentUnloaded(docID string) {
	l.logger.Info().
		Str("document_id", docID).
		Msg("document unloaded")
}

// UpdateApplied logs a persisted and broadcast doc.update/doc.sync-step-2.
func (l *Logger) UpdateApplied(docID string, serverVersion uint64, payloadBytes int) {
	l.logger.Debug().
		Str("document_id", docID).
		Uint64("server_version", serverVersion).
		Int("payload_bytes", payloadBytes).
		Msg("update applied")
}

// DispatchRejected logs a frame the dispatcher dropped before persistence
// (dedupe hit, ACL denial, rate limit, malformed frame).
func (l *Logger) DispatchRejected(docID, connID, reason string) {
	l.logger.Warn().
		Str("document_id", docID).
		Str("connection_id", connID).
		Str("reason", reason).
		Msg("frame rejected")
}

// MilestoneCreated logs a new named milestone.
func (l *Logger) MilestoneCreated(docID, milestoneID, name string) {
	l.logger.Info().
		Str("document_id", docID).
		Str("milestone_id", milestoneID).
		Str("name", name).
		Msg("milestone created")
}

// ChunkStored logs a file-attachment chunk arrival.
func (l *Logger) ChunkStored(uploadID string, index int, size int) {
	l.logger.Debug().
		Str("upload_id", uploadID).
		Int("chunk_index", index).
		Int("chunk_size", size).
		Msg("chunk stored")
}

// UploadCompleted logs a content-addressed file upload reaching its
// declared file id with a verified Merkle root.
func (l *Logger) UploadCompleted(uploadID, fileID string, totalBytes int64, duration time.Duration) {
	l.logger.Info().
		Str("upload_id", uploadID).
		Str("file_id", fileID).
		Int64("total_bytes", totalBytes).
		Float64("duration_seconds", duration.Seconds()).
		Msg("upload completed")
}

// IntegrityFailed logs a Merkle verification or ciphertext authentication failure.
func (l *Logger) IntegrityFailed(what string, err error) {
	l.logger.Error().
		Str("what", what).
		Err(err).
		Msg("integrity check failed")
}

// ConnectionEstablished logs connection establishment.
func (l *Logger) ConnectionEstablished(remoteAddr string, connectionID string) {
	l.logger.Info().
		Str("remote_addr", remoteAddr).
		Str("connection_id", connectionID).
		Msg("connection established")
}

// ConnectionFailed logs connection failure.
func (l *Logger) ConnectionFailed(remoteAddr string, err error) {
	l.logger.Error().
		Str("remote_addr", remoteAddr).
		Err(err).
		Msg("connection failed")
}

// Helper function to get hostname.
func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
