package spawn

import (
	"strings"
	"sync"

	"github.com/socialgouv/buildsrv/pkg/logger"
)

// logWriter is an io.Writer that forwards complete lines of child output to
// a logger, buffering partial lines
type logWriter struct {
	logger     logger.Logger
	streamType string // "stdout" or "stderr"
	buffer     []byte
	bufferLock sync.Mutex
}

func newLogWriter(log logger.Logger, streamType string) *logWriter {
	return &logWriter{
		logger:     log.WithField(logger.FieldStream, streamType),
		streamType: streamType,
	}
}

func (w *logWriter) Write(p []byte) (n int, err error) {
	w.bufferLock.Lock()
	defer w.bufferLock.Unlock()

	w.buffer = append(w.buffer, p...)

	for _, line := range w.processBuffer() {
		if line != "" {
			w.logLine(line)
		}
	}

	return len(p), nil
}

// logLine logs a single line. Output is not interpreted beyond picking a level.
func (w *logWriter) logLine(line string) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "exception") || strings.Contains(lower, "error"):
		w.logger.Warn(line)
	case w.streamType == "stderr":
		w.logger.Info(line)
	default:
		w.logger.Debug(line)
	}
}

// processBuffer returns complete lines and keeps any trailing partial line
func (w *logWriter) processBuffer() []string {
	var lines []string
	start := 0

	for i, b := range w.buffer {
		if b == '\n' {
			lines = append(lines, strings.TrimSuffix(string(w.buffer[start:i]), "\r"))
			start = i + 1
		}
	}

	if start > 0 {
		w.buffer = w.buffer[start:]
	}

	return lines
}

// Flush forces any buffered data to be written
func (w *logWriter) Flush() {
	w.bufferLock.Lock()
	defer w.bufferLock.Unlock()

	if len(w.buffer) > 0 {
		w.logger.WithField("incomplete", true).Info(string(w.buffer))
		w.buffer = nil
	}
}
