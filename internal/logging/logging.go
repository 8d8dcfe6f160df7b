// Package logging configures the process-wide logger and provides the small
// set of helpers the rest of toolchat logs through.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mwiater/toolchat/internal/util"
)

// maxPayloadRunes caps how much of one payload LogRequest writes.
const maxPayloadRunes = 8192

var (
	mu      sync.Mutex
	logFile *os.File
)

// Init points the logger at logPath (created if needed) and sets the level.
// With an empty path, or when echo is set, entries also go to stderr.
func Init(logPath, level string, echo bool) error {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(parseLevel(level))

	var writers []io.Writer
	if logPath == "" || echo {
		writers = append(writers, os.Stderr)
	}

	if logPath != "" {
		if dir := filepath.Dir(logPath); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFile = file
		writers = append(writers, logFile)
	}

	logrus.SetOutput(io.MultiWriter(writers...))
	return nil
}

// Close restores stderr output and closes the log file, if any.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return nil
	}
	logrus.SetOutput(os.Stderr)
	err := logFile.Close()
	logFile = nil
	return err
}

func parseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return logrus.TraceLevel
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// LogEvent records a free-form informational line.
func LogEvent(format string, args ...any) {
	logrus.Info(fmt.Sprintf(format, args...))
}

// WithFields returns an entry carrying the given structured fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logrus.WithFields(fields)
}

// LogRequest records a payload crossing a process boundary, e.g. "TOOLCHAT->MCP".
// Payloads are logged at debug level because they can be large.
func LogRequest(direction, provider, model, tool string, payload any) {
	logrus.WithFields(requestFields(direction, provider, model, tool)).Debug(util.TruncateRunes(formatPayload(payload), maxPayloadRunes))
}

// Writer returns a writer that logs each line written to it with fields.
// Callers must close it when the producer goes away.
func Writer(fields logrus.Fields) *io.PipeWriter {
	return logrus.WithFields(fields).WriterLevel(logrus.WarnLevel)
}

func requestFields(direction, provider, model, tool string) logrus.Fields {
	dir := strings.ToUpper(strings.TrimSpace(direction))
	providerValue := strings.TrimSpace(provider)
	if providerValue == "" {
		providerValue = "unknown"
	}
	modelValue := strings.TrimSpace(model)
	if modelValue == "" {
		modelValue = "unknown"
	}
	fields := logrus.Fields{
		"direction": dir,
		"provider":  providerValue,
		"model":     modelValue,
	}
	if tool = strings.TrimSpace(tool); tool != "" {
		fields["tool"] = tool
	}
	return fields
}

func formatPayload(payload any) string {
	switch v := payload.(type) {
	case nil:
		return "null"
	case string:
		if strings.TrimSpace(v) == "" {
			return `""`
		}
		return v
	case []byte:
		if len(v) == 0 {
			return "[]"
		}
		return string(v)
	case fmt.Stringer:
		return v.String()
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}
