package logging

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultTimeFormatStr is the timestamp layout of every line an appender writes.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// Appender receives every entry a logger emits at or above its level. Any zapcore.Core satisfies
// it.
type Appender interface {
	Write(zapcore.Entry, []zapcore.Field) error
	// Sync flushes buffered entries, e.g. at shutdown.
	Sync() error
}

// ConsoleAppender writes one tab separated line per entry.
type ConsoleAppender struct {
	io.Writer
}

// NewWriterAppender creates a new appender that outputs to the input writer.
func NewWriterAppender(writer io.Writer) ConsoleAppender {
	return ConsoleAppender{writer}
}

func (appender ConsoleAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	line, encodeErr := formatLine(entry, fields)
	if _, err := fmt.Fprintln(appender.Writer, line); err != nil {
		return err
	}
	return encodeErr
}

// Sync is a no-op.
func (appender ConsoleAppender) Sync() error {
	return nil
}

// formatLine renders "<time>\t<LEVEL>\t<name>\t<caller>\t<msg>[\t<fields>]". Fields are encoded
// as a single JSON object in the order they were logged. When encoding fails the line is returned
// without them alongside the error.
func formatLine(entry zapcore.Entry, fields []zapcore.Field) (string, error) {
	var sb strings.Builder
	sb.WriteString(entry.Time.Format(DefaultTimeFormatStr))
	sb.WriteByte('\t')
	sb.WriteString(strings.ToUpper(entry.Level.String()))
	sb.WriteByte('\t')
	sb.WriteString(entry.LoggerName)
	if entry.Caller.Defined {
		sb.WriteByte('\t')
		sb.WriteString(callerToString(&entry.Caller))
	}
	sb.WriteByte('\t')
	sb.WriteString(entry.Message)
	if len(fields) == 0 {
		return sb.String(), nil
	}

	enc := zapcore.NewJSONEncoder(zapcore.EncoderConfig{SkipLineEnding: true})
	buf, err := enc.EncodeEntry(zapcore.Entry{}, fields)
	if err != nil {
		return sb.String(), err
	}
	defer buf.Free()
	sb.WriteByte('\t')
	sb.Write(buf.Bytes())
	return sb.String(), nil
}

// callerToString returns "<package>/<file>:<line>" for the entry's caller.
func callerToString(caller *zapcore.EntryCaller) string {
	dir, file := filepath.Split(caller.File)
	return fmt.Sprintf("%s/%s:%d", filepath.Base(dir), file, caller.Line)
}

// FileConfig describes a rotated log file.
type FileConfig struct {
	Path string
	// MaxSizeMB is the size at which the file is rotated. Zero uses 100 MB.
	MaxSizeMB int
	// MaxBackups is how many rotated files are kept. Zero keeps all of them.
	MaxBackups int
	Compress   bool
}

// FileAppender writes console formatted lines to a file that is rotated by size.
type FileAppender struct {
	ConsoleAppender
	file *lumberjack.Logger
}

// NewFileAppender opens cfg.Path lazily on the first write.
func NewFileAppender(cfg FileConfig) *FileAppender {
	file := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	return &FileAppender{ConsoleAppender: ConsoleAppender{file}, file: file}
}

// Rotate closes the current file, moves it aside and starts a new one.
func (fa *FileAppender) Rotate() error {
	return fa.file.Rotate()
}

// Close closes the file. A later write reopens it.
func (fa *FileAppender) Close() error {
	return fa.file.Close()
}
