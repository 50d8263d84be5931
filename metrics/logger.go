package metrics

import (
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Logger interface {
	Log(info *MetricsInfo)
}

// ZapLogger writes each request's metrics as a single structured log line.
type ZapLogger struct {
	logger *zap.Logger
}

func NewZapLogger(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger.Named("metrics")}
}

func (l *ZapLogger) Log(info *MetricsInfo) {
	infoStr, err := info.ToJSON()
	if err != nil {
		l.logger.Error("ZapLogger: encode error", zap.Error(err))
		return
	}
	l.logger.Info("request",
		zap.String("request_id", info.RequestID),
		zap.Int("status", info.HTTPStatus),
		zap.Duration("duration", info.ReqDuration),
		zap.Any("metrics", rawJSON(infoStr)))
}

type rawJSON string

func (r rawJSON) MarshalJSON() ([]byte, error) {
	return []byte(strings.TrimSpace(string(r))), nil
}

const defaultQueueSize = 2000
const defaultLogWriters = 2
const defaultMaxLogFileSize = 1024 * 1024 * 1024
const defaultMaxLogFiles = 10

// FileLogger appends metrics as JSON lines to files under LogDir. Each
// writer goroutine owns one file, log<idx>, which is rotated into
// log<idx>.<n> once it reaches MaxLogFileSize.
type FileLogger struct {
	MetricsQueue   chan *MetricsInfo
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	logger *zap.Logger
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, logger *zap.Logger, verbose bool) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	l := &FileLogger{
		MetricsQueue:   make(chan *MetricsInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
		logger:         logger.Named("metrics"),
		done:           make(chan struct{}, defaultLogWriters),
	}

	for i := 0; i < defaultLogWriters; i++ {
		go l.startLogWriter(i)
	}

	return l
}

// Log queues info; it drops the entry when the queue is full rather than
// blocking the request. Entries logged after Close are dropped.
func (l *FileLogger) Log(info *MetricsInfo) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Debug("FileLogger: closed, dropping metrics", zap.String("request_id", info.RequestID))
		return
	}
	select {
	case l.MetricsQueue <- info:
	default:
		l.logger.Warn("FileLogger: queue full, dropping metrics", zap.String("request_id", info.RequestID))
	}
}

// Close stops the writers after the queue has drained. Only the first
// call has an effect.
func (l *FileLogger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.MetricsQueue)
	l.mu.Unlock()

	for i := 0; i < defaultLogWriters; i++ {
		<-l.done
	}
}

func (l *FileLogger) startLogWriter(idx int) {
	defer func() { l.done <- struct{}{} }()

	f, err := l.openLogFile(idx)
	if err != nil {
		l.logger.Error("FileLogger: log open error", zap.Int("writer", idx), zap.Error(err))
	}

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			l.logger.Error("FileLogger: encode error", zap.Int("writer", idx), zap.Error(err))
			continue
		}
		if f == nil {
			if f, err = l.openLogFile(idx); err != nil {
				continue
			}
		}
		f = l.tryRotateLogFile(f, idx)
		if f == nil {
			continue
		}

		if _, err := f.WriteString(infoStr); err != nil {
			l.logger.Error("FileLogger: write error", zap.Int("writer", idx), zap.Error(err))
			continue
		}
		f.Sync()
	}
	if f != nil {
		f.Close()
	}
}

func (l *FileLogger) logFilePath(idx int) string {
	return path.Join(l.LogDir, fmt.Sprintf("log%d", idx))
}

func (l *FileLogger) openLogFile(idx int) (*os.File, error) {
	return os.OpenFile(l.logFilePath(idx), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

// tryRotateLogFile returns the file to write the next entry to, or nil if
// the log could not be reopened.
func (l *FileLogger) tryRotateLogFile(currFile *os.File, idx int) *os.File {
	info, err := currFile.Stat()
	if err != nil {
		l.logger.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return currFile
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile
	}

	rotatedLogFilePath := l.nextRotatedPath(idx)
	if rotatedLogFilePath == "" {
		return currFile
	}

	currFile.Close()
	if err := os.Rename(l.logFilePath(idx), rotatedLogFilePath); err != nil {
		l.logger.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
	} else if l.Verbose {
		l.logger.Info("FileLogger: log file rotated", zap.String("path", rotatedLogFilePath))
	}

	f, err := l.openLogFile(idx)
	if err != nil {
		l.logger.Error("FileLogger: log reopen error", zap.Int("writer", idx), zap.Error(err))
		return nil
	}
	return f
}

// nextRotatedPath picks the first free log<idx>.<n> slot, or the oldest
// existing one (removed here) once MaxLogFiles slots are used.
func (l *FileLogger) nextRotatedPath(idx int) string {
	for i := 0; i < l.MaxLogFiles; i++ {
		filePath := path.Join(l.LogDir, fmt.Sprintf("log%d.%d", idx, i))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			return filePath
		}
	}

	files, err := ioutil.ReadDir(l.LogDir)
	if err != nil {
		l.logger.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return ""
	}

	var oldestFile os.FileInfo
	oldestTime := time.Now()
	for _, file := range files {
		if !file.Mode().IsRegular() {
			continue
		}
		fileName := filepath.Base(file.Name())
		if fileName == fmt.Sprintf("log%d", idx) {
			continue
		}
		if strings.TrimSuffix(fileName, path.Ext(fileName)) != fmt.Sprintf("log%d", idx) {
			continue
		}
		if file.ModTime().Before(oldestTime) {
			oldestFile = file
			oldestTime = file.ModTime()
		}
	}

	rotated := path.Join(l.LogDir, fmt.Sprintf("log%d.%d", idx, 0))
	if oldestFile != nil {
		rotated = path.Join(l.LogDir, oldestFile.Name())
	}
	if l.Verbose {
		l.logger.Info("FileLogger: maximum number of log files reached", zap.String("overwriting", rotated))
	}
	if err := os.Remove(rotated); err != nil {
		l.logger.Error("FileLogger: log rotation error", zap.Int("writer", idx), zap.Error(err))
		return ""
	}
	return rotated
}
