package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
)

var (
	AppLogger   *log.Logger
	ProxyLogger *log.Logger
	ErrorLogger *log.Logger

	logLevel     string
	appLogFile   *os.File
	proxyLogFile *os.File
	initialized  bool
)

// Levels in increasing severity. A message is written when its level is at
// or above the configured one.
var levels = map[string]int{
	"DEBUG": 0,
	"INFO":  1,
	"WARN":  2,
	"ERROR": 3,
}

const logFlags = log.Ldate | log.Ltime | log.Lshortfile

// callDepth points log.Lshortfile at the caller of Info, ProxyWarn, etc.
const callDepth = 3

func InitGlobalLoggers(appLogPath, proxyLogPath, level string) error {
	if initialized && appLogFile != nil && proxyLogFile != nil && strings.ToUpper(level) == logLevel {
		return nil
	}
	closeFiles()

	logLevel = strings.ToUpper(level)
	if _, ok := levels[logLevel]; !ok {
		logLevel = "INFO"
	}

	ErrorLogger = log.New(os.Stderr, "ERROR: ", logFlags)

	var appDest, proxyDest string
	var appOut, proxyOut io.Writer
	appLogFile, appOut, appDest = openSink("app", appLogPath)
	proxyLogFile, proxyOut, proxyDest = openSink("proxy", proxyLogPath)
	AppLogger = log.New(appOut, "APP: ", logFlags)
	ProxyLogger = log.New(proxyOut, "PROXY: ", logFlags)

	if !initialized {
		AppLogger.Printf("App logger initialized. Log level: %s. Output file: %s", logLevel, appDest)
		ProxyLogger.Printf("Proxy logger initialized. Log level: %s. Output file: %s", logLevel, proxyDest)
	}
	initialized = true
	return nil
}

// openSink opens path for appending. When the file cannot be created the
// stream is discarded and the failure reported on stderr.
func openSink(name, path string) (*os.File, io.Writer, string) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0750); err != nil {
		ErrorLogger.Printf("Failed to create %s log directory %s: %v. %s logs will be discarded.", name, dir, err, name)
		return nil, io.Discard, "(discarded)"
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
	if err != nil {
		ErrorLogger.Printf("Failed to open %s log file %s: %v. %s logs will be discarded.", name, path, err, name)
		return nil, io.Discard, "(discarded)"
	}
	return f, f, path
}

func enabled(level string) bool {
	return levels[level] >= levels[logLevel]
}

func write(l *log.Logger, level, prefix, format string, v ...interface{}) {
	if l == nil || !enabled(level) {
		return
	}
	l.Output(callDepth, prefix+fmt.Sprintf(format, v...))
}

func Info(format string, v ...interface{}) {
	write(AppLogger, "INFO", "", format, v...)
}

func Debug(format string, v ...interface{}) {
	write(AppLogger, "DEBUG", "", format, v...)
}

func Warn(format string, v ...interface{}) {
	write(AppLogger, "WARN", "WARN: ", format, v...)
}

// Error always goes to stderr and, when a file is open, to the app log.
func Error(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if AppLogger != nil && appLogFile != nil {
		AppLogger.Output(2, message)
	}
}

func Fatal(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Fatal(message)
	}
	log.Fatal(message)
}

func ProxyInfo(format string, v ...interface{}) {
	write(ProxyLogger, "INFO", "", format, v...)
}

func ProxyDebug(format string, v ...interface{}) {
	write(ProxyLogger, "DEBUG", "", format, v...)
}

func ProxyWarn(format string, v ...interface{}) {
	write(ProxyLogger, "WARN", "WARN: ", format, v...)
}

func ProxyError(format string, v ...interface{}) {
	message := fmt.Sprintf(format, v...)
	if ErrorLogger != nil {
		ErrorLogger.Output(2, message)
	}
	if ProxyLogger != nil && proxyLogFile != nil {
		ProxyLogger.Output(2, message)
	}
}

func closeFiles() {
	if appLogFile != nil {
		appLogFile.Close()
		appLogFile = nil
	}
	if proxyLogFile != nil {
		proxyLogFile.Close()
		proxyLogFile = nil
	}
}

func CloseLogFiles() {
	if appLogFile != nil {
		AppLogger.Println("Closing app log file.")
	}
	if proxyLogFile != nil {
		ProxyLogger.Println("Closing proxy log file.")
	}
	closeFiles()
	initialized = false
}
