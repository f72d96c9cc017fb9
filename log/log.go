// Package log provides leveled file loggers for termmux.
// Logs are written to a file in the OS temp directory so the terminal
// itself stays clean. Set TERMMUX_DEBUG=1 to enable debug logging.
package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
)

var logFileName = filepath.Join(os.TempDir(), "termmux.log")

var (
	InfoLog    *log.Logger
	WarningLog *log.Logger
	ErrorLog   *log.Logger
	DebugLog   *log.Logger

	enabled bool
	logFile *os.File
)

func init() {
	// No-op loggers until Initialize is called so library users who never
	// initialize logging don't hit nil pointers.
	discardAll()
}

func discardAll() {
	InfoLog = log.New(io.Discard, "", 0)
	WarningLog = log.New(io.Discard, "", 0)
	ErrorLog = log.New(io.Discard, "", 0)
	DebugLog = log.New(io.Discard, "", 0)
}

// Initialize opens the log file and sets up the leveled loggers.
// Call Close before the program exits.
func Initialize(daemon bool) {
	if enabled {
		return
	}

	name := logFileName
	if daemon {
		name = filepath.Join(os.TempDir(), "termmuxd.log")
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		// Keep the discard loggers; logging is best effort.
		return
	}

	flags := log.Ldate | log.Ltime | log.Lshortfile
	InfoLog = log.New(f, "INFO: ", flags)
	WarningLog = log.New(f, "WARNING: ", flags)
	ErrorLog = log.New(f, "ERROR: ", flags)
	if os.Getenv("TERMMUX_DEBUG") == "1" {
		DebugLog = log.New(f, "DEBUG: ", flags|log.Lmicroseconds)
	}

	logFile = f
	enabled = true
}

// Every caller of Initialize should defer Close.
func Close() {
	if logFile != nil {
		_ = logFile.Close()
		fmt.Println("wrote logs to " + logFileName)
		logFile = nil
	}
	enabled = false
	discardAll()
}

// Enabled reports whether logging has been initialized with a real sink.
func Enabled() bool {
	return enabled
}
