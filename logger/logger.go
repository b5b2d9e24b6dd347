/*
Package logger provides a very basic interface to logging throughout the checker.

By default, it logs to standard out and when SetupLogger is called it outputs to a file
placed next to the executable, on windows it also outputs to OutputDebugString facility
if level is debug.

Verbosity is controlled with SetVerbose, which switches the global zerolog level
between info and debug.
*/
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	log "github.com/rs/zerolog"

	"github.com/nyaosorg/go-windows-dbg"
)

// _log customized logger instance
var _log log.Logger

// _logFile customized logger output file
var _logFile *os.File

func init() {
	_log = log.New(os.Stdout).With().Timestamp().Logger()
	log.SetGlobalLevel(log.InfoLevel)
}

// getLoggerFile Sets up a new logging file overwriting the previous one if found
func getLoggerFile(logName string) *os.File {
	execPath, err := os.Executable()
	if err != nil {
		Panic("Could not find executable: %s", err)
	}

	logFile := filepath.Join(filepath.Dir(execPath), logName)

	_logFile, err = os.OpenFile(logFile, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		Panic("%v", err)
	}
	return _logFile
}

// SetupLogger Sets up a new logger destroying the previous one to a file with name "closecheck-<logName>.log"
func SetupLogger(logName string) {
	CloseLogger()

	_logFile = getLoggerFile(fmt.Sprintf("closecheck-%s.log", logName))

	_log = log.New(_logFile).Level(log.DebugLevel).
		With().Timestamp().Logger()
}

// SetVerbose switches the global level to debug if verbose is true, info otherwise
func SetVerbose(verbose bool) {
	if verbose {
		log.SetGlobalLevel(log.DebugLevel)
		return
	}
	log.SetGlobalLevel(log.InfoLevel)
}

// CloseLogger Terminates the current log and resets it to stdout output
func CloseLogger() {
	if _logFile == nil {
		return
	}
	_ = _logFile.Sync()
	_ = _logFile.Close()
	_logFile = nil

	_log = log.New(os.Stdout).With().Timestamp().Logger()
}

// debugOutput mirrors the message to the OutputDebugString facility on windows when debug is active
func debugOutput(format string, values ...interface{}) {
	if runtime.GOOS == "windows" && log.GlobalLevel() <= log.DebugLevel {
		_, _ = dbg.Printf(format, values...)
	}
}

// Info Outputs a new formatted string with the provided parameters to the logger instance with Info level
func Info(format string, values ...interface{}) {
	_log.Info().Msgf(format, values...)
	debugOutput(format, values...)
}

// Debug Outputs a new formatted string with the provided parameters to the logger instance with Debug level
func Debug(format string, values ...interface{}) {
	_log.Debug().Msgf(format, values...)
	debugOutput(format, values...)
}

// Warning Outputs a new formatted string with the provided parameters to the logger instance with Warn level
func Warning(format string, values ...interface{}) {
	_log.Warn().Msgf(format, values...)
	debugOutput(format, values...)
}

// Error Outputs a new formatted string with the provided parameters to the logger instance with Error level
func Error(format string, values ...interface{}) {
	_log.Error().Msgf(format, values...)
	debugOutput(format, values...)
}

// Panic Outputs a new formatted string with the provided parameters to the logger instance with Error level
// and then panics with the same formatted string
func Panic(format string, values ...interface{}) {
	_log.Error().Msgf(format, values...)
	debugOutput(format, values...)
	panic(fmt.Sprintf(format, values...))
}

// OnError method sends an error log only if the err value in input is not nil
func OnError(err error, msg string) {
	if err == nil {
		return
	}
	Error("error %v "+msg, err.Error())
}
