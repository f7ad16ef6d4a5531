// Package xlog is the transport's logging façade: a package-level leveled
// logger backed by gopkg.in/op/go-logging.v1, in the same shape as the
// teacher's hand-rolled pkg/logger (package-level default instance,
// SetLevel, free-function Debug/Info/Warn/Error) but backed by a real
// leveled logging library instead of a hand-rolled ANSI wrapper.
package xlog

import (
	"os"

	logging "gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("reliudp")

func init() {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{time:15:04:05.000} %{level:.4s} %{shortfunc} ▶ %{message}`,
	)
	formatted := logging.NewBackendFormatter(backend, formatter)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(logging.INFO, "")
	logging.SetBackend(leveled)
}

// SetLevel sets the minimum level this logger emits. Valid levels are the
// gopkg.in/op/go-logging.v1 constants (DEBUG, INFO, WARNING, ERROR, ...).
func SetLevel(level logging.Level) {
	logging.SetLevel(level, "reliudp")
}

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warningf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
