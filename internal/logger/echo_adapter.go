package logger

import (
	"fmt"
	"io"
	"sync/atomic"

	echo_log "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter routes Echo's internal logging into a module logger.
// Output, prefix and header settings are ignored; SetLevel only narrows
// what Echo hands over, the central config still decides what is written.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(logger.Global().Module("api.echo"))
type EchoLoggerAdapter struct {
	logger Logger
	level  atomic.Uint32
}

// NewEchoLoggerAdapter creates an Echo logger passing everything from DEBUG up
func NewEchoLoggerAdapter(logger Logger) *EchoLoggerAdapter {
	if logger == nil {
		logger = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	a := &EchoLoggerAdapter{logger: logger}
	a.level.Store(uint32(echo_log.DEBUG))
	return a
}

func (a *EchoLoggerAdapter) Output() io.Writer     { return io.Discard }
func (a *EchoLoggerAdapter) SetOutput(_ io.Writer) {}
func (a *EchoLoggerAdapter) Prefix() string        { return "" }
func (a *EchoLoggerAdapter) SetPrefix(_ string)    {}
func (a *EchoLoggerAdapter) SetHeader(_ string)    {}

func (a *EchoLoggerAdapter) Level() echo_log.Lvl {
	return echo_log.Lvl(a.level.Load())
}

func (a *EchoLoggerAdapter) SetLevel(l echo_log.Lvl) {
	a.level.Store(uint32(l))
}

// emit forwards msg when lvl passes the Echo side level
func (a *EchoLoggerAdapter) emit(lvl echo_log.Lvl, msg string, fields ...Field) {
	if lvl < a.Level() {
		return
	}
	a.logger.Log(levelFromEcho(lvl), msg, fields...)
}

func levelFromEcho(lvl echo_log.Lvl) LogLevel {
	switch lvl {
	case echo_log.DEBUG:
		return LogLevelDebug
	case echo_log.WARN:
		return LogLevelWarn
	case echo_log.ERROR:
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

func (a *EchoLoggerAdapter) Print(i ...any) { a.emit(echo_log.INFO, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Printf(format string, args ...any) {
	a.emit(echo_log.INFO, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Printj(j echo_log.JSON) { a.emit(echo_log.INFO, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Debug(i ...any) { a.emit(echo_log.DEBUG, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Debugf(format string, args ...any) {
	a.emit(echo_log.DEBUG, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Debugj(j echo_log.JSON) { a.emit(echo_log.DEBUG, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Info(i ...any) { a.emit(echo_log.INFO, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Infof(format string, args ...any) {
	a.emit(echo_log.INFO, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Infoj(j echo_log.JSON) { a.emit(echo_log.INFO, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Warn(i ...any) { a.emit(echo_log.WARN, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Warnf(format string, args ...any) {
	a.emit(echo_log.WARN, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Warnj(j echo_log.JSON) { a.emit(echo_log.WARN, "echo", Any("data", j)) }

func (a *EchoLoggerAdapter) Error(i ...any) { a.emit(echo_log.ERROR, fmt.Sprint(i...)) }
func (a *EchoLoggerAdapter) Errorf(format string, args ...any) {
	a.emit(echo_log.ERROR, fmt.Sprintf(format, args...))
}
func (a *EchoLoggerAdapter) Errorj(j echo_log.JSON) { a.emit(echo_log.ERROR, "echo", Any("data", j)) }

// Fatal and Panic log at ERROR and panic; the server's recover middleware
// and the service shutdown path handle the rest.
func (a *EchoLoggerAdapter) Fatal(i ...any) { a.Panic(i...) }
func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) {
	a.Panicf(format, args...)
}
func (a *EchoLoggerAdapter) Fatalj(j echo_log.JSON) { a.Panicj(j) }

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicj(j echo_log.JSON) {
	a.logger.Error("echo", Any("data", j))
	panic(fmt.Sprintf("echo: %v", j))
}
