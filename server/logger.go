// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"time"

	"github.com/nats-io/nuid"
	"github.com/pion/logging"
	"golang.org/x/time/rate"
)

// rateLimitedLogInterval bounds how often Logger.WarnOnce actually emits a
// line for a sustained flood of warnings.
const rateLimitedLogInterval = 5 * time.Second

// loggerFactory is process-wide, matching the teacher's single
// DefaultLoggerFactory per server instance.
var loggerFactory = logging.NewDefaultLoggerFactory()

// Logger stamps every line with a per-session correlation id and,
// optionally, a stream id and host:port.
type Logger struct {
	leveled logging.LeveledLogger
	corrID  string
	stream  string // "id host:port", empty at session scope

	// noisy throttles repetitive warnings (connects denied by policy, such
	// as blocked-port floods, and failed dials) so one bad actor can't
	// drown the log. It is a pointer so that the stream-scoped copies made
	// by WithStream share one limiter with their session logger.
	noisy *rate.Sometimes
}

// NewSessionLogger allocates a correlation id and returns a session-scoped
// logger.
func NewSessionLogger() *Logger {
	return &Logger{
		leveled: loggerFactory.NewLogger("wisp"),
		corrID:  nuid.Next(),
		noisy:   &rate.Sometimes{Interval: rateLimitedLogInterval},
	}
}

// WithStream returns a copy scoped to a given stream id and target
// host:port, for the lifetime of one forwarded connection.
func (l *Logger) WithStream(id uint32, hostport string) *Logger {
	cp := *l
	cp.stream = fmt.Sprintf("%d %s", id, hostport)
	return &cp
}

// SessionID returns this logger's correlation id.
func (l *Logger) SessionID() string { return l.corrID }

func (l *Logger) prefix() string {
	if l.stream == "" {
		return "[" + l.corrID + "] "
	}
	return "[" + l.corrID + " " + l.stream + "] "
}

func (l *Logger) Trace(args ...interface{}) { l.leveled.Trace(l.prefix() + fmt.Sprint(args...)) }
func (l *Logger) Debug(args ...interface{}) { l.leveled.Debug(l.prefix() + fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.leveled.Info(l.prefix() + fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.leveled.Warn(l.prefix() + fmt.Sprint(args...)) }

func (l *Logger) Tracef(format string, args ...interface{}) {
	l.leveled.Trace(l.prefix() + fmt.Sprintf(format, args...))
}
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.leveled.Debug(l.prefix() + fmt.Sprintf(format, args...))
}
func (l *Logger) Infof(format string, args ...interface{}) {
	l.leveled.Info(l.prefix() + fmt.Sprintf(format, args...))
}
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.leveled.Warn(l.prefix() + fmt.Sprintf(format, args...))
}

// WarnOnce behaves like Warnf but is throttled: every WarnOnce call on a
// session logger and its stream-scoped copies shares one limiter, so under
// a sustained flood of warnings (e.g. a client hammering a blocked port) it
// logs at most once per rateLimitedLogInterval instead of once per
// offending frame.
func (l *Logger) WarnOnce(format string, args ...interface{}) {
	l.noisy.Do(func() { l.leveled.Warn(l.prefix() + fmt.Sprintf(format, args...)) })
}
