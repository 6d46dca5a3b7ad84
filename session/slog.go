package session

import (
	"fmt"
	"log/slog"
)

// slogAdapter bridges the Printf logger interface to log/slog at debug
// level.
type slogAdapter struct {
	l *slog.Logger
}

func (a slogAdapter) Printf(format string, v ...interface{}) {
	a.l.Debug(fmt.Sprintf(format, v...))
}

// SetSlogLogger routes debug logging to a structured slog logger at
// LevelDebug, tagged with the session id.
func (s *Session) SetSlogLogger(l *slog.Logger) {
	s.SetLogger(slogAdapter{l: l.With("session_id", s.id.String())})
}
