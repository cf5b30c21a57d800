package log

import (
	"fmt"
	"strings"
)

// Level is a log level. It implements the pflag.Value interface so it can
// be bound directly to a cobra flag.
type Level uint

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var levelNames = map[Level]string{
	LevelDebug: "debug",
	LevelInfo:  "info",
	LevelWarn:  "warn",
	LevelError: "error",
}

func (l *Level) String() string {
	name, ok := levelNames[*l]
	if !ok {
		panic(fmt.Sprintf("log: unsupported log level %d", uint(*l)))
	}
	return name
}

func (l *Level) Set(s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = lvl
	return nil
}

func (l *Level) Type() string {
	return "[debug,info,warn,error]"
}

// ParseLevel parses a case-insensitive level name.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for lvl, name := range levelNames {
		if name == s {
			return lvl, nil
		}
	}
	return 0, fmt.Errorf("log: invalid log level: '%s'", s)
}
