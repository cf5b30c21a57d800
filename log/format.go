package log

import (
	"fmt"
	"strings"
)

// Format is a log output encoding. It implements the pflag.Value interface.
type Format uint

const (
	FmtLogfmt Format = iota
	FmtJSON
)

func (f *Format) String() string {
	switch *f {
	case FmtLogfmt:
		return "logfmt"
	case FmtJSON:
		return "json"
	default:
		panic(fmt.Sprintf("log: unsupported format %d", uint(*f)))
	}
}

func (f *Format) Set(s string) error {
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*f = format
	return nil
}

func (f *Format) Type() string {
	return "[logfmt,json]"
}

// ParseFormat parses a case-insensitive format name.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "logfmt":
		return FmtLogfmt, nil
	case "json":
		return FmtJSON, nil
	default:
		return 0, fmt.Errorf("log: invalid log format: '%s'", s)
	}
}
