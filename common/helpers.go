package common

import (
	"io"

	"github.com/waveyops/ledgerwatch/log"
)

func CloseOrLog(c io.Closer, logger *log.Logger) {
	if err := c.Close(); err != nil {
		logger.Warn("close failed", "err", err)
	}
}

// Ptr returns a pointer to a copy of v.
func Ptr[T any](v T) *T {
	return &v
}
