package logging

import (
	"io"
	"log"
	"os"
)

const prefix = "vpnprobe "

func New() *log.Logger {
	return NewTo(os.Stdout)
}

// NewTo writes to w. The test command logs to stderr so stdout carries only JSON.
func NewTo(w io.Writer) *log.Logger {
	return log.New(w, prefix, log.LstdFlags|log.LUTC)
}
