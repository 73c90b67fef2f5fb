package logging

import (
	"encoding/json"
	"errors"
	"io"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/attid/eurmtl/logger"
)

const (
	levelDebug = "debug"
	levelInfo  = "info"
	levelWarn  = "warn"
	levelError = "error"
	levelFatal = "fatal"
)

// Helper helps with writing logs to io.Writers.
// Helper implements logger.Logger interface.
// Writing is done concurrently without blocking the current goroutine.
type Helper struct {
	callOnErr   func(error)
	callOnFatal func(error)
	writers     []io.Writer
}

// New creates new Helper.
func New(callOnErr, callOnFatal func(error), writers ...io.Writer) Helper {
	return Helper{callOnErr: callOnErr, callOnFatal: callOnFatal, writers: writers}
}

// Debug writes debug log.
func (h Helper) Debug(msg string) {
	h.write(levelDebug, msg)
}

// Info writes info log.
func (h Helper) Info(msg string) {
	h.write(levelInfo, msg)
}

// Warn writes warning log.
func (h Helper) Warn(msg string) {
	h.write(levelWarn, msg)
}

// Error writes error log.
func (h Helper) Error(msg string) {
	h.write(levelError, msg)
}

// Fatal writes fatal log and invokes the fatal callback with the message.
func (h Helper) Fatal(msg string) {
	h.write(levelFatal, msg)
	h.callOnFatal(errors.New(msg))
}

func (h Helper) write(level, msg string) {
	l := logger.Log{
		ID:        primitive.NewObjectID(),
		CreatedAt: time.Now(),
		Level:     level,
		Msg:       msg,
	}
	go func() {
		raw, err := json.Marshal(&l)
		if err != nil {
			h.callOnErr(err)
			return
		}
		for _, w := range h.writers {
			if _, err := w.Write(raw); err != nil {
				h.callOnErr(err)
			}
		}
	}()
}
