package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Stream tracing mirrors every chunk that passes through a session to a
// dedicated log file, keyed by session ID and chunk index. It is disabled by
// default and intended for debugging garbled or reordered streams.

var (
	traceMu     sync.Mutex
	traceLogger *zerolog.Logger
	traceFile   *os.File
)

// EnableTrace opens (or creates) the trace file and starts recording chunks.
func EnableTrace(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}

	l := zerolog.New(f).With().Timestamp().Logger()

	traceMu.Lock()
	defer traceMu.Unlock()
	if traceFile != nil {
		traceFile.Close()
	}
	traceFile = f
	traceLogger = &l
	return nil
}

// DisableTrace stops recording and closes the trace file.
func DisableTrace() {
	traceMu.Lock()
	defer traceMu.Unlock()
	if traceFile != nil {
		traceFile.Close()
		traceFile = nil
	}
	traceLogger = nil
}

// TraceChunk records a single stream chunk. No-op when tracing is disabled.
func TraceChunk(sessionID string, index int, chunk string) {
	traceMu.Lock()
	l := traceLogger
	traceMu.Unlock()
	if l == nil {
		return
	}
	l.Debug().
		Str("sessionID", sessionID).
		Int("chunk", index).
		Int("len", len(chunk)).
		Str("text", chunk).
		Msg("stream chunk")
}

// TraceComplete records end-of-stream aggregate stats. No-op when tracing is disabled.
func TraceComplete(sessionID string, chunkCount, totalBytes int) {
	traceMu.Lock()
	l := traceLogger
	traceMu.Unlock()
	if l == nil {
		return
	}
	l.Debug().
		Str("sessionID", sessionID).
		Int("chunks", chunkCount).
		Int("bytes", totalBytes).
		Msg("stream complete")
}
