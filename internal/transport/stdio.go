// Package transport moves raw JSON-RPC messages between a client and a
// Handler. Framing is per transport: newline-delimited on stdio, one message
// per frame on websocket.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

// Handler resolves one wire message and returns the encoded response, or nil
// when there is nothing to send back.
type Handler interface {
	HandleWireMessage(ctx context.Context, raw []byte) []byte
}

// Stdio serves newline-delimited messages from in and writes responses to
// out, one per line. Messages are handled concurrently; writes are serialized.
type Stdio struct {
	handler Handler
	in      io.Reader
	out     io.Writer
	logger  zerolog.Logger

	writeMu sync.Mutex
}

// NewStdio creates a Stdio transport.
func NewStdio(handler Handler, in io.Reader, out io.Writer, logger zerolog.Logger) *Stdio {
	return &Stdio{
		handler: handler,
		in:      in,
		out:     out,
		logger:  logger.With().Str("transport", "stdio").Logger(),
	}
}

// Serve reads until EOF or ctx is cancelled, then waits for in-flight
// messages. EOF is a clean shutdown and returns nil.
func (s *Stdio) Serve(ctx context.Context) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		r := bufio.NewReader(s.in)
		for {
			line, err := r.ReadBytes('\n')
			if len(bytes.TrimSpace(line)) > 0 {
				select {
				case lines <- line:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
		}
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-readErr:
					return errors.Errorf("reading stdin: %w", err)
				default:
					s.logger.Info().Msg("input closed")
					return nil
				}
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				if resp := s.handler.HandleWireMessage(ctx, line); resp != nil {
					s.write(resp)
				}
			}()
		}
	}
}

func (s *Stdio) write(resp []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(append(resp, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("writing response")
	}
}
