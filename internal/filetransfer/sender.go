// Package filetransfer pushes a file to the scanner's storage using the
// FileStart / FileData / FileEnd exchange.
package filetransfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/MaxwellDPS/Flock-You-Android-sub008/internal/protocol"
	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotReady is returned when no session is ready to carry the transfer.
	ErrNotReady = errors.New("scanner not ready for file transfer")
	// ErrSizeMismatch is returned when the reader yields more or fewer bytes
	// than announced in FileStart.
	ErrSizeMismatch = errors.New("file size mismatch")
	// ErrInvalidPath is returned for an empty or oversized destination path.
	ErrInvalidPath = errors.New("invalid destination path")
)

// Requester writes requests to the active session.
type Requester interface {
	SendRequest(req protocol.Request) error
	IsReady() bool
}

// Config tunes chunking.
type Config struct {
	ChunkSize int `default:"256"`
	// ChunkDelay paces FileData frames for slow links; zero sends back to back.
	ChunkDelay time.Duration
}

// Progress is reported after every chunk.
type Progress struct {
	Path  string
	Sent  int64
	Total int64
}

// Sender runs file transfers over a Requester.
type Sender struct {
	cfg    Config
	req    Requester
	logger *logrus.Logger

	// OnProgress, when set, is called after each FileData frame.
	OnProgress func(Progress)
}

// NewSender creates a sender writing through req.
func NewSender(req Requester, cfg Config, logger *logrus.Logger) *Sender {
	if logger == nil {
		logger = logrus.New()
	}
	defaults.SetDefaults(&cfg)
	if cfg.ChunkSize > protocol.MaxPayloadSize {
		cfg.ChunkSize = protocol.MaxPayloadSize
	}
	return &Sender{cfg: cfg, req: req, logger: logger}
}

// Send transfers size bytes from r to path on the device. Once FileStart has
// been written any failure is followed by a FileAbort.
func (s *Sender) Send(ctx context.Context, path string, r io.Reader, size int64) (err error) {
	if path == "" || len(path) >= protocol.MaxFilePathLen {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if size < 0 || size > math.MaxUint32 {
		return fmt.Errorf("%w: %d bytes cannot be announced", ErrSizeMismatch, size)
	}
	if !s.req.IsReady() {
		return ErrNotReady
	}

	log := s.logger.WithFields(logrus.Fields{
		"path": path,
		"size": size,
	})
	if err := s.req.SendRequest(&protocol.FileStart{Path: path, Size: uint32(size)}); err != nil {
		return fmt.Errorf("file start: %w", err)
	}
	log.Info("File transfer started")

	defer func() {
		if err == nil {
			return
		}
		if abortErr := s.req.SendRequest(&protocol.FileAbort{}); abortErr != nil {
			log.WithError(abortErr).Warn("Failed to abort file transfer")
		}
		log.WithError(err).Warn("File transfer aborted")
	}()

	var sent int64
	buf := make([]byte, s.cfg.ChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(r, buf)
		if n > 0 {
			if sent+int64(n) > size {
				return fmt.Errorf("%w: reader has more than %d bytes", ErrSizeMismatch, size)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if err := s.req.SendRequest(&protocol.FileData{Data: chunk}); err != nil {
				return fmt.Errorf("file data at offset %d: %w", sent, err)
			}
			sent += int64(n)
			if s.OnProgress != nil {
				s.OnProgress(Progress{Path: path, Sent: sent, Total: size})
			}
			if s.cfg.ChunkDelay > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(s.cfg.ChunkDelay):
				}
			}
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("read source: %w", readErr)
		}
	}

	if sent != size {
		return fmt.Errorf("%w: read %d of %d bytes", ErrSizeMismatch, sent, size)
	}
	if err := s.req.SendRequest(&protocol.FileEnd{}); err != nil {
		return fmt.Errorf("file end: %w", err)
	}
	log.WithField("bytes", sent).Info("File transfer complete")
	return nil
}
