// Package mbox keeps an mbox copy of every outgoing message.
package mbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/outbox-mailer/model"
)

var ErrClosed = errors.New("mbox archive is closed")

// Archive appends messages to an mbox file. It is safe for concurrent use.
type Archive struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	file   *os.File
	writer *mboxlib.Writer
	count  int
}

// Open opens path for appending, creating it if needed.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	return &Archive{
		path:   path,
		logger: logger,
		file:   file,
		writer: mboxlib.NewWriter(file),
	}, nil
}

func (a *Archive) Name() string {
	return "mbox"
}

func (a *Archive) Path() string {
	return a.path
}

// Deliver appends msg to the archive.
func (a *Archive) Deliver(ctx context.Context, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return ErrClosed
	}

	w, err := a.writer.CreateMessage(msg.From, msg.Date)
	if err != nil {
		return fmt.Errorf("mbox create message: %w", err)
	}
	if _, err := w.Write(bytes.ReplaceAll(msg.Raw, []byte("\r\n"), []byte("\n"))); err != nil {
		return fmt.Errorf("mbox write message: %w", err)
	}
	a.count++

	if a.logger != nil {
		a.logger.Debug("archived message", "path", a.path, "messageId", msg.ID)
	}
	return nil
}

// Written returns the number of messages appended through this archive.
func (a *Archive) Written() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.writer == nil {
		return nil
	}
	werr := a.writer.Close()
	ferr := a.file.Close()
	a.writer = nil
	a.file = nil
	if werr != nil {
		return werr
	}
	return ferr
}

// Count counts the messages in an mbox file.
func Count(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return 0, err
		}
		count++
	}
}
