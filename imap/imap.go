// Package imap stores a copy of every delivered message in an IMAP folder.
package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/outbox-mailer/model"
)

var ErrEmptyMessage = errors.New("message is empty")

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
}

// Appender appends messages to a folder over one lazily opened connection.
// Appends are serialised.
type Appender struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	client  *imapclient.Client
	cleanup func()
}

func NewAppender(opts Options, logger *slog.Logger) (*Appender, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	return &Appender{opts: opts, logger: logger}, nil
}

func (a *Appender) Name() string {
	return "imap"
}

func (a *Appender) Deliver(ctx context.Context, msg model.Message) error {
	if len(msg.Raw) == 0 {
		return ErrEmptyMessage
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		client, cleanup, err := a.dial(ctx)
		if err != nil {
			return err
		}
		a.client, a.cleanup = client, cleanup
	}

	if err := a.appendMessage(msg); err != nil {
		// Drop the connection so the next message redials.
		a.closeLocked()
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}

	if a.logger != nil {
		a.logger.Debug("stored copy", "messageId", msg.ID, "folder", a.folder())
	}
	return nil
}

func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeLocked()
	return nil
}

func (a *Appender) closeLocked() {
	if a.cleanup != nil {
		a.cleanup()
	}
	a.client, a.cleanup = nil, nil
}

func (a *Appender) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(a.opts.Host, strconv.Itoa(a.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)
	if a.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         a.opts.Host,
			InsecureSkipVerify: a.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(a.opts.Username, a.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if err := a.ensureMailbox(client); err != nil {
		_ = client.Close()
		return nil, nil, err
	}

	if a.logger != nil {
		a.logger.Debug("imap connection established", "address", address, "user", a.opts.Username, "folder", a.folder(), "tls", a.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && a.logger != nil {
				a.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && a.logger != nil {
			a.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (a *Appender) appendMessage(msg model.Message) error {
	opts := &imapv2.AppendOptions{Flags: []imapv2.Flag{imapv2.FlagSeen}}
	if !msg.Date.IsZero() {
		opts.Time = msg.Date
	}

	cmd := a.client.Append(a.folder(), int64(len(msg.Raw)), opts)

	remaining := msg.Raw
	for len(remaining) > 0 {
		n, err := cmd.Write(remaining)
		if err != nil {
			_ = cmd.Close()
			return fmt.Errorf("append write: %w", err)
		}
		if n == 0 {
			_ = cmd.Close()
			return fmt.Errorf("append write: wrote 0 bytes")
		}
		remaining = remaining[n:]
	}

	if err := cmd.Close(); err != nil {
		return fmt.Errorf("append close: %w", err)
	}
	if _, err := cmd.Wait(); err != nil {
		return fmt.Errorf("append wait: %w", err)
	}
	return nil
}

func (a *Appender) folder() string {
	if a.opts.Folder == "" {
		return "Sent"
	}
	return a.opts.Folder
}

func (a *Appender) ensureMailbox(client *imapclient.Client) error {
	target := a.folder()
	if err := client.Create(target, nil).Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) && respErr.Code == imapv2.ResponseCodeAlreadyExists {
			if a.logger != nil {
				a.logger.Debug("imap mailbox already exists", "mailbox", target)
			}
			return nil
		}
		return fmt.Errorf("ensure mailbox %s: %w", target, err)
	}

	if a.logger != nil {
		a.logger.Info("imap mailbox created", "mailbox", target)
	}
	return nil
}
