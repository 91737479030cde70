// Package smtp delivers assembled messages to an SMTP relay.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/gomail.v2"

	"github.com/dhcgn/outbox-mailer/model"
)

const maxBackoff = 32 * time.Second

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	InsecureSkipVerify bool
	// RetryCount is the number of attempts per message.
	RetryCount   int
	RetryBackoff time.Duration
	// SendRate limits messages per second; 0 disables the limit.
	SendRate float64
}

type Sender struct {
	dialer       *gomail.Dialer
	retryCount   int
	retryBackoff time.Duration
	limiter      *rate.Limiter
	logger       *slog.Logger
}

func NewSender(opts Options, logger *slog.Logger) *Sender {
	d := gomail.NewDialer(opts.Host, opts.Port, opts.Username, opts.Password)
	if opts.InsecureSkipVerify {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	retryCount := opts.RetryCount
	if retryCount <= 0 {
		retryCount = 3
	}
	backoff := opts.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}

	var limiter *rate.Limiter
	if opts.SendRate > 0 {
		burst := int(opts.SendRate)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}

	if logger != nil {
		logger.Debug("smtp sender configured", "host", opts.Host, "port", opts.Port, "user", opts.Username, "retryCount", retryCount, "backoff", backoff)
	}

	return &Sender{
		dialer:       d,
		retryCount:   retryCount,
		retryBackoff: backoff,
		limiter:      limiter,
		logger:       logger,
	}
}

func (s *Sender) Name() string {
	return "smtp"
}

// Deliver sends msg, retrying with exponential backoff.
func (s *Sender) Deliver(ctx context.Context, msg model.Message) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	var lastErr error
	backoff := s.retryBackoff
	for attempt := 1; attempt <= s.retryCount; attempt++ {
		err := s.send(msg)
		if err == nil {
			if s.logger != nil {
				s.logger.Debug("smtp delivered", "messageId", msg.ID, "recipients", len(msg.Recipients), "attempt", attempt)
			}
			return nil
		}
		lastErr = err

		if attempt == s.retryCount {
			break
		}
		if s.logger != nil {
			s.logger.Warn("smtp send failed, retrying", "messageId", msg.ID, "attempt", attempt, "backoff", backoff, "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
	return fmt.Errorf("smtp send after %d attempts: %w", s.retryCount, lastErr)
}

func (s *Sender) send(msg model.Message) error {
	sc, err := s.dialer.Dial()
	if err != nil {
		return err
	}
	if err := sc.Send(msg.From, msg.Recipients, bytes.NewReader(msg.Raw)); err != nil {
		_ = sc.Close()
		return err
	}
	return sc.Close()
}

func (s *Sender) Host() string {
	return s.dialer.Host
}

func (s *Sender) Port() int {
	return s.dialer.Port
}
