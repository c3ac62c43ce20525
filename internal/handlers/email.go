package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/dyluth/hone/internal/queue"
	"github.com/dyluth/hone/pkg/telemetry"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// EmailHandler sends plain-text notifications via SMTP.
type EmailHandler struct {
	cfg  EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailHandler(cfg EmailConfig) *EmailHandler {
	return &EmailHandler{cfg: cfg, send: smtp.SendMail}
}

func (h *EmailHandler) MessageType() queue.MessageType { return queue.MessageTypeEmail }

func (h *EmailHandler) Handle(ctx context.Context, m queue.Message) error {
	ctx, span := telemetry.Tracer().Start(ctx, "handler.email")
	defer span.End()

	p, err := queue.DecodeBody[queue.EmailPayload](m)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid payload")
		return fmt.Errorf("invalid email payload: %w", err)
	}
	if p.To == "" {
		err := errors.New("email payload missing required field 'to'")
		span.RecordError(err)
		span.SetStatus(codes.Error, "missing 'to' field")
		return err
	}
	if h.cfg.Host == "" {
		return errors.New("email is not configured: smtp host is empty")
	}

	span.SetAttributes(attribute.String("email.to", p.To))

	addr := fmt.Sprintf("%s:%d", h.cfg.Host, h.cfg.Port)
	msg := buildMIME(h.cfg.From, p.To, p.Subject, p.Body)

	var auth smtp.Auth
	if h.cfg.Username != "" {
		auth = smtp.PlainAuth("", h.cfg.Username, h.cfg.Password, h.cfg.Host)
	}

	// SendMail takes no context; run it aside so cancellation still returns.
	done := make(chan error, 1)
	go func() {
		done <- h.send(addr, auth, h.cfg.From, []string{p.To}, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp send to %s: %w", p.To, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email send timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func buildMIME(from, to, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, to, subject, body,
	)
	return []byte(msg)
}
