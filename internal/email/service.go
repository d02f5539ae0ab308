package email

import (
	"context"
	"fmt"

	"gopkg.in/gomail.v2"
)

type Sender interface {
	SendBookingConfirmation(ctx context.Context, to, patientName, joinURL string) error
	SendCancellation(ctx context.Context, to, patientName string) error
}

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type service struct {
	dialer *gomail.Dialer
	from   string
}

func NewService(cfg Config) Sender {
	return &service{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
	}
}

func (s *service) send(to, subject, body string) error {
	m := gomail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func (s *service) SendBookingConfirmation(_ context.Context, to, patientName, joinURL string) error {
	body := fmt.Sprintf("<p>Hi %s,</p><p>Your visit is confirmed. Join here: <a href=%q>%s</a></p>", patientName, joinURL, joinURL)
	return s.send(to, "Your visit is confirmed", body)
}

func (s *service) SendCancellation(_ context.Context, to, patientName string) error {
	body := fmt.Sprintf("<p>Hi %s,</p><p>Your visit has been cancelled.</p>", patientName)
	return s.send(to, "Your visit was cancelled", body)
}
