package notify

import (
	"context"
	"crypto/tls"

	"gopkg.in/gomail.v2"

	"sitewatch/internal/model"
)

// Mailer sends alerts by SMTP. A disabled SMTP config turns every call into
// a no-op.
type Mailer struct {
	cfg  model.SMTPConfig
	send func(m *gomail.Message) error
}

func NewMailer(cfg model.SMTPConfig) *Mailer {
	d := gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	d.TLSConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	return &Mailer{cfg: cfg, send: func(m *gomail.Message) error { return d.DialAndSend(m) }}
}

// WithSender replaces SMTP delivery, e.g. with gomail.SendFunc in tests.
func (m *Mailer) WithSender(s gomail.Sender) *Mailer {
	m.send = func(msg *gomail.Message) error { return gomail.Send(s, msg) }
	return m
}

func (m *Mailer) NotifyOfflineEpisode(_ context.Context, a Alert) error {
	return m.mail(a.OwnerEmail, offlineSubject(a), offlineBody(a))
}

func (m *Mailer) NotifyRecovered(_ context.Context, a Alert) error {
	return m.mail(a.OwnerEmail, recoveredSubject(a), recoveredBody(a))
}

// SendStartupCheck mails the configured operator address so a broken SMTP
// setup shows up at boot rather than with the first outage.
func (m *Mailer) SendStartupCheck(_ context.Context) error {
	return m.mail(m.cfg.To, "[sitewatch] started", "SMTP delivery is configured correctly.")
}

func (m *Mailer) mail(to, subject, body string) error {
	if !m.cfg.Enabled || to == "" {
		return nil
	}
	msg := gomail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body+"\r\n\r\n----------------\r\nsitewatch uptime monitoring")
	return m.send(msg)
}
