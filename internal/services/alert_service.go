// internal/services/alert_service.go
package services

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/javajoker/imi-commission/internal/callback"
	"github.com/javajoker/imi-commission/internal/config"
	"github.com/javajoker/imi-commission/internal/ledger"
	"github.com/javajoker/imi-commission/internal/models"
)

// NotificationStore persists operator notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.AdminNotification) error
}

// MailFunc has the signature of smtp.SendMail.
type MailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// AlertService records operator alerts and, when SMTP is configured, mails them.
type AlertService struct {
	store      NotificationStore
	email      config.EmailConfig
	recipients []string
	send       MailFunc
	logger     logrus.FieldLogger
}

func NewAlertService(store NotificationStore, cfg *config.Config, logger logrus.FieldLogger) *AlertService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AlertService{
		store:      store,
		email:      cfg.Email,
		recipients: cfg.Alerts.Recipients,
		send:       smtp.SendMail,
		logger:     logger,
	}
}

// WithMailer replaces the SMTP sender.
func (s *AlertService) WithMailer(fn MailFunc) *AlertService {
	s.send = fn
	return s
}

// Alert implements callback.Alerter.
func (s *AlertService) Alert(ctx context.Context, a callback.Alert) error {
	details := models.JSONB{
		"provider":       a.Provider,
		"provider_tx_id": a.ProviderTxID,
	}
	for k, v := range a.Details {
		details[k] = v
	}

	n := &models.AdminNotification{
		Type:                a.Kind,
		Title:               a.Title,
		Message:             a.Message,
		Priority:            "high",
		Status:              "unread",
		RelatedResourceType: "order",
		Details:             details,
	}
	if a.OrderID != uuid.Nil {
		orderID := a.OrderID
		n.RelatedResourceID = &orderID
	}
	return s.notify(ctx, n)
}

// ReconciliationMismatch raises an alert for a balance that disagrees with its history.
func (s *AlertService) ReconciliationMismatch(ctx context.Context, r ledger.Reconciliation) error {
	id := r.BeneficiaryID
	return s.notify(ctx, &models.AdminNotification{
		Type:                "ledger_reconciliation",
		Title:               fmt.Sprintf("Balance of %s does not match its ledger", r.BeneficiaryID),
		Message:             fmt.Sprintf("materialized available %d held %d, recomputed available %d held %d", r.Available, r.Held, r.ComputedAvailable, r.ComputedHeld),
		Priority:            "critical",
		Status:              "unread",
		RelatedResourceType: "beneficiary",
		RelatedResourceID:   &id,
		Details: models.JSONB{
			"available":          r.Available,
			"held":               r.Held,
			"computed_available": r.ComputedAvailable,
			"computed_held":      r.ComputedHeld,
		},
	})
}

func (s *AlertService) notify(ctx context.Context, n *models.AdminNotification) error {
	log := s.logger.WithFields(logrus.Fields{"type": n.Type, "title": n.Title})

	if err := s.store.CreateNotification(ctx, n); err != nil {
		log.WithError(err).Error("Failed to store alert")
		return fmt.Errorf("failed to create notification: %w", err)
	}
	log.Warn("Operator alert raised")

	if err := s.sendEmail(n); err != nil {
		// The notification row is the record of truth; mail is best effort.
		log.WithError(err).Warn("Failed to e-mail alert")
	}
	return nil
}

var alertTemplate = template.Must(template.New("alert").Parse(`<!DOCTYPE html>
<html>
<body>
	<h2>{{.Title}}</h2>
	<p>{{.Message}}</p>
	<ul>
	{{range $k, $v := .Details}}<li>{{$k}}: {{$v}}</li>
	{{end}}</ul>
	<p>{{.FromName}}</p>
</body>
</html>`))

func (s *AlertService) sendEmail(n *models.AdminNotification) error {
	if s.email.SMTPHost == "" || len(s.recipients) == 0 {
		return nil
	}

	var body bytes.Buffer
	err := alertTemplate.Execute(&body, map[string]interface{}{
		"Title":    n.Title,
		"Message":  n.Message,
		"Details":  n.Details,
		"FromName": s.email.FromName,
	})
	if err != nil {
		return fmt.Errorf("failed to render alert email: %w", err)
	}

	subject := fmt.Sprintf("[%s] %s", strings.ToUpper(n.Priority), n.Title)
	msg := []byte(fmt.Sprintf("From: %s <%s>\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		s.email.FromName, s.email.FromEmail, strings.Join(s.recipients, ", "), subject, body.String()))

	auth := smtp.PlainAuth("", s.email.SMTPUsername, s.email.SMTPPassword, s.email.SMTPHost)
	addr := fmt.Sprintf("%s:%s", s.email.SMTPHost, s.email.SMTPPort)
	return s.send(addr, auth, s.email.FromEmail, s.recipients, msg)
}
