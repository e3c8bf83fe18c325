package email

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
)

//go:embed templates/*.html
var templateFS embed.FS

const maxRetries = 3

const dateLayout = "January 2, 2006"

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Options carries values rendered into billing notices
type Options struct {
	ManageURL string
	FreeLimit int
}

type emailServiceImpl struct {
	cfg       config.SMTPConfig
	opts      Options
	templates *template.Template
	send      sendFunc
	policy    retry.Policy
}

// NewEmailService creates a billing notifier that delivers over SMTP
func NewEmailService(cfg config.SMTPConfig, opts Options) (billing.Notifier, error) {
	return newEmailService(cfg, opts, smtp.SendMail)
}

func newEmailService(cfg config.SMTPConfig, opts Options, send sendFunc) (*emailServiceImpl, error) {
	tmpl, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse email templates: %w", err)
	}

	return &emailServiceImpl{
		cfg:       cfg,
		opts:      opts,
		templates: tmpl,
		send:      send,
		policy: retry.Policy{
			MaxAttempts: maxRetries,
			BaseDelay:   time.Second,
			MaxDelay:    4 * time.Second,
		},
	}, nil
}

type renewalReminderData struct {
	PeriodEnd         string
	CancelAtPeriodEnd bool
	ManageURL         string
	FreeLimit         int
}

// SendRenewalReminder tells the account holder their period is about to end
func (s *emailServiceImpl) SendRenewalReminder(ctx context.Context, notice billing.RenewalNotice) error {
	data := renewalReminderData{
		PeriodEnd:         notice.PeriodEnd.UTC().Format(dateLayout),
		CancelAtPeriodEnd: notice.CancelAtPeriodEnd,
		ManageURL:         s.opts.ManageURL,
		FreeLimit:         s.opts.FreeLimit,
	}

	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, "renewal_reminder.html", data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	subject := "Your Pro plan renews on " + data.PeriodEnd
	if notice.CancelAtPeriodEnd {
		subject = "Your Pro plan ends on " + data.PeriodEnd
	}
	return s.sendHTML(ctx, notice.Email, subject, body.String())
}

type trialEndingData struct {
	TrialEnd  string
	ManageURL string
}

// SendTrialEnding tells the account holder their trial is about to end
func (s *emailServiceImpl) SendTrialEnding(ctx context.Context, notice billing.TrialEndingNotice) error {
	data := trialEndingData{
		TrialEnd:  notice.TrialEnd.UTC().Format(dateLayout),
		ManageURL: s.opts.ManageURL,
	}

	var body bytes.Buffer
	if err := s.templates.ExecuteTemplate(&body, "trial_ending.html", data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}

	return s.sendHTML(ctx, notice.Email, "Your Pro trial ends on "+data.TrialEnd, body.String())
}

func (s *emailServiceImpl) sendHTML(ctx context.Context, to, subject, htmlBody string) error {
	// Skip sending if SMTP is not configured
	if s.cfg.Host == "" {
		slog.Warn("SMTP not configured, skipping email send", "to", to, "subject", subject)
		return nil
	}
	if to == "" {
		return fmt.Errorf("send %q: recipient address is empty", subject)
	}

	from := s.cfg.From

	headers := fmt.Sprintf("From: %s <%s>\r\n", s.cfg.FromName, from)
	headers += fmt.Sprintf("To: %s\r\n", to)
	headers += fmt.Sprintf("Subject: %s\r\n", subject)
	headers += "MIME-Version: 1.0\r\n"
	headers += "Content-Type: text/html; charset=\"UTF-8\"\r\n"
	headers += "\r\n"

	message := []byte(headers + htmlBody)

	auth := smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	err := retry.Do(ctx, s.policy, func(ctx context.Context, attempt int) error {
		err := s.send(addr, auth, from, []string{to}, message)
		if err == nil {
			slog.Info("Email sent successfully", "to", to, "subject", subject, "attempt", attempt)
			return nil
		}
		slog.Error("Failed to send email",
			"to", to,
			"subject", subject,
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send email after %d attempts: %w", maxRetries, err)
	}
	return nil
}
