package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedMail struct {
	addr string
	to   []string
	msg  string
}

func newTestService(t *testing.T, fail int) (*emailServiceImpl, *[]capturedMail) {
	t.Helper()
	var sent []capturedMail
	calls := 0
	svc, err := newEmailService(
		config.SMTPConfig{Host: "smtp.test", Port: 2525, From: "billing@test", FromName: "Billing"},
		Options{ManageURL: "https://app.test/billing", FreeLimit: 5},
		func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			calls++
			if calls <= fail {
				return errors.New("connection reset")
			}
			sent = append(sent, capturedMail{addr: addr, to: to, msg: string(msg)})
			return nil
		},
	)
	require.NoError(t, err)
	svc.policy = retry.Policy{MaxAttempts: maxRetries, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	return svc, &sent
}

func TestSendRenewalReminder_Renewing(t *testing.T) {
	// Setup
	svc, sent := newTestService(t, 0)
	end := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

	// Act
	err := svc.SendRenewalReminder(context.Background(), billing.RenewalNotice{AccountID: "acc_1", Email: "a@test", PeriodEnd: end})

	// Assert
	require.NoError(t, err)
	require.Len(t, *sent, 1)
	mail := (*sent)[0]
	assert.Equal(t, "smtp.test:2525", mail.addr)
	assert.Equal(t, []string{"a@test"}, mail.to)
	assert.Contains(t, mail.msg, "Subject: Your Pro plan renews on April 1, 2025")
	assert.Contains(t, mail.msg, "https://app.test/billing")
}

func TestSendRenewalReminder_CancelAtPeriodEnd(t *testing.T) {
	svc, sent := newTestService(t, 0)

	err := svc.SendRenewalReminder(context.Background(), billing.RenewalNotice{
		Email: "a@test", PeriodEnd: time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC), CancelAtPeriodEnd: true,
	})

	require.NoError(t, err)
	require.Len(t, *sent, 1)
	assert.Contains(t, (*sent)[0].msg, "Subject: Your Pro plan ends on")
	assert.Contains(t, (*sent)[0].msg, "5 processing runs per week")
}

func TestSendTrialEnding_RetriesTransientFailures(t *testing.T) {
	svc, sent := newTestService(t, 2)

	err := svc.SendTrialEnding(context.Background(), billing.TrialEndingNotice{Email: "a@test", TrialEnd: time.Now()})

	require.NoError(t, err)
	assert.Len(t, *sent, 1)
}

func TestSendTrialEnding_GivesUpAfterMaxRetries(t *testing.T) {
	svc, sent := newTestService(t, maxRetries)

	err := svc.SendTrialEnding(context.Background(), billing.TrialEndingNotice{Email: "a@test", TrialEnd: time.Now()})

	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "after 3 attempts"))
	assert.Empty(t, *sent)
}

func TestSendHTML_SkipsWithoutSMTPHost(t *testing.T) {
	svc, sent := newTestService(t, 0)
	svc.cfg.Host = ""

	err := svc.SendTrialEnding(context.Background(), billing.TrialEndingNotice{Email: "a@test", TrialEnd: time.Now()})

	require.NoError(t, err)
	assert.Empty(t, *sent)
}
