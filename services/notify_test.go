package services

import (
	"errors"
	"html/template"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"
)

type stubInviter struct {
	url     string
	err     error
	reasons []string
}

func (s *stubInviter) CreateInvite(reason string) (string, error) {
	s.reasons = append(s.reasons, reason)
	return s.url, s.err
}

func newTestNotifyService(cfg NotifyConfig, inviter InviteCreator, send func(m *gomail.Message) error) *NotifyService {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 5 * time.Second
	}
	return &NotifyService{
		cfg:     cfg,
		invites: inviter,
		send:    send,
		tmpl:    template.Must(template.New("welcome").Parse(welcomeTemplate)),
	}
}

func TestSendWelcome(t *testing.T) {
	inviter := &stubInviter{url: "https://discord.gg/abc123"}
	var sent []*gomail.Message
	svc := newTestNotifyService(NotifyConfig{
		Enabled:        true,
		FromAddress:    "club@example.org",
		ReplyToAddress: "board@example.org",
	}, inviter, func(m *gomail.Message) error {
		sent = append(sent, m)
		return nil
	})

	require.NoError(t, svc.SendWelcome(sampleEvent()))
	require.Len(t, sent, 1)
	assert.Equal(t, []string{"alex@example.org"}, sent[0].GetHeader("To"))
	assert.Equal(t, []string{"club@example.org"}, sent[0].GetHeader("From"))
	assert.Equal(t, []string{"board@example.org"}, sent[0].GetHeader("Reply-To"))

	// 审计原因里带上来源交易，方便在Discord日志里溯源
	require.Len(t, inviter.reasons, 1)
	assert.Contains(t, inviter.reasons[0], "987654")
	assert.Contains(t, inviter.reasons[0], "alex@example.org")

	var body strings.Builder
	_, err := sent[0].WriteTo(&body)
	require.NoError(t, err)
	rendered := body.String()
	assert.Contains(t, rendered, "discord.gg/abc123")
	assert.Contains(t, rendered, "$60.00")
}

func TestSendWelcomeDisabled(t *testing.T) {
	inviter := &stubInviter{url: "https://discord.gg/abc123"}
	svc := newTestNotifyService(NotifyConfig{Enabled: false}, inviter, func(m *gomail.Message) error {
		t.Fatal("should not send when disabled")
		return nil
	})

	require.NoError(t, svc.SendWelcome(sampleEvent()))
	assert.Empty(t, inviter.reasons)
}

func TestSendWelcomeInviteFailure(t *testing.T) {
	inviter := &stubInviter{err: errors.New("channel not found")}
	svc := newTestNotifyService(NotifyConfig{Enabled: true}, inviter, func(m *gomail.Message) error {
		t.Fatal("should not send without an invite")
		return nil
	})

	assert.Error(t, svc.SendWelcome(sampleEvent()))
}

func TestSendWelcomeSMTPFailure(t *testing.T) {
	inviter := &stubInviter{url: "https://discord.gg/abc123"}
	svc := newTestNotifyService(NotifyConfig{Enabled: true}, inviter, func(m *gomail.Message) error {
		return errors.New("connection refused")
	})

	err := svc.SendWelcome(sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "alex@example.org")
}

func TestSendWelcomeTimesOut(t *testing.T) {
	inviter := &stubInviter{url: "https://discord.gg/abc123"}
	svc := newTestNotifyService(NotifyConfig{
		Enabled:     true,
		SendTimeout: 10 * time.Millisecond,
	}, inviter, func(m *gomail.Message) error {
		time.Sleep(200 * time.Millisecond)
		return nil
	})

	err := svc.SendWelcome(sampleEvent())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}
