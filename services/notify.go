package services

import (
	"bytes"
	"fmt"
	"html/template"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/psyclub/membership/models"
	"github.com/psyclub/membership/utils"
)

// NotifyConfig 下游通知配置（Discord邀请 + SMTP欢迎邮件）
type NotifyConfig struct {
	Enabled bool

	FromAddress    string
	ReplyToAddress string
	Subject        string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SendTimeout  time.Duration // 单封邮件发送超时，默认20s

	DiscordBotToken        string
	DiscordInviteChannelID string
	DiscordInviteMaxAge    int // 邀请链接有效期（秒），默认7天
}

// InviteCreator 生成一次性外部邀请链接的协作方
type InviteCreator interface {
	CreateInvite(reason string) (string, error)
}

// discordInviter 通过Discord API创建限时一次性邀请
type discordInviter struct {
	session   *discordgo.Session
	channelID string
	maxAge    int
}

func (d *discordInviter) CreateInvite(reason string) (string, error) {
	invite, err := d.session.ChannelInviteCreate(d.channelID, discordgo.Invite{
		MaxAge:  d.maxAge,
		MaxUses: 1,
		Unique:  true,
	}, discordgo.WithAuditLogReason(reason))
	if err != nil {
		return "", fmt.Errorf("failed to create discord invite: %w", err)
	}
	return "https://discord.gg/" + invite.Code, nil
}

// welcomeTemplate 欢迎邮件模板，二维码内嵌invite链接方便手机端入群
const welcomeTemplate = `<html>
<body style="font-family: sans-serif;">
  <p>Hi {{.FirstName}},</p>
  <p>Thank you for your {{.Amount}} payment via {{.Platform}} (reference #{{.Reference}}).
     Your membership is now active.</p>
  <p>Join our community Discord with this one-time invite link (valid for 7 days):</p>
  <p><a href="{{.InviteURL}}">{{.InviteURL}}</a></p>
  {{if .QRCode}}<p>Or scan from your phone:</p>
  <p><img src="{{.QRCode}}" alt="invite QR code" width="192" height="192"></p>{{end}}
  <p>See you there!</p>
</body>
</html>`

type welcomeValues struct {
	FirstName string
	Amount    string
	Platform  string
	Reference string
	InviteURL string
	QRCode    template.URL // data URI，要绕过html/template的URL过滤
}

// NotifyService 副作用分发器：只在首次创建会员（首笔付款）后、事务提交之后调用
// 这里的失败会上报给调用方，但绝不回滚已入账的流水
type NotifyService struct {
	cfg     NotifyConfig
	invites InviteCreator
	send    func(m *gomail.Message) error
	tmpl    *template.Template
}

// NewNotifyService 组装Discord会话和SMTP dialer
func NewNotifyService(cfg NotifyConfig) (*NotifyService, error) {
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 20 * time.Second
	}
	if cfg.DiscordInviteMaxAge <= 0 {
		cfg.DiscordInviteMaxAge = 604800 // 7天
	}

	session, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)

	return &NotifyService{
		cfg: cfg,
		invites: &discordInviter{
			session:   session,
			channelID: cfg.DiscordInviteChannelID,
			maxAge:    cfg.DiscordInviteMaxAge,
		},
		send: func(m *gomail.Message) error { return dialer.DialAndSend(m) },
		tmpl: template.Must(template.New("welcome").Parse(welcomeTemplate)),
	}, nil
}

// SendWelcome 给新会员发欢迎邮件（带一次性Discord邀请）
func (n *NotifyService) SendWelcome(event *models.PaymentEvent) error {
	if !n.cfg.Enabled {
		log.WithField("email", event.PayerEmail).Debug("notifications disabled, skipping welcome email")
		return nil
	}

	reason := fmt.Sprintf("New member automated invite (%s transaction #%s, Email %s)",
		event.SourceProvider, event.ProviderTransactionID, event.PayerEmail)
	inviteURL, err := n.invites.CreateInvite(reason)
	if err != nil {
		return err
	}

	// 二维码生成失败不阻止发信，邮件里留文字链接就够了
	var qr template.URL
	if uri, err := utils.GenerateQRCodeDataURI(inviteURL, 256); err == nil {
		qr = template.URL(uri)
	} else {
		log.WithError(err).Warn("failed to render invite QR code")
	}

	var body bytes.Buffer
	if err := n.tmpl.Execute(&body, welcomeValues{
		FirstName: event.PayerFirstName,
		Amount:    "$" + event.Amount.StringFixed(2),
		Platform:  string(event.SourceProvider),
		Reference: event.ProviderTransactionID,
		InviteURL: inviteURL,
		QRCode:    qr,
	}); err != nil {
		return fmt.Errorf("failed to render welcome email: %w", err)
	}

	subject := n.cfg.Subject
	if subject == "" {
		subject = "Welcome! Your community invite"
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromAddress)
	m.SetHeader("To", event.PayerEmail)
	if n.cfg.ReplyToAddress != "" {
		m.SetHeader("Reply-To", n.cfg.ReplyToAddress)
	}
	m.SetHeader("Subject", subject)
	m.SetBody("text/html", body.String())

	if err := n.sendWithTimeout(m); err != nil {
		return fmt.Errorf("failed to send welcome email to %s: %w", event.PayerEmail, err)
	}

	log.WithField("email", event.PayerEmail).Info("welcome email sent")
	return nil
}

// sendWithTimeout gomail不支持context，用超时通道兜底，超时按传输错误处理
func (n *NotifyService) sendWithTimeout(m *gomail.Message) error {
	done := make(chan error, 1)
	go func() { done <- n.send(m) }()

	select {
	case err := <-done:
		return err
	case <-time.After(n.cfg.SendTimeout):
		return fmt.Errorf("smtp send timed out after %s", n.cfg.SendTimeout)
	}
}
