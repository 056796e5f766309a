package services

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/psyclub/membership/models"
)

// provider报文 -> 规范化PaymentEvent。provider特有的字段和怪癖全部封在本文件里。
// 返回值约定：(event, skipReason, err)
//   event != nil            事件有效，进入管道
//   skipReason != ""        事件合法但不适用（非新扣款、不在campaign白名单等），不是错误
//   err != nil              报文畸形，按校验错误处理

// givingFuelDateLayout GivingFuel导出的支付时间格式，小时不补零的12小时制
const givingFuelDateLayout = "2006-01-02 3:04 PM"

// PipelineConfig 管道层配置，由main从config.yaml物化后注入，不走全局viper
type PipelineConfig struct {
	DonorboxCampaignIDs []int64 // campaign白名单，空表示不限制
	StrictDedup         bool    // 开启后按(platform, transaction_id)抑制重复入账
}

func (c PipelineConfig) campaignAllowed(id int64) bool {
	if len(c.DonorboxCampaignIDs) == 0 {
		return true
	}
	for _, allowed := range c.DonorboxCampaignIDs {
		if allowed == id {
			return true
		}
	}
	return false
}

// sanitizeEmail 身份匹配不区分大小写，统一小写+去空格
func sanitizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// WebconnexPayload Webconnex推送的报文外壳
type WebconnexPayload struct {
	Data WebconnexEvent `json:"data"`
}

// WebconnexEvent Webconnex订单详情（只保留管道需要的字段）
type WebconnexEvent struct {
	Total         decimal.Decimal  `json:"total"`
	Billing       webconnexBilling `json:"billing"`
	TransactionID int64            `json:"transactionId"`
}

type webconnexBilling struct {
	Email         string        `json:"email"`
	PaymentMethod string        `json:"paymentMethod"`
	Name          webconnexName `json:"name"`
}

type webconnexName struct {
	First string `json:"first"`
	Last  string `json:"last"`
}

// NormalizeWebconnex Webconnex实时推送 -> 规范化事件
// Webconnex按事件类型分endpoint推送，每个endpoint有独立密钥，所以这里没有action过滤
func NormalizeWebconnex(p *WebconnexPayload) (*models.PaymentEvent, string, error) {
	email := sanitizeEmail(p.Data.Billing.Email)
	if email == "" {
		return nil, "", fmt.Errorf("webconnex event %d has no billing email", p.Data.TransactionID)
	}
	if p.Data.TransactionID == 0 {
		return nil, "", fmt.Errorf("webconnex event has no transactionId")
	}

	return &models.PaymentEvent{
		SourceProvider:        models.ProviderWebconnex,
		ProviderTransactionID: strconv.FormatInt(p.Data.TransactionID, 10),
		PayerEmail:            email,
		PayerFirstName:        p.Data.Billing.Name.First,
		PayerLastName:         p.Data.Billing.Name.Last,
		Amount:                p.Data.Total.Round(2),
		PaymentMethod:         p.Data.Billing.PaymentMethod,
		EffectiveDate:         time.Now(),
		DurationMonths:        1,
	}, "", nil
}

// DonorboxEvent Donorbox推送的单个捐款事件（webhook推的是单元素数组）
type DonorboxEvent struct {
	ID           int64            `json:"id"`
	Action       string           `json:"action"`
	Campaign     donorboxCampaign `json:"campaign"`
	Donor        donorboxDonor    `json:"donor"`
	NetAmount    decimal.Decimal  `json:"net_amount"`
	DonationDate time.Time        `json:"donation_date"`
}

type donorboxCampaign struct {
	ID int64 `json:"id"`
}

type donorboxDonor struct {
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

// NormalizeDonorbox Donorbox捐款事件 -> 规范化事件
// action != "new"（退款、pending等）和不在白名单的campaign都按“不适用”跳过
func NormalizeDonorbox(ev *DonorboxEvent, cfg PipelineConfig) (*models.PaymentEvent, string, error) {
	if ev.Action != "new" {
		return nil, fmt.Sprintf("action %q is not a new charge", ev.Action), nil
	}
	if !cfg.campaignAllowed(ev.Campaign.ID) {
		return nil, fmt.Sprintf("campaign %d is not tracked", ev.Campaign.ID), nil
	}

	email := sanitizeEmail(ev.Donor.Email)
	if email == "" {
		return nil, "", fmt.Errorf("donorbox donation %d has no donor email", ev.ID)
	}

	effective := ev.DonationDate
	if effective.IsZero() {
		effective = time.Now()
	}

	return &models.PaymentEvent{
		SourceProvider:        models.ProviderDonorbox,
		ProviderTransactionID: strconv.FormatInt(ev.ID, 10),
		PayerEmail:            email,
		PayerFirstName:        ev.Donor.FirstName,
		PayerLastName:         ev.Donor.LastName,
		Amount:                ev.NetAmount.Round(2),
		PaymentMethod:         "donorbox",
		EffectiveDate:         effective,
		DurationMonths:        1,
	}, "", nil
}

// GivingFuelRow GivingFuel CSV导出的一行，列名按导出文件的表头映射（gocsv）
// 金额和日期先按字符串读进来，解析放在normalizer里按行防御性处理
type GivingFuelRow struct {
	TransactionID   string `csv:"Transaction ID"`
	Total           string `csv:"Total Paid ($ Amount)"`
	PaymentMethod   string `csv:"Payment Method"`
	PaymentDate     string `csv:"Payment Date"`
	Status          string `csv:"Status"`
	TransactionType string `csv:"Transaction Type"`
	FirstName       string `csv:"Billing Name (First Name)"`
	LastName        string `csv:"Billing Name (Last Name)"`
	Email           string `csv:"Billing Email Address"`
}

// NormalizeGivingFuelRow CSV行 -> 规范化事件
// 非completed/charge或金额为空的行静默跳过（不是错误）；字段解析失败返回错误，
// 由CSV driver决定整批回滚
func NormalizeGivingFuelRow(row *GivingFuelRow) (*models.PaymentEvent, string, error) {
	if row.Status != "completed" {
		return nil, fmt.Sprintf("status %q is not completed", row.Status), nil
	}
	if row.TransactionType != "charge" {
		return nil, fmt.Sprintf("transaction type %q is not a charge", row.TransactionType), nil
	}
	if strings.TrimSpace(row.Total) == "" {
		return nil, "row has no paid amount", nil
	}

	email := sanitizeEmail(row.Email)
	if email == "" {
		return nil, "", fmt.Errorf("row %s has no billing email", row.TransactionID)
	}

	amount, err := decimal.NewFromString(strings.TrimSpace(row.Total))
	if err != nil {
		return nil, "", fmt.Errorf("row %s has invalid amount %q: %w", row.TransactionID, row.Total, err)
	}

	paidAt, err := time.Parse(givingFuelDateLayout, strings.TrimSpace(row.PaymentDate))
	if err != nil {
		return nil, "", fmt.Errorf("row %s has invalid payment date %q: %w", row.TransactionID, row.PaymentDate, err)
	}

	return &models.PaymentEvent{
		SourceProvider:        models.ProviderGivingFuelCSV,
		ProviderTransactionID: strings.TrimSpace(row.TransactionID),
		PayerEmail:            email,
		PayerFirstName:        row.FirstName,
		PayerLastName:         row.LastName,
		Amount:                amount.Round(2),
		PaymentMethod:         row.PaymentMethod,
		EffectiveDate:         paidAt,
		DurationMonths:        1,
	}, "", nil
}
