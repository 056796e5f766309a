package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Provider 支付事件来源平台
type Provider string

const (
	ProviderWebconnex     Provider = "webconnex"
	ProviderDonorbox      Provider = "donorbox"
	ProviderGivingFuelCSV Provider = "givingfuel-csv"
	ProviderManual        Provider = "manual"
)

// PaymentEvent 规范化后的支付事件，所有provider的报文最终都转换成这个形式
// provider特有的字段只存在于各自的normalizer内部，不允许流出
type PaymentEvent struct {
	SourceProvider        Provider
	ProviderTransactionID string // provider作用域内的交易号，用于溯源/去重
	PayerEmail            string // 已统一小写+去空格
	PayerFirstName        string
	PayerLastName         string
	Amount                decimal.Decimal // 定点小数，入库前已Round(2)
	PaymentMethod         string
	EffectiveDate         time.Time // 支付生效的日历日期
	DurationMonths        int       // 订阅式会籍时长，默认1
	Notes                 string
}

// Outcome 管道处理结果的三态：成功入账 / 不适用跳过（失败用普通error表示）
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeSkipped
)

// ApplyResult 单个事件走完resolve+record后的结果
type ApplyResult struct {
	Outcome       Outcome `json:"-"`
	SkipReason    string  `json:"skip_reason,omitempty"`
	MemberID      uint    `json:"member_id,omitempty"`
	CreatedMember bool    `json:"created_member,omitempty"` // 本次事件是否创建了新会员（首次付款）
	PaymentID     uint    `json:"payment_id,omitempty"`
}

// Skipped 构造一个“不适用”结果，区别于错误，上游不应重试
func Skipped(reason string) *ApplyResult {
	return &ApplyResult{Outcome: OutcomeSkipped, SkipReason: reason}
}
