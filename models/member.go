package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Member 会员身份表，email为唯一键（统一存小写）
// 会员永远不会被删除，只会通过ReasonRemoved标记为取消/封禁
type Member struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	Email       string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	FirstName   string     `gorm:"size:100" json:"first_name"`
	LastName    string     `gorm:"size:100" json:"last_name"`
	Notes       string     `gorm:"size:500" json:"notes"`
	CreatedOn   time.Time  `gorm:"type:date" json:"created_on"`
	Discord     *string    `gorm:"size:50" json:"discord,omitempty"`        // 关联的聊天平台ID
	ReasonRemoved *string  `gorm:"size:200" json:"reason_removed,omitempty"` // 取消/封禁原因，NULL表示正常会员
	// 连续会籍缓存区间，由payments派生
	ConsecutiveSince *time.Time `gorm:"type:date" json:"consecutive_since,omitempty"`
	ConsecutiveUntil *time.Time `gorm:"type:date" json:"consecutive_until,omitempty"`
}

func (Member) TableName() string {
	return "members"
}

// Payment 支付流水表，一条记录对应一次已对账的外部交易
// 注意：(platform, transaction_id) 没有数据库唯一约束，去重是管道层的职责
type Payment struct {
	ID             uint            `gorm:"primaryKey" json:"id"`
	MemberID       uint            `gorm:"not null;index" json:"member_id"`
	EffectiveOn    time.Time       `gorm:"type:date;not null" json:"effective_on"` // 支付生效日期（区别于入账时间）
	CreatedOn      time.Time       `gorm:"type:date;not null" json:"created_on"`   // 入账时间
	DurationMonths int             `gorm:"not null;default:1" json:"duration_months"`
	AmountPaid     decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount_paid"`
	PaymentMethod  string          `gorm:"size:50" json:"payment_method"`
	Platform       string          `gorm:"size:20;index" json:"platform"` // 来源标记：webconnex/donorbox/givingfuel-csv/manual
	TransactionID  *string         `gorm:"size:50;index" json:"transaction_id,omitempty"`
	Notes          string          `gorm:"size:500" json:"notes"`
}

func (Payment) TableName() string {
	return "payments"
}
