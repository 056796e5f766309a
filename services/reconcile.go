package services

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/psyclub/membership/models"
)

// ReconcileService 对账核心：会员解析 + 流水落库
// 所有driver（实时webhook、API回补、CSV导入）共用这两步，各自决定事务边界
type ReconcileService struct {
	db  *gorm.DB
	cfg PipelineConfig
}

func NewReconcileService(db *gorm.DB, cfg PipelineConfig) *ReconcileService {
	return &ReconcileService{db: db, cfg: cfg}
}

// ProcessEvent 单事件入账：会员解析和流水写入放在同一个事务里，
// 两者要么一起提交要么一起回滚。并发投递同一邮箱时由email唯一键裁决，
// 输掉插入竞争的一方回读赢家的行。
func (s *ReconcileService) ProcessEvent(ctx context.Context, event *models.PaymentEvent) (*models.ApplyResult, error) {
	result := &models.ApplyResult{Outcome: models.OutcomeApplied}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 严格去重开关：默认关闭，保持“超时重投会产生重复流水”的既有行为
		if s.cfg.StrictDedup && event.ProviderTransactionID != "" {
			var count int64
			if err := tx.Model(&models.Payment{}).
				Where("platform = ? AND transaction_id = ?", string(event.SourceProvider), event.ProviderTransactionID).
				Count(&count).Error; err != nil {
				return fmt.Errorf("failed to check for duplicate transaction: %w", err)
			}
			if count > 0 {
				*result = *models.Skipped(fmt.Sprintf("duplicate transaction %s/%s",
					event.SourceProvider, event.ProviderTransactionID))
				return nil
			}
		}

		memberID, created, err := resolveMember(tx, event)
		if err != nil {
			return err
		}

		paymentID, err := recordPayment(tx, memberID, event)
		if err != nil {
			return err
		}

		result.MemberID = memberID
		result.CreatedMember = created
		result.PaymentID = paymentID
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == models.OutcomeApplied {
		log.WithFields(log.Fields{
			"platform":       event.SourceProvider,
			"transaction_id": event.ProviderTransactionID,
			"member_id":      result.MemberID,
			"payment_id":     result.PaymentID,
			"created_member": result.CreatedMember,
		}).Info("payment event reconciled")
	} else {
		log.WithFields(log.Fields{
			"platform":       event.SourceProvider,
			"transaction_id": event.ProviderTransactionID,
			"reason":         result.SkipReason,
		}).Info("payment event skipped")
	}

	return result, nil
}

// resolveMember 按邮箱幂等地找到或创建会员，返回(memberID, 是否新建)
// INSERT走ON CONFLICT DO NOTHING，撞唯一键说明会员已存在（或并发中刚被创建），回读即可
func resolveMember(tx *gorm.DB, event *models.PaymentEvent) (uint, bool, error) {
	member := models.Member{
		Email:     event.PayerEmail,
		FirstName: event.PayerFirstName,
		LastName:  event.PayerLastName,
		CreatedOn: time.Now(),
	}

	res := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "email"}},
		DoNothing: true,
	}).Create(&member)
	if res.Error != nil {
		return 0, false, fmt.Errorf("failed to create member %s: %w", event.PayerEmail, res.Error)
	}
	if res.RowsAffected > 0 {
		return member.ID, true, nil
	}

	var existing models.Member
	if err := tx.Where("email = ?", event.PayerEmail).First(&existing).Error; err != nil {
		return 0, false, fmt.Errorf("failed to load existing member %s: %w", event.PayerEmail, err)
	}
	return existing.ID, false, nil
}

// recordPayment 写入一条流水。不做幂等检查（见StrictDedup），金额是定点小数
// 流水一旦写入即不可变，更正以带备注的新行表达
func recordPayment(tx *gorm.DB, memberID uint, event *models.PaymentEvent) (uint, error) {
	var txnID *string
	if event.ProviderTransactionID != "" {
		v := event.ProviderTransactionID
		txnID = &v
	}

	months := event.DurationMonths
	if months <= 0 {
		months = 1
	}

	payment := models.Payment{
		MemberID:       memberID,
		EffectiveOn:    event.EffectiveDate,
		CreatedOn:      time.Now(),
		DurationMonths: months,
		AmountPaid:     event.Amount,
		PaymentMethod:  event.PaymentMethod,
		Platform:       string(event.SourceProvider),
		TransactionID:  txnID,
		Notes:          event.Notes,
	}
	if err := tx.Create(&payment).Error; err != nil {
		return 0, fmt.Errorf("failed to record payment %s/%s: %w",
			event.SourceProvider, event.ProviderTransactionID, err)
	}
	return payment.ID, nil
}
