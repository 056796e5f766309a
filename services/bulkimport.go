package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/psyclub/membership/models"
)

// ErrInvalidCSV 文件或行级解析失败，handler据此返回400而不是500
var ErrInvalidCSV = errors.New("invalid CSV file")

// ImportSummary CSV批量导入的结果汇总
type ImportSummary struct {
	RunID         string `json:"run_id"`
	MembersAdded  int    `json:"members_added"`
	PaymentsAdded int    `json:"payments_added"`
}

// ImportGivingFuelCSV GivingFuel CSV批量导入driver
//
// 整个文件跑在一个事务里（大文件就是一个all-or-nothing单元，没有checkpoint）：
// 任何一行解析失败都让整批回滚（fail-closed），而不匹配completed/charge过滤器
// 的行只是静默跳过。GivingFuel导出按新到旧排列，这里必须倒序回放成旧到新，
// 保证“首笔付款创建会员”对应真实时间线里的第一笔，而不是文件里的第一行。
func (s *ReconcileService) ImportGivingFuelCSV(ctx context.Context, data []byte) (*ImportSummary, error) {
	var rows []*GivingFuelRow
	if err := gocsv.UnmarshalBytes(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}

	// 预载全部已有邮箱，避免几千行逐行查存在性；新插入的会员立刻回填缓存，
	// 同一批次里后面引用同一新邮箱的行不会再插一次
	knownMembers := make(map[string]uint)
	var existing []models.Member
	if err := s.db.WithContext(ctx).Select("id", "email").Find(&existing).Error; err != nil {
		return nil, fmt.Errorf("failed to preload member emails: %w", err)
	}
	for _, m := range existing {
		knownMembers[m.Email] = m.ID
	}

	summary := &ImportSummary{RunID: uuid.NewString()}
	log.WithFields(log.Fields{"run_id": summary.RunID, "rows": len(rows)}).
		Info("starting GivingFuel CSV import")

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := len(rows) - 1; i >= 0; i-- {
			event, skipReason, err := NormalizeGivingFuelRow(rows[i])
			if err != nil {
				// 单行校验失败 => 整批回滚
				return fmt.Errorf("%w: %v", ErrInvalidCSV, err)
			}
			if skipReason != "" {
				continue
			}

			memberID, ok := knownMembers[event.PayerEmail]
			if !ok {
				member := models.Member{
					Email:     event.PayerEmail,
					FirstName: event.PayerFirstName,
					LastName:  event.PayerLastName,
					CreatedOn: time.Now(),
				}
				if err := tx.Create(&member).Error; err != nil {
					return fmt.Errorf("failed to create member %s: %w", event.PayerEmail, err)
				}
				memberID = member.ID
				knownMembers[event.PayerEmail] = memberID
				summary.MembersAdded++
			}

			if _, err := recordPayment(tx, memberID, event); err != nil {
				return err
			}
			summary.PaymentsAdded++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{
		"run_id":         summary.RunID,
		"members_added":  summary.MembersAdded,
		"payments_added": summary.PaymentsAdded,
	}).Info("GivingFuel CSV import committed")

	return summary, nil
}
