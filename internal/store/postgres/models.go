package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nestorselin/web3-own-copy/internal/deposit"
)

type depositModel struct {
	ID                  uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	IntermediateAddress string    `gorm:"column:intermediate_address"`
	IntermediateKeyRef  string    `gorm:"column:intermediate_key_ref"`
	DestinationAddress  string    `gorm:"column:destination_address"`
	FeedHandle          *int64    `gorm:"column:feed_handle"`
	Status              string    `gorm:"column:status"`
	OrderID             string    `gorm:"column:order_id"`
	TransferID          string    `gorm:"column:transfer_id"`
	CreatedAt           time.Time `gorm:"column:created_at"`
	UpdatedAt           time.Time `gorm:"column:updated_at"`
}

func (depositModel) TableName() string { return "deposits" }

func toModel(rec *deposit.Record) (depositModel, error) {
	if rec == nil {
		return depositModel{}, fmt.Errorf("nil deposit record")
	}
	id, err := uuid.Parse(rec.ID)
	if err != nil {
		return depositModel{}, fmt.Errorf("deposit id %q: %w", rec.ID, err)
	}
	m := depositModel{
		ID:                  id,
		IntermediateAddress: rec.IntermediateAddress,
		IntermediateKeyRef:  rec.IntermediateKeyRef,
		DestinationAddress:  rec.DestinationAddress,
		Status:              string(rec.Status),
		OrderID:             rec.OrderID,
		TransferID:          rec.TransferID,
		CreatedAt:           rec.CreatedAt.UTC(),
		UpdatedAt:           rec.UpdatedAt.UTC(),
	}
	if rec.Handle != nil {
		h := *rec.Handle
		m.FeedHandle = &h
	}
	return m, nil
}

func (m depositModel) toRecord() *deposit.Record {
	rec := &deposit.Record{
		ID:                  m.ID.String(),
		IntermediateAddress: m.IntermediateAddress,
		IntermediateKeyRef:  m.IntermediateKeyRef,
		DestinationAddress:  m.DestinationAddress,
		Status:              deposit.Status(m.Status),
		OrderID:             m.OrderID,
		TransferID:          m.TransferID,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
	if m.FeedHandle != nil {
		h := *m.FeedHandle
		rec.Handle = &h
	}
	return rec
}
