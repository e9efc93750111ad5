// Package statestore persists the lifecycle of withdrawal requests and the
// transactions broadcast for them in the pipeline's relational database.
package statestore

import (
	"time"

	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Request lifecycle statuses
const (
	StatusSigned       = "SIGNED"
	StatusBroadcasting = "BROADCASTING"
	StatusBroadcasted  = "BROADCASTED"
	StatusConfirmed    = "CONFIRMED"
	StatusFailed       = "FAILED"
)

// gormConfig silences gorm's own logging; the service logger covers it
var gormConfig = &gorm.Config{
	Logger: gormlogger.Default.LogMode(gormlogger.Silent),
}

// TransactionRequest is one withdrawal request moving through the pipeline
type TransactionRequest struct {
	ID           uint   `gorm:"primaryKey"`
	RequestID    string `gorm:"uniqueIndex;size:64"`
	BatchID      string `gorm:"index;size:64"`
	Status       string `gorm:"size:16;index"`
	ErrorMessage string
	SignedTx     string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SentTransaction records one broadcast attempt that reached the chain
type SentTransaction struct {
	ID            uint   `gorm:"primaryKey"`
	RequestID     string `gorm:"index;size:64"`
	BatchID       string `gorm:"index;size:64"`
	OriginalHash  string `gorm:"uniqueIndex;size:66"`
	BroadcastHash string `gorm:"size:66"`
	ChainID       int64  `gorm:"index"`
	Sender        string `gorm:"index;size:42"`
	Nonce         uint64
	BlockNumber   uint64
	BroadcastedAt time.Time
	Confirmed     bool
	Failed        bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store provides database access for transaction lifecycle state
type Store struct {
	db *gorm.DB
}

// Open connects to the database behind the DSN and migrates the schema
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	return newStore(db)
}

// NewWithDB wraps an existing gorm handle; used by tests with SQLite
func NewWithDB(db *gorm.DB) (*Store, error) {
	return newStore(db)
}

func newStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&TransactionRequest{}, &SentTransaction{}); err != nil {
		return nil, errors.Wrap(err, "failed to migrate schema")
	}
	return &Store{db: db}, nil
}

// UpdateStatus moves a request to a new lifecycle status
func (s *Store) UpdateStatus(requestID, status string) error {
	err := s.db.Model(&TransactionRequest{}).
		Where("request_id = ?", requestID).
		Update("status", status).Error
	return errors.Wrapf(err, "failed to update status for request %s", requestID)
}

// UpdateStatusWithError moves a request to a new status and records why
func (s *Store) UpdateStatusWithError(requestID, status, message string) error {
	err := s.db.Model(&TransactionRequest{}).
		Where("request_id = ?", requestID).
		Updates(map[string]interface{}{
			"status":        status,
			"error_message": message,
		}).Error
	return errors.Wrapf(err, "failed to update status for request %s", requestID)
}

// UpdateBatchStatus moves every request in a batch to a new status
func (s *Store) UpdateBatchStatus(batchID, status string) error {
	err := s.db.Model(&TransactionRequest{}).
		Where("batch_id = ?", batchID).
		Update("status", status).Error
	return errors.Wrapf(err, "failed to update status for batch %s", batchID)
}

// RequestIDsInBatch lists the requests a batch transaction covers
func (s *Store) RequestIDsInBatch(batchID string) ([]string, error) {
	var ids []string
	err := s.db.Model(&TransactionRequest{}).
		Where("batch_id = ?", batchID).
		Pluck("request_id", &ids).Error
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list requests for batch %s", batchID)
	}
	return ids, nil
}

// GetLatestSignedTx returns the stored signed payload for a request
func (s *Store) GetLatestSignedTx(requestID string) (string, error) {
	var request TransactionRequest
	err := s.db.Where("request_id = ?", requestID).
		Order("updated_at DESC").
		First(&request).Error
	if err != nil {
		return "", errors.Wrapf(err, "failed to load signed tx for request %s", requestID)
	}
	return request.SignedTx, nil
}

// SaveSentTransaction records a broadcast. Redeliveries update the existing
// row instead of duplicating it.
func (s *Store) SaveSentTransaction(tx *SentTransaction) error {
	var existing SentTransaction
	err := s.db.Where("original_hash = ?", tx.OriginalHash).First(&existing).Error
	if err == nil {
		tx.ID = existing.ID
		tx.CreatedAt = existing.CreatedAt
		return errors.Wrap(s.db.Save(tx).Error, "failed to update sent transaction")
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return errors.Wrap(err, "failed to check sent transaction")
	}
	return errors.Wrap(s.db.Create(tx).Error, "failed to save sent transaction")
}

// MarkAsConfirmed flags a sent transaction as confirmed on-chain
func (s *Store) MarkAsConfirmed(originalHash string, blockNumber uint64) error {
	err := s.db.Model(&SentTransaction{}).
		Where("original_hash = ?", originalHash).
		Updates(map[string]interface{}{
			"confirmed":    true,
			"block_number": blockNumber,
		}).Error
	return errors.Wrapf(err, "failed to confirm transaction %s", originalHash)
}

// MarkAsFailed flags a sent transaction as failed
func (s *Store) MarkAsFailed(originalHash string) error {
	err := s.db.Model(&SentTransaction{}).
		Where("original_hash = ?", originalHash).
		Update("failed", true).Error
	return errors.Wrapf(err, "failed to mark transaction %s failed", originalHash)
}

// IsSent reports whether a transaction with this original hash was already
// recorded as broadcast
func (s *Store) IsSent(originalHash string) (bool, error) {
	var count int64
	err := s.db.Model(&SentTransaction{}).
		Where("original_hash = ? AND failed = ?", originalHash, false).
		Count(&count).Error
	if err != nil {
		return false, errors.Wrapf(err, "failed to check transaction %s", originalHash)
	}
	return count > 0, nil
}

// Close releases the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to access connection pool")
	}
	return sqlDB.Close()
}
