package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable operation.reason code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew  = "credentials.service.new"
	opApplyCommit = "credentials.apply_commit"
	opListCards   = "credentials.list_cards"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the database-backed credential model.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service persists the credential model in the service database.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService validates the configuration and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// ApplyCredentialCommit applies one lifecycle commit inside a transaction.
func (s *Service) ApplyCredentialCommit(ctx context.Context, userID string, deviceID string, commitType commits.CommitType, payload commits.CreditCard) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Card
		var existingPtr *Card
		err := tx.Where("user_id = ? AND credit_card_id = ?", userID, payload.CreditCardID).Take(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			s.logError(opApplyCommit, "card_select_failed", err, zap.String("user_id", userID))
			return newServiceError(opApplyCommit, "card_select_failed", err)
		default:
			existingPtr = &existing
		}

		change, err := resolveTransition(existingPtr, userID, deviceID, commitType, payload)
		if err != nil {
			return newServiceError(opApplyCommit, "transition_rejected", err)
		}

		switch change.kind {
		case transitionDelete:
			err = tx.Where("user_id = ? AND credit_card_id = ?", userID, change.card.CreditCardID).Delete(&Card{}).Error
		case transitionSetDefault:
			err = tx.Model(&Card{}).Where("user_id = ?", userID).Update("is_default", false).Error
			if err == nil {
				err = s.save(tx, change.card)
			}
		default:
			err = s.save(tx, change.card)
		}
		if err != nil {
			s.logError(opApplyCommit, "card_save_failed", err,
				zap.String("user_id", userID),
				zap.String("credit_card_id", change.card.CreditCardID))
			return newServiceError(opApplyCommit, "card_save_failed", err)
		}
		return nil
	})
}

func (s *Service) save(tx *gorm.DB, card Card) error {
	return tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&card).Error
}

// Cards lists userID's cards ordered by identifier.
func (s *Service) Cards(ctx context.Context, userID string) ([]Card, error) {
	var cards []Card
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("credit_card_id").Find(&cards).Error; err != nil {
		s.logError(opListCards, "card_select_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListCards, "card_select_failed", err)
	}
	return cards, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("credentials service error", attrs...)
}
