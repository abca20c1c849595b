// Package credentials holds the user's payment credentials as the device sees them. Lifecycle
// commits from the platform drive every change.
package credentials

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
)

// Card states written by lifecycle commits.
const (
	StatePendingActive   = "PENDING_ACTIVE"
	StateActive          = "ACTIVE"
	StateDeactivated     = "DEACTIVATED"
	StateProvisionFailed = "PROVISION_FAILED"
)

// Transition errors wrap commits.ErrCredentialRejected so the platform sees them as FAILED.
var (
	// ErrCardNotFound indicates a lifecycle commit for a card the model does not hold.
	ErrCardNotFound = fmt.Errorf("%w: card not found", commits.ErrCredentialRejected)
	// ErrInvalidCard indicates a lifecycle payload without a card identifier.
	ErrInvalidCard = fmt.Errorf("%w: invalid card payload", commits.ErrCredentialRejected)
	// ErrUnsupportedCommit indicates a commit type that carries no credential change.
	ErrUnsupportedCommit = fmt.Errorf("%w: unsupported commit type", commits.ErrCredentialRejected)
)

// Card is one credential provisioned to a user's device.
type Card struct {
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	CreditCardID   string    `gorm:"column:credit_card_id;primaryKey;size:190;not null"`
	DeviceID       string    `gorm:"column:device_id;size:190;index"`
	State          string    `gorm:"column:state;size:64;not null"`
	CardType       string    `gorm:"column:card_type;size:64"`
	PANLastFour    string    `gorm:"column:pan_last_four;size:32"`
	Name           string    `gorm:"column:name;size:320"`
	ExpMonth       int       `gorm:"column:exp_month"`
	ExpYear        int       `gorm:"column:exp_year"`
	IsDefault      bool      `gorm:"column:is_default;not null;default:false"`
	LastCommitType string    `gorm:"column:last_commit_type;size:64"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Card) TableName() string {
	return "credential_cards"
}

type transitionKind int

const (
	transitionSave transitionKind = iota
	transitionDelete
	transitionSetDefault
)

type transition struct {
	kind transitionKind
	card Card
}

// resolveTransition computes the effect of a lifecycle commit on the card the model holds,
// if any. Deleting an absent card is a no-op so a replayed commit succeeds.
func resolveTransition(existing *Card, userID string, deviceID string, commitType commits.CommitType, payload commits.CreditCard) (transition, error) {
	cardID := strings.TrimSpace(payload.CreditCardID)
	if cardID == "" {
		return transition{}, ErrInvalidCard
	}

	if commitType == commits.CommitTypeCreditCardCreated {
		card := Card{UserID: userID, CreditCardID: cardID}
		if existing != nil {
			card = *existing
		}
		card.DeviceID = deviceID
		card.State = firstNonEmpty(payload.State, StatePendingActive)
		applyMetadata(&card, payload)
		card.LastCommitType = string(commitType)
		return transition{kind: transitionSave, card: card}, nil
	}

	if existing == nil {
		if commitType == commits.CommitTypeCreditCardDeleted {
			return transition{kind: transitionDelete, card: Card{UserID: userID, CreditCardID: cardID}}, nil
		}
		return transition{}, fmt.Errorf("%w: %s", ErrCardNotFound, cardID)
	}

	card := *existing
	card.LastCommitType = string(commitType)
	switch commitType {
	case commits.CommitTypeCreditCardActivated, commits.CommitTypeCreditCardReactivated:
		card.State = StateActive
	case commits.CommitTypeCreditCardDeactivated:
		card.State = StateDeactivated
	case commits.CommitTypeCreditCardProvisionFailed:
		card.State = StateProvisionFailed
	case commits.CommitTypeCreditCardMetadataUpdated:
		applyMetadata(&card, payload)
	case commits.CommitTypeCreditCardDeleted:
		return transition{kind: transitionDelete, card: card}, nil
	case commits.CommitTypeSetDefaultCreditCard:
		card.IsDefault = true
		return transition{kind: transitionSetDefault, card: card}, nil
	case commits.CommitTypeResetDefaultCreditCard:
		card.IsDefault = false
	default:
		return transition{}, fmt.Errorf("%w: %s", ErrUnsupportedCommit, commitType)
	}
	return transition{kind: transitionSave, card: card}, nil
}

func applyMetadata(card *Card, payload commits.CreditCard) {
	card.CardType = firstNonEmpty(payload.CardType, card.CardType)
	card.PANLastFour = firstNonEmpty(payload.PANLastFour, card.PANLastFour)
	card.Name = firstNonEmpty(payload.Name, card.Name)
	if payload.ExpMonth > 0 {
		card.ExpMonth = payload.ExpMonth
	}
	if payload.ExpYear > 0 {
		card.ExpYear = payload.ExpYear
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
