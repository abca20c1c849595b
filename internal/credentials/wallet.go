package credentials

import (
	"context"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/sesync/internal/commits"
)

// Wallet is an in-memory credential model for callers that keep their own persistence.
type Wallet struct {
	mu    sync.RWMutex
	cards map[string]map[string]Card
}

// NewWallet returns an empty Wallet.
func NewWallet() *Wallet {
	return &Wallet{cards: make(map[string]map[string]Card)}
}

// ApplyCredentialCommit applies one lifecycle commit for userID.
func (w *Wallet) ApplyCredentialCommit(_ context.Context, userID string, deviceID string, commitType commits.CommitType, payload commits.CreditCard) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	userCards := w.cards[userID]
	var existing *Card
	if card, ok := userCards[payload.CreditCardID]; ok {
		existing = &card
	}
	change, err := resolveTransition(existing, userID, deviceID, commitType, payload)
	if err != nil {
		return err
	}

	if userCards == nil {
		userCards = make(map[string]Card)
		w.cards[userID] = userCards
	}
	switch change.kind {
	case transitionDelete:
		delete(userCards, change.card.CreditCardID)
	case transitionSetDefault:
		for cardID, card := range userCards {
			card.IsDefault = false
			userCards[cardID] = card
		}
		userCards[change.card.CreditCardID] = change.card
	default:
		userCards[change.card.CreditCardID] = change.card
	}
	return nil
}

// Cards lists userID's cards ordered by identifier.
func (w *Wallet) Cards(userID string) []Card {
	w.mu.RLock()
	defer w.mu.RUnlock()
	cards := make([]Card, 0, len(w.cards[userID]))
	for _, card := range w.cards[userID] {
		cards = append(cards, card)
	}
	sort.Slice(cards, func(left, right int) bool {
		return cards[left].CreditCardID < cards[right].CreditCardID
	})
	return cards
}

// Card returns one card.
func (w *Wallet) Card(userID string, cardID string) (Card, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	card, ok := w.cards[userID][cardID]
	return card, ok
}
