package commits

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommitType enumerates the platform commit kinds.
type CommitType string

const (
	CommitTypeCreditCardCreated         CommitType = "CREDITCARD_CREATED"
	CommitTypeCreditCardDeactivated     CommitType = "CREDITCARD_DEACTIVATED"
	CommitTypeCreditCardActivated       CommitType = "CREDITCARD_ACTIVATED"
	CommitTypeCreditCardReactivated     CommitType = "CREDITCARD_REACTIVATED"
	CommitTypeCreditCardDeleted         CommitType = "CREDITCARD_DELETED"
	CommitTypeSetDefaultCreditCard      CommitType = "SET_DEFAULT_CREDITCARD"
	CommitTypeResetDefaultCreditCard    CommitType = "RESET_DEFAULT_CREDITCARD"
	CommitTypeApduPackage               CommitType = "APDU_PACKAGE"
	CommitTypeCreditCardProvisionFailed CommitType = "CREDITCARD_PROVISION_FAILED"
	CommitTypeCreditCardMetadataUpdated CommitType = "CREDITCARD_METADATA_UPDATED"
	CommitTypeUnknown                   CommitType = "UNKNOWN"
)

// ParseCommitType maps the platform's raw value, returning CommitTypeUnknown for anything new.
func ParseCommitType(raw string) CommitType {
	switch candidate := CommitType(strings.ToUpper(strings.TrimSpace(raw))); candidate {
	case CommitTypeCreditCardCreated,
		CommitTypeCreditCardDeactivated,
		CommitTypeCreditCardActivated,
		CommitTypeCreditCardReactivated,
		CommitTypeCreditCardDeleted,
		CommitTypeSetDefaultCreditCard,
		CommitTypeResetDefaultCreditCard,
		CommitTypeApduPackage,
		CommitTypeCreditCardProvisionFailed,
		CommitTypeCreditCardMetadataUpdated:
		return candidate
	default:
		return CommitTypeUnknown
	}
}

// IsLifecycle reports whether the type carries a credential payload.
func (commitType CommitType) IsLifecycle() bool {
	return commitType != CommitTypeApduPackage && commitType != CommitTypeUnknown
}

const (
	linkConfirm      = "confirm"
	linkApduResponse = "apduResponse"
)

// Link is a platform hypermedia link.
type Link struct {
	Href string `json:"href"`
}

// Commit is an immutable unit of work issued by the platform.
type Commit struct {
	CommitID         string          `json:"commitId"`
	PreviousCommitID string          `json:"previousCommit,omitempty"`
	RawType          string          `json:"commitType"`
	CreatedTsEpoch   int64           `json:"createdTs,omitempty"`
	EncryptedData    string          `json:"encryptedData,omitempty"`
	Links            map[string]Link `json:"_links,omitempty"`
}

// Type returns the parsed commit type.
func (commit Commit) Type() CommitType {
	return ParseCommitType(commit.RawType)
}

// ConfirmURL returns the non-APDU result endpoint.
func (commit Commit) ConfirmURL() (string, bool) {
	return commit.link(linkConfirm)
}

// ApduResponseURL returns the APDU result endpoint.
func (commit Commit) ApduResponseURL() (string, bool) {
	return commit.link(linkApduResponse)
}

func (commit Commit) link(name string) (string, bool) {
	link, ok := commit.Links[name]
	if !ok || strings.TrimSpace(link.Href) == "" {
		return "", false
	}
	return link.Href, true
}

// ApduPackageState is the outcome reported for an APDU package.
type ApduPackageState string

const (
	ApduPackageStateProcessed ApduPackageState = "PROCESSED"
	ApduPackageStateFailed    ApduPackageState = "FAILED"
	ApduPackageStateExpired   ApduPackageState = "EXPIRED"
)

// APDUCommand is one command of an APDU package.
type APDUCommand struct {
	CommandID         string `json:"commandId"`
	GroupID           int    `json:"groupId"`
	Sequence          int    `json:"sequence"`
	Command           string `json:"command"`
	Type              string `json:"type,omitempty"`
	ContinueOnFailure bool   `json:"continueOnFailure"`
}

// ApduPackage is the decrypted payload of an APDU_PACKAGE commit.
type ApduPackage struct {
	PackageID        string        `json:"packageId"`
	SecureElementID  string        `json:"seId,omitempty"`
	TargetDeviceType string        `json:"targetDeviceType,omitempty"`
	TargetDeviceID   string        `json:"targetDeviceId"`
	TargetAID        string        `json:"targetAid,omitempty"`
	ValidUntil       string        `json:"validUntil"`
	Commands         []APDUCommand `json:"commandApdus"`
}

// ErrInvalidValidUntil indicates a package expiry that is not RFC 3339.
var ErrInvalidValidUntil = errors.New("commits: invalid package validUntil")

// Expired reports whether the package's validUntil has passed at now. A package without an
// expiry never expires.
func (pkg ApduPackage) Expired(now time.Time) (bool, error) {
	raw := strings.TrimSpace(pkg.ValidUntil)
	if raw == "" {
		return false, nil
	}
	validUntil, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return false, fmt.Errorf("%w: %q", ErrInvalidValidUntil, raw)
	}
	return !now.Before(validUntil), nil
}

// Groups partitions the commands by group id, both levels in ascending order.
func (pkg ApduPackage) Groups() [][]APDUCommand {
	ordered := append([]APDUCommand(nil), pkg.Commands...)
	sort.SliceStable(ordered, func(left, right int) bool {
		if ordered[left].GroupID != ordered[right].GroupID {
			return ordered[left].GroupID < ordered[right].GroupID
		}
		return ordered[left].Sequence < ordered[right].Sequence
	})
	groups := make([][]APDUCommand, 0)
	for index, command := range ordered {
		if index == 0 || command.GroupID != ordered[index-1].GroupID {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], command)
	}
	return groups
}

// ApduResponse is the per-command result reported to the platform.
type ApduResponse struct {
	CommandID    string `json:"commandId"`
	ResponseCode string `json:"responseCode"`
	ResponseData string `json:"responseData"`
}

// ApduExecutionResult is the body POSTed to a commit's apduResponse link.
type ApduExecutionResult struct {
	PackageID        string           `json:"packageId"`
	State            ApduPackageState `json:"state"`
	ExecutedTsEpoch  int64            `json:"executedTsEpoch,omitempty"`
	ExecutedDuration int64            `json:"executedDuration,omitempty"`
	ApduResponses    []ApduResponse   `json:"apduResponses"`
	ErrorReason      string           `json:"errorReason,omitempty"`
}

// ConfirmResult is the body value POSTed to a commit's confirm link.
type ConfirmResult string

const (
	ConfirmResultSuccess ConfirmResult = "SUCCESS"
	ConfirmResultFailed  ConfirmResult = "FAILED"
)

// CreditCard is the decrypted payload of a credential lifecycle commit.
type CreditCard struct {
	CreditCardID string `json:"creditCardId"`
	UserID       string `json:"userId,omitempty"`
	State        string `json:"state,omitempty"`
	CardType     string `json:"cardType,omitempty"`
	PANLastFour  string `json:"pan,omitempty"`
	Name         string `json:"name,omitempty"`
	ExpMonth     int    `json:"expMonth,omitempty"`
	ExpYear      int    `json:"expYear,omitempty"`
	IsDefault    bool   `json:"default,omitempty"`
	Reason       string `json:"reason,omitempty"`
}
