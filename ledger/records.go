package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// OFFERWALL COMPLETION - Dedup record for postbacks
// =============================================================================

// OfferwallCompletion is unique per (UserID, Network, OfferID). Inserting it
// is the duplicate check for postbacks.
type OfferwallCompletion struct {
	ID           string
	UserID       UserID
	Network      string
	OfferID      string
	ExternalTxID string

	// What the network paid and what the user was credited
	GrossPayout decimal.Decimal
	UserReward  decimal.Decimal

	IP        string
	CreatedAt time.Time
}

// =============================================================================
// TASKS
// =============================================================================

// Task is an admin-defined job users complete for a fixed reward.
// MaxCompletions of zero means the task has no capacity limit.
type Task struct {
	ID                 string
	Title              string
	Description        string
	RewardUSD          decimal.Decimal
	MaxCompletions     int
	CurrentCompletions int
	Active             bool
	CreatedAt          time.Time
}

// HasCapacity reports whether one more submission can be approved.
func (t Task) HasCapacity() bool {
	return t.MaxCompletions <= 0 || t.CurrentCompletions < t.MaxCompletions
}

type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "pending"
	SubmissionApproved SubmissionStatus = "approved"
	SubmissionRejected SubmissionStatus = "rejected"
)

// TaskSubmission is a user's proof of work for a task. Terminal once it
// leaves pending.
type TaskSubmission struct {
	ID         string
	TaskID     string
	UserID     UserID
	Status     SubmissionStatus
	Proof      string
	AdminNotes string
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

// Review carries the fields written when a submission leaves pending.
type Review struct {
	Notes string
	At    time.Time
}

// SubmissionFilter narrows ListSubmissions. Zero values match everything.
type SubmissionFilter struct {
	Status SubmissionStatus
	TaskID string
	UserID UserID
}

// =============================================================================
// REFERRALS
// =============================================================================

type ReferralStatus string

const (
	ReferralPending   ReferralStatus = "pending"
	ReferralValidated ReferralStatus = "validated"
	ReferralRewarded  ReferralStatus = "rewarded"
	ReferralInvalid   ReferralStatus = "invalid"
)

// Referral links a referrer to the user they brought in. Status only moves
// forward; rewarded and invalid are terminal.
type Referral struct {
	ID           string
	ReferrerID   UserID
	ReferredID   UserID
	Status       ReferralStatus
	LinksCreated int
	AdminNotes   string
	CreatedAt    time.Time
	ValidatedAt  *time.Time
	RewardedAt   *time.Time
}

// ReferralTransition carries the fields written on a referral status change.
// A nil LinksCreated leaves the stored count alone.
type ReferralTransition struct {
	LinksCreated *int
	Notes        string
	At           time.Time
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalStatus string

const (
	WithdrawalPending  WithdrawalStatus = "pending"
	WithdrawalApproved WithdrawalStatus = "approved"
	WithdrawalRejected WithdrawalStatus = "rejected"
	WithdrawalPaid     WithdrawalStatus = "paid"
)

// WithdrawalRequest reserves AmountUSD from the user's balance until an
// admin pays or rejects it. Paid requests never change again.
type WithdrawalRequest struct {
	ID          string
	UserID      UserID
	AmountUSD   decimal.Decimal
	CoinType    string
	Status      WithdrawalStatus
	PayoutEmail string
	TxHash      string
	AdminNotes  string
	CreatedAt   time.Time
	ProcessedAt *time.Time
}

// WithdrawalTransition carries the fields written on a withdrawal status change.
type WithdrawalTransition struct {
	TxHash string
	Notes  string
	At     time.Time
}

// WithdrawalFilter narrows ListWithdrawals. Zero values match everything.
type WithdrawalFilter struct {
	Status WithdrawalStatus
	UserID UserID
}

// =============================================================================
// USER PROFILE - Mirror of facts owned by other services
// =============================================================================

// UserProfile holds the eligibility facts referral validation reads.
// Social verification and link counts are written by their owning services.
type UserProfile struct {
	UserID         UserID
	SocialVerified bool
	LinksCreated   int
	UpdatedAt      time.Time
}
