/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, kept apart from the ledger records so field
  names can follow the dashboard's snake_case contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY:
  Amounts are canonical decimal strings ("0.5", "12.25"), never JSON
  numbers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/earning-engine/ledger"
)

// =============================================================================
// BALANCE / TRANSACTIONS
// =============================================================================

type BalanceDTO struct {
	UserID         string `json:"user_id"`
	BalanceUSD     string `json:"balance_usd"`
	TotalEarned    string `json:"total_earned"`
	TotalWithdrawn string `json:"total_withdrawn"`
	PayoutEmail    string `json:"payout_email,omitempty"`
	UpdatedAt      string `json:"updated_at"`
}

type TransactionDTO struct {
	ID            string `json:"id"`
	Amount        string `json:"amount"`
	Kind          string `json:"kind"`
	SourceNetwork string `json:"source_network,omitempty"`
	SourceID      string `json:"source_id,omitempty"`
	Description   string `json:"description"`
	CreatedAt     string `json:"created_at"`
}

type PayoutEmailRequest struct {
	PayoutEmail string `json:"payout_email"`
}

// =============================================================================
// TASKS
// =============================================================================

type TaskDTO struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Description        string `json:"description,omitempty"`
	RewardUSD          string `json:"reward_usd"`
	MaxCompletions     int    `json:"max_completions"`
	CurrentCompletions int    `json:"current_completions"`
	Active             bool   `json:"active"`
	CreatedAt          string `json:"created_at"`
}

type CreateTaskRequest struct {
	Title          string `json:"title"`
	Description    string `json:"description"`
	RewardUSD      string `json:"reward_usd"`
	MaxCompletions int    `json:"max_completions"`
	Active         *bool  `json:"active"`
}

type SubmissionDTO struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	UserID     string  `json:"user_id"`
	Status     string  `json:"status"`
	Proof      string  `json:"proof,omitempty"`
	AdminNotes string  `json:"admin_notes,omitempty"`
	CreatedAt  string  `json:"created_at"`
	ReviewedAt *string `json:"reviewed_at,omitempty"`
}

type SubmitProofRequest struct {
	Proof string `json:"proof"`
}

// ReviewRequest is the admin body for submissions and referrals.
type ReviewRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

// =============================================================================
// REFERRALS / PROFILES
// =============================================================================

type ReferralDTO struct {
	ID           string  `json:"id"`
	ReferrerID   string  `json:"referrer_id"`
	ReferredID   string  `json:"referred_id"`
	Status       string  `json:"status"`
	LinksCreated int     `json:"links_created"`
	AdminNotes   string  `json:"admin_notes,omitempty"`
	CreatedAt    string  `json:"created_at"`
	ValidatedAt  *string `json:"validated_at,omitempty"`
	RewardedAt   *string `json:"rewarded_at,omitempty"`
}

type RegisterReferralRequest struct {
	ReferrerID string `json:"referrer_id"`
	ReferredID string `json:"referred_id"`
}

type UserProfileRequest struct {
	SocialVerified bool `json:"social_verified"`
	LinksCreated   int  `json:"links_created"`
}

type UserProfileDTO struct {
	UserID         string `json:"user_id"`
	SocialVerified bool   `json:"social_verified"`
	LinksCreated   int    `json:"links_created"`
	UpdatedAt      string `json:"updated_at"`
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

type WithdrawalDTO struct {
	ID          string  `json:"id"`
	UserID      string  `json:"user_id"`
	AmountUSD   string  `json:"amount_usd"`
	CoinType    string  `json:"coin_type"`
	Status      string  `json:"status"`
	PayoutEmail string  `json:"payout_email"`
	TxHash      string  `json:"tx_hash,omitempty"`
	AdminNotes  string  `json:"admin_notes,omitempty"`
	CreatedAt   string  `json:"created_at"`
	ProcessedAt *string `json:"processed_at,omitempty"`
}

type WithdrawalRequestBody struct {
	AmountUSD string `json:"amount_usd"`
	CoinType  string `json:"coin_type"`
}

type ResolveWithdrawalRequest struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
	Notes  string `json:"notes"`
}

// =============================================================================
// AUDIT
// =============================================================================

type DriftDTO struct {
	UserID   string `json:"user_id"`
	Balance  string `json:"balance_usd"`
	Expected string `json:"expected_usd"`
}

type AuditDTO struct {
	CheckedAt string     `json:"checked_at"`
	Users     int        `json:"users"`
	Clean     bool       `json:"clean"`
	Drifts    []DriftDTO `json:"drifts"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func money(d decimal.Decimal) string {
	return d.String()
}

func toBalanceDTO(b *ledger.Balance) BalanceDTO {
	return BalanceDTO{
		UserID:         string(b.UserID),
		BalanceUSD:     money(b.BalanceUSD),
		TotalEarned:    money(b.TotalEarned),
		TotalWithdrawn: money(b.TotalWithdrawn),
		PayoutEmail:    b.PayoutEmail,
		UpdatedAt:      formatTime(b.UpdatedAt),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, t := range txs {
		dtos[i] = TransactionDTO{
			ID:            string(t.ID),
			Amount:        money(t.Amount),
			Kind:          string(t.Kind),
			SourceNetwork: t.SourceNetwork,
			SourceID:      t.SourceID,
			Description:   t.Description,
			CreatedAt:     formatTime(t.CreatedAt),
		}
	}
	return dtos
}

func toTaskDTO(t *ledger.Task) TaskDTO {
	return TaskDTO{
		ID:                 t.ID,
		Title:              t.Title,
		Description:        t.Description,
		RewardUSD:          money(t.RewardUSD),
		MaxCompletions:     t.MaxCompletions,
		CurrentCompletions: t.CurrentCompletions,
		Active:             t.Active,
		CreatedAt:          formatTime(t.CreatedAt),
	}
}

func toSubmissionDTO(s *ledger.TaskSubmission) SubmissionDTO {
	return SubmissionDTO{
		ID:         s.ID,
		TaskID:     s.TaskID,
		UserID:     string(s.UserID),
		Status:     string(s.Status),
		Proof:      s.Proof,
		AdminNotes: s.AdminNotes,
		CreatedAt:  formatTime(s.CreatedAt),
		ReviewedAt: formatTimePtr(s.ReviewedAt),
	}
}

func toReferralDTO(r *ledger.Referral) ReferralDTO {
	return ReferralDTO{
		ID:           r.ID,
		ReferrerID:   string(r.ReferrerID),
		ReferredID:   string(r.ReferredID),
		Status:       string(r.Status),
		LinksCreated: r.LinksCreated,
		AdminNotes:   r.AdminNotes,
		CreatedAt:    formatTime(r.CreatedAt),
		ValidatedAt:  formatTimePtr(r.ValidatedAt),
		RewardedAt:   formatTimePtr(r.RewardedAt),
	}
}

func toWithdrawalDTO(w *ledger.WithdrawalRequest) WithdrawalDTO {
	return WithdrawalDTO{
		ID:          w.ID,
		UserID:      string(w.UserID),
		AmountUSD:   money(w.AmountUSD),
		CoinType:    w.CoinType,
		Status:      string(w.Status),
		PayoutEmail: w.PayoutEmail,
		TxHash:      w.TxHash,
		AdminNotes:  w.AdminNotes,
		CreatedAt:   formatTime(w.CreatedAt),
		ProcessedAt: formatTimePtr(w.ProcessedAt),
	}
}

func toAuditDTO(r *ledger.AuditReport) AuditDTO {
	drifts := make([]DriftDTO, len(r.Drifts))
	for i, d := range r.Drifts {
		drifts[i] = DriftDTO{
			UserID:   string(d.UserID),
			Balance:  d.Balance.String(),
			Expected: d.Expected.String(),
		}
	}
	return AuditDTO{
		CheckedAt: formatTime(r.CheckedAt),
		Users:     r.Users,
		Clean:     r.Clean(),
		Drifts:    drifts,
	}
}
