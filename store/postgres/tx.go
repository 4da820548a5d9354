package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/warp/earning-engine/ledger"
)

// txStore implements ledger.Tx on one pgx.Tx. Lock* methods take row locks
// that are held until the transaction ends.
type txStore struct {
	tx pgx.Tx
}

// =============================================================================
// BALANCES
// =============================================================================

func (ts *txStore) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO balances (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, string(userID))
	if err != nil {
		return fmt.Errorf("failed to ensure balance: %w", err)
	}
	return nil
}

func (ts *txStore) LockBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	return getBalance(ctx, ts.tx, userID, true)
}

func (ts *txStore) SaveBalance(ctx context.Context, b *ledger.Balance) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE balances
		SET balance_usd = $1, total_earned = $2, total_withdrawn = $3, updated_at = $4
		WHERE user_id = $5
	`, b.BalanceUSD.String(), b.TotalEarned.String(), b.TotalWithdrawn.String(), b.UpdatedAt, string(b.UserID))
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return expectOneRow(tag, "balance", string(b.UserID))
}

func (ts *txStore) SetPayoutEmail(ctx context.Context, userID ledger.UserID, email string) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE balances SET payout_email = $1, updated_at = now() WHERE user_id = $2
	`, nullable(email), string(userID))
	if err != nil {
		return fmt.Errorf("failed to set payout email: %w", err)
	}
	return expectOneRow(tag, "balance", string(userID))
}

func (ts *txStore) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, amount, kind, source_network, source_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, string(t.UserID), t.Amount.String(), string(t.Kind), nullable(t.SourceNetwork),
		nullable(t.SourceID), t.Description, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// OFFERWALL COMPLETIONS
// =============================================================================

// InsertCompletion waits on a concurrent insert of the same key and then
// reports it as a duplicate.
func (ts *txStore) InsertCompletion(ctx context.Context, c *ledger.OfferwallCompletion) (bool, error) {
	tag, err := ts.tx.Exec(ctx, `
		INSERT INTO offerwall_completions
		(id, user_id, network, offer_id, external_tx_id, gross_payout, user_reward, ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, network, offer_id) DO NOTHING
	`, c.ID, string(c.UserID), c.Network, c.OfferID, nullable(c.ExternalTxID),
		c.GrossPayout.String(), c.UserReward.String(), nullable(c.IP), c.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert completion: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (ts *txStore) InsertTask(ctx context.Context, t *ledger.Task) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO tasks (id, title, description, reward_usd, max_completions, current_completions, active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Title, nullable(t.Description), t.RewardUSD.String(), t.MaxCompletions,
		t.CurrentCompletions, t.Active, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (ts *txStore) LockTask(ctx context.Context, id string) (*ledger.Task, error) {
	return getTask(ctx, ts.tx, id, true)
}

func (ts *txStore) IncrementTaskCompletions(ctx context.Context, id string) (bool, error) {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE tasks SET current_completions = current_completions + 1
		WHERE id = $1 AND (max_completions = 0 OR current_completions < max_completions)
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to increment task completions: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (ts *txStore) InsertSubmission(ctx context.Context, sub *ledger.TaskSubmission) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO task_submissions (id, task_id, user_id, status, proof, admin_notes, created_at, reviewed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, sub.ID, sub.TaskID, string(sub.UserID), string(sub.Status), nullable(sub.Proof),
		nullable(sub.AdminNotes), sub.CreatedAt, sub.ReviewedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{Reason: ledger.ReasonAlreadySubmitted, Resource: "task", ID: sub.TaskID}
		}
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (ts *txStore) LockSubmission(ctx context.Context, id string) (*ledger.TaskSubmission, error) {
	return getSubmission(ctx, ts.tx, id, true)
}

func (ts *txStore) TransitionSubmission(ctx context.Context, id string, from, to ledger.SubmissionStatus, r ledger.Review) (bool, error) {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE task_submissions
		SET status = $1, admin_notes = COALESCE($2, admin_notes), reviewed_at = $3
		WHERE id = $4 AND status = $5
	`, string(to), nullable(r.Notes), r.At, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition submission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// REFERRALS
// =============================================================================

func (ts *txStore) InsertReferral(ctx context.Context, r *ledger.Referral) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id, status, links_created, admin_notes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, r.ID, string(r.ReferrerID), string(r.ReferredID), string(r.Status), r.LinksCreated,
		nullable(r.AdminNotes), r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{Reason: ledger.ReasonAlreadyReferred, Resource: "user", ID: string(r.ReferredID)}
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (ts *txStore) LockReferral(ctx context.Context, id string) (*ledger.Referral, error) {
	return getReferral(ctx, ts.tx, id, true)
}

func (ts *txStore) TransitionReferral(ctx context.Context, id string, from, to ledger.ReferralStatus, t ledger.ReferralTransition) (bool, error) {
	var validatedAt, rewardedAt any
	switch to {
	case ledger.ReferralValidated:
		validatedAt = t.At
	case ledger.ReferralRewarded:
		rewardedAt = t.At
	}

	tag, err := ts.tx.Exec(ctx, `
		UPDATE referrals
		SET status = $1,
		    links_created = COALESCE($2, links_created),
		    admin_notes = COALESCE($3, admin_notes),
		    validated_at = COALESCE($4::timestamptz, validated_at),
		    rewarded_at = COALESCE($5::timestamptz, rewarded_at)
		WHERE id = $6 AND status = $7
	`, string(to), t.LinksCreated, nullable(t.Notes), validatedAt, rewardedAt, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition referral: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (ts *txStore) InsertWithdrawal(ctx context.Context, w *ledger.WithdrawalRequest) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO withdrawal_requests
		(id, user_id, amount_usd, coin_type, status, payout_email, tx_hash, admin_notes, created_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, w.ID, string(w.UserID), w.AmountUSD.String(), w.CoinType, string(w.Status), w.PayoutEmail,
		nullable(w.TxHash), nullable(w.AdminNotes), w.CreatedAt, w.ProcessedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return &ledger.ConflictError{
				Reason:   ledger.ReasonPendingWithdrawalExists,
				Resource: "user",
				ID:       string(w.UserID),
			}
		}
		return fmt.Errorf("failed to insert withdrawal: %w", err)
	}
	return nil
}

func (ts *txStore) LockWithdrawal(ctx context.Context, id string) (*ledger.WithdrawalRequest, error) {
	return getWithdrawal(ctx, ts.tx, id, true)
}

func (ts *txStore) TransitionWithdrawal(ctx context.Context, id string, from, to ledger.WithdrawalStatus, t ledger.WithdrawalTransition) (bool, error) {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE withdrawal_requests
		SET status = $1,
		    tx_hash = COALESCE($2, tx_hash),
		    admin_notes = COALESCE($3, admin_notes),
		    processed_at = $4
		WHERE id = $5 AND status = $6
	`, string(to), nullable(t.TxHash), nullable(t.Notes), t.At, id, string(from))
	if err != nil {
		return false, fmt.Errorf("failed to transition withdrawal: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// =============================================================================
// PROFILES
// =============================================================================

func (ts *txStore) GetUserProfile(ctx context.Context, userID ledger.UserID) (*ledger.UserProfile, error) {
	return getUserProfile(ctx, ts.tx, userID)
}

func (ts *txStore) UpsertUserProfile(ctx context.Context, p *ledger.UserProfile) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO user_profiles (user_id, social_verified, links_created, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO UPDATE SET
			social_verified = EXCLUDED.social_verified,
			links_created = EXCLUDED.links_created,
			updated_at = EXCLUDED.updated_at
	`, string(p.UserID), p.SocialVerified, p.LinksCreated, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

func expectOneRow(tag pgconn.CommandTag, resource, id string) error {
	if tag.RowsAffected() != 1 {
		return &ledger.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
