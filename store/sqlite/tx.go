package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/warp/earning-engine/ledger"
)

// txStore implements ledger.Tx on a single *sql.Tx. The writer lock is
// already held, so Lock* methods are plain reads.
type txStore struct {
	tx *sql.Tx
}

// =============================================================================
// BALANCES
// =============================================================================

func (ts *txStore) EnsureBalance(ctx context.Context, userID ledger.UserID) error {
	now := formatTime(nowUTC())
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, balance_usd, total_earned, total_withdrawn, created_at, updated_at)
		VALUES (?, '0', '0', '0', ?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure balance: %w", err)
	}
	return nil
}

func (ts *txStore) LockBalance(ctx context.Context, userID ledger.UserID) (*ledger.Balance, error) {
	return getBalance(ctx, ts.tx, userID)
}

func (ts *txStore) SaveBalance(ctx context.Context, b *ledger.Balance) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE balances
		SET balance_usd = ?, total_earned = ?, total_withdrawn = ?, updated_at = ?
		WHERE user_id = ?
	`, money(b.BalanceUSD), money(b.TotalEarned), money(b.TotalWithdrawn), formatTime(b.UpdatedAt), b.UserID)
	if err != nil {
		return fmt.Errorf("failed to save balance: %w", err)
	}
	return expectOneRow(res, "balance", string(b.UserID))
}

func (ts *txStore) SetPayoutEmail(ctx context.Context, userID ledger.UserID, email string) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE balances SET payout_email = ?, updated_at = ? WHERE user_id = ?
	`, nullString(email), formatTime(nowUTC()), userID)
	if err != nil {
		return fmt.Errorf("failed to set payout email: %w", err)
	}
	return expectOneRow(res, "balance", string(userID))
}

func (ts *txStore) InsertTransaction(ctx context.Context, t *ledger.Transaction) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, amount, kind, source_network, source_id, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, money(t.Amount), t.Kind, nullString(t.SourceNetwork), nullString(t.SourceID),
		t.Description, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// =============================================================================
// OFFERWALL COMPLETIONS
// =============================================================================

func (ts *txStore) InsertCompletion(ctx context.Context, c *ledger.OfferwallCompletion) (bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		INSERT INTO offerwall_completions
		(id, user_id, network, offer_id, external_tx_id, gross_payout, user_reward, ip, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, network, offer_id) DO NOTHING
	`, c.ID, c.UserID, c.Network, c.OfferID, nullString(c.ExternalTxID),
		money(c.GrossPayout), money(c.UserReward), nullString(c.IP), formatTime(c.CreatedAt))
	if err != nil {
		return false, fmt.Errorf("failed to insert completion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// =============================================================================
// TASKS
// =============================================================================

func (ts *txStore) InsertTask(ctx context.Context, t *ledger.Task) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, reward_usd, max_completions, current_completions, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Title, nullString(t.Description), money(t.RewardUSD), t.MaxCompletions,
		t.CurrentCompletions, t.Active, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

func (ts *txStore) LockTask(ctx context.Context, id string) (*ledger.Task, error) {
	return getTask(ctx, ts.tx, id)
}

func (ts *txStore) IncrementTaskCompletions(ctx context.Context, id string) (bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE tasks SET current_completions = current_completions + 1
		WHERE id = ? AND (max_completions = 0 OR current_completions < max_completions)
	`, id)
	if err != nil {
		return false, fmt.Errorf("failed to increment task completions: %w", err)
	}
	return affectedOne(res)
}

func (ts *txStore) InsertSubmission(ctx context.Context, sub *ledger.TaskSubmission) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO task_submissions (id, task_id, user_id, status, proof, admin_notes, created_at, reviewed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.TaskID, sub.UserID, sub.Status, nullString(sub.Proof), nullString(sub.AdminNotes),
		formatTime(sub.CreatedAt), nullTime(sub.ReviewedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConflictError{Reason: ledger.ReasonAlreadySubmitted, Resource: "task", ID: sub.TaskID}
		}
		return fmt.Errorf("failed to insert submission: %w", err)
	}
	return nil
}

func (ts *txStore) LockSubmission(ctx context.Context, id string) (*ledger.TaskSubmission, error) {
	return getSubmission(ctx, ts.tx, id)
}

func (ts *txStore) TransitionSubmission(ctx context.Context, id string, from, to ledger.SubmissionStatus, r ledger.Review) (bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE task_submissions
		SET status = ?, admin_notes = COALESCE(?, admin_notes), reviewed_at = ?
		WHERE id = ? AND status = ?
	`, to, nullString(r.Notes), formatTime(r.At), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition submission: %w", err)
	}
	return affectedOne(res)
}

// =============================================================================
// REFERRALS
// =============================================================================

func (ts *txStore) InsertReferral(ctx context.Context, r *ledger.Referral) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO referrals (id, referrer_id, referred_id, status, links_created, admin_notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ReferrerID, r.ReferredID, r.Status, r.LinksCreated, nullString(r.AdminNotes), formatTime(r.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return &ledger.ConflictError{Reason: ledger.ReasonAlreadyReferred, Resource: "user", ID: string(r.ReferredID)}
		}
		return fmt.Errorf("failed to insert referral: %w", err)
	}
	return nil
}

func (ts *txStore) LockReferral(ctx context.Context, id string) (*ledger.Referral, error) {
	return getReferral(ctx, ts.tx, id)
}

func (ts *txStore) TransitionReferral(ctx context.Context, id string, from, to ledger.ReferralStatus, t ledger.ReferralTransition) (bool, error) {
	var validatedAt, rewardedAt sql.NullString
	switch to {
	case ledger.ReferralValidated:
		validatedAt = nullTime(&t.At)
	case ledger.ReferralRewarded:
		rewardedAt = nullTime(&t.At)
	}
	var links sql.NullInt64
	if t.LinksCreated != nil {
		links = sql.NullInt64{Int64: int64(*t.LinksCreated), Valid: true}
	}

	res, err := ts.tx.ExecContext(ctx, `
		UPDATE referrals
		SET status = ?,
		    links_created = COALESCE(?, links_created),
		    admin_notes = COALESCE(?, admin_notes),
		    validated_at = COALESCE(?, validated_at),
		    rewarded_at = COALESCE(?, rewarded_at)
		WHERE id = ? AND status = ?
	`, to, links, nullString(t.Notes), validatedAt, rewardedAt, id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition referral: %w", err)
	}
	return affectedOne(res)
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

func (ts *txStore) InsertWithdrawal(ctx context.Context, w *ledger.WithdrawalRequest) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO withdrawal_requests
		(id, user_id, amount_usd, coin_type, status, payout_email, tx_hash, admin_notes, created_at, processed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, w.ID, w.UserID, money(w.AmountUSD), w.CoinType, w.Status, w.PayoutEmail,
		nullString(w.TxHash), nullString(w.AdminNotes), formatTime(w.CreatedAt), nullTime(w.ProcessedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
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
	return getWithdrawal(ctx, ts.tx, id)
}

func (ts *txStore) TransitionWithdrawal(ctx context.Context, id string, from, to ledger.WithdrawalStatus, t ledger.WithdrawalTransition) (bool, error) {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE withdrawal_requests
		SET status = ?,
		    tx_hash = COALESCE(?, tx_hash),
		    admin_notes = COALESCE(?, admin_notes),
		    processed_at = ?
		WHERE id = ? AND status = ?
	`, to, nullString(t.TxHash), nullString(t.Notes), formatTime(t.At), id, from)
	if err != nil {
		return false, fmt.Errorf("failed to transition withdrawal: %w", err)
	}
	return affectedOne(res)
}

// =============================================================================
// PROFILES
// =============================================================================

func (ts *txStore) GetUserProfile(ctx context.Context, userID ledger.UserID) (*ledger.UserProfile, error) {
	return getUserProfile(ctx, ts.tx, userID)
}

func (ts *txStore) UpsertUserProfile(ctx context.Context, p *ledger.UserProfile) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, social_verified, links_created, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			social_verified = excluded.social_verified,
			links_created = excluded.links_created,
			updated_at = excluded.updated_at
	`, p.UserID, p.SocialVerified, p.LinksCreated, formatTime(p.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert user profile: %w", err)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func expectOneRow(res sql.Result, resource, id string) error {
	ok, err := affectedOne(res)
	if err != nil {
		return err
	}
	if !ok {
		return &ledger.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}
