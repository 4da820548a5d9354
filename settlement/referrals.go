/*
referrals.go - Referral Validation Gate

PURPOSE:
  Pays the referral reward to both sides of a referral, once.

STATE MACHINE:
  pending ──accept──▶ validated ──▶ rewarded
     │
     └──reject──────▶ invalid

  Acceptance runs validated and rewarded in the same unit, so validated is
  never committed on its own. Only pending referrals can be accepted;
  rewarded and invalid are terminal.

ELIGIBILITY (checked in order, first failure wins):
  1. referrer is socially verified
  2. referred user is socially verified
  3. referred user created at least referralLinksRequired links

CREDITS:
  Two separate referral transactions, one per user, never combined.
*/
package settlement

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// ReferralGate validates referrals through the Coordinator.
type ReferralGate struct {
	c *Coordinator
}

func NewReferralGate(c *Coordinator) *ReferralGate {
	return &ReferralGate{c: c}
}

// ReferralReview is the result of validating one referral.
type ReferralReview struct {
	Outcome         Outcome
	Referral        *ledger.Referral
	ReferrerBalance decimal.Decimal
	ReferredBalance decimal.Decimal
}

func referralKey(id string) string { return "referral:" + id }

// Register records that referrerID brought in referredID. Each user can be
// referred once.
func (g *ReferralGate) Register(ctx context.Context, referrerID, referredID ledger.UserID) (*ledger.Referral, error) {
	switch {
	case referrerID == "":
		return nil, &ledger.ValidationError{Field: "referrer_id", Reason: "is required"}
	case referredID == "":
		return nil, &ledger.ValidationError{Field: "referred_id", Reason: "is required"}
	case referrerID == referredID:
		return nil, &ledger.ValidationError{Field: "referred_id", Reason: "cannot refer yourself"}
	}

	ref := &ledger.Referral{
		ID:         g.c.newID(),
		ReferrerID: referrerID,
		ReferredID: referredID,
		Status:     ledger.ReferralPending,
		CreatedAt:  g.c.now(),
	}
	err := g.c.settle(ctx, userKey(referredID), func(tx ledger.Tx) error {
		return tx.InsertReferral(ctx, ref)
	})
	if err != nil {
		return nil, err
	}
	return ref, nil
}

// ValidateReferral applies an admin decision to a referral.
func (g *ReferralGate) ValidateReferral(ctx context.Context, referralID string, d Decision, notes string) (*ReferralReview, error) {
	switch d {
	case DecisionApprove:
		return g.accept(ctx, referralID, notes)
	case DecisionReject:
		return g.reject(ctx, referralID, notes)
	}
	return nil, &ledger.ValidationError{Field: "status", Reason: "referrals are approved or rejected"}
}

func (g *ReferralGate) reject(ctx context.Context, referralID, notes string) (*ReferralReview, error) {
	var (
		review  ReferralReview
		outcome error
	)
	err := g.c.settle(ctx, referralKey(referralID), func(tx ledger.Tx) error {
		ref, err := lockReferral(ctx, tx, referralID)
		if err != nil {
			return err
		}
		review.Referral = ref
		if ref.Status != ledger.ReferralPending {
			outcome = alreadyProcessed("referral", ref.ID, string(ref.Status))
			return nil
		}

		if err := g.transition(ctx, tx, ref, ledger.ReferralPending, ledger.ReferralInvalid,
			ledger.ReferralTransition{Notes: notes, At: g.c.now()}); err != nil {
			return err
		}
		review.Outcome = OutcomeInvalidated
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logReview(&review, referralID, outcome)
	return &review, outcome
}

func (g *ReferralGate) accept(ctx context.Context, referralID, notes string) (*ReferralReview, error) {
	var (
		review  ReferralReview
		outcome error
	)
	err := g.c.settle(ctx, referralKey(referralID), func(tx ledger.Tx) error {
		ref, err := lockReferral(ctx, tx, referralID)
		if err != nil {
			return err
		}
		review.Referral = ref
		if ref.Status != ledger.ReferralPending {
			outcome = alreadyProcessed("referral", ref.ID, string(ref.Status))
			return nil
		}

		links, err := g.checkEligibility(ctx, tx, ref)
		if err != nil {
			return err
		}

		at := g.c.now()
		if err := g.transition(ctx, tx, ref, ledger.ReferralPending, ledger.ReferralValidated,
			ledger.ReferralTransition{LinksCreated: &links, Notes: notes, At: at}); err != nil {
			return err
		}

		if err := g.c.lockBalances(ctx, tx, ref.ReferrerID, ref.ReferredID); err != nil {
			return err
		}
		reward := g.c.settings.ReferralReward
		review.ReferrerBalance, err = g.c.ledger.Credit(ctx, tx, ledger.Posting{
			UserID:      ref.ReferrerID,
			Amount:      reward,
			Kind:        ledger.KindReferral,
			Description: fmt.Sprintf("Referral reward for inviting %s", ref.ReferredID),
			SourceID:    ref.ID,
		})
		if err != nil {
			return err
		}
		review.ReferredBalance, err = g.c.ledger.Credit(ctx, tx, ledger.Posting{
			UserID:      ref.ReferredID,
			Amount:      reward,
			Kind:        ledger.KindReferral,
			Description: fmt.Sprintf("Referral reward for joining via %s", ref.ReferrerID),
			SourceID:    ref.ID,
		})
		if err != nil {
			return err
		}

		if err := g.transition(ctx, tx, ref, ledger.ReferralValidated, ledger.ReferralRewarded,
			ledger.ReferralTransition{At: at}); err != nil {
			return err
		}
		review.Outcome = OutcomeRewarded
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logReview(&review, referralID, outcome)
	return &review, outcome
}

// checkEligibility returns the referred user's link count when every
// condition holds, or the first unmet condition.
func (g *ReferralGate) checkEligibility(ctx context.Context, tx ledger.Tx, ref *ledger.Referral) (int, error) {
	referrer, err := tx.GetUserProfile(ctx, ref.ReferrerID)
	if err != nil {
		return 0, err
	}
	if referrer == nil || !referrer.SocialVerified {
		return 0, &ledger.EligibilityError{Reason: ledger.ReasonReferrerNotVerified, UserID: ref.ReferrerID}
	}

	referred, err := tx.GetUserProfile(ctx, ref.ReferredID)
	if err != nil {
		return 0, err
	}
	if referred == nil || !referred.SocialVerified {
		return 0, &ledger.EligibilityError{Reason: ledger.ReasonReferredNotVerified, UserID: ref.ReferredID}
	}
	if referred.LinksCreated < g.c.settings.ReferralLinksRequired {
		return 0, &ledger.EligibilityError{Reason: ledger.ReasonInsufficientLinks, UserID: ref.ReferredID}
	}
	return referred.LinksCreated, nil
}

func (g *ReferralGate) transition(ctx context.Context, tx ledger.Tx, ref *ledger.Referral, from, to ledger.ReferralStatus, t ledger.ReferralTransition) error {
	ok, err := tx.TransitionReferral(ctx, ref.ID, from, to, t)
	if err != nil {
		return err
	}
	if !ok {
		return alreadyProcessed("referral", ref.ID, string(ref.Status))
	}

	ref.Status = to
	if t.LinksCreated != nil {
		ref.LinksCreated = *t.LinksCreated
	}
	if t.Notes != "" {
		ref.AdminNotes = t.Notes
	}
	at := t.At
	switch to {
	case ledger.ReferralValidated:
		ref.ValidatedAt = &at
	case ledger.ReferralRewarded:
		ref.RewardedAt = &at
	}
	return nil
}

func (g *ReferralGate) logReview(review *ReferralReview, referralID string, outcome error) {
	fields := logrus.Fields{"referral_id": referralID, "outcome": review.Outcome}
	if review.Referral != nil {
		fields["referrer_id"] = review.Referral.ReferrerID
		fields["referred_id"] = review.Referral.ReferredID
	}
	if outcome != nil {
		fields["conflict"] = ledger.ReasonOf(outcome)
	}
	g.c.log.WithFields(fields).Info("referral reviewed")
}

func lockReferral(ctx context.Context, tx ledger.Tx, id string) (*ledger.Referral, error) {
	ref, err := tx.LockReferral(ctx, id)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, &ledger.NotFoundError{Resource: "referral", ID: id}
	}
	return ref, nil
}
