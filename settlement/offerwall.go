package settlement

import (
	"context"
	"crypto/subtle"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// rewardScale is the precision user rewards are rounded to.
const rewardScale = 6

// Postback is one offer completion reported by an offerwall network.
type Postback struct {
	Network      string
	UserID       ledger.UserID
	OfferID      string
	ExternalTxID string
	Payout       decimal.Decimal
	IP           string
}

// PostbackReceipt is the result of settling a postback. Duplicates come back
// with OutcomeAlreadyCredited and the zero Balance.
type PostbackReceipt struct {
	Outcome    Outcome
	UserReward decimal.Decimal
	Balance    decimal.Decimal
}

// AuthenticatePostback checks the network is known and enabled and that
// secret matches its configured secret. It touches no state.
func (c *Coordinator) AuthenticatePostback(network, secret string) error {
	ns, ok := c.settings.Network(network)
	if !ok {
		return &ledger.NotFoundError{Resource: "network", ID: network}
	}
	if !ns.Enabled {
		return &ledger.ValidationError{Field: "network", Reason: network + " is disabled"}
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(ns.Secret)) != 1 {
		return &ledger.UnauthorizedError{Reason: "postback secret mismatch for " + network}
	}
	return nil
}

// UserReward is the user's share of a gross payout.
func (c *Coordinator) UserReward(gross decimal.Decimal) decimal.Decimal {
	return gross.Mul(c.settings.RevenueSplitRatio).Round(rewardScale)
}

// SettleOfferwallCompletion records the completion and credits the user's
// share in one unit. The completion insert is the duplicate check: a repeat
// of (user, network, offer) inserts nothing and credits nothing.
func (c *Coordinator) SettleOfferwallCompletion(ctx context.Context, pb Postback) (*PostbackReceipt, error) {
	if err := validatePostback(pb); err != nil {
		return nil, err
	}
	if ns, ok := c.settings.Network(pb.Network); !ok || !ns.Enabled {
		return nil, &ledger.ValidationError{Field: "network", Reason: pb.Network + " is not accepting postbacks"}
	}

	reward := c.UserReward(pb.Payout)
	if !reward.IsPositive() {
		return nil, &ledger.ValidationError{Field: "payout", Reason: "too small to credit"}
	}

	receipt := &PostbackReceipt{Outcome: OutcomeAlreadyCredited, UserReward: reward}
	err := c.settle(ctx, userKey(pb.UserID), func(tx ledger.Tx) error {
		inserted, err := tx.InsertCompletion(ctx, &ledger.OfferwallCompletion{
			ID:           c.newID(),
			UserID:       pb.UserID,
			Network:      pb.Network,
			OfferID:      pb.OfferID,
			ExternalTxID: pb.ExternalTxID,
			GrossPayout:  pb.Payout,
			UserReward:   reward,
			IP:           pb.IP,
			CreatedAt:    c.now(),
		})
		if err != nil || !inserted {
			return err
		}

		balance, err := c.ledger.Credit(ctx, tx, ledger.Posting{
			UserID:        pb.UserID,
			Amount:        reward,
			Kind:          ledger.KindOffer,
			Description:   fmt.Sprintf("%s offer %s", pb.Network, pb.OfferID),
			SourceNetwork: pb.Network,
			SourceID:      pb.OfferID,
		})
		if err != nil {
			return err
		}
		receipt.Outcome = OutcomeCredited
		receipt.Balance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logrus.Fields{
		"user_id":  pb.UserID,
		"network":  pb.Network,
		"offer_id": pb.OfferID,
		"payout":   pb.Payout.String(),
		"reward":   reward.String(),
		"outcome":  receipt.Outcome,
	}).Info("offerwall postback settled")
	return receipt, nil
}

func validatePostback(pb Postback) error {
	switch {
	case pb.Network == "":
		return &ledger.ValidationError{Field: "network", Reason: "is required"}
	case pb.UserID == "":
		return &ledger.ValidationError{Field: "user_id", Reason: "is required"}
	case pb.OfferID == "":
		return &ledger.ValidationError{Field: "offer_id", Reason: "is required"}
	case !pb.Payout.IsPositive():
		return &ledger.ValidationError{Field: "payout", Reason: "must be greater than zero"}
	}
	return nil
}
