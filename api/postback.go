/*
postback.go - Offerwall postback endpoint

PURPOSE:
  Receives server-to-server completion callbacks from offerwall networks.
  Networks retry until they see "1", so a duplicate is answered exactly
  like a first delivery.

REQUEST (query string or form body):
  user_id, offer_id, payout, transaction_id, ip, secret

RESPONSE (text/plain):
  200 "1"  credited, or already credited
  400 "0"  malformed payload, or the network is disabled
  403 "0"  wrong secret
  404 "0"  unknown network
  500 "0"  anything else; the network will retry
*/
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
)

// Postback handles GET|POST /api/postback/{network}.
func (h *Handler) Postback(w http.ResponseWriter, r *http.Request) {
	network := strings.ToLower(chi.URLParam(r, "network"))
	if err := r.ParseForm(); err != nil {
		h.postbackReply(w, http.StatusBadRequest, network, err)
		return
	}
	form := r.Form

	if err := h.Coordinator.AuthenticatePostback(network, form.Get("secret")); err != nil {
		h.postbackReply(w, postbackStatus(err), network, err)
		return
	}

	payout, err := ledger.ParseAmount("payout", form.Get("payout"))
	if err != nil {
		h.postbackReply(w, http.StatusBadRequest, network, err)
		return
	}

	receipt, err := h.Coordinator.SettleOfferwallCompletion(r.Context(), settlement.Postback{
		Network:      network,
		UserID:       ledger.UserID(strings.TrimSpace(form.Get("user_id"))),
		OfferID:      strings.TrimSpace(form.Get("offer_id")),
		ExternalTxID: form.Get("transaction_id"),
		Payout:       payout,
		IP:           postbackIP(r, form.Get("ip")),
	})
	if err != nil {
		h.postbackReply(w, postbackStatus(err), network, err)
		return
	}

	h.log.WithFields(logrus.Fields{
		"network": network,
		"outcome": receipt.Outcome,
	}).Debug("postback acknowledged")
	writeText(w, http.StatusOK, "1")
}

func (h *Handler) postbackReply(w http.ResponseWriter, status int, network string, err error) {
	entry := h.log.WithFields(logrus.Fields{
		"network": network,
		"status":  status,
		"reason":  ledger.ReasonOf(err),
	})
	if status == http.StatusInternalServerError {
		entry.WithError(err).Error("postback failed")
	} else {
		entry.WithError(err).Warn("postback rejected")
	}
	writeText(w, status, "0")
}

func postbackStatus(err error) int {
	var unauthorized *ledger.UnauthorizedError
	switch {
	case errors.As(err, &unauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// postbackIP prefers the ip the network reports, which is the end user's,
// over the network's own address.
func postbackIP(r *http.Request, reported string) string {
	if reported = strings.TrimSpace(reported); reported != "" {
		return reported
	}
	return r.RemoteAddr
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(body))
}
