/*
handlers.go - HTTP API handlers for the earning engine

PURPOSE:
  Exposes balances, tasks, referrals and withdrawals over REST. Handlers
  parse and validate the request, call the settlement layer and render the
  result; they never touch the ledger directly.

ENDPOINTS:
  User (bearer token, acting on the token's subject):
    GET    /api/earning/balance              Balance and lifetime totals
    GET    /api/earning/transactions         History, newest first (?limit=)
    PUT    /api/earning/payout-email         FaucetPay address
    GET    /api/tasks                        Active tasks
    POST   /api/tasks/{id}/submissions       Submit proof
    GET    /api/withdrawals                  Own withdrawals
    POST   /api/withdrawals                  Request a withdrawal

  Admin (role=admin):
    GET|POST /api/admin/tasks
    GET      /api/admin/task-submissions     ?status=&task_id=&user_id=
    PATCH    /api/admin/task-submissions/{id}
    GET|POST /api/admin/referrals            ?status=
    PATCH    /api/admin/referrals/{id}
    PUT      /api/admin/users/{id}/profile
    GET      /api/admin/withdrawals          ?status=&user_id=
    PATCH    /api/admin/withdrawals/{id}
    GET      /api/admin/ledger/audit

ERROR HANDLING:
  See errors.go. Benign conflicts from reviews come back as 409 together
  with the record they hit, so an admin UI can refresh its row.

SEE ALSO:
  - postback.go: Offerwall postbacks
  - dto.go:      Request/response shapes
  - server.go:   Router and middleware
*/
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
	"github.com/warp/earning-engine/settlement"
)

const defaultTransactionLimit = 50

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store       ledger.Reader
	Coordinator *settlement.Coordinator
	Tasks       *settlement.TaskGate
	Referrals   *settlement.ReferralGate
	Withdrawals *settlement.WithdrawalManager
	Auditor     *ledger.Auditor

	log logrus.FieldLogger
}

// NewHandler wires the settlement components around one coordinator.
func NewHandler(store ledger.Reader, c *settlement.Coordinator, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Store:       store,
		Coordinator: c,
		Tasks:       settlement.NewTaskGate(c),
		Referrals:   settlement.NewReferralGate(c),
		Withdrawals: settlement.NewWithdrawalManager(c),
		Auditor:     ledger.NewAuditor(store),
		log:         log,
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.log, err)
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return badRequest("body", "invalid JSON")
	}
	return nil
}

func caller(r *http.Request) ledger.UserID {
	p, _ := PrincipalFrom(r.Context())
	return p.UserID
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// USER: BALANCE
// =============================================================================

// GetBalance returns the caller's balance.
// GET /api/earning/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, err := h.Coordinator.Balance(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// GetTransactions returns the caller's ledger entries.
// GET /api/earning/transactions?limit=
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	limit := defaultTransactionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.fail(w, r, badRequest("limit", "must be a positive integer"))
			return
		}
		limit = n
	}

	txs, err := h.Coordinator.Transactions(r.Context(), caller(r), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// SetPayoutEmail stores the caller's FaucetPay address.
// PUT /api/earning/payout-email
func (h *Handler) SetPayoutEmail(w http.ResponseWriter, r *http.Request) {
	var req PayoutEmailRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	b, err := h.Coordinator.SetPayoutEmail(r.Context(), caller(r), req.PayoutEmail)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(b))
}

// =============================================================================
// TASKS
// =============================================================================

// ListActiveTasks returns tasks users can submit for.
// GET /api/tasks
func (h *Handler) ListActiveTasks(w http.ResponseWriter, r *http.Request) {
	h.listTasks(w, r, true)
}

// ListAllTasks returns every task.
// GET /api/admin/tasks
func (h *Handler) ListAllTasks(w http.ResponseWriter, r *http.Request) {
	h.listTasks(w, r, false)
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request, activeOnly bool) {
	tasks, err := h.Store.ListTasks(r.Context(), activeOnly)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]TaskDTO, len(tasks))
	for i := range tasks {
		dtos[i] = toTaskDTO(&tasks[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateTask adds a task.
// POST /api/admin/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	reward, err := ledger.ParseAmount("reward_usd", req.RewardUSD)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}

	task, err := h.Tasks.CreateTask(r.Context(), settlement.NewTask{
		Title:          req.Title,
		Description:    req.Description,
		RewardUSD:      reward,
		MaxCompletions: req.MaxCompletions,
		Active:         active,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(task))
}

// SubmitTask records the caller's proof for a task.
// POST /api/tasks/{id}/submissions
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitProofRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	sub, err := h.Tasks.Submit(r.Context(), caller(r), chi.URLParam(r, "id"), req.Proof)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSubmissionDTO(sub))
}

// ListSubmissions lists submissions for review.
// GET /api/admin/task-submissions?status=&task_id=&user_id=
func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subs, err := h.Store.ListSubmissions(r.Context(), ledger.SubmissionFilter{
		Status: ledger.SubmissionStatus(q.Get("status")),
		TaskID: q.Get("task_id"),
		UserID: ledger.UserID(q.Get("user_id")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]SubmissionDTO, len(subs))
	for i := range subs {
		dtos[i] = toSubmissionDTO(&subs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ReviewSubmission approves or rejects a submission.
// PATCH /api/admin/task-submissions/{id}
func (h *Handler) ReviewSubmission(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := settlement.ParseDecision(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	review, err := h.Tasks.Review(r.Context(), chi.URLParam(r, "id"), d, req.Notes)
	body := map[string]any{}
	if review != nil {
		body["outcome"] = review.Outcome
		if review.Submission != nil {
			body["submission"] = toSubmissionDTO(review.Submission)
		}
		if review.Task != nil {
			body["task"] = toTaskDTO(review.Task)
		}
		if review.Outcome == settlement.OutcomeApproved {
			body["balance_usd"] = money(review.Balance)
		}
	}
	h.renderReview(w, r, err, body)
}

// renderReview writes a review result, a conflict with its record, or an error.
func (h *Handler) renderReview(w http.ResponseWriter, r *http.Request, err error, body map[string]any) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, body)
	case ledger.IsConflict(err) && len(body) > 0:
		writeConflict(w, err, body)
	default:
		h.fail(w, r, err)
	}
}

// =============================================================================
// REFERRALS / PROFILES
// =============================================================================

// ListReferrals lists referrals, optionally by status.
// GET /api/admin/referrals?status=
func (h *Handler) ListReferrals(w http.ResponseWriter, r *http.Request) {
	refs, err := h.Store.ListReferrals(r.Context(), ledger.ReferralStatus(r.URL.Query().Get("status")))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	dtos := make([]ReferralDTO, len(refs))
	for i := range refs {
		dtos[i] = toReferralDTO(&refs[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// RegisterReferral records a referrer/referred pair.
// POST /api/admin/referrals
func (h *Handler) RegisterReferral(w http.ResponseWriter, r *http.Request) {
	var req RegisterReferralRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	ref, err := h.Referrals.Register(r.Context(),
		ledger.UserID(strings.TrimSpace(req.ReferrerID)),
		ledger.UserID(strings.TrimSpace(req.ReferredID)))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReferralDTO(ref))
}

// ValidateReferral approves (and rewards) or rejects a referral.
// PATCH /api/admin/referrals/{id}
func (h *Handler) ValidateReferral(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := settlement.ParseDecision(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	review, err := h.Referrals.ValidateReferral(r.Context(), chi.URLParam(r, "id"), d, req.Notes)
	body := map[string]any{}
	if review != nil {
		body["outcome"] = review.Outcome
		if review.Referral != nil {
			body["referral"] = toReferralDTO(review.Referral)
		}
		if review.Outcome == settlement.OutcomeRewarded {
			body["referrer_balance_usd"] = money(review.ReferrerBalance)
			body["referred_balance_usd"] = money(review.ReferredBalance)
		}
	}
	h.renderReview(w, r, err, body)
}

// UpsertUserProfile stores eligibility facts for a user.
// PUT /api/admin/users/{id}/profile
func (h *Handler) UpsertUserProfile(w http.ResponseWriter, r *http.Request) {
	var req UserProfileRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.Coordinator.UpsertUserProfile(r.Context(), ledger.UserProfile{
		UserID:         ledger.UserID(chi.URLParam(r, "id")),
		SocialVerified: req.SocialVerified,
		LinksCreated:   req.LinksCreated,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, UserProfileDTO{
		UserID:         string(p.UserID),
		SocialVerified: p.SocialVerified,
		LinksCreated:   p.LinksCreated,
		UpdatedAt:      formatTime(p.UpdatedAt),
	})
}

// =============================================================================
// WITHDRAWALS
// =============================================================================

// ListMyWithdrawals returns the caller's withdrawals.
// GET /api/withdrawals
func (h *Handler) ListMyWithdrawals(w http.ResponseWriter, r *http.Request) {
	list, err := h.Withdrawals.ListForUser(r.Context(), caller(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(list))
}

// RequestWithdrawal reserves part of the caller's balance for payout.
// POST /api/withdrawals
func (h *Handler) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequestBody
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	amount, err := ledger.ParseAmount("amount_usd", req.AmountUSD)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Withdrawals.RequestWithdrawal(r.Context(), caller(r), amount, req.CoinType)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"withdrawal":  toWithdrawalDTO(res.Withdrawal),
		"balance_usd": money(res.Balance),
	})
}

// ListWithdrawals lists withdrawals for admins.
// GET /api/admin/withdrawals?status=&user_id=
func (h *Handler) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := h.Store.ListWithdrawals(r.Context(), ledger.WithdrawalFilter{
		Status: ledger.WithdrawalStatus(q.Get("status")),
		UserID: ledger.UserID(q.Get("user_id")),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toWithdrawalDTOs(list))
}

// ResolveWithdrawal approves, pays or rejects (and refunds) a withdrawal.
// PATCH /api/admin/withdrawals/{id}
func (h *Handler) ResolveWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req ResolveWithdrawalRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	d, err := settlement.ParseDecision(req.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.Withdrawals.ResolveWithdrawal(r.Context(), chi.URLParam(r, "id"), d,
		strings.TrimSpace(req.TxHash), req.Notes)
	body := map[string]any{}
	if res != nil {
		body["outcome"] = res.Outcome
		if res.Withdrawal != nil {
			body["withdrawal"] = toWithdrawalDTO(res.Withdrawal)
		}
		if res.Outcome == settlement.OutcomeRefunded {
			body["balance_usd"] = money(res.Balance)
		}
	}
	h.renderReview(w, r, err, body)
}

func toWithdrawalDTOs(list []ledger.WithdrawalRequest) []WithdrawalDTO {
	dtos := make([]WithdrawalDTO, len(list))
	for i := range list {
		dtos[i] = toWithdrawalDTO(&list[i])
	}
	return dtos
}

// =============================================================================
// AUDIT
// =============================================================================

// RunAudit recomputes every balance from its transactions.
// GET /api/admin/ledger/audit
func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAuditDTO(report))
}
