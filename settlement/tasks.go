/*
tasks.go - Task Approval Gate

PURPOSE:
  Admin-reviewed task submissions, with a hard cap on how many can be
  approved per task.

STATE MACHINE:
  pending ──approve──▶ approved   (+ task reward credited, completions + 1)
     │
     ├──reject──────▶ rejected
     │
     └──approve on a full task──▶ rejected (capacity_exceeded)

  approved and rejected are terminal.

SERIALIZATION:
  Approvals lock the task, not the submission: two approvals for the same
  task run one after the other, so the capacity check always sees the
  other's increment. Approvals for different tasks do not contend.

CAPACITY POLICY:
  First come, first served. A submission approved after the task fills is
  rejected with notes "capacity exceeded" instead of being left pending.
*/
package settlement

import (
	"context"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

const capacityExceededNote = "capacity exceeded"

// TaskGate reviews task submissions through the Coordinator.
type TaskGate struct {
	c *Coordinator
}

func NewTaskGate(c *Coordinator) *TaskGate {
	return &TaskGate{c: c}
}

// NewTask is the admin input for CreateTask.
type NewTask struct {
	Title          string
	Description    string
	RewardUSD      decimal.Decimal
	MaxCompletions int
	Active         bool
}

// TaskReview is the result of reviewing one submission.
type TaskReview struct {
	Outcome    Outcome
	Submission *ledger.TaskSubmission
	Task       *ledger.Task
	Balance    decimal.Decimal
}

func taskKey(id string) string { return "task:" + id }

// CreateTask adds a task users can submit proof for.
func (g *TaskGate) CreateTask(ctx context.Context, in NewTask) (*ledger.Task, error) {
	title := strings.TrimSpace(in.Title)
	switch {
	case title == "":
		return nil, &ledger.ValidationError{Field: "title", Reason: "is required"}
	case !in.RewardUSD.IsPositive():
		return nil, &ledger.ValidationError{Field: "reward_usd", Reason: "must be greater than zero"}
	case in.MaxCompletions < 0:
		return nil, &ledger.ValidationError{Field: "max_completions", Reason: "must not be negative"}
	}

	task := &ledger.Task{
		ID:             g.c.newID(),
		Title:          title,
		Description:    in.Description,
		RewardUSD:      in.RewardUSD,
		MaxCompletions: in.MaxCompletions,
		Active:         in.Active,
		CreatedAt:      g.c.now(),
	}
	err := g.c.store.WithTx(ctx, func(tx ledger.Tx) error {
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// Submit records a user's proof for an active task. One submission per user
// per task.
func (g *TaskGate) Submit(ctx context.Context, userID ledger.UserID, taskID, proof string) (*ledger.TaskSubmission, error) {
	if userID == "" {
		return nil, &ledger.ValidationError{Field: "user_id", Reason: "is required"}
	}
	if strings.TrimSpace(proof) == "" {
		return nil, &ledger.ValidationError{Field: "proof", Reason: "is required"}
	}

	sub := &ledger.TaskSubmission{
		ID:        g.c.newID(),
		TaskID:    taskID,
		UserID:    userID,
		Status:    ledger.SubmissionPending,
		Proof:     proof,
		CreatedAt: g.c.now(),
	}
	err := g.c.settle(ctx, taskKey(taskID), func(tx ledger.Tx) error {
		task, err := tx.LockTask(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil || !task.Active {
			return &ledger.NotFoundError{Resource: "task", ID: taskID}
		}
		return tx.InsertSubmission(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// Review dispatches an admin decision.
func (g *TaskGate) Review(ctx context.Context, submissionID string, d Decision, notes string) (*TaskReview, error) {
	switch d {
	case DecisionApprove:
		return g.ApproveSubmission(ctx, submissionID, notes)
	case DecisionReject:
		return g.RejectSubmission(ctx, submissionID, notes)
	}
	return nil, &ledger.ValidationError{Field: "status", Reason: "task submissions are approved or rejected"}
}

// ApproveSubmission credits the task reward if the submission is still
// pending and the task has capacity. On a full task the submission is
// rejected and a capacity_exceeded conflict is returned with the review.
func (g *TaskGate) ApproveSubmission(ctx context.Context, submissionID, notes string) (*TaskReview, error) {
	// The task id never changes, so it can be read before taking the lock.
	current, err := g.c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &ledger.NotFoundError{Resource: "submission", ID: submissionID}
	}

	var (
		review  TaskReview
		outcome error
	)
	err = g.c.settle(ctx, taskKey(current.TaskID), func(tx ledger.Tx) error {
		sub, err := tx.LockSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return &ledger.NotFoundError{Resource: "submission", ID: submissionID}
		}
		if sub.Status != ledger.SubmissionPending {
			review.Submission = sub
			outcome = alreadyProcessed("submission", sub.ID, string(sub.Status))
			return nil
		}

		task, err := tx.LockTask(ctx, sub.TaskID)
		if err != nil {
			return err
		}
		if task == nil {
			return &ledger.NotFoundError{Resource: "task", ID: sub.TaskID}
		}
		review.Task = task
		at := g.c.now()

		if !task.HasCapacity() {
			if err := g.transition(ctx, tx, sub, ledger.SubmissionRejected, ledger.Review{Notes: capacityExceededNote, At: at}); err != nil {
				return err
			}
			review.Outcome = OutcomeRejected
			review.Submission = sub
			outcome = &ledger.ConflictError{
				Reason:   ledger.ReasonCapacityExceeded,
				Resource: "task",
				ID:       task.ID,
			}
			return nil
		}

		ok, err := tx.IncrementTaskCompletions(ctx, task.ID)
		if err != nil {
			return err
		}
		if !ok {
			return &ledger.ConflictError{Reason: ledger.ReasonCapacityExceeded, Resource: "task", ID: task.ID}
		}
		task.CurrentCompletions++

		if err := g.transition(ctx, tx, sub, ledger.SubmissionApproved, ledger.Review{Notes: notes, At: at}); err != nil {
			return err
		}

		balance, err := g.c.ledger.Credit(ctx, tx, ledger.Posting{
			UserID:      sub.UserID,
			Amount:      task.RewardUSD,
			Kind:        ledger.KindTask,
			Description: "Task: " + task.Title,
			SourceID:    sub.ID,
		})
		if err != nil {
			return err
		}
		review.Outcome = OutcomeApproved
		review.Submission = sub
		review.Balance = balance
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logReview(&review, submissionID, outcome)
	return &review, outcome
}

// RejectSubmission moves a pending submission to rejected. No money moves.
func (g *TaskGate) RejectSubmission(ctx context.Context, submissionID, notes string) (*TaskReview, error) {
	current, err := g.c.store.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, &ledger.NotFoundError{Resource: "submission", ID: submissionID}
	}

	var (
		review  TaskReview
		outcome error
	)
	err = g.c.settle(ctx, taskKey(current.TaskID), func(tx ledger.Tx) error {
		sub, err := tx.LockSubmission(ctx, submissionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return &ledger.NotFoundError{Resource: "submission", ID: submissionID}
		}
		review.Submission = sub
		if sub.Status != ledger.SubmissionPending {
			outcome = alreadyProcessed("submission", sub.ID, string(sub.Status))
			return nil
		}
		if err := g.transition(ctx, tx, sub, ledger.SubmissionRejected, ledger.Review{Notes: notes, At: g.c.now()}); err != nil {
			return err
		}
		review.Outcome = OutcomeRejected
		return nil
	})
	if err != nil {
		return nil, err
	}

	g.logReview(&review, submissionID, outcome)
	return &review, outcome
}

// transition applies a compare-and-set from pending and mirrors it on sub.
func (g *TaskGate) transition(ctx context.Context, tx ledger.Tx, sub *ledger.TaskSubmission, to ledger.SubmissionStatus, r ledger.Review) error {
	ok, err := tx.TransitionSubmission(ctx, sub.ID, ledger.SubmissionPending, to, r)
	if err != nil {
		return err
	}
	if !ok {
		return alreadyProcessed("submission", sub.ID, string(sub.Status))
	}
	sub.Status = to
	if r.Notes != "" {
		sub.AdminNotes = r.Notes
	}
	at := r.At
	sub.ReviewedAt = &at
	return nil
}

func (g *TaskGate) logReview(review *TaskReview, submissionID string, outcome error) {
	fields := logrus.Fields{"submission_id": submissionID, "outcome": review.Outcome}
	if review.Task != nil {
		fields["task_id"] = review.Task.ID
		fields["completions"] = review.Task.CurrentCompletions
	}
	if review.Submission != nil {
		fields["user_id"] = review.Submission.UserID
	}
	if outcome != nil {
		fields["conflict"] = ledger.ReasonOf(outcome)
	}
	g.c.log.WithFields(fields).Info("task submission reviewed")
}

func alreadyProcessed(resource, id, status string) *ledger.ConflictError {
	return &ledger.ConflictError{
		Reason:   ledger.ReasonAlreadyProcessed,
		Resource: resource,
		ID:       id,
		Status:   status,
	}
}
