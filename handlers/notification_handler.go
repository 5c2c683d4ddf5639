package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"procastinot-backend/core/challenge"
	"procastinot-backend/core/notification"
	"procastinot-backend/models"
	"procastinot-backend/notify"
)

// ChallengeFinder resolves an on-chain challenge id to the stored challenge.
type ChallengeFinder interface {
	GetByExternalID(ctx context.Context, externalID int64) (challenge.Challenge, error)
}

// ProofResolver turns an IPFS CID into a viewable proof URL.
type ProofResolver interface {
	ResolveProofURL(ctx context.Context, cid string) (string, error)
}

// Notifier builds and delivers one notification.
type Notifier interface {
	RequestFor(kind notification.Kind, recipient string, c challenge.Challenge) notify.Request
	Dispatch(ctx context.Context, req notify.Request) notification.Outcome
}

// NotificationHandler serves the ACP notification route used after proof lands on-chain.
type NotificationHandler struct {
	*BaseHandler
	challenges ChallengeFinder
	proofs     ProofResolver
	notifier   Notifier
}

// NewNotificationHandler creates a new notification handler
func NewNotificationHandler(challenges ChallengeFinder, proofs ProofResolver, notifier Notifier, log logrus.FieldLogger) *NotificationHandler {
	return &NotificationHandler{
		BaseHandler: NewBaseHandler(log),
		challenges:  challenges,
		proofs:      proofs,
		notifier:    notifier,
	}
}

// HandleNotifyACP emails the accountability partner that proof is ready for review.
func (h *NotificationHandler) HandleNotifyACP(w http.ResponseWriter, r *http.Request) {
	var req models.NotifyACPRequest
	if err := h.parseJSON(r, &req); err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}
	req.ProofCID = strings.TrimSpace(req.ProofCID)
	var problems []string
	if req.ChallengeID < 1 {
		problems = append(problems, "challengeId: must be a positive integer")
	}
	if req.ProofCID == "" {
		problems = append(problems, "proofCid: is required")
	}
	if len(problems) > 0 {
		h.sendError(w, http.StatusBadRequest, "Validation error", problems...)
		return
	}

	c, err := h.challenges.GetByExternalID(r.Context(), req.ChallengeID)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}

	proofURL, err := h.proofs.ResolveProofURL(r.Context(), req.ProofCID)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{
			"challenge_id": c.ID,
			"proof_cid":    req.ProofCID,
		}).Warn("falling back to gateway URL for proof")
	}

	out := h.notifier.RequestFor(notification.KindProofSubmitted, c.Reviewer.Email, c)
	out.View.ProofURL = proofURL
	switch h.notifier.Dispatch(r.Context(), out) {
	case notification.OutcomeSent:
		h.sendSuccess(w, http.StatusOK, "ACP notification sent successfully", nil)
	case notification.OutcomeSkipped:
		h.sendSuccess(w, http.StatusOK, "Email not configured, ACP notification skipped", nil)
	default:
		h.sendError(w, http.StatusInternalServerError, "Failed to send email notification")
	}
}
