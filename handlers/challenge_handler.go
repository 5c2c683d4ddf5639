package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"procastinot-backend/core/challenge"
	"procastinot-backend/models"
	"procastinot-backend/services"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type (
	markFunc func(ctx context.Context, id string) (challenge.Challenge, error)
	listFunc func(ctx context.Context, email string) ([]challenge.Challenge, error)
)

// ChallengeHandler serves challenge creation, proof, review and lookup routes.
type ChallengeHandler struct {
	*BaseHandler
	lifecycle *services.Lifecycle
}

// NewChallengeHandler creates a new challenge handler
func NewChallengeHandler(lifecycle *services.Lifecycle, log logrus.FieldLogger) *ChallengeHandler {
	return &ChallengeHandler{
		BaseHandler: NewBaseHandler(log),
		lifecycle:   lifecycle,
	}
}

// HandleCreate creates a challenge and notifies the accountability partner.
func (h *ChallengeHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var in challenge.NewChallenge
	if err := h.parseJSON(r, &in); err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}
	c, err := h.lifecycle.CreateChallenge(r.Context(), in)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusCreated, "Challenge created successfully", c)
}

// HandleList returns open challenges, or those in the statuses named by ?status=a,b.
func (h *ChallengeHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}

	statuses := services.OpenStatuses
	if raw := r.URL.Query().Get("status"); raw != "" {
		statuses = nil
		for _, part := range strings.Split(raw, ",") {
			s := challenge.Status(strings.TrimSpace(part))
			if !s.Valid() {
				h.sendError(w, http.StatusBadRequest, "Validation error", "status: unknown status "+string(s))
				return
			}
			statuses = append(statuses, s)
		}
	}

	list, err := h.lifecycle.List(r.Context(), challenge.Filter{Statuses: statuses, Limit: limit})
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendJSON(w, http.StatusOK, models.NewSuccessResponseWithMeta(list, map[string]interface{}{
		"count": len(list),
		"limit": limit,
	}))
}

// HandleGet returns one challenge.
func (h *ChallengeHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	c, err := h.lifecycle.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "", c)
}

// HandleContractData returns the challenge in the form the on-chain contract expects.
func (h *ChallengeHandler) HandleContractData(w http.ResponseWriter, r *http.Request) {
	view, err := h.lifecycle.ContractView(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "", view)
}

// HandleSubmitProof moves an active challenge to proof_submitted.
func (h *ChallengeHandler) HandleSubmitProof(w http.ResponseWriter, r *http.Request) {
	var proof challenge.ProofSubmission
	if err := h.parseJSON(r, &proof); err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}
	c, err := h.lifecycle.SubmitProof(r.Context(), mux.Vars(r)["id"], proof)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "Proof submitted successfully", c)
}

// HandleReview records the reviewer's decision on submitted proof.
func (h *ChallengeHandler) HandleReview(w http.ResponseWriter, r *http.Request) {
	var decision challenge.ReviewDecision
	if err := h.parseJSON(r, &decision); err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}
	c, err := h.lifecycle.ReviewProof(r.Context(), mux.Vars(r)["id"], decision)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	msg := "Proof rejected successfully"
	if decision.Approved() {
		msg = "Proof approved successfully"
	}
	h.sendSuccess(w, http.StatusOK, msg, c)
}

// HandleLinkContract stores on-chain identifiers for a challenge.
func (h *ChallengeHandler) HandleLinkContract(w http.ResponseWriter, r *http.Request) {
	var link challenge.ContractLink
	if err := h.parseJSON(r, &link); err != nil {
		h.sendError(w, http.StatusBadRequest, "Validation error", err.Error())
		return
	}
	c, err := h.lifecycle.LinkContract(r.Context(), mux.Vars(r)["id"], link)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "Contract linked successfully", c)
}

// HandleDispute records that the creator escalated a rejection to the jury.
func (h *ChallengeHandler) HandleDispute(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, h.lifecycle.MarkDisputed, "Challenge disputed")
}

// HandleComplete records an on-chain settlement.
func (h *ChallengeHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, h.lifecycle.MarkCompleted, "Challenge completed")
}

// HandleRewardsClaimed records that the reviewer claimed the stake of a failed challenge.
func (h *ChallengeHandler) HandleRewardsClaimed(w http.ResponseWriter, r *http.Request) {
	h.observe(w, r, h.lifecycle.RecordRewardsClaimed, "Rewards claim recorded")
}

func (h *ChallengeHandler) observe(w http.ResponseWriter, r *http.Request, mark markFunc, msg string) {
	c, err := mark(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, msg, c)
}

// HandleListByCreator returns the challenges created by an email address.
func (h *ChallengeHandler) HandleListByCreator(w http.ResponseWriter, r *http.Request) {
	h.listByEmail(w, r, h.lifecycle.ListByCreatorEmail)
}

// HandleListByReviewer returns the challenges an accountability partner reviews.
func (h *ChallengeHandler) HandleListByReviewer(w http.ResponseWriter, r *http.Request) {
	h.listByEmail(w, r, h.lifecycle.ListByReviewerEmail)
}

func (h *ChallengeHandler) listByEmail(w http.ResponseWriter, r *http.Request, list listFunc) {
	email := strings.TrimSpace(mux.Vars(r)["email"])
	if !challenge.ValidEmail(email) {
		h.sendError(w, http.StatusBadRequest, "Valid email is required")
		return
	}
	challenges, err := list(r.Context(), email)
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "", challenges)
}

// HandleLookupEmail returns the email last used with a creator wallet.
func (h *ChallengeHandler) HandleLookupEmail(w http.ResponseWriter, r *http.Request) {
	wallet := mux.Vars(r)["wallet"]
	email, err := h.lifecycle.LookupEmailByWallet(r.Context(), wallet)
	switch {
	case challenge.IsValidation(err):
		h.sendError(w, http.StatusBadRequest, "Valid wallet address is required (0x + 64 hex characters)")
	case errors.Is(err, challenge.ErrNotFound):
		h.sendError(w, http.StatusNotFound, "No email found for this wallet address")
	case err != nil:
		h.sendDomainError(w, r, err)
	default:
		h.sendSuccess(w, http.StatusOK, "User email found", models.EmailLookupResponse{
			Wallet: strings.TrimSpace(wallet),
			Email:  email,
		})
	}
}

// HandleNotifications returns the dispatch log of a challenge.
func (h *ChallengeHandler) HandleNotifications(w http.ResponseWriter, r *http.Request) {
	recs, err := h.lifecycle.Notifications(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.sendDomainError(w, r, err)
		return
	}
	h.sendSuccess(w, http.StatusOK, "", recs)
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit: must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}
