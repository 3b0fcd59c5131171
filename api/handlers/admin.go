package handlers

import (
	"context"
	"errors"
	"net/http"

	"outreach-engine/internal/models"
	"outreach-engine/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AdminStore is the slice of storage the collaborator surface touches.
type AdminStore interface {
	InsertCampaign(ctx context.Context, def *models.SequenceDefinition) error
	SetCampaignPaused(ctx context.Context, campaignID string, paused bool) error
	ReplaceAccount(ctx context.Context, account *models.Account) error
	GetContact(ctx context.Context, campaignID, contactID string) (*models.CampaignContact, error)
}

// Enroller starts a contact's sequence. *sequence.Machine satisfies it.
type Enroller interface {
	Enroll(ctx context.Context, campaignID, contactID, targetURL string) error
}

// AdminHandler is the boundary the excluded CRUD layer talks to:
// campaign definitions and enrollments in, contact state out.
type AdminHandler struct {
	logger   *zap.Logger
	store    AdminStore
	enroller Enroller
}

func NewAdminHandler(logger *zap.Logger, store AdminStore, enroller Enroller) *AdminHandler {
	return &AdminHandler{
		logger:   logger,
		store:    store,
		enroller: enroller,
	}
}

func (h *AdminHandler) CreateCampaign(c *gin.Context) {
	var def models.SequenceDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	if def.CampaignID == "" || def.AccountID == "" || len(def.Steps) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "campaign_id, account_id and steps are required"})
		return
	}
	for _, step := range def.Steps {
		if !step.Verb.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown verb " + string(step.Verb)})
			return
		}
	}

	err := h.store.InsertCampaign(c.Request.Context(), &def)
	if errors.Is(err, storage.ErrCampaignExists) {
		c.JSON(http.StatusConflict, gin.H{"error": "Campaign already exists"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to create campaign", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create campaign"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"campaign_id": def.CampaignID})
}

func (h *AdminHandler) PauseCampaign(c *gin.Context) {
	h.setPaused(c, true)
}

func (h *AdminHandler) ResumeCampaign(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *AdminHandler) setPaused(c *gin.Context, paused bool) {
	campaignID := c.Param("id")
	err := h.store.SetCampaignPaused(c.Request.Context(), campaignID, paused)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Campaign not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to update campaign pause state", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update campaign"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign_id": campaignID, "paused": paused})
}

type enrollRequest struct {
	ContactID string `json:"contact_id"`
	TargetURL string `json:"target_url"`
}

func (h *AdminHandler) EnrollContact(c *gin.Context) {
	campaignID := c.Param("id")

	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ContactID == "" || req.TargetURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "contact_id and target_url are required"})
		return
	}

	err := h.enroller.Enroll(c.Request.Context(), campaignID, req.ContactID, req.TargetURL)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Campaign not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to enroll contact",
			zap.Error(err),
			zap.String("campaign_id", campaignID),
			zap.String("contact_id", req.ContactID))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to enroll contact"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"campaign_id": campaignID,
		"contact_id":  req.ContactID,
	})
}

// UpdateAccount replaces the account document wholesale; in-flight
// dispatches keep the snapshot they already loaded.
func (h *AdminHandler) UpdateAccount(c *gin.Context) {
	var account models.Account
	if err := c.ShouldBindJSON(&account); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON payload"})
		return
	}
	account.AccountID = c.Param("id")
	if account.AccountID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Missing account id"})
		return
	}

	if err := h.store.ReplaceAccount(c.Request.Context(), &account); err != nil {
		h.logger.Error("Failed to replace account", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update account"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account_id": account.AccountID})
}

func (h *AdminHandler) GetContact(c *gin.Context) {
	contact, err := h.store.GetContact(c.Request.Context(), c.Param("id"), c.Param("cid"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contact not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load contact"})
		return
	}
	c.JSON(http.StatusOK, contact)
}
