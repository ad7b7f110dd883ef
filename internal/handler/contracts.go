package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/negotiation-room/internal/middleware"
	"github.com/capitalize-ai/negotiation-room/internal/model"
	"github.com/capitalize-ai/negotiation-room/internal/service"
	"github.com/capitalize-ai/negotiation-room/internal/template"
	"github.com/capitalize-ai/negotiation-room/pkg/logger"
)

// ContractHandler handles contract endpoints.
type ContractHandler struct {
	service *service.ContractService
	logger  *logger.Logger
}

// NewContractHandler creates a new contract handler.
func NewContractHandler(svc *service.ContractService, log *logger.Logger) *ContractHandler {
	return &ContractHandler{
		service: svc,
		logger:  log,
	}
}

// ListContractsResponse is the response for listing contracts.
type ListContractsResponse struct {
	Contracts []model.Contract `json:"contracts"`
	Limit     int              `json:"limit"`
	Offset    int              `json:"offset"`
}

// ListTemplatesResponse is the response for listing templates.
type ListTemplatesResponse struct {
	Templates []template.Template `json:"templates"`
}

// Create handles POST /api/v1/contracts
func (h *ContractHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateContractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if req.TemplateID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "templateId is required")
		return
	}
	if req.Title != "" {
		if err := middleware.ValidateTitle(req.Title); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
	}

	contract, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("failed to create contract",
			zap.String("template_id", req.TemplateID),
			zap.Error(err),
		)
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, contract)
}

// Get handles GET /api/v1/contracts/:id
func (h *ContractHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateContractID(id); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	snap, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, snap)
}

// List handles GET /api/v1/contracts
func (h *ContractHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 20, 100)
	offset := intParam(r, "offset", 0, 1<<20)

	contracts, err := h.service.List(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error("failed to list contracts", zap.Error(err))
		respondError(w, err)
		return
	}
	if contracts == nil {
		contracts = []model.Contract{}
	}

	writeJSON(w, http.StatusOK, &ListContractsResponse{
		Contracts: contracts,
		Limit:     limit,
		Offset:    offset,
	})
}

// Templates handles GET /api/v1/templates
func (h *ContractHandler) Templates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, &ListTemplatesResponse{
		Templates: h.service.Templates(),
	})
}
