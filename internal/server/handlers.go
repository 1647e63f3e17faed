package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/deskhand/deskhand/internal/kb"
	"github.com/deskhand/deskhand/internal/retrieval"
	"github.com/deskhand/deskhand/internal/store"
	"github.com/deskhand/deskhand/internal/ticket"
)

// TicketService is the orchestration surface the HTTP layer consumes.
// *ticket.Orchestrator satisfies it.
type TicketService interface {
	Process(ctx context.Context, t ticket.Ticket) (ticket.Outcome, error)
	SubmitFeedback(ctx context.Context, ticketID string, satisfied bool) (ticket.Outcome, error)
	Close(ticketID string) (ticket.Outcome, error)
	State(ticketID string) (ticket.State, bool)
}

// TicketArchive persists intake records and feedback events. Optional.
type TicketArchive interface {
	SaveTicket(ctx context.Context, t ticket.Ticket) error
	RecordFeedback(ctx context.Context, ticketID string, satisfied bool) error
}

// EscalationLister exposes the pending human queue. Optional.
type EscalationLister interface {
	PendingEscalations(ctx context.Context, limit int) ([]store.Escalation, error)
}

type TicketsHandler struct {
	Service     TicketService
	Archive     TicketArchive
	Escalations EscalationLister
}

func (h *TicketsHandler) Register(g *echo.Group) {
	g.POST("", h.create)
	g.GET("/:id", h.get)
	g.POST("/:id/feedback", h.feedback)
	g.POST("/:id/close", h.close)
}

type createTicketRequest struct {
	ID          string `json:"id"`
	Subject     string `json:"subject"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

type ticketResponse struct {
	TicketID string             `json:"ticket_id"`
	Outcome  ticket.Outcome     `json:"outcome"`
	Stage    ticket.Stage       `json:"stage"`
	Priority ticket.Priority    `json:"priority,omitempty"`
	Attempts int                `json:"attempts"`
	Draft    string             `json:"draft,omitempty"`
	Reason   string             `json:"escalation_reason,omitempty"`
	Updated  time.Time          `json:"updated_at"`
	Signals  *retrieval.Signals `json:"signals,omitempty"`
}

func (h *TicketsHandler) respond(c echo.Context, code int, id string, outcome ticket.Outcome) error {
	resp := ticketResponse{TicketID: id, Outcome: outcome}
	if st, ok := h.Service.State(id); ok {
		resp.Stage = st.Stage
		resp.Priority = st.Priority
		resp.Attempts = st.Attempts
		resp.Draft = st.Draft
		resp.Reason = st.EscalationReason
		resp.Updated = st.UpdatedAt
		resp.Signals = st.LastSignals()
	}
	return c.JSON(code, resp)
}

func (h *TicketsHandler) create(c echo.Context) error {
	var req createTicketRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Subject) == "" && strings.TrimSpace(req.Description) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject or description required")
	}
	t := ticket.Ticket{
		ID:          strings.TrimSpace(req.ID),
		Subject:     req.Subject,
		Description: req.Description,
		Category:    req.Category,
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	ctx := c.Request().Context()
	if h.Archive != nil {
		if err := h.Archive.SaveTicket(ctx, t); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	outcome, err := h.Service.Process(ctx, t)
	if errors.Is(err, ticket.ErrInProgress) {
		return echo.NewHTTPError(http.StatusConflict, "ticket is already being processed")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.respond(c, http.StatusCreated, t.ID, outcome)
}

func (h *TicketsHandler) get(c echo.Context) error {
	id := c.Param("id")
	st, ok := h.Service.State(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
	}
	return h.respond(c, http.StatusOK, id, st.Outcome)
}

type feedbackRequest struct {
	Satisfied bool `json:"satisfied"`
}

func (h *TicketsHandler) feedback(c echo.Context) error {
	id := c.Param("id")
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ctx := c.Request().Context()
	outcome, err := h.Service.SubmitFeedback(ctx, id, req.Satisfied)
	switch {
	case errors.Is(err, ticket.ErrTicketNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
	case errors.Is(err, ticket.ErrNotAwaitingFeedback):
		return echo.NewHTTPError(http.StatusConflict, "ticket is not awaiting feedback")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if h.Archive != nil {
		_ = h.Archive.RecordFeedback(ctx, id, req.Satisfied)
	}
	return h.respond(c, http.StatusOK, id, outcome)
}

func (h *TicketsHandler) close(c echo.Context) error {
	id := c.Param("id")
	outcome, err := h.Service.Close(id)
	if errors.Is(err, ticket.ErrTicketNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "ticket not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return h.respond(c, http.StatusOK, id, outcome)
}

// RegisterEscalations mounts the pending human queue listing.
func (h *TicketsHandler) RegisterEscalations(g *echo.Group) {
	g.GET("", func(c echo.Context) error {
		if h.Escalations == nil {
			return echo.NewHTTPError(http.StatusNotImplemented, "escalation store not configured")
		}
		limit, _ := strconv.Atoi(c.QueryParam("limit"))
		rows, err := h.Escalations.PendingEscalations(c.Request().Context(), limit)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"escalations": rows})
	})
}

// DocumentService is the ingestion surface. *ingest.Ingestor satisfies it.
type DocumentService interface {
	IngestDocument(ctx context.Context, doc kb.Document) (int, error)
	RemoveDocument(ctx context.Context, documentID string) error
}

type DocumentsHandler struct {
	Service DocumentService
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.POST("", h.upsert)
	g.DELETE("/:id", h.remove)
}

type upsertDocumentRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Text     string `json:"text"`
}

func (h *DocumentsHandler) upsert(c echo.Context) error {
	var req upsertDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.ID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "document id required")
	}
	doc := kb.Document{ID: req.ID, Title: req.Title, Category: req.Category, Text: req.Text}
	n, err := h.Service.IngestDocument(c.Request().Context(), doc)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"document_id": req.ID, "chunks": n})
}

func (h *DocumentsHandler) remove(c echo.Context) error {
	id := c.Param("id")
	if err := h.Service.RemoveDocument(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// SearchService exposes raw retrieval. *retrieval.Engine satisfies it.
type SearchService interface {
	Retrieve(ctx context.Context, req retrieval.Request) (retrieval.Response, error)
}

type SearchHandler struct {
	Service SearchService
}

func (h *SearchHandler) Register(g *echo.Group) {
	g.POST("", h.search)
}

type searchRequest struct {
	Query     string   `json:"query"`
	Keywords  []string `json:"keywords"`
	Category  string   `json:"category"`
	TopK      int      `json:"top_k"`
	UseHybrid bool     `json:"use_hybrid"`
}

func (h *SearchHandler) search(c echo.Context) error {
	var req searchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.Query) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}
	resp, err := h.Service.Retrieve(c.Request().Context(), retrieval.Request{
		Query:     req.Query,
		Keywords:  req.Keywords,
		Category:  req.Category,
		TopK:      req.TopK,
		UseHybrid: req.UseHybrid,
	})
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}
