package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/approval-relay/internal/domain"
	"github.com/kursadbilgin/approval-relay/internal/queue"
	"github.com/kursadbilgin/approval-relay/internal/repository"
	"github.com/kursadbilgin/approval-relay/internal/service"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

type RequestReader interface {
	Request(ctx context.Context, subjectID int64) (*domain.AccessRequest, error)
	List(ctx context.Context, params repository.ListParams) ([]domain.AccessRequest, int64, error)
}

type DecisionMaker interface {
	Decide(ctx context.Context, decision domain.Decision) (*service.DecisionResult, error)
}

type ReviewerRoster interface {
	Reviewers() []service.Reviewer
}

type AccessHandler struct {
	requests  RequestReader
	decisions DecisionMaker
	roster    ReviewerRoster
	publisher queue.Publisher
}

func NewAccessHandler(
	requests RequestReader,
	decisions DecisionMaker,
	roster ReviewerRoster,
	publisher queue.Publisher,
) (*AccessHandler, error) {
	if requests == nil {
		return nil, fmt.Errorf("request reader is required")
	}
	if decisions == nil {
		return nil, fmt.Errorf("decision maker is required")
	}
	if roster == nil {
		return nil, fmt.Errorf("reviewer roster is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}

	return &AccessHandler{
		requests:  requests,
		decisions: decisions,
		roster:    roster,
		publisher: publisher,
	}, nil
}

func RegisterAccessRoutes(
	router fiber.Router,
	requests RequestReader,
	decisions DecisionMaker,
	roster ReviewerRoster,
	publisher queue.Publisher,
) error {
	h, err := NewAccessHandler(requests, decisions, roster, publisher)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/requests", h.SubmitRequest)
	v1.Get("/requests/:subjectId", h.GetRequest)
	v1.Get("/requests", h.ListRequests)
	v1.Post("/decisions", h.Decide)
	v1.Post("/members/events", h.MembershipEvent)
	v1.Get("/reviewers", h.ListReviewers)

	return nil
}

type subjectRequest struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	FullName  string `json:"fullName"`
}

type decisionRequest struct {
	Token      string `json:"token"`
	ResolverID int64  `json:"resolverId"`
}

type membershipRequest struct {
	Kind    string         `json:"kind"`
	Subject subjectRequest `json:"subject"`
}

type acceptedResponse struct {
	EventID   string `json:"eventId"`
	SubjectID int64  `json:"subjectId"`
	Status    string `json:"status"`
}

type accessRequestResponse struct {
	SubjectID int64          `json:"subjectId"`
	Subject   domain.Subject `json:"subject"`
	Status    string         `json:"status"`
	DecidedBy *int64         `json:"decidedBy,omitempty"`
	DecidedAt *time.Time     `json:"decidedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

type listRequestsResponse struct {
	Data []accessRequestResponse `json:"data"`
	Meta listMeta                `json:"meta"`
}

type decisionResponse struct {
	Result        string     `json:"result"`
	SubjectID     int64      `json:"subjectId"`
	Status        string     `json:"status"`
	DecidedBy     int64      `json:"decidedBy"`
	DecidedByName string     `json:"decidedByName"`
	DecidedAt     *time.Time `json:"decidedAt,omitempty"`
	Updated       int        `json:"updated"`
	ActionError   string     `json:"actionError,omitempty"`
}

type reviewerResponse struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// SubmitRequest queues a join request; admission and fan-out run in the worker.
func (h *AccessHandler) SubmitRequest(c *fiber.Ctx) error {
	var req subjectRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	subject := req.toDomain()
	if err := subject.Validate(); err != nil {
		return toHTTPError(err)
	}

	msg := queue.NewJoinRequestEvent(subject, requestCorrelationID(c))
	if err := h.publisher.Publish(c.Context(), queue.QueueName(queue.EventJoinRequest), msg); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "failed to enqueue request")
	}

	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{
		EventID:   msg.EventID,
		SubjectID: subject.ID,
		Status:    "queued",
	})
}

func (h *AccessHandler) GetRequest(c *fiber.Ctx) error {
	subjectID, err := strconv.ParseInt(strings.TrimSpace(c.Params("subjectId")), 10, 64)
	if err != nil {
		return toHTTPError(fmt.Errorf("%w: subjectId must be an integer", domain.ErrValidation))
	}

	req, err := h.requests.Request(c.Context(), subjectID)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toAccessRequestResponse(req))
}

func (h *AccessHandler) ListRequests(c *fiber.Ctx) error {
	params, err := parseListParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	requests, total, err := h.requests.List(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	data := make([]accessRequestResponse, 0, len(requests))
	for i := range requests {
		data = append(data, toAccessRequestResponse(&requests[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listRequestsResponse{
		Data: data,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

// Decide resolves synchronously so the caller learns whether it won.
func (h *AccessHandler) Decide(c *fiber.Ctx) error {
	var req decisionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	decision, err := domain.NewDecision(req.Token, req.ResolverID)
	if err != nil {
		return toHTTPError(err)
	}

	result, err := h.decisions.Decide(c.Context(), decision)
	if err != nil {
		return toHTTPError(err)
	}

	resp := decisionResponse{
		Result:        result.Kind.String(),
		SubjectID:     result.SubjectID,
		Status:        result.Status.String(),
		DecidedBy:     result.ResolverID,
		DecidedByName: result.ResolverName,
		Updated:       result.Updated,
	}
	if !result.DecidedAt.IsZero() {
		decidedAt := result.DecidedAt
		resp.DecidedAt = &decidedAt
	}
	if result.ActionErr != nil {
		resp.ActionError = result.ActionErr.Error()
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *AccessHandler) MembershipEvent(c *fiber.Ctx) error {
	var req membershipRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	kind, err := domain.ParseMembershipKind(req.Kind)
	if err != nil {
		return toHTTPError(err)
	}
	subject := req.Subject.toDomain()
	if err := subject.Validate(); err != nil {
		return toHTTPError(err)
	}

	msg := queue.NewMembershipEvent(kind, subject, requestCorrelationID(c))
	if err := h.publisher.Publish(c.Context(), queue.QueueName(queue.EventMembership), msg); err != nil {
		return fiber.NewError(fiber.StatusServiceUnavailable, "failed to enqueue membership event")
	}

	return c.Status(fiber.StatusAccepted).JSON(acceptedResponse{
		EventID:   msg.EventID,
		SubjectID: subject.ID,
		Status:    "queued",
	})
}

func (h *AccessHandler) ListReviewers(c *fiber.Ctx) error {
	reviewers := h.roster.Reviewers()
	data := make([]reviewerResponse, 0, len(reviewers))
	for _, reviewer := range reviewers {
		data = append(data, reviewerResponse{ID: reviewer.ID, Name: reviewer.Name})
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{"data": data})
}

func parseListParams(c *fiber.Ctx) (repository.ListParams, error) {
	params := repository.ListParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseStatusFromString(rawStatus)
		if err != nil {
			return repository.ListParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func (r subjectRequest) toDomain() domain.Subject {
	return domain.Subject{
		ID:        r.ID,
		Username:  strings.TrimSpace(r.Username),
		FirstName: strings.TrimSpace(r.FirstName),
		LastName:  strings.TrimSpace(r.LastName),
		FullName:  strings.TrimSpace(r.FullName),
	}
}

func requestCorrelationID(c *fiber.Ctx) string {
	if value := strings.TrimSpace(c.Get(fiber.HeaderXRequestID)); value != "" {
		return value
	}
	if value, ok := c.Locals("requestid").(string); ok {
		return strings.TrimSpace(value)
	}
	return ""
}

func toAccessRequestResponse(req *domain.AccessRequest) accessRequestResponse {
	if req == nil {
		return accessRequestResponse{}
	}

	// A snapshot that fails to decode still reports the id and status.
	subject, _ := req.Subject()
	if subject.ID == 0 {
		subject.ID = req.SubjectID
	}

	return accessRequestResponse{
		SubjectID: req.SubjectID,
		Subject:   subject,
		Status:    req.Status.String(),
		DecidedBy: req.DecidedBy,
		DecidedAt: req.DecidedAt,
		CreatedAt: req.CreatedAt,
		UpdatedAt: req.UpdatedAt,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrUnauthorized):
		return fiber.NewError(fiber.StatusForbidden, domain.ErrUnauthorized.Error())
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidRequest):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrStoreUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, "store unavailable")
	default:
		return err
	}
}
