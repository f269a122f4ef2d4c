package handler

import (
	"net/http"
	"strconv"

	"trek-rest-api/internal/catalog"
	"trek-rest-api/internal/model"
	"trek-rest-api/internal/service"
	"trek-rest-api/pkg/apierror"
	"trek-rest-api/pkg/response"

	"github.com/go-chi/chi/v5"
)

// UserHandler handles the shop, profile and activity endpoints.
type UserHandler struct {
	catalog  *catalog.Catalog
	accounts *service.AccountService
	purchase *service.PurchaseService
	activity *service.ActivityService
}

// NewUserHandler creates a new user handler.
func NewUserHandler(
	cat *catalog.Catalog,
	accounts *service.AccountService,
	purchase *service.PurchaseService,
	activity *service.ActivityService,
) *UserHandler {
	return &UserHandler{
		catalog:  cat,
		accounts: accounts,
		purchase: purchase,
		activity: activity,
	}
}

// SeedRequest is the body of POST /users/{user_id}/seed.
type SeedRequest struct {
	Email string `json:"email"`
}

// ItemRequest is the body of the purchase and equip endpoints.
type ItemRequest struct {
	ItemID string `json:"item_id"`
}

func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "user_id")
	if id == "" {
		response.Error(w, apierror.BadRequest("user_id is required"))
		return "", false
	}
	return id, true
}

// Catalog handles GET /api/v1/catalog
func (h *UserHandler) Catalog(w http.ResponseWriter, r *http.Request) {
	items := h.catalog.List()
	response.List(w, items, len(items))
}

// Seed handles POST /api/v1/users/{user_id}/seed
func (h *UserHandler) Seed(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req SeedRequest
	if err := decodeOptionalBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.accounts.Seed(r.Context(), uid, req.Email)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	if result.ProfileNew {
		response.Created(w, result)
		return
	}
	response.OK(w, result)
}

// Profile handles GET /api/v1/users/{user_id}/profile
func (h *UserHandler) Profile(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	view, err := h.accounts.View(r.Context(), uid)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.OK(w, view)
}

// Daily handles GET /api/v1/users/{user_id}/daily?from=&to=&date=
func (h *UserHandler) Daily(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if date := q.Get("date"); date != "" {
		from, to = date, date
	}

	days, err := h.accounts.Daily(r.Context(), uid, from, to)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.List(w, days, len(days))
}

// Purchase handles POST /api/v1/users/{user_id}/purchase
func (h *UserHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req ItemRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.ItemID == "" {
		response.Error(w, apierror.ValidationError("item_id is required",
			apierror.FieldError{Field: "item_id", Message: "required"}))
		return
	}

	result, err := h.purchase.Buy(r.Context(), uid, req.ItemID)
	if err != nil {
		writeServiceError(w, err, req.ItemID)
		return
	}
	response.OK(w, result)
}

// Equip handles POST /api/v1/users/{user_id}/equip
func (h *UserHandler) Equip(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req ItemRequest
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}
	if req.ItemID == "" {
		response.Error(w, apierror.ValidationError("item_id is required",
			apierror.FieldError{Field: "item_id", Message: "required"}))
		return
	}

	profile, err := h.purchase.Equip(r.Context(), uid, req.ItemID)
	if err != nil {
		writeServiceError(w, err, req.ItemID)
		return
	}
	response.OK(w, profile)
}

// Activity handles POST /api/v1/users/{user_id}/activity
func (h *UserHandler) Activity(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req model.Activity
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.activity.Record(r.Context(), uid, req)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	if result.Buffered {
		response.Accepted(w, result)
		return
	}
	response.OK(w, result)
}

// Sessions handles GET /api/v1/users/{user_id}/activities?limit=
func (h *UserHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			response.Error(w, apierror.ValidationError("limit must be a non-negative integer",
				apierror.FieldError{Field: "limit", Message: "invalid"}))
			return
		}
		limit = n
	}

	list, err := h.accounts.Sessions(r.Context(), uid, limit)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.OK(w, list)
}

// LogSession handles POST /api/v1/users/{user_id}/activities
func (h *UserHandler) LogSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	var req model.SessionInput
	if err := decodeBody(r, &req); err != nil {
		response.Error(w, err)
		return
	}

	result, err := h.activity.LogSession(r.Context(), uid, req)
	if err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.Created(w, result)
}

// DeleteSession handles DELETE /api/v1/users/{user_id}/activities/{activity_id}
func (h *UserHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	uid, ok := userID(w, r)
	if !ok {
		return
	}

	if err := h.activity.DeleteSession(r.Context(), uid, chi.URLParam(r, "activity_id")); err != nil {
		writeServiceError(w, err, "")
		return
	}
	response.NoContent(w)
}
