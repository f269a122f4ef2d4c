package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"trek-rest-api/internal/service"
	"trek-rest-api/pkg/apierror"
	"trek-rest-api/pkg/response"
)

// maxBodyBytes caps request bodies; every payload here is a few fields.
const maxBodyBytes = 64 << 10

// writeServiceError maps service failures onto API errors. itemID is used in
// item-related messages and may be empty.
func writeServiceError(w http.ResponseWriter, err error, itemID string) {
	var remote *service.RemoteError
	switch {
	case errors.Is(err, service.ErrInsufficientFunds):
		response.Error(w, apierror.InsufficientFunds(""))
	case errors.Is(err, service.ErrAlreadyUnlocked):
		response.Error(w, apierror.AlreadyUnlocked(itemID))
	case errors.Is(err, service.ErrItemLocked):
		response.Error(w, apierror.ItemLocked(itemID))
	case errors.Is(err, service.ErrUnknownItem):
		response.Error(w, apierror.UnknownItem(itemID))
	case errors.Is(err, service.ErrUserNotFound):
		response.Error(w, apierror.NotFound("User not found"))
	case errors.Is(err, service.ErrSessionNotFound):
		response.Error(w, apierror.NotFound("Activity not found"))
	case errors.Is(err, service.ErrInvalidArgument):
		response.Error(w, apierror.BadRequest(err.Error()))
	case errors.As(err, &remote):
		response.Error(w, apierror.RemoteError(remote.Error()))
	default:
		response.Error(w, err)
	}
}

// decodeBody reads a JSON object into v, rejecting unknown fields.
func decodeBody(r *http.Request, v interface{}) error {
	return decode(r, v, true)
}

// decodeOptionalBody is decodeBody for endpoints where the body may be absent.
func decodeOptionalBody(r *http.Request, v interface{}) error {
	return decode(r, v, false)
}

func decode(r *http.Request, v interface{}, required bool) error {
	defer r.Body.Close()

	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			if !required {
				return nil
			}
			return apierror.BadRequest("request body is required")
		}
		return apierror.BadRequest("invalid JSON: " + err.Error())
	}
	return nil
}
