package http

import (
	"context"
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/artpar/entigate/core/errs"
	"github.com/artpar/entigate/pkg/jsonapi"
)

// writeError renders err as a JSON:API error document.
func (c *Channel) writeError(w http.ResponseWriter, r *http.Request, err error) {
	out := errorObjects(err)
	if out[0].StatusCode() >= http.StatusInternalServerError {
		c.logger.Error().
			Err(err).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request failed")
	}
	jsonapi.WriteError(w, out...)
}

// errorObjects maps domain errors to JSON:API errors:
//
//	unknown or unpublished type, missing entity  404
//	unique violation, delete restricted         409
//	validation, missing reference, hook failure 422
//	anything else                               500
func errorObjects(err error) []jsonapi.Error {
	var (
		verr     *errs.ValidationError
		uerr     *errs.UniqueViolationError
		rmerr    *errs.RefMissingError
		rrerr    *errs.RefRestrictError
		nferr    *errs.NotFoundError
		hookErr  *errs.HookStepError
		typeErr  *errs.TypeError
		actionEr *errs.UnknownActionError
	)

	switch {
	case errors.As(err, &verr):
		keys := make([]string, 0, len(verr.Fields))
		for k := range verr.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]jsonapi.Error, 0, len(keys))
		for _, k := range keys {
			out = append(out, jsonapi.ErrValidation(k, verr.Fields[k]))
		}
		if len(out) == 0 {
			out = append(out, jsonapi.NewError(http.StatusUnprocessableEntity, "validation_error", "Validation Failed").Detail(err.Error()).Build())
		}
		return out

	case errors.As(err, &uerr):
		e := jsonapi.ErrConflict("unique_violation", uerr.Error())
		e.Source = &jsonapi.ErrorSource{Pointer: "/data/attributes/" + uerr.Field}
		return []jsonapi.Error{e}

	case errors.As(err, &rrerr):
		e := jsonapi.ErrConflict("ref_restrict", rrerr.Error())
		e.Meta = jsonapi.Meta{
			"referrer": rrerr.ReferrerType,
			"field":    rrerr.Field,
			"count":    rrerr.Count,
		}
		return []jsonapi.Error{e}

	case errors.As(err, &rmerr):
		return []jsonapi.Error{jsonapi.NewError(http.StatusUnprocessableEntity, "ref_missing", "Referenced Entity Missing").
			Detail(rmerr.Error()).
			Pointer("/data/attributes/" + rmerr.Field).
			Meta("target", rmerr.Target).
			Meta("ids", rmerr.IDs).
			Build()}

	case errors.As(err, &nferr):
		return []jsonapi.Error{jsonapi.ErrNotFound(nferr.Error())}

	case errors.As(err, &typeErr):
		code := "unknown_type"
		if errors.Is(err, errs.ErrUnpublishedType) {
			code = "unpublished_type"
		}
		return []jsonapi.Error{jsonapi.NewError(http.StatusNotFound, code, "Not Found").Detail(typeErr.Error()).Build()}

	case errors.As(err, &hookErr) && !errors.As(err, &actionEr):
		return []jsonapi.Error{jsonapi.NewError(http.StatusUnprocessableEntity, "hook_step_failed", "Hook Step Failed").
			Detail(hookErr.Error()).
			Meta("phase", hookErr.Phase).
			Meta("action", hookErr.Action).
			Build()}

	case errors.Is(err, context.DeadlineExceeded):
		return []jsonapi.Error{jsonapi.NewError(http.StatusServiceUnavailable, "timeout", "Service Unavailable").Detail("request timed out").Build()}
	}

	return []jsonapi.Error{jsonapi.ErrInternal("")}
}
