package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/vasiliy-maslov/grocery-service/internal/apperror"
)

type ErrorResponse struct {
	Error           string                  `json:"error"`
	Kind            string                  `json:"kind,omitempty"`
	Lines           []apperror.LineProblem  `json:"lines,omitempty"`
	Details         []apperror.FieldProblem `json:"details,omitempty"`
	Machine         string                  `json:"machine,omitempty"`
	CurrentStatus   string                  `json:"current_status,omitempty"`
	AttemptedStatus string                  `json:"attempted_status,omitempty"`
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, ErrorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Failed to marshal JSON response"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(response); err != nil {
		log.Error().Err(err).Msg("Failed to write JSON response")
	}
}

func mapErrorToStatusCode(err error) int {
	switch apperror.KindOf(err) {
	case apperror.KindValidation, apperror.KindInsufficientStock:
		return http.StatusBadRequest
	case apperror.KindNotFound:
		return http.StatusNotFound
	case apperror.KindUnauthorized:
		return http.StatusForbidden
	case apperror.KindInvalidTransition, apperror.KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// respondWithServiceError renders a core error. Internal failures get a
// generic message so the cause never reaches the client.
func respondWithServiceError(w http.ResponseWriter, err error) {
	code := mapErrorToStatusCode(err)

	appErr, ok := apperror.As(err)
	if !ok || appErr.Kind == apperror.KindInternal {
		log.Error().Err(err).Msg("Internal error while handling request")
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	log.Warn().Err(err).Str("kind", appErr.Kind.String()).Msg("Request rejected by service")
	respondWithJSON(w, code, ErrorResponse{
		Error:           appErr.Message,
		Kind:            appErr.Kind.String(),
		Lines:           appErr.Lines,
		Details:         appErr.Fields,
		Machine:         appErr.Machine,
		CurrentStatus:   appErr.From,
		AttemptedStatus: appErr.To,
	})
}

func formatValidationErrors(errs validator.ValidationErrors) []apperror.FieldProblem {
	details := make([]apperror.FieldProblem, 0, len(errs))
	for _, fe := range errs {
		var msg string
		switch fe.Tag() {
		case "required":
			msg = "is required"
		case "min":
			msg = "must be at least " + fe.Param()
		case "max":
			msg = "must be at most " + fe.Param()
		case "oneof":
			msg = "must be one of: " + fe.Param()
		default:
			msg = "is invalid (" + fe.Tag() + ")"
		}
		details = append(details, apperror.FieldProblem{Field: fe.Namespace(), Message: msg})
	}
	return details
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether the caller may continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, v *validator.Validate, dst any, allowEmpty bool) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			log.Warn().Err(err).Msg("Failed to decode request body")
			respondWithError(w, http.StatusBadRequest, "Invalid request payload")
			return false
		}
	}

	if err := v.Struct(dst); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			respondWithJSON(w, http.StatusBadRequest, ErrorResponse{
				Error:   "Validation failed",
				Kind:    apperror.KindValidation.String(),
				Details: formatValidationErrors(validationErrors),
			})
		} else {
			log.Error().Err(err).Type("validation_error_type", err).Msg("Unexpected error type during validation")
			respondWithError(w, http.StatusInternalServerError, "Internal validation error")
		}
		return false
	}
	return true
}
