package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
)

type APIError struct {
	Error string `json:"error"`
}

func validationErrorsToMap(err error) map[string]string {
	errs := map[string]string{}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		errs["error"] = err.Error()
		return errs
	}

	for _, e := range verrs {
		switch e.Tag() {
		case "max":
			errs[e.Field()] = "exceeds maximum length"
		case "contains":
			errs[e.Field()] = "is not a media type"
		default:
			errs[e.Field()] = "invalid value"
		}
	}

	return errs
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, APIError{Error: message})
}
