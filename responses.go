package geoform

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/nyaruka/gocommon/jsonx"
	validator "gopkg.in/go-playground/validator.v9"
)

type errorResponse struct {
	Error string `json:"error"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// WriteData writes the passed in value as a JSON response with the passed in status code
func WriteData(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, err := w.Write(jsonx.MustMarshal(data))
	return err
}

// WriteStatus writes a JSON status message, used for success and no-op responses
func WriteStatus(w http.ResponseWriter, statusCode int, message string) error {
	return WriteData(w, statusCode, &statusResponse{message})
}

// WriteError writes a JSON error response for the passed in error, flattening validation
// errors into something readable by the sender
func WriteError(w http.ResponseWriter, statusCode int, err error) error {
	msg := err.Error()

	if vErrs, ok := err.(validator.ValidationErrors); ok {
		problems := make([]string, len(vErrs))
		for i := range vErrs {
			problems[i] = fmt.Sprintf("field '%s' %s", strings.ToLower(vErrs[i].Field()), vErrs[i].Tag())
		}
		msg = strings.Join(problems, ", ")
	}

	return WriteData(w, statusCode, &errorResponse{msg})
}
