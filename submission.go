package geoform

import (
	"mime"
	"net/url"
	"strings"

	"github.com/buger/jsonparser"
	"github.com/gorilla/schema"
)

// fieldMappings is the explicit table from inbound form field names to store column
// names. Inbound keys not listed here are dropped on insert, that is intentional.
var fieldMappings = map[string]string{
	"email":      "Email",
	"zipcode":    "Zipcode",
	"city":       "City",
	"question-1": "Do you believe animals deserve stronger protection laws?",
	"question-2": "Which issue do you care about most?",
}

var decoder = schema.NewDecoder()

func init() {
	decoder.IgnoreUnknownKeys(true)
	decoder.SetAliasTag("name")
}

// Submission is a verified first-time form submission
type Submission struct {
	SessionID string `name:"session-id"`
	IP        string `name:"ip"       validate:"required"`
	Email     string `name:"email"`
	Zipcode   string `name:"zipcode"  validate:"required"`
	City      string `name:"city"`

	values url.Values
}

// Completion is a verified follow-up submission completing a prior session with an email
type Completion struct {
	RecordID string `name:"recordid" validate:"required"`
	Email    string `name:"email"    validate:"required,email"`
}

// ParseSubmission decodes and validates a first-time submission from a raw webhook body
func ParseSubmission(body []byte, contentType string) (*Submission, error) {
	values, err := parseValues(body, contentType)
	if err != nil {
		return nil, err
	}

	sub := &Submission{values: values}
	if err := decodeAndValidate(sub, values); err != nil {
		return nil, err
	}
	return sub, nil
}

// ParseCompletion decodes and validates a completion submission from a raw webhook body
func ParseCompletion(body []byte, contentType string) (*Completion, error) {
	values, err := parseValues(body, contentType)
	if err != nil {
		return nil, err
	}

	completion := &Completion{}
	if err := decodeAndValidate(completion, values); err != nil {
		return nil, err
	}
	return completion, nil
}

// MappedFields returns the store columns to set for this submission, built from our
// static mapping table. Unmapped inbound keys and empty values are skipped.
func (s *Submission) MappedFields() map[string]any {
	fields := make(map[string]any, len(fieldMappings))
	for key, column := range fieldMappings {
		if value := s.values.Get(key); value != "" {
			fields[column] = value
		}
	}
	return fields
}

func decodeAndValidate(form any, values url.Values) error {
	if err := decoder.Decode(form, values); err != nil {
		return err
	}
	return validate.Struct(form)
}

// parseValues extracts the flat field values from a webhook body, which the sender
// delivers either as a JSON envelope with the form data under payload.data, or as a
// URL-encoded form
func parseValues(body []byte, contentType string) (url.Values, error) {
	mediaType, _, _ := mime.ParseMediaType(contentType)

	if mediaType == "application/x-www-form-urlencoded" {
		return url.ParseQuery(string(body))
	}

	data, _, _, err := jsonparser.Get(body, "payload", "data")
	if err != nil {
		// no envelope, the form data is the body itself
		data = body
	}

	values := make(url.Values)
	err = jsonparser.ObjectEach(data, func(key []byte, value []byte, dataType jsonparser.ValueType, offset int) error {
		switch dataType {
		case jsonparser.String:
			s, err := jsonparser.ParseString(value)
			if err != nil {
				return err
			}
			values.Set(string(key), s)
		case jsonparser.Number, jsonparser.Boolean:
			values.Set(string(key), string(value))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

// parseLocation splits a free-text "City, Region" or "City, Region, Country" value into
// its city and country parts. One segment is a bare city. The middle segment of a three
// part value is ignored, we have no column for regions.
func parseLocation(location string) (city, country string) {
	parts := strings.Split(location, ",")
	city = strings.TrimSpace(parts[0])
	if len(parts) > 1 {
		country = strings.TrimSpace(parts[len(parts)-1])
	}
	return city, country
}
