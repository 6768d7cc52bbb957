package httpx

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockwatch/internal/shared"
)

var validate = validator.New()

// DecodeValid decodes the JSON body into target and runs struct validation.
// Failures are reported as shared.ValidationError.
func DecodeValid(r *http.Request, target any) error {
	if err := DecodeJSON(r, target); err != nil {
		return shared.Invalid("body", "malformed JSON")
	}
	if err := validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return shared.Invalid(strings.ToLower(fe.Field()), fmt.Sprintf("failed %s", fe.Tag()))
		}
		return shared.Invalid("body", err.Error())
	}
	return nil
}

// Actor returns the principal resolved by the RBAC middleware.
func Actor(r *http.Request) shared.Actor {
	actor, _ := shared.ActorFromContext(r.Context())
	return actor
}

// QueryInt64 parses an integer query parameter, returning 0 when absent.
func QueryInt64(r *http.Request, name string) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, shared.Invalid(name, "must be an integer")
	}
	return v, nil
}

// QueryTime parses an RFC3339 or YYYY-MM-DD query parameter.
func QueryTime(r *http.Request, name string) (time.Time, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, shared.Invalid(name, "must be RFC3339 or YYYY-MM-DD")
	}
	return t, nil
}

// ParseInt64 parses a path parameter.
func ParseInt64(name, value string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, shared.Invalid(name, "must be an integer")
	}
	return v, nil
}
