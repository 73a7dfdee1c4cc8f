// Package apperr defines the error taxonomy shared by the ingestion,
// reconciliation and read paths. Errors carry a machine-readable Code via
// samber/oops so handlers can map them to API responses.
package apperr

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeExtractionEmpty        Code = "extraction.result.empty"
	CodeProviderUnavailable    Code = "provider.upstream.unavailable"
	CodeGraphWriteFailed       Code = "graph.write.failure"
	CodeEntityNotFound         Code = "entity.lookup.not_found"
	CodeReconciliationConflict Code = "reconcile.tie.conflict"
	CodeStoreFailure           Code = "store.database.failure"
	CodeRequestInvalid         Code = "request.input.invalid"
	CodeLockBusy               Code = "reconcile.lock.busy"
	CodeInternal               Code = "server.internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldWorkID(value string) Attr {
	return Field("work_id", value)
}

func FieldArticleID(value string) Attr {
	return Field("article_id", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the outermost code in err's chain, or "" if there is none.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	switch code := oopsErr.Code().(type) {
	case Code:
		return code
	case string:
		return Code(code)
	case nil:
		return ""
	default:
		return Code(fmt.Sprintf("%v", code))
	}
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}
	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

func IsNotFound(err error) bool {
	return reason(CodeOf(err)) == "not_found"
}

func IsInvalid(err error) bool {
	return reason(CodeOf(err)) == "invalid"
}

// HTTPStatus maps an error to the status code used by the read API.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsNotFound(err):
		return http.StatusNotFound
	case IsInvalid(err):
		return http.StatusBadRequest
	case HasCode(err, CodeExtractionEmpty):
		return http.StatusUnprocessableEntity
	case HasCode(err, CodeProviderUnavailable):
		return http.StatusBadGateway
	case HasCode(err, CodeLockBusy):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func flatten(fields []Attr) []any {
	pairs := make([]any, 0, len(fields)*2)
	for _, field := range fields {
		if field.Key == "" {
			continue
		}
		pairs = append(pairs, field.Key, field.Value)
	}
	return pairs
}

func reason(code Code) string {
	raw := string(code)
	idx := strings.LastIndex(raw, ".")
	if idx == -1 || idx == len(raw)-1 {
		return raw
	}
	return raw[idx+1:]
}
