package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"creditcore.io/internal/apperr"
)

const (
	maxBodyBytes     = 1 << 20
	maxIdempotentLen = 128
)

type errorBody struct {
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error     errorBody `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
}

type listResponse[T any] struct {
	Items  []T `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind, machineCode, msg string) {
	writeJSON(w, code, errorResponse{
		Error:     errorBody{Kind: kind, Code: machineCode, Message: msg},
		RequestID: RequestIDFromContext(r),
	})
}

// badRequest answers 400 for malformed input caught by the shell.
func badRequest(w http.ResponseWriter, r *http.Request, format string, args ...any) {
	writeError(w, r, http.StatusBadRequest, string(apperr.KindInvalidInput), apperr.KindInvalidInput.Code(), fmt.Sprintf(format, args...))
}

// fail maps a core error to its status. Internal causes never leave the
// process; they are logged against the request id.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	msg := apperr.MessageOf(err)
	if status >= http.StatusInternalServerError {
		a.log.Error().Err(err).Str("request_id", RequestIDFromContext(r)).Str("kind", string(kind)).Msg("request failed")
		if kind == apperr.KindInternal {
			msg = "internal error"
		}
	}
	writeError(w, r, status, string(kind), kind.Code(), msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for operations whose body may be empty.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := decodeJSON(w, r, dst)
	if err != nil && err.Error() == "request body is required" {
		return nil
	}
	return err
}

// idempotencyKey reconciles the Idempotency-Key header with an optional
// body value; both must agree when both are present.
func idempotencyKey(r *http.Request, body string) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if body = strings.TrimSpace(body); body != "" {
		if key == "" {
			key = body
		} else if key != body {
			return "", errors.New("Idempotency-Key header and body value must match")
		}
	}
	if len(key) > maxIdempotentLen {
		return "", errors.New("Idempotency-Key too long")
	}
	return key, nil
}

func parsePositiveInt(raw, name string, def, lo, hi int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if val < lo || val > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return val, nil
}

// page reads limit and offset query parameters.
func page(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = parsePositiveInt(q.Get("limit"), "limit", 50, 1, 500); err != nil {
		return 0, 0, err
	}
	if offset, err = parsePositiveInt(q.Get("offset"), "offset", 0, 0, maxOffset); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

const maxOffset = 1<<31 - 1

// csv splits a comma separated query parameter, dropping blanks.
func csv(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
