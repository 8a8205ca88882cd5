// Provides middleware for standardizing HTTP handlers.

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/LettoKarvat/RCAFORM/internal/server/dto"
	"github.com/LettoKarvat/RCAFORM/internal/server/handlers"
	"github.com/LettoKarvat/RCAFORM/internal/server/ratelimit"
	"github.com/LettoKarvat/RCAFORM/internal/server/reqctx"
)

// responder lets a response choose its status code and set headers.
type responder interface {
	Respond(h http.Header) int
}

// addRequestMetadataToContext adds client IP, User-Agent and country to the
// context.
func addRequestMetadataToContext(ctx context.Context, r *http.Request, cfg *handlers.Config) context.Context {
	ip := reqctx.GetClientIP(r)
	ctx = reqctx.WithClientIP(ctx, ip)
	ctx = reqctx.WithUserAgent(ctx, r.Header.Get("User-Agent"))
	if cc := cfg.IPGeo.CountryCode(ip); cc != "" {
		ctx = reqctx.WithCountryCode(ctx, cc)
	}
	return ctx
}

// Wrap wraps a handler function to work as an http.Handler.
// The function must have signature: func(context.Context, *In) (*Out, error)
// where In can be unmarshalled from JSON and Out is a struct.
// Path parameters are read from fields tagged `path:"name"` and query
// parameters from fields tagged `query:"name"`.
// *In must implement dto.Validatable.
func Wrap[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), cfg *handlers.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		serve(w, r, fn, cfg)
	})
}

// WrapAdmin is Wrap for routes behind the admin gate.
func WrapAdmin[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), auth *handlers.AuthHandler, cfg *handlers.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAdmin(w, r, auth) {
			return
		}
		serve(w, r, fn, cfg)
	})
}

// WrapAdminRaw puts a raw http.HandlerFunc behind the admin gate.
func WrapAdminRaw(fn http.HandlerFunc, auth *handlers.AuthHandler, cfg *handlers.Config) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !checkAdmin(w, r, auth) {
			return
		}
		fn(w, r.WithContext(addRequestMetadataToContext(r.Context(), r, cfg)))
	})
}

func serve[In any, PtrIn interface {
	*In
	dto.Validatable
}, Out any](w http.ResponseWriter, r *http.Request, fn func(context.Context, PtrIn) (*Out, error), cfg *handlers.Config) {
	ctx := addRequestMetadataToContext(r.Context(), r, cfg)

	input := new(In)
	if !readAndDecodeBody(ctx, w, r, input, cfg) {
		return
	}
	populatePathParams(r, input)
	populateQueryParams(r, input)

	if err := PtrIn(input).Validate(); err != nil {
		writeError(ctx, w, err)
		return
	}
	output, err := fn(ctx, PtrIn(input))
	writeJSONResponse(ctx, w, output, err)
}

// checkAdmin writes a 401 and returns false when the request does not carry
// valid admin credentials. The response never contains collection data.
func checkAdmin(w http.ResponseWriter, r *http.Request, auth *handlers.AuthHandler) bool {
	if err := auth.Check(r.Header.Get("X-Admin-Key"), r.Header.Get("Authorization")); err != nil {
		slog.WarnContext(r.Context(), "Admin access denied", "err", err, "ip", reqctx.GetClientIP(r), "path", r.URL.Path)
		writeError(r.Context(), w, dto.Unauthorized())
		return false
	}
	return true
}

// rateLimit throttles requests per client address on one route.
func rateLimit(l *ratelimit.Limiter, route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if l == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			res := l.Allow(ratelimit.Key(route, reqctx.GetClientIP(r)))
			ratelimit.WriteHeaders(w.Header(), res)
			if !res.Allowed {
				writeError(r.Context(), w, dto.RateLimitExceeded(int(res.RetryAfter.Seconds())))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// readAndDecodeBody reads the request body with size limit and decodes JSON
// into input. Returns false if an error occurred and was written to the
// response.
func readAndDecodeBody[In any](ctx context.Context, w http.ResponseWriter, r *http.Request, input *In, cfg *handlers.Config) bool {
	if cfg.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, cfg.MaxBodyBytes)
	}
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(ctx, w, dto.PayloadTooLarge(maxBytesErr.Limit))
			return false
		}
		writeError(ctx, w, dto.BadRequest("failed to read request body").Wrap(err))
		return false
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return true
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(input); err != nil {
		writeError(ctx, w, dto.InvalidJSON().Wrap(err))
		return false
	}
	return true
}

// writeJSONResponse writes a JSON response or error response.
func writeJSONResponse[Out any](ctx context.Context, w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	status := http.StatusOK
	if rs, ok := any(output).(responder); ok {
		status = rs.Respond(w.Header())
	}
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(output); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}

// writeError writes err as a JSON error response. Only the client facing
// message of an *dto.APIError is sent; the wrapped cause is logged.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	var apiErr *dto.APIError
	if !errors.As(handlers.ToAPIError(err), &apiErr) {
		apiErr = dto.Internal("internal error")
	}
	if apiErr.StatusCode() >= http.StatusInternalServerError {
		slog.ErrorContext(ctx, "Handler error", "err", err, "statusCode", apiErr.StatusCode(), "code", apiErr.Code())
	} else {
		slog.DebugContext(ctx, "Request rejected", "err", err, "statusCode", apiErr.StatusCode(), "code", apiErr.Code())
	}
	writeErrorResponseWithCode(w, apiErr.StatusCode(), apiErr.Code(), apiErr.Message(), apiErr.Details())
}

// writeErrorResponseWithCode writes a detailed error response as JSON with
// code and details.
func writeErrorResponseWithCode(w http.ResponseWriter, statusCode int, code dto.ErrorCode, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := dto.ErrorResponse{
		Error:   dto.ErrorDetails{Code: code, Message: message},
		Details: details,
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}

// populatePathParams fills struct fields tagged with `path:"name"` from the
// chi route parameters.
func populatePathParams(r *http.Request, input any) {
	elem, ok := structElem(input)
	if !ok {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		tag := typ.Field(i).Tag.Get("path")
		if tag == "" {
			continue
		}
		if v := chi.URLParam(r, tag); v != "" && typ.Field(i).Type.Kind() == reflect.String {
			elem.Field(i).SetString(v)
		}
	}
}

// populateQueryParams fills struct fields tagged with `query:"name"`.
func populateQueryParams(r *http.Request, input any) {
	elem, ok := structElem(input)
	if !ok {
		return
	}
	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		v := query.Get(tag)
		if v == "" {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(v)
		case reflect.Int:
			if n, err := strconv.Atoi(v); err == nil {
				elem.Field(i).SetInt(int64(n))
			}
		case reflect.Bool:
			if b, err := strconv.ParseBool(v); err == nil {
				elem.Field(i).SetBool(b)
			}
		}
	}
}

func structElem(input any) (reflect.Value, bool) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return reflect.Value{}, false
	}
	elem := val.Elem()
	return elem, elem.Kind() == reflect.Struct
}
