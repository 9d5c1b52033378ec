package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// User-facing error codes. The body of every failed response carries one of
// these; outside release mode a description of the cause follows the code.
const (
	codeNoClient            = "LOGIN.ERRORS.NO_CLIENT"
	codeNoTenant            = "LOGIN.ERRORS.NO_TENANT"
	codeTenantMismatch      = "ERRORS.TENANT_MISMATCH"
	codeFormNotParseable    = "LOGIN.ERRORS.FORM_NOT_PARSEABLE"
	codeMissingLocation     = "LOGIN.ERRORS.MISSING_LOCATION"
	codeWrongCredentials    = "LOGIN.ERRORS.WRONG_CREDENTIALS"
	codeRedirectMismatch    = "ERRORS.REDIRECT_MISMATCH"
	codeWrongReferer        = "ERRORS.WRONG_REFERER"
	codeChallengeMethod     = "ERRORS.CODE_CHALLENGE_METHOD_NOT_IMPLEMENTED"
	codePKCEMissing         = "ERRORS.CODE_CHALLENGE_REQUIRED"
	codeVerifierMismatch    = "ERRORS.CODE_VERIFIER_MISMATCH"
	codeGrantNotAllowed     = "ERRORS.GRANT_NOT_ALLOWED"
	codeInvalidRequest      = "ERRORS.WRONG_REQUEST"
	codeInvalidSecret       = "ERRORS.WRONG_CLIENT_SECRET"
	codeInvalidGrant        = "ERRORS.INVALID_GRANT"
	codeInterceptorDisabled = "ERRORS.INTERCEPTOR_DISABLED"
	codeServiceTimeout      = "ERRORS.SERVICE_TIMEOUT"
	codeInternal            = "ERRORS.INTERNAL"
)

// requestError is the single error shape handlers raise; the mapper below
// turns it into an HTML or JSON response.
type requestError struct {
	status int
	code   string
	detail string
}

func (e *requestError) Error() string {
	if e.detail == "" {
		return e.code
	}
	return fmt.Sprintf("%s: %s", e.code, e.detail)
}

func newRequestError(status int, code string) *requestError {
	return &requestError{status: status, code: code}
}

func newRequestErrorf(status int, code, format string, a ...interface{}) *requestError {
	return &requestError{status: status, code: code, detail: fmt.Sprintf(format, a...)}
}

func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	if strings.Contains(accept, "application/json") {
		return true
	}
	if strings.Contains(accept, "text/html") {
		return false
	}
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// renderError is the single error-to-response mapper. Middlewares never
// swallow errors; everything user-visible passes through here.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	reqErr, ok := err.(*requestError)
	if !ok {
		reqErr = &requestError{status: http.StatusInternalServerError, code: codeInternal, detail: err.Error()}
	}

	message := reqErr.code
	if !s.releaseMode && reqErr.detail != "" {
		message = reqErr.code + ": " + reqErr.detail
	}
	if reqErr.status >= http.StatusInternalServerError {
		s.logger.Errorf("request %s %s failed: %v", r.Method, r.URL.Path, err)
		if s.releaseMode {
			message = reqErr.code
		}
	}

	if wantsJSON(r) {
		body, merr := json.Marshal(struct {
			Error  bool   `json:"error"`
			Reason string `json:"reason"`
		}{true, message})
		if merr != nil {
			http.Error(w, reqErr.code, reqErr.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(reqErr.status)
		w.Write(body)
		return
	}

	tenant := ""
	if info := clientInfoFrom(r.Context()); info != nil && info.Tenant != nil {
		tenant = info.Tenant.Name
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(reqErr.status)
	if terr := s.templates.renderError(w, tenant, reqErr.status, message); terr != nil {
		s.logger.Errorf("error template failed: %v", terr)
	}
}
