package api

import (
	"errors"
	"net/http"
	"net/mail"
	"strings"

	"github.com/askdb/askdb/internal/auth"
	"github.com/askdb/askdb/internal/userstore"
)

const minPasswordLength = 8

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func handleLogin(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", false, nil)
		return
	}

	user, err := deps.Users.Authenticate(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if errors.Is(err, userstore.ErrInvalidCredentials) {
		writeError(r.Context(), w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "email or password is incorrect", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "LOGIN_FAILED", "could not verify credentials", true, nil)
		return
	}

	token, err := deps.TokenIssuer.Issue(auth.Identity{UserID: user.StringID(), Email: user.Email})
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "LOGIN_FAILED", "could not issue token", true, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  user,
	})
}

func handleRegister(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "invalid JSON body", false, nil)
		return
	}
	email := strings.TrimSpace(req.Email)
	if _, err := mail.ParseAddress(email); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "a valid email is required", false, nil)
		return
	}
	if len(req.Password) < minPasswordLength {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "password must be at least 8 characters", false, nil)
		return
	}

	user, err := deps.Users.Create(r.Context(), email, req.Password)
	if errors.Is(err, userstore.ErrEmailTaken) {
		writeError(r.Context(), w, http.StatusConflict, "EMAIL_TAKEN", "email is already registered", false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "REGISTRATION_FAILED", "could not create user", true, nil)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func handleMe(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(r.Context(), w, http.StatusUnauthorized, "UNAUTHORIZED", "identity missing", false, nil)
		return
	}

	payload := map[string]any{
		"user_id": identity.UserID,
		"email":   identity.Email,
	}
	if deps.Limits != nil {
		payload["rate_limit"] = deps.Limits.CurrentStatus(r.Context(), identity.UserID)
	}
	writeJSON(w, http.StatusOK, payload)
}
