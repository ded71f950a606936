package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/speedtcode/server/internal/auth"
	"github.com/speedtcode/server/internal/database"
	"github.com/speedtcode/server/internal/models"
)

// EnsureUser resolves the caller's identity from the auth_token cookie. A
// caller without a valid token becomes an ephemeral guest: a fresh id is
// minted, persisted best-effort when postgres is up, and a token cookie is
// set so the identity sticks across reconnects.
//
// The display name comes from the "username" query param when present,
// falling back to the stored account name and finally a Guest_ handle.
func EnsureUser(w http.ResponseWriter, r *http.Request) (string, string, error) {
	requested := strings.TrimSpace(r.URL.Query().Get("username"))

	cookieHeader := r.Header.Get("Cookie")
	if strings.Contains(cookieHeader, "auth_token=") {
		token := extractCookieToken(cookieHeader, "auth_token")
		if userID, err := auth.AuthenticateJWT(token); err == nil {
			return userID, resolveUsername(r.Context(), userID, requested), nil
		}
	}

	guestID := uuid.New()
	username := requested
	if username == "" {
		username = fmt.Sprintf("Guest_%s", guestID.String()[:4])
	}

	if database.Available() {
		guest := models.User{ID: guestID, Username: username, IsEphemeral: true}
		if err := database.CreateUser(context.Background(), &guest); err != nil {
			return "", "", fmt.Errorf("failed to create ephemeral user: %w", err)
		}
	}

	token, err := auth.CreateJWT(guestID.String())
	if err != nil {
		return "", "", fmt.Errorf("failed to create ephemeral JWT: %w", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
	})
	return guestID.String(), username, nil
}

// resolveUsername prefers the client-supplied display name, then the account
// record, then a short guest handle.
func resolveUsername(ctx context.Context, userID, requested string) string {
	if requested != "" {
		return requested
	}
	if database.Available() {
		if id, err := uuid.Parse(userID); err == nil {
			if u, err := database.GetUserByID(ctx, id); err == nil && u.Username != "" {
				return u.Username
			}
		}
	}
	if len(userID) >= 4 {
		return fmt.Sprintf("Guest_%s", userID[:4])
	}
	return "Guest"
}

// CurrentUser authenticates a request and loads the full account record.
// Requires postgres.
func CurrentUser(r *http.Request) (*models.User, error) {
	if !database.Available() {
		return nil, fmt.Errorf("accounts unavailable")
	}
	token := extractCookieToken(r.Header.Get("Cookie"), "auth_token")
	userIDStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, fmt.Errorf("invalid user id in token: %w", err)
	}
	return database.GetUserByID(r.Context(), userID)
}

// CreateUserHandler registers a new account.
func CreateUserHandler(w http.ResponseWriter, r *http.Request) {
	if !database.Available() {
		http.Error(w, "accounts unavailable", http.StatusServiceUnavailable)
		return
	}

	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	user := models.User{
		Email:    req.Email,
		Password: req.Password,
		Username: req.Username,
	}

	if err := database.CreateUser(r.Context(), &user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			http.Error(w, "email already exists", http.StatusConflict)
			return
		}
		http.Error(w, "error creating user", http.StatusInternalServerError)
		return
	}

	user.Password = ""
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// LoginHandler checks credentials and returns a session token, also set as
// the auth_token cookie.
func LoginHandler(w http.ResponseWriter, r *http.Request) {
	if !database.Available() {
		http.Error(w, "accounts unavailable", http.StatusServiceUnavailable)
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request payload", http.StatusBadRequest)
		return
	}

	token, err := database.AuthenticateUser(r.Context(), req.Email, req.Password)
	if err != nil {
		http.Error(w, "authentication failed", http.StatusForbidden)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     "auth_token",
		Value:    token,
		HttpOnly: true,
		Path:     "/",
		MaxAge:   auth.TOKEN_EXPIRE_TIME_SEC,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(loginResponse{Token: token})
}
