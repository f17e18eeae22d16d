package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"accounts/internal/models"
	"accounts/internal/session"
)

type UserHandler struct {
	sessions    *session.Manager
	cookies     cookieWriter
	metrics     *Metrics
	uploadLimit int64
}

func NewUserHandler(sessions *session.Manager, cookies cookieWriter, metrics *Metrics, uploadMaxBytes int64) *UserHandler {
	return &UserHandler{
		sessions:    sessions,
		cookies:     cookies,
		metrics:     metrics,
		uploadLimit: 2*uploadMaxBytes + multipartOverhead,
	}
}

type RegisterRequest struct {
	FullName string `json:"fullName" validate:"required,max=100"`
	Username string `json:"username" validate:"required,max=32,excludes=@"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

type LoginRequest struct {
	Username string `json:"username" validate:"max=254"`
	Email    string `json:"email" validate:"max=254"`
	Password string `json:"password" validate:"max=72"`
}

// identifier is the username when given, otherwise the email.
func (r LoginRequest) identifier() string {
	if u := strings.TrimSpace(r.Username); u != "" {
		return u
	}
	return strings.TrimSpace(r.Email)
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword" validate:"required"`
	NewPassword string `json:"newPassword" validate:"required,max=72"`
}

type UpdateAccountRequest struct {
	FullName string `json:"fullName" validate:"max=100"`
	Email    string `json:"email" validate:"omitempty,email,max=254"`
}

type LoginResponse struct {
	User         *models.User `json:"user"`
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
}

type TokenPairResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// POST /api/v1/users/register
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	cleanup, ok := parseMultipart(w, r, h.uploadLimit)
	if !ok {
		return
	}
	defer cleanup()

	req := RegisterRequest{
		FullName: strings.TrimSpace(r.FormValue("fullName")),
		Username: strings.TrimSpace(r.FormValue("username")),
		Email:    strings.TrimSpace(r.FormValue("email")),
		Password: r.FormValue("password"),
	}
	if err := validateStruct(&req); err != nil {
		badRequest(w, err.Error())
		return
	}

	avatar, avatarFile, err := formUpload(r, "avatar")
	if err != nil {
		badRequest(w, "Invalid avatar upload")
		return
	}
	defer closeFile(avatarFile)

	cover, coverFile, err := formUpload(r, "coverImage")
	if err != nil {
		badRequest(w, "Invalid cover image upload")
		return
	}
	defer closeFile(coverFile)

	user, err := h.sessions.Register(r.Context(), session.RegisterInput{
		FullName: req.FullName,
		Username: req.Username,
		Email:    req.Email,
		Password: req.Password,
		Avatar:   avatar,
		Cover:    cover,
	})
	h.metrics.observeOperation("register", err)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	respond(w, http.StatusCreated, "User registered successfully", user)
}

// POST /api/v1/users/login
func (h *UserHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	res, err := h.sessions.Login(r.Context(), session.LoginInput{
		Identifier: req.identifier(),
		Password:   req.Password,
	})
	h.metrics.observeOperation("login", err)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	h.cookies.setSession(w, res.AccessToken, res.RefreshToken)
	respond(w, http.StatusOK, "User logged in successfully", LoginResponse{
		User:         res.User,
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

// POST /api/v1/users/refresh-token
func (h *UserHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "invalid JSON body")
		return
	}

	// An explicit body token wins over the cookie.
	token := strings.TrimSpace(req.RefreshToken)
	if token == "" {
		if c, err := r.Cookie(refreshTokenCookie); err == nil {
			token = c.Value
		}
	}

	res, err := h.sessions.Refresh(r.Context(), token)
	h.metrics.observeOperation("refresh", err)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	h.cookies.setSession(w, res.AccessToken, res.RefreshToken)
	respond(w, http.StatusOK, "Access token refreshed", TokenPairResponse{
		AccessToken:  res.AccessToken,
		RefreshToken: res.RefreshToken,
	})
}

// POST /api/v1/users/logout
func (h *UserHandler) Logout(w http.ResponseWriter, r *http.Request) {
	err := h.sessions.Logout(r.Context(), GetUserID(r))
	h.metrics.observeOperation("logout", err)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	h.cookies.clearSession(w)
	respond(w, http.StatusOK, "User logged out", struct{}{})
}

// POST /api/v1/users/change-password
func (h *UserHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req ChangePasswordRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	err := h.sessions.ChangePassword(r.Context(), GetUserID(r), req.OldPassword, req.NewPassword)
	h.metrics.observeOperation("change_password", err)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	respond(w, http.StatusOK, "Password changed successfully", struct{}{})
}

// GET /api/v1/users/current-user
func (h *UserHandler) CurrentUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.sessions.CurrentUser(r.Context(), GetUserID(r))
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	respond(w, http.StatusOK, "User fetched successfully", user)
}

// PATCH /api/v1/users/update-account
func (h *UserHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	var req UpdateAccountRequest
	if err := decodeAndValidate(r.Body, &req); err != nil {
		badRequest(w, err.Error())
		return
	}

	user, err := h.sessions.UpdateAccount(r.Context(), GetUserID(r), session.AccountUpdate{
		FullName: req.FullName,
		Email:    req.Email,
	})
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	respond(w, http.StatusOK, "Account details updated successfully", user)
}

// PATCH /api/v1/users/avatar
func (h *UserHandler) UpdateAvatar(w http.ResponseWriter, r *http.Request) {
	h.replaceImage(w, r, "avatar", h.sessions.UpdateAvatar, "Avatar image updated successfully")
}

// PATCH /api/v1/users/cover-image
func (h *UserHandler) UpdateCover(w http.ResponseWriter, r *http.Request) {
	h.replaceImage(w, r, "coverImage", h.sessions.UpdateCover, "Cover image updated successfully")
}

type imageUpdater func(ctx context.Context, userID string, upload *session.Upload) (*models.User, error)

func (h *UserHandler) replaceImage(w http.ResponseWriter, r *http.Request, field string, update imageUpdater, message string) {
	cleanup, ok := parseMultipart(w, r, h.uploadLimit)
	if !ok {
		return
	}
	defer cleanup()

	upload, file, err := formUpload(r, field)
	if err != nil {
		badRequest(w, "Invalid "+field+" upload")
		return
	}
	defer closeFile(file)

	user, err := update(r.Context(), GetUserID(r), upload)
	if err != nil {
		writeSessionError(w, r, err)
		return
	}

	respond(w, http.StatusOK, message, user)
}
