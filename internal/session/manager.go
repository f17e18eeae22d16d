package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"html"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"accounts/internal/auth"
	"accounts/internal/blob"
	"accounts/internal/db"
	"accounts/internal/models"
)

const assetCleanupTimeout = 10 * time.Second

type Store interface {
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindOne(ctx context.Context, filter models.UserFilter) (*models.User, error)
	Create(ctx context.Context, user *models.User) (*models.User, error)
	FindByIDAndUpdate(ctx context.Context, id string, patch models.UserPatch) (*models.User, error)
}

type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
}

type Tokens interface {
	IssueAccess(user *models.User) (string, error)
	IssueRefresh(user *models.User) (string, error)
	VerifyRefresh(token string) (*auth.Claims, error)
}

type Uploader interface {
	Upload(ctx context.Context, kind blob.Kind, originalName string, src io.Reader) (*blob.Asset, error)
	Delete(ctx context.Context, url string) error
}

// Upload is a file received from a client, not yet handed to the media host.
type Upload struct {
	Filename string
	Body     io.Reader
}

type RegisterInput struct {
	FullName string
	Username string
	Email    string
	Password string
	Avatar   *Upload
	Cover    *Upload
}

type LoginInput struct {
	Identifier string
	Password   string
}

type AccountUpdate struct {
	FullName string
	Email    string
}

// Result is returned by Login and Refresh. User never carries credential
// material.
type Result struct {
	User         *models.User
	AccessToken  string
	RefreshToken string
}

// Manager runs the account and session flows over a single user record.
type Manager struct {
	store    Store
	hasher   Hasher
	tokens   Tokens
	uploader Uploader
	policy   *bluemonday.Policy
}

func NewManager(store Store, hasher Hasher, tokens Tokens, uploader Uploader) *Manager {
	return &Manager{
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		uploader: uploader,
		policy:   bluemonday.StrictPolicy(),
	}
}

func (m *Manager) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	fullName := m.cleanFullName(in.FullName)
	username := foldIdentifier(in.Username)
	email := foldIdentifier(in.Email)

	if fullName == "" || username == "" || email == "" || strings.TrimSpace(in.Password) == "" {
		return nil, validationError("All fields are required")
	}
	if err := checkIdentifiers(username, email); err != nil {
		return nil, err
	}
	if err := checkPasswordLength(in.Password); err != nil {
		return nil, err
	}

	existing, err := m.store.FindOne(ctx, models.UserFilter{Username: username, Email: email})
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, internalError(err)
	}
	if existing != nil {
		return nil, conflictError("User with email or username already exists")
	}

	if in.Avatar == nil || in.Avatar.Body == nil {
		return nil, validationError("Avatar file is required")
	}

	avatar, err := m.uploader.Upload(ctx, blob.KindAvatar, in.Avatar.Filename, in.Avatar.Body)
	if err != nil {
		return nil, assetUploadError("Avatar file is required", err)
	}
	uploaded := []string{avatar.URL}

	var coverURL string
	if in.Cover != nil && in.Cover.Body != nil {
		cover, err := m.uploader.Upload(ctx, blob.KindCover, in.Cover.Filename, in.Cover.Body)
		if err != nil {
			slog.Warn("cover image upload failed, registering without it", "username", username, "error", err)
		} else {
			coverURL = cover.URL
			uploaded = append(uploaded, cover.URL)
		}
	}

	hash, err := m.hasher.Hash(in.Password)
	if err != nil {
		m.discardAssets(ctx, uploaded...)
		if errors.Is(err, auth.ErrPasswordTooLong) {
			return nil, validationError("Password must be at most 72 bytes")
		}
		return nil, internalError(err)
	}

	created, err := m.store.Create(ctx, &models.User{
		Username:     username,
		Email:        email,
		FullName:     fullName,
		PasswordHash: hash,
		AvatarURL:    avatar.URL,
		CoverURL:     coverURL,
	})
	if err != nil {
		m.discardAssets(ctx, uploaded...)
		if errors.Is(err, db.ErrDuplicate) {
			return nil, conflictError("User with email or username already exists")
		}
		return nil, internalError(err)
	}

	return created.Sanitized(), nil
}

// Login matches Identifier against both the username and the email column.
func (m *Manager) Login(ctx context.Context, in LoginInput) (*Result, error) {
	identifier := foldIdentifier(in.Identifier)
	if identifier == "" {
		return nil, validationError("Username or email is required")
	}

	user, err := m.store.FindOne(ctx, models.UserFilter{Username: identifier, Email: identifier})
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFoundError("User does not exist")
	}
	if err != nil {
		return nil, internalError(err)
	}

	if !m.hasher.Verify(in.Password, user.PasswordHash) {
		return nil, unauthorizedError("Invalid user credentials")
	}

	return m.startSession(ctx, user)
}

// Refresh rotates the session. The presented token must both verify and
// equal the token stored for its user.
func (m *Manager) Refresh(ctx context.Context, refreshToken string) (*Result, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, unauthorizedError("Unauthorized request")
	}

	claims, err := m.tokens.VerifyRefresh(refreshToken)
	if errors.Is(err, auth.ErrExpiredToken) {
		return nil, forbiddenError("Refresh token is expired", err)
	}
	if err != nil {
		return nil, forbiddenError("Invalid refresh token", err)
	}

	user, err := m.store.FindByID(ctx, claims.UserID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, forbiddenError("Invalid refresh token", err)
	}
	if err != nil {
		return nil, internalError(err)
	}

	if user.RefreshToken == "" || subtle.ConstantTimeCompare([]byte(user.RefreshToken), []byte(refreshToken)) != 1 {
		return nil, forbiddenError("Refresh token is expired or used", nil)
	}

	return m.startSession(ctx, user)
}

func (m *Manager) Logout(ctx context.Context, userID string) error {
	_, err := m.store.FindByIDAndUpdate(ctx, userID, models.UserPatch{RefreshToken: models.StringPtr("")})
	if errors.Is(err, db.ErrNotFound) {
		return notFoundError("User does not exist")
	}
	if err != nil {
		return internalError(err)
	}
	return nil
}

// ChangePassword keeps the current session alive.
func (m *Manager) ChangePassword(ctx context.Context, userID, oldPassword, newPassword string) error {
	if strings.TrimSpace(newPassword) == "" {
		return validationError("New password is required")
	}
	if err := checkPasswordLength(newPassword); err != nil {
		return err
	}

	user, err := m.findUser(ctx, userID)
	if err != nil {
		return err
	}

	if !m.hasher.Verify(oldPassword, user.PasswordHash) {
		return unauthorizedError("Invalid old password")
	}

	hash, err := m.hasher.Hash(newPassword)
	if errors.Is(err, auth.ErrPasswordTooLong) {
		return validationError("Password must be at most 72 bytes")
	}
	if err != nil {
		return internalError(err)
	}

	if _, err := m.store.FindByIDAndUpdate(ctx, userID, models.UserPatch{PasswordHash: &hash}); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return notFoundError("User does not exist")
		}
		return internalError(err)
	}
	return nil
}

func (m *Manager) CurrentUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := m.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return user.Sanitized(), nil
}

func (m *Manager) UpdateAccount(ctx context.Context, userID string, in AccountUpdate) (*models.User, error) {
	var patch models.UserPatch
	if fullName := m.cleanFullName(in.FullName); fullName != "" {
		patch.FullName = &fullName
	}
	if email := foldIdentifier(in.Email); email != "" {
		if !strings.Contains(email, "@") {
			return nil, validationError("Invalid email format")
		}
		patch.Email = &email
	}
	if patch.IsEmpty() {
		return nil, validationError("Full name or email is required")
	}

	if patch.Email != nil {
		other, err := m.store.FindOne(ctx, models.UserFilter{Email: *patch.Email})
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return nil, internalError(err)
		}
		if other != nil && other.ID != userID {
			return nil, conflictError("Email is already in use")
		}
	}

	return m.update(ctx, userID, patch)
}

func (m *Manager) UpdateAvatar(ctx context.Context, userID string, upload *Upload) (*models.User, error) {
	return m.replaceAsset(ctx, userID, blob.KindAvatar, upload)
}

func (m *Manager) UpdateCover(ctx context.Context, userID string, upload *Upload) (*models.User, error) {
	return m.replaceAsset(ctx, userID, blob.KindCover, upload)
}

func (m *Manager) replaceAsset(ctx context.Context, userID string, kind blob.Kind, upload *Upload) (*models.User, error) {
	if upload == nil || upload.Body == nil {
		if kind == blob.KindAvatar {
			return nil, validationError("Avatar file is missing")
		}
		return nil, validationError("Cover image file is missing")
	}

	user, err := m.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	asset, err := m.uploader.Upload(ctx, kind, upload.Filename, upload.Body)
	if err != nil {
		return nil, assetUploadError("Error while uploading "+string(kind)+" image", err)
	}

	patch := models.UserPatch{AvatarURL: &asset.URL}
	previous := user.AvatarURL
	if kind == blob.KindCover {
		patch = models.UserPatch{CoverURL: &asset.URL}
		previous = user.CoverURL
	}

	updated, err := m.update(ctx, userID, patch)
	if err != nil {
		m.discardAssets(ctx, asset.URL)
		return nil, err
	}

	if previous != "" && previous != asset.URL {
		m.discardAssets(ctx, previous)
	}
	return updated, nil
}

// startSession mints both tokens before persisting the refresh token so a
// signing failure leaves the stored session untouched.
func (m *Manager) startSession(ctx context.Context, user *models.User) (*Result, error) {
	accessToken, err := m.tokens.IssueAccess(user)
	if err != nil {
		return nil, internalError(err)
	}
	refreshToken, err := m.tokens.IssueRefresh(user)
	if err != nil {
		return nil, internalError(err)
	}

	updated, err := m.store.FindByIDAndUpdate(ctx, user.ID, models.UserPatch{RefreshToken: &refreshToken})
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFoundError("User does not exist")
	}
	if err != nil {
		return nil, internalError(err)
	}

	return &Result{
		User:         updated.Sanitized(),
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
	}, nil
}

func (m *Manager) findUser(ctx context.Context, userID string) (*models.User, error) {
	user, err := m.store.FindByID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, notFoundError("User does not exist")
	}
	if err != nil {
		return nil, internalError(err)
	}
	return user, nil
}

func (m *Manager) update(ctx context.Context, userID string, patch models.UserPatch) (*models.User, error) {
	updated, err := m.store.FindByIDAndUpdate(ctx, userID, patch)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, notFoundError("User does not exist")
	case errors.Is(err, db.ErrDuplicate):
		return nil, conflictError("Email is already in use")
	case err != nil:
		return nil, internalError(err)
	}
	return updated.Sanitized(), nil
}

// discardAssets deletes uploads that no record points to. Failures are only
// logged.
func (m *Manager) discardAssets(ctx context.Context, urls ...string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), assetCleanupTimeout)
	defer cancel()

	for _, url := range urls {
		if err := m.uploader.Delete(cleanupCtx, url); err != nil {
			slog.Warn("failed to delete orphaned asset", "url", url, "error", err)
		}
	}
}

// cleanFullName strips markup from a display name.
func (m *Manager) cleanFullName(name string) string {
	return strings.TrimSpace(html.UnescapeString(m.policy.Sanitize(strings.TrimSpace(name))))
}

// checkIdentifiers keeps the username and email namespaces disjoint, so a
// login identifier resolves to at most one user.
func checkIdentifiers(username, email string) error {
	if strings.Contains(username, "@") {
		return validationError("Username must not contain @")
	}
	if !strings.Contains(email, "@") {
		return validationError("Invalid email format")
	}
	return nil
}

// checkPasswordLength counts bytes, not runes.
func checkPasswordLength(password string) error {
	if len(password) > auth.MaxPasswordBytes {
		return validationError("Password must be at most 72 bytes")
	}
	return nil
}

func foldIdentifier(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
