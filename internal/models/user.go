package models

import "time"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	FullName     string    `json:"fullName"`
	PasswordHash string    `json:"-"`
	AvatarURL    string    `json:"avatar"`
	CoverURL     string    `json:"coverImage"`
	RefreshToken string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Sanitized returns a copy of the user without credential material.
func (u *User) Sanitized() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.PasswordHash = ""
	c.RefreshToken = ""
	return &c
}

// UserFilter matches a user whose username or email equals one of the
// non-empty fields.
type UserFilter struct {
	Username string
	Email    string
}

func (f UserFilter) IsEmpty() bool {
	return f.Username == "" && f.Email == ""
}

// UserPatch lists the fields to overwrite. Nil fields are left untouched and a
// non-nil empty RefreshToken clears the stored token.
type UserPatch struct {
	FullName     *string
	Email        *string
	PasswordHash *string
	AvatarURL    *string
	CoverURL     *string
	RefreshToken *string
}

func (p UserPatch) IsEmpty() bool {
	return p.FullName == nil &&
		p.Email == nil &&
		p.PasswordHash == nil &&
		p.AvatarURL == nil &&
		p.CoverURL == nil &&
		p.RefreshToken == nil
}

func StringPtr(s string) *string {
	return &s
}
