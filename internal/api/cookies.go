package api

import (
	"net/http"
	"time"

	"accounts/internal/config"
)

const (
	accessTokenCookie  = "accessToken"
	refreshTokenCookie = "refreshToken"
)

type cookieWriter struct {
	cfg        config.CookieConfig
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func (c cookieWriter) setSession(w http.ResponseWriter, accessToken, refreshToken string) {
	http.SetCookie(w, c.cookie(accessTokenCookie, accessToken, int(c.accessTTL.Seconds())))
	http.SetCookie(w, c.cookie(refreshTokenCookie, refreshToken, int(c.refreshTTL.Seconds())))
}

// clearSession overwrites both cookies with empty values that expire at once.
func (c cookieWriter) clearSession(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(accessTokenCookie, "", -1))
	http.SetCookie(w, c.cookie(refreshTokenCookie, "", -1))
}

func (c cookieWriter) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.cfg.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.cfg.IsSecure(),
		SameSite: c.cfg.SameSiteMode(),
	}
}
