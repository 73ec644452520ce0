package httpapi

import (
	"net/http"
	"time"

	"custodian.org/internal/auth"
)

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	Role      string `json:"role"`
	AdminCode string `json:"admin_code"`
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type verifyRequest struct {
	Email string `json:"email"`
	OTP   string `json:"otp"`
}

type challengeResponse struct {
	Message   string    `json:"message"`
	Scope     string    `json:"scope"`
	ExpiresAt time.Time `json:"expires_at"`
}

type sessionResponse struct {
	Token     string        `json:"token"`
	TokenType string        `json:"token_type"`
	ExpiresAt time.Time     `json:"expires_at"`
	ExpiresIn int64         `json:"expires_in"`
	User      *auth.Summary `json:"user,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type changeEmailRequest struct {
	NewEmail        string `json:"new_email"`
	CurrentPassword string `json:"current_password"`
}

func (a *API) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	acct, err := a.svc.Register(r.Context(), auth.RegisterRequest{
		Email:      req.Email,
		Password:   req.Password,
		Role:       req.Role,
		InviteCode: req.AdminCode,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct.Summary())
}

func (a *API) login(scope auth.Scope) http.HandlerFunc {
	request := a.svc.RequestChallenge
	if scope == auth.ScopeAdmin {
		request = a.svc.RequestAdminChallenge
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Email == "" || req.Password == "" {
			writeError(w, r, http.StatusBadRequest, "email and password are required")
			return
		}
		ch, err := request(r.Context(), req.Email, req.Password)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, challengeResponse{Message: "OTP sent", Scope: string(ch.Scope), ExpiresAt: ch.ExpiresAt})
	}
}

func (a *API) resendOTP(scope auth.Scope) http.HandlerFunc {
	resend := a.svc.ResendChallenge
	if scope == auth.ScopeAdmin {
		resend = a.svc.ResendAdminChallenge
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req emailRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Email == "" {
			writeError(w, r, http.StatusBadRequest, "email is required")
			return
		}
		ch, err := resend(r.Context(), req.Email)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, challengeResponse{Message: "OTP resent", Scope: string(ch.Scope), ExpiresAt: ch.ExpiresAt})
	}
}

func (a *API) verifyOTP(scope auth.Scope) http.HandlerFunc {
	verify := a.svc.VerifyChallenge
	if scope == auth.ScopeAdmin {
		verify = a.svc.VerifyAdminChallenge
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req verifyRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.Email == "" || req.OTP == "" {
			writeError(w, r, http.StatusBadRequest, "email and otp are required")
			return
		}
		sess, err := verify(r.Context(), req.Email, req.OTP)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		acct, err := a.svc.Account(r.Context(), sess.AccountID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.setRefreshCookie(w, sess.RefreshToken)
		summary := acct.Summary()
		writeJSON(w, http.StatusOK, sessionResponse{
			Token:     sess.AccessToken,
			TokenType: "Bearer",
			ExpiresAt: sess.AccessExpiresAt,
			ExpiresIn: int64(a.svc.AccessTTL() / time.Second),
			User:      &summary,
		})
	}
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		a.clearRefreshCookie(w)
		writeError(w, r, http.StatusUnauthorized, "missing refresh token")
		return
	}
	sess, err := a.svc.RefreshSession(r.Context(), cookie.Value)
	if err != nil {
		a.clearRefreshCookie(w)
		handleServiceError(w, r, err)
		return
	}
	a.setRefreshCookie(w, sess.RefreshToken)
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:     sess.AccessToken,
		TokenType: "Bearer",
		ExpiresAt: sess.AccessExpiresAt,
		ExpiresIn: int64(a.svc.AccessTTL() / time.Second),
	})
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(refreshCookieName); err == nil {
		if err := a.svc.EndSession(r.Context(), cookie.Value); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	a.clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) me(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, acct.Summary())
}

func (a *API) changePassword(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	var req changePasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.ChangePassword(r.Context(), acct.ID, req.CurrentPassword, req.NewPassword); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"message": "password updated; sign in again"})
}

func (a *API) changeEmail(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	var req changeEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.ChangeEmail(r.Context(), acct.ID, req.NewEmail, req.CurrentPassword)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Summary())
}

func (a *API) setRefreshCookie(w http.ResponseWriter, raw string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    raw,
		Path:     refreshCookiePath,
		MaxAge:   int(a.svc.RefreshTTL() / time.Second),
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}
