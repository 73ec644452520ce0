package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"custodian.org/internal/auth"
	"custodian.org/internal/privacy"
)

// looseBool accepts JSON booleans, 0/1 and the usual yes/no spellings.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case bool:
		*b = looseBool(v)
		return nil
	case float64:
		switch v {
		case 1:
			*b = true
			return nil
		case 0:
			*b = false
			return nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "y", "on":
			*b = true
			return nil
		case "false", "0", "no", "n", "off":
			*b = false
			return nil
		}
	}
	return fmt.Errorf("invalid boolean value %s", data)
}

func (b *looseBool) ptr() *bool {
	if b == nil {
		return nil
	}
	v := bool(*b)
	return &v
}

type privacySettingsRequest struct {
	ProfilePublic     *looseBool `json:"profile_public"`
	ShareUsage        *looseBool `json:"share_usage"`
	AdPersonalization *looseBool `json:"ad_personalization"`
	ShowLastSeen      *looseBool `json:"show_last_seen"`
}

type consentRequest struct {
	Item    string `json:"item"`
	Version string `json:"version"`
	Action  string `json:"action"`
}

type profileRequest struct {
	Phone string `json:"phone"`
}

func (a *API) privacyRoutes() {
	if a.privacy == nil {
		return
	}
	authed := a.withAuth
	a.mux.Handle("GET /v1/me/privacy-summary", authed(http.HandlerFunc(a.privacySummary)))
	a.mux.Handle("GET /v1/me/privacy-settings", authed(http.HandlerFunc(a.privacySettings)))
	a.mux.Handle("PUT /v1/me/privacy-settings", authed(http.HandlerFunc(a.updatePrivacySettings)))
	a.mux.Handle("GET /v1/me/consents", authed(http.HandlerFunc(a.listConsents)))
	a.mux.Handle("POST /v1/me/consents", authed(http.HandlerFunc(a.recordConsent)))
	a.mux.Handle("GET /v1/me/profile", authed(http.HandlerFunc(a.profile)))
	a.mux.Handle("PUT /v1/me/profile", authed(http.HandlerFunc(a.updateProfile)))
}

func (a *API) privacySummary(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	sum, err := a.privacy.Summary(r.Context(), acct.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (a *API) privacySettings(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	st, err := a.privacy.Settings(r.Context(), acct.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st.View())
}

func (a *API) updatePrivacySettings(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	var req privacySettingsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	changed, err := a.privacy.UpdateSettings(r.Context(), acct.ID, privacy.SettingsPatch{
		ProfilePublic:     req.ProfilePublic.ptr(),
		ShareUsage:        req.ShareUsage.ptr(),
		AdPersonalization: req.AdPersonalization.ptr(),
		ShowLastSeen:      req.ShowLastSeen.ptr(),
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	msg := "Privacy settings updated"
	if len(changed) == 0 {
		msg = "No changes"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message": msg, "changed": changed})
}

func (a *API) listConsents(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	list, err := a.privacy.Consents(r.Context(), acct.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []privacy.Consent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (a *API) recordConsent(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	var req consentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	c, err := a.privacy.RecordConsent(r.Context(), acct.ID, req.Item, req.Version, req.Action)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) profile(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	p, err := a.privacy.Profile(r.Context(), acct.ID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) updateProfile(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	var req profileRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	p, err := a.privacy.UpdateProfile(r.Context(), acct.ID, req.Phone)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
