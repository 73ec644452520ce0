package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"custodian.org/internal/audit"
	"custodian.org/internal/auth"
)

const maxActivityLimit = 200

type activityResponse struct {
	Items  []audit.Revealed `json:"items"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type changeRoleRequest struct {
	Role          string `json:"role"`
	Justification string `json:"justification"`
}

func (a *API) myActivity(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	f, err := parseActivityFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.SubjectID = acct.ID
	a.writeActivity(w, r, a.activity, f)
}

func (a *API) verifyMyActivity(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	a.writeVerification(w, r, a.activity, acct.ID)
}

func (a *API) adminActivity(w http.ResponseWriter, r *http.Request) {
	subject, err := a.adminSubject(r.Context(), r.URL.Query())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	f, err := parseActivityFilter(r.URL.Query())
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	f.SubjectID = subject
	a.writeActivity(w, r, a.admin, f)
}

func (a *API) verifyAdminActivity(w http.ResponseWriter, r *http.Request) {
	subject, err := a.adminSubject(r.Context(), r.URL.Query())
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.writeVerification(w, r, a.admin, subject)
}

// adminSubject picks the chain to read: admin_id, then email, then the caller's own.
func (a *API) adminSubject(ctx context.Context, q url.Values) (string, error) {
	if id := strings.TrimSpace(q.Get("admin_id")); id != "" {
		return id, nil
	}
	if email := strings.TrimSpace(q.Get("email")); email != "" {
		acct, err := a.svc.AccountByEmail(ctx, email)
		if err != nil {
			return "", err
		}
		return acct.ID, nil
	}
	caller, _ := auth.AccountFromContext(ctx)
	return caller.ID, nil
}

func (a *API) writeActivity(w http.ResponseWriter, r *http.Request, chain *audit.Chain, f audit.Filter) {
	page, err := chain.Query(r.Context(), f)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	items, err := chain.RevealAll(page.Entries)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []audit.Revealed{}
	}
	writeJSON(w, http.StatusOK, activityResponse{Items: items, Total: page.Total, Limit: f.Limit, Offset: f.Offset})
}

func (a *API) writeVerification(w http.ResponseWriter, r *http.Request, chain *audit.Chain, subject string) {
	report, err := chain.Verify(r.Context(), subject)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.AccountFromContext(r.Context())
	accounts, err := a.svc.ListAccounts(r.Context(), caller)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	items := make([]auth.Summary, 0, len(accounts))
	for _, acct := range accounts {
		items = append(items, acct.Summary())
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) changeRole(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.AccountFromContext(r.Context())
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := a.svc.ChangeRole(r.Context(), caller, r.PathValue("id"), req.Role, req.Justification)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated.Summary())
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.AccountFromContext(r.Context())
	st, err := a.svc.Stats(r.Context(), caller)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// parseActivityFilter reads listing parameters. Results default to newest first.
func parseActivityFilter(q url.Values) (audit.Filter, error) {
	f := audit.Filter{
		Action:     q.Get("action"),
		TargetType: q.Get("target_type"),
		TargetID:   q.Get("target_id"),
		SortBy:     audit.SortField(q.Get("sort")),
		Descending: true,
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		f.Descending = false
	default:
		return f, fmt.Errorf("order must be asc or desc")
	}
	var err error
	if f.Limit, err = parsePositiveInt(q.Get("limit"), audit.DefaultQueryLimit, 1, maxActivityLimit); err != nil {
		return f, err
	}
	if f.Offset, err = parsePositiveInt(q.Get("offset"), 0, 0, 1<<30); err != nil {
		return f, err
	}
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, err
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, err
	}
	return f, nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%q is not an integer", raw)
	}
	if val < min || val > max {
		return 0, fmt.Errorf("value must be between %d and %d", min, max)
	}
	return val, nil
}

func parseTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("time must be RFC3339: %q", raw)
	}
	return t.UTC(), nil
}
