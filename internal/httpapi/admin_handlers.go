package httpapi

import (
	"fmt"
	"net/http"

	"cmsgate.org/internal/audit"
	"cmsgate.org/internal/auth"
	"cmsgate.org/internal/ids"
)

type createUserRequest struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	Password string   `json:"password"`
	Status   string   `json:"status"`
	Roles    []string `json:"roles"`
}

type changeStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

type assignRoleRequest struct {
	Role string `json:"role"`
}

type rolePermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type userPermissionsResponse struct {
	UserID      string               `json:"user_id"`
	Roles       []auth.RoleKey       `json:"roles"`
	Permissions []auth.PermissionKey `json:"permissions"`
}

func (a *API) routeAdmin() {
	guard := func(h http.HandlerFunc, perms ...auth.PermissionKey) http.Handler {
		return chain(h, a.csrf.Protect, a.RequireAuth(), RequirePermission(perms...))
	}
	a.handle("POST /admin/users", guard(a.handleCreateUser, auth.PermUsersWrite))
	a.handle("GET /admin/users/{id}", guard(a.handleGetUser, auth.PermUsersRead))
	a.handle("GET /admin/users/{id}/permissions", guard(a.handleUserPermissions, auth.PermUsersRead))
	a.handle("GET /admin/users/{id}/status", guard(a.handleStatusHistory, auth.PermUsersRead))
	a.handle("POST /admin/users/{id}/status", guard(a.handleChangeStatus, auth.PermUsersWrite))
	a.handle("POST /admin/users/{id}/roles", guard(a.handleAssignRole, auth.PermRolesManage))
	a.handle("DELETE /admin/users/{id}/roles/{role}", guard(a.handleRemoveRole, auth.PermRolesManage))
	a.handle("POST /admin/users/{id}/logout", guard(a.handleForceLogout, auth.PermUsersWrite))
	a.handle("PUT /admin/roles/{role}/permissions", guard(a.handleSetRolePermissions, auth.PermRolesManage))
}

// pathUserID returns the {id} path value if it is a well-formed identifier.
func pathUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !ids.Valid(id) {
		writeError(w, r, http.StatusNotFound, "not_found", "user not found")
		return "", false
	}
	return id, true
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	roles := make([]auth.RoleKey, 0, len(req.Roles))
	for _, role := range req.Roles {
		roles = append(roles, auth.RoleKey(role))
	}
	user, err := a.admin.CreateUser(r.Context(), auth.NewUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Status:   auth.UserStatus(req.Status),
		Roles:    roles,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.created", map[string]any{
		"user_id": user.ID,
		"email":   user.Email,
		"roles":   req.Roles,
	})
	w.Header().Set("Location", fmt.Sprintf("/admin/users/%s", user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	user, err := a.admin.GetUser(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	roles, perms, err := a.admin.UserPermissions(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userPermissionsResponse{UserID: id, Roles: roles, Permissions: perms})
}

func (a *API) handleStatusHistory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	history, err := a.admin.StatusHistory(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "history": history})
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req changeStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	entry, err := a.admin.ChangeStatus(r.Context(), actorID, id, req.Status, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.status_changed", map[string]any{
		"user_id": id,
		"status":  entry.Status,
		"reason":  entry.Reason,
	})
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.admin.AssignRole(r.Context(), id, req.Role); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.role_assigned", map[string]any{
		"user_id": id,
		"role":    req.Role,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	role := r.PathValue("role")
	if err := a.admin.RemoveRole(r.Context(), id, role); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.role_removed", map[string]any{
		"user_id": id,
		"role":    role,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleForceLogout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUserID(w, r)
	if !ok {
		return
	}
	if err := a.admin.ForceLogout(r.Context(), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.user.logged_out", map[string]any{"user_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSetRolePermissions(w http.ResponseWriter, r *http.Request) {
	role := r.PathValue("role")
	var req rolePermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.admin.SetRolePermissions(r.Context(), role, req.Permissions); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "admin.role.permissions_updated", map[string]any{
		"role":        role,
		"permissions": req.Permissions,
	})
	w.WriteHeader(http.StatusNoContent)
}
