package handlers

import (
	"net/http"
	"net/mail"
	"strconv"

	"github.com/gluk-w/wagate/internal/auth"
	"github.com/gluk-w/wagate/internal/database"
	"github.com/gluk-w/wagate/internal/middleware"
	"github.com/go-chi/chi/v5"
)

func validRole(role string) bool {
	return role == "admin" || role == "user"
}

// validEmail accepts an empty address; owners without one get no billing mail.
func validEmail(addr string) bool {
	if addr == "" {
		return true
	}
	_, err := mail.ParseAddress(addr)
	return err == nil
}

func userIDParam(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "userId"))
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid user ID")
		return 0, false
	}
	return uint(id), true
}

func ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := database.ListUsers()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list users")
		return
	}

	result := make([]map[string]interface{}, 0, len(users))
	for i := range users {
		resp := userResponse(&users[i])
		resp["created_at"] = formatTimestamp(users[i].CreatedAt)
		result = append(result, resp)
	}
	writeJSON(w, http.StatusOK, result)
}

func CreateUser(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Name     string `json:"name"`
		Email    string `json:"email"`
		Role     string `json:"role"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Username == "" || body.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}
	if body.Role == "" {
		body.Role = "user"
	}
	if !validRole(body.Role) {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}
	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	user := &database.User{
		Username:     body.Username,
		Name:         body.Name,
		Email:        body.Email,
		PasswordHash: hash,
		Role:         body.Role,
	}
	if err := database.CreateUser(user); err != nil {
		writeError(w, http.StatusConflict, "Username already exists")
		return
	}
	writeJSON(w, http.StatusCreated, userResponse(user))
}

func UpdateUserProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validEmail(body.Email) {
		writeError(w, http.StatusBadRequest, "Invalid email address")
		return
	}
	if err := database.UpdateUserProfile(id, body.Name, body.Email); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update user")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	if current := middleware.GetUser(r); current != nil && current.ID == id {
		writeError(w, http.StatusBadRequest, "Cannot delete your own account")
		return
	}
	if err := database.DeleteUser(id); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to delete user")
		return
	}
	SessionStore.DeleteByUserID(id)
	w.WriteHeader(http.StatusNoContent)
}

func UpdateUserRole(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Role string `json:"role"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !validRole(body.Role) {
		writeError(w, http.StatusBadRequest, "Role must be 'admin' or 'user'")
		return
	}
	if current := middleware.GetUser(r); current != nil && current.ID == id && body.Role != "admin" {
		writeError(w, http.StatusBadRequest, "Cannot demote your own account")
		return
	}
	if err := database.UpdateUserRole(id, body.Role); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update role")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ResetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, ok := userIDParam(w, r)
	if !ok {
		return
	}
	var body struct {
		Password string `json:"password"`
	}
	if !decodeBody(r, &body) {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if body.Password == "" {
		writeError(w, http.StatusBadRequest, "Password is required")
		return
	}

	hash, err := auth.HashPassword(body.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to hash password")
		return
	}
	if err := database.UpdateUserPassword(id, hash); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to update password")
		return
	}
	SessionStore.DeleteByUserID(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
