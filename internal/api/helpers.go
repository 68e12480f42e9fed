package api

import (
	"encoding/json"
	"net/http"
	"strings"
)

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// pathOwnerRepo reads the {user} and {repo} path values, writing a 400 when
// either is blank.
func pathOwnerRepo(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	owner := strings.TrimSpace(r.PathValue("user"))
	repo := strings.TrimSpace(r.PathValue("repo"))
	if owner == "" || repo == "" {
		jsonError(w, "user and repo are required", http.StatusBadRequest)
		return "", "", false
	}
	return owner, repo, true
}

func queryBool(r *http.Request, key string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(key))) {
	case "1", "true", "yes":
		return true
	default:
		return false
	}
}
