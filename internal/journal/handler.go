package journal

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"

	"prrelay/pkg/relay"
)

// DeliveriesHandler lists journaled deliveries, newest first. Passing owner,
// repo and number together narrows the listing to one unit key.
type DeliveriesHandler struct {
	Store  *Store
	Logger *log.Logger
}

func (h *DeliveriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.Store == nil {
		http.Error(w, "journal not configured", http.StatusServiceUnavailable)
		return
	}

	owner := strings.TrimSpace(r.URL.Query().Get("owner"))
	repo := strings.TrimSpace(r.URL.Query().Get("repo"))
	number := strings.TrimSpace(r.URL.Query().Get("number"))

	var key *relay.PRKey
	if owner != "" || repo != "" || number != "" {
		if owner == "" || repo == "" || number == "" {
			http.Error(w, "owner, repo and number must be given together", http.StatusBadRequest)
			return
		}
		n, err := strconv.Atoi(number)
		if err != nil {
			http.Error(w, "number must be an integer", http.StatusBadRequest)
			return
		}
		key = &relay.PRKey{Owner: owner, Repo: repo, Number: n}
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "limit must be an integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	deliveries, err := h.Store.Recent(r.Context(), key, limit)
	if err != nil {
		http.Error(w, "list deliveries failed", http.StatusInternalServerError)
		if h.Logger != nil {
			h.Logger.Printf("list deliveries failed: %v", err)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(deliveries)
}
