package ledger

import (
	"encoding/json"
	"net/http"
)

// HTTPHandler exposes read-only ledger introspection over HTTP for
// operators running the ledger as its own process: recent messages and
// summaries for a user, used by dashboards and debugging tools rather than
// by the orchestrator (which goes through the Ledger facade in-process).
func (l *Ledger) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /users/{id}/messages", l.handleMessages)
	mux.HandleFunc("GET /users/{id}/summaries", l.handleSummaries)
	return mux
}

func (l *Ledger) handleMessages(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	msgs, err := l.Messages(r.Context(), userID, MessageFilter{})
	if err != nil {
		writeLedgerError(w, http.StatusInternalServerError, err)
		return
	}
	writeLedgerJSON(w, http.StatusOK, msgs)
}

func (l *Ledger) handleSummaries(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	summaries, err := l.Summaries(r.Context(), userID, SummaryFilter{})
	if err != nil {
		writeLedgerError(w, http.StatusInternalServerError, err)
		return
	}
	writeLedgerJSON(w, http.StatusOK, summaries)
}

func writeLedgerJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeLedgerError(w http.ResponseWriter, status int, err error) {
	writeLedgerJSON(w, status, map[string]string{"error": err.Error()})
}
