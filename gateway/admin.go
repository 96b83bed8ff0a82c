package gateway

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/edgeberry/devicehub/core"
	"github.com/edgeberry/devicehub/core/access"
)

// adminRoutes wires the admin surface. Everything but the login itself
// requires an admin session token.
func (g *Gateway) adminRoutes(router *mux.Router) {
	router.HandleFunc("/admin/login", g.adminLogin).Methods(http.MethodOptions, http.MethodPost)

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(access.AdminRequired)
	admin.HandleFunc("/ca", g.caInfo).Methods(http.MethodOptions, http.MethodGet)
	admin.HandleFunc("/whitelist", g.listWhitelist).Methods(http.MethodOptions, http.MethodGet)
	admin.HandleFunc("/whitelist", g.addWhitelist).Methods(http.MethodPost)
	admin.HandleFunc("/whitelist/{uuid}", g.getWhitelist).Methods(http.MethodOptions, http.MethodGet)
	admin.HandleFunc("/whitelist/{uuid}", g.removeWhitelist).Methods(http.MethodDelete)
	admin.HandleFunc("/tokens", g.listTokens).Methods(http.MethodOptions, http.MethodGet)
	admin.HandleFunc("/tokens", g.createToken).Methods(http.MethodPost)
	admin.HandleFunc("/tokens/{id}", g.revokeToken).Methods(http.MethodDelete)
}

func (g *Gateway) caInfo(w http.ResponseWriter, r *http.Request) {
	info, err := g.bus.Certificate().Info(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (g *Gateway) listWhitelist(w http.ResponseWriter, r *http.Request) {
	entries, err := g.bus.Whitelist().List(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (g *Gateway) addWhitelist(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UUID string `json:"uuid"`
		Note string `json:"note"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	entry, err := g.bus.Whitelist().Add(r.Context(), body.UUID, body.Note)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (g *Gateway) getWhitelist(w http.ResponseWriter, r *http.Request) {
	entry, err := g.bus.Whitelist().Get(r.Context(), mux.Vars(r)["uuid"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (g *Gateway) removeWhitelist(w http.ResponseWriter, r *http.Request) {
	if err := g.bus.Whitelist().Remove(r.Context(), mux.Vars(r)["uuid"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := g.store.ListTokens(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

// createToken mints a bearer token. The response is the only place the
// secret ever appears.
func (g *Gateway) createToken(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name      string     `json:"name"`
		Scopes    []string   `json:"scopes"`
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := readBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	token, err := g.store.CreateToken(r.Context(), body.Name, body.Scopes, body.ExpiresAt)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, token)
}

func (g *Gateway) revokeToken(w http.ResponseWriter, r *http.Request) {
	tokenID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, core.Errorf(core.CodeBadRequest, "invalid token id %q", mux.Vars(r)["id"]))
		return
	}
	if err := g.store.RevokeToken(r.Context(), tokenID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
