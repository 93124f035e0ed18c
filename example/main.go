package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/aadithya-v/sessionguard"
	"github.com/aadithya-v/sessionguard/store"
)

var (
	sessions *sessionguard.Manager
	provider = sessionguard.Provider{Type: "basic", Name: "basic"}
)

func main() {
	// Reads SESSION_* variables, optionally from a .env file.
	// SESSION_ENCRYPTION_KEY is required.
	cfg, err := sessionguard.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))

	// Option 1: Zero-config (SQLite)
	// Creates sessionguard.db automatically.

	// Option 2: Production config (Redis or MySQL)
	// Uncomment to use:
	/*
		redisStore, err := store.NewRedisFromConfig(store.RedisConfig{Addr: "localhost:6379"},
			store.WithMaxConcurrentSessions(3))
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		cfg.IndexStore = redisStore

		mysqlStore, err := store.NewMySQLFromDSN("user:password@tcp(localhost:3306)/sessions",
			store.WithMaxConcurrentSessions(3))
		if err != nil {
			log.Fatalf("Failed to connect to MySQL: %v", err)
		}
		cfg.IndexStore = mysqlStore
	*/

	sessions, err = sessionguard.New(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize session manager: %v", err)
	}
	defer sessions.Close()

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Post("/login", loginHandler)
	r.Post("/logout", logoutHandler)
	r.Get("/me", meHandler)
	r.Post("/state", stateHandler)
	r.Post("/admin/logout", adminLogoutHandler)

	fmt.Println("Session example server running on :8080")
	fmt.Println("Endpoints:")
	fmt.Println("  POST /login?username=xxx                  - Start a session")
	fmt.Println("  GET  /me                                  - Show and extend the current session")
	fmt.Println("  POST /state?value=xxx                     - Store state in the current session")
	fmt.Println("  POST /logout                              - End the current session")
	fmt.Println("  POST /admin/logout?username=xxx           - End every session of a user")

	log.Fatal(http.ListenAndServe(":8080", r))
}

func loginHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	// Drop any session the browser still carries.
	if _, err := sessions.Invalidate(w, r, sessionguard.MatchCurrent()); err != nil {
		http.Error(w, fmt.Sprintf("Failed to invalidate session: %v", err), http.StatusInternalServerError)
		return
	}

	v, err := sessions.Create(w, r, sessionguard.NewSession{
		Provider: provider,
		Username: username,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create session: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, sessionResponse(v))
}

func meHandler(w http.ResponseWriter, r *http.Request) {
	v, ok := currentSession(w, r)
	if !ok {
		return
	}

	extended, err := sessions.Extend(w, r, v)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to extend session: %v", err), http.StatusInternalServerError)
		return
	}
	if extended == nil {
		http.Error(w, "session was invalidated", http.StatusUnauthorized)
		return
	}

	writeJSON(w, sessionResponse(extended))
}

func stateHandler(w http.ResponseWriter, r *http.Request) {
	v, ok := currentSession(w, r)
	if !ok {
		return
	}

	state, err := json.Marshal(map[string]string{"value": r.URL.Query().Get("value")})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	v.State = state

	updated, err := sessions.Update(w, r, v)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to update session: %v", err), http.StatusInternalServerError)
		return
	}
	if updated == nil {
		http.Error(w, "session was invalidated", http.StatusUnauthorized)
		return
	}

	writeJSON(w, sessionResponse(updated))
}

func logoutHandler(w http.ResponseWriter, r *http.Request) {
	n, err := sessions.Invalidate(w, r, sessionguard.MatchCurrent())
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to invalidate session: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"success":     true,
		"invalidated": n,
	})
}

func adminLogoutHandler(w http.ResponseWriter, r *http.Request) {
	username := r.URL.Query().Get("username")
	if username == "" {
		http.Error(w, "username required", http.StatusBadRequest)
		return
	}

	query := store.ProviderQuery{Type: provider.Type, Name: provider.Name}
	n, err := sessions.Invalidate(w, r, sessionguard.MatchQuery(query, username))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to invalidate sessions: %v", err), http.StatusInternalServerError)
		return
	}

	writeJSON(w, map[string]any{
		"success":     true,
		"invalidated": n,
	})
}

// currentSession writes an error response and returns false when the request
// has no valid session.
func currentSession(w http.ResponseWriter, r *http.Request) (*sessionguard.SessionValue, bool) {
	v, err := sessions.Get(w, r)
	switch {
	case err == nil:
		return v, true
	case errors.Is(err, sessionguard.ErrSessionMissing),
		errors.Is(err, sessionguard.ErrSessionExpired),
		errors.Is(err, sessionguard.ErrSessionUnexpected):
		http.Error(w, "not authenticated", http.StatusUnauthorized)
	default:
		http.Error(w, fmt.Sprintf("Failed to read session: %v", err), http.StatusInternalServerError)
	}
	return nil, false
}

func sessionResponse(v *sessionguard.SessionValue) map[string]any {
	return map[string]any{
		"username":                v.Username,
		"provider":                v.Provider,
		"created_at":              v.CreatedAt,
		"idle_timeout_expiration": v.IdleTimeoutExpiration,
		"lifespan_expiration":     v.LifespanExpiration,
		"state":                   v.State,
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
