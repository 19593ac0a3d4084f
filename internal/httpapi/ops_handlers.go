package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/lukasbauer/callcore/internal/llm"
)

// withAdmin requires "Authorization: Bearer <ADMIN_TOKEN>".
func (r *Router) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.cfg.AdminToken == "" {
			http.Error(w, `{"error": "admin api disabled"}`, http.StatusForbidden)
			return
		}
		parts := strings.SplitN(req.Header.Get("Authorization"), " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			http.Error(w, `{"error": "missing authorization header"}`, http.StatusUnauthorized)
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(r.cfg.AdminToken)) != 1 {
			http.Error(w, `{"error": "invalid token"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, req)
	}
}

func (r *Router) handleListBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": r.deps.Breakers.AllStats(),
	})
}

func (r *Router) handleOpenBreaker(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	r.deps.Breakers.Open(key)
	r.logger.Printf("ops: breaker %s forced open", key)
	writeJSON(w, http.StatusOK, r.deps.Breakers.Stats(key))
}

func (r *Router) handleCloseBreaker(w http.ResponseWriter, req *http.Request) {
	key := req.PathValue("key")
	r.deps.Breakers.Close(key)
	r.logger.Printf("ops: breaker %s closed", key)
	writeJSON(w, http.StatusOK, r.deps.Breakers.Stats(key))
}

type chatRequest struct {
	Provider    string        `json:"provider"`
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Prompt      string        `json:"prompt"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

// handleChat runs one non-streaming generation through the gateway.
func (r *Router) handleChat(w http.ResponseWriter, req *http.Request) {
	var body chatRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, `{"error": "invalid JSON"}`, http.StatusBadRequest)
		return
	}
	messages := body.Messages
	if body.Prompt != "" {
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: body.Prompt})
	}
	if len(messages) == 0 {
		http.Error(w, `{"error": "messages or prompt required"}`, http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(req.Context(), 60*time.Second)
	defer cancel()
	resp, err := r.deps.Gateway.Chat(ctx, llm.Request{
		Provider: body.Provider,
		Model:    body.Model,
		Messages: messages,
		Options:  llm.Options{Temperature: body.Temperature, MaxTokens: body.MaxTokens},
	})
	if err != nil {
		r.logger.Printf("ops: chat failed: %v", err)
		status := http.StatusBadGateway
		var lerr *llm.Error
		if errors.As(err, &lerr) && lerr.StatusCode == http.StatusTooManyRequests {
			status = http.StatusTooManyRequests
		}
		writeJSON(w, status, map[string]any{
			"error":     err.Error(),
			"retryable": llm.IsRetryable(err),
		})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type providerInfo struct {
	Name       string   `json:"name"`
	Primary    bool     `json:"primary"`
	Configured bool     `json:"configured"`
	Models     []string `json:"models"`
}

func (r *Router) handleListProviders(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 10*time.Second)
	defer cancel()

	primary := r.deps.Gateway.Primary()
	out := []providerInfo{}
	for _, name := range r.deps.Gateway.Providers() {
		c, ok := r.deps.Gateway.Client(name)
		if !ok {
			continue
		}
		models := c.ListModels(ctx)
		if models == nil {
			models = []string{}
		}
		out = append(out, providerInfo{
			Name:       name,
			Primary:    name == primary,
			Configured: c.Configured(),
			Models:     models,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": out})
}

func (r *Router) handleListVoices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"voices": r.deps.Voices.List()})
}

func (r *Router) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	streams := r.deps.Streams.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"draining": r.deps.Streams.IsDraining(),
		"count":    len(streams),
		"streams":  streams,
	})
}

func (r *Router) handleCallEvents(w http.ResponseWriter, req *http.Request) {
	callID := req.PathValue("callId")
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	events, err := r.deps.Events.List(req.Context(), callID, limit)
	if err != nil {
		r.logger.Printf("ops: failed to list events for %s: %v", callID, err)
		captureError(req, err, "ops: list call events")
		http.Error(w, `{"error": "failed to list events"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"call_id": callID, "events": events})
}
