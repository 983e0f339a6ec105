package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aegisgate/backend/internal/policy"
	"github.com/aegisgate/backend/internal/security"
	"github.com/aegisgate/backend/internal/store"
)

// --- Agent registration ---

type createAgentRequest struct {
	Name      string `json:"name"`
	Role      string `json:"role"`
	CreatedBy string `json:"created_by"`
}

type createAgentResponse struct {
	AgentID    string `json:"agent_id"`
	Name       string `json:"name"`
	Role       string `json:"role"`
	PrivateKey string `json:"private_key"`
}

// handleCreateAgent registers an agent: validate, generate its keypair,
// persist the public half, return the private half exactly once. The
// gateway never stores the private key.
func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r.Context())

	var req createAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "invalid JSON body", cid, nil)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, KindValidationError, "name is required", cid, nil)
		return
	}
	if req.Role == "" {
		req.Role = "agent"
	}

	keys, err := security.GenerateKeyPair()
	if err != nil {
		s.logger.Printf("keypair generation failed: %v", err)
		writeError(w, KindInternal, "key generation failed", cid, nil)
		return
	}

	now := time.Now()
	agent := &store.Agent{
		ID:           uuid.NewString(),
		Name:         req.Name,
		Role:         req.Role,
		Status:       store.AgentActive,
		PublicKeyPEM: keys.PublicPEM,
		CreatedBy:    req.CreatedBy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateAgent(r.Context(), agent); err != nil {
		s.logger.Printf("create agent failed: %v", err)
		writeError(w, KindInternal, "persist failed", cid, nil)
		return
	}

	writeJSON(w, http.StatusCreated, createAgentResponse{
		AgentID:    agent.ID,
		Name:       agent.Name,
		Role:       agent.Role,
		PrivateKey: keys.PrivatePEM,
	})
}

// --- Token issuance ---

type generateTokenRequest struct {
	AgentID     string   `json:"agent_id"`
	Tools       []string `json:"tools"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at"` // RFC 3339
}

type generateTokenResponse struct {
	Token     string    `json:"token"`
	AgentID   string    `json:"agent_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s *Server) handleGenerateToken(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r.Context())

	var req generateTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "invalid JSON body", cid, nil)
		return
	}
	if req.AgentID == "" {
		writeError(w, KindValidationError, "agent_id is required", cid, nil)
		return
	}
	if len(req.Tools) == 0 {
		writeError(w, KindValidationError, "tools must be non-empty", cid, nil)
		return
	}
	expiresAt, err := time.Parse(time.RFC3339, req.ExpiresAt)
	if err != nil {
		writeError(w, KindValidationError, "expires_at must be RFC 3339", cid, nil)
		return
	}

	agent, err := s.store.GetAgent(r.Context(), req.AgentID)
	if err != nil {
		if err == store.ErrNotFound {
			writeError(w, KindUnknownAgent, "agent not found", cid, nil)
			return
		}
		writeError(w, KindInternal, "store error", cid, nil)
		return
	}
	if agent.Status != store.AgentActive {
		writeError(w, KindDisabled, "agent is disabled", cid, nil)
		return
	}

	if req.Permissions == nil {
		req.Permissions = []string{}
	}
	token, payload, err := s.tokens.Issue(agent.ID, agent.Name, req.Tools, req.Permissions, expiresAt)
	if err != nil {
		writeError(w, KindValidationError, err.Error(), cid, nil)
		return
	}

	s.metrics.TokenGenerations.WithLabelValues(agent.ID).Inc()
	writeJSON(w, http.StatusCreated, generateTokenResponse{
		Token:     token,
		AgentID:   agent.ID,
		ExpiresAt: payload.ExpiresAt,
	})
}

// --- Token revocation ---

type revokeTokenRequest struct {
	Token string `json:"token"`
}

// handleRevokeToken validates the presented token and blacklists its
// nonce. Already-expired tokens are accepted: revoking them is a no-op
// that still reports success.
func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r.Context())

	var req revokeTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, KindBadRequest, "token is required", cid, nil)
		return
	}

	payload, err := s.tokens.Validate(req.Token)
	switch err {
	case nil, security.ErrTokenRevoked:
	case security.ErrTokenExpired:
		writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true, "note": "token already expired"})
		return
	default:
		writeError(w, KindInvalidToken, "token did not validate", cid, nil)
		return
	}

	if payload != nil {
		s.tokens.Revoke(payload.Nonce)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"revoked": true})
}

// --- Policy attachment ---

type attachPolicyRequest struct {
	AgentID string      `json:"agent_id"`
	Name    string      `json:"name"`
	Spec    policy.Spec `json:"spec"`
}

func (s *Server) handleAttachPolicy(w http.ResponseWriter, r *http.Request) {
	cid := correlationID(r.Context())

	var req attachPolicyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, KindBadRequest, "invalid JSON body", cid, nil)
		return
	}
	if req.AgentID == "" || req.Name == "" {
		writeError(w, KindValidationError, "agent_id and name are required", cid, nil)
		return
	}
	if len(req.Spec.Scopes) == 0 {
		writeError(w, KindValidationError, "spec.scopes must be non-empty", cid, nil)
		return
	}

	if _, err := s.store.GetAgent(r.Context(), req.AgentID); err != nil {
		if err == store.ErrNotFound {
			writeError(w, KindUnknownAgent, "agent not found", cid, nil)
			return
		}
		writeError(w, KindInternal, "store error", cid, nil)
		return
	}

	p, err := s.policies.Attach(r.Context(), req.AgentID, req.Name, req.Spec)
	if err != nil {
		s.logger.Printf("attach policy failed: %v", err)
		writeError(w, KindInternal, "persist failed", cid, nil)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}
