package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"agentqueue/internal/model"
	"agentqueue/internal/store"

	"golang.org/x/crypto/bcrypt"
)

type registerRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type loginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

type authResponse struct {
	Token   string        `json:"token"`
	Account model.Account `json:"account"`
}

type createKeyRequest struct {
	AgentName string `json:"agent_name"`
	CanRead   *bool  `json:"can_read"`
	CanWrite  *bool  `json:"can_write"`
}

type createKeyResponse struct {
	// Key is the plaintext secret, shown exactly once at mint time. Only its
	// hash is stored.
	Key    string       `json:"key"`
	APIKey model.APIKey `json:"api_key"`
}

var accountNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{3,30}$`)

func hashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func newAPIKeySecret() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "aq_" + hex.EncodeToString(b), nil
}

func validatePassword(pw string) string {
	if len(pw) < 6 {
		return "password must be at least 6 characters"
	}
	hasUpper := false
	hasSpecial := false
	for _, r := range pw {
		if unicode.IsUpper(r) {
			hasUpper = true
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			hasSpecial = true
		}
	}
	if !hasUpper {
		return "password must contain at least one uppercase letter"
	}
	if !hasSpecial {
		return "password must contain at least one special character"
	}
	return ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	if !accountNameRegex.MatchString(req.Name) {
		writeError(w, http.StatusBadRequest, "invalid_name", "account name must be 3-30 characters (letters, numbers, _, -)")
		return
	}
	if msg := validatePassword(req.Password); msg != "" {
		writeError(w, http.StatusBadRequest, "invalid_password", msg)
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to hash password")
		return
	}

	acct, err := s.store.CreateAccount(r.Context(), model.Account{
		Name:         req.Name,
		PasswordHash: string(hash),
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "name_taken", "account name already registered")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to create account")
		return
	}

	token, err := generateJWT(acct.ID, acct.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}
	writeData(w, http.StatusCreated, authResponse{Token: token, Account: acct})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return
	}

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
		return
	}

	acct, err := s.store.GetAccountByName(r.Context(), strings.TrimSpace(req.Name))
	if err != nil {
		// Same answer for a wrong name and a wrong password.
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "wrong name or password")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(req.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "wrong name or password")
		return
	}

	token, err := generateJWT(acct.ID, acct.Name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "failed to issue token")
		return
	}
	writeData(w, http.StatusOK, authResponse{Token: token, Account: *acct})
}

func (s *Server) handleKeys(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())

	switch r.Method {
	case http.MethodGet:
		keys, err := s.store.ListAPIKeys(r.Context(), p.TenantID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to list keys")
			return
		}
		writeData(w, http.StatusOK, keys)

	case http.MethodPost:
		var req createKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_json", "invalid json")
			return
		}

		secret, err := newAPIKeySecret()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to mint key")
			return
		}

		canRead, canWrite := true, true
		if req.CanRead != nil {
			canRead = *req.CanRead
		}
		if req.CanWrite != nil {
			canWrite = *req.CanWrite
		}

		key, err := s.store.CreateAPIKey(r.Context(), model.APIKey{
			TenantID:  p.TenantID,
			AgentName: strings.TrimSpace(req.AgentName),
			KeyHash:   hashAPIKey(secret),
			CanRead:   canRead,
			CanWrite:  canWrite,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "failed to store key")
			return
		}
		writeData(w, http.StatusCreated, createKeyResponse{Key: secret, APIKey: key})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	}
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "DELETE only")
		return
	}
	p := principalFromContext(r.Context())

	if err := s.store.RevokeAPIKey(r.Context(), p.TenantID, r.PathValue("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "failed to revoke key")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"revoked": true})
}
