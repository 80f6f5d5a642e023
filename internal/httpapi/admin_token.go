package httpapi

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	adminTokenFile = ".admin-token"
	bcryptCost     = 10
)

// hashForBcrypt pre-hashes a token with SHA-256 to stay within bcrypt's
// 72-byte limit.
func hashForBcrypt(token string) []byte {
	h := sha256.Sum256([]byte(token))
	return []byte(hex.EncodeToString(h[:]))
}

// AdminToken guards the /admin/v1 routes. Only the bcrypt hash of the active
// token is kept in memory; the plaintext is written once to the data
// directory so operators can retrieve a generated token.
type AdminToken struct {
	mu    sync.RWMutex
	hash  []byte
	dbDSN string
}

// NewAdminToken resolves the initial token with the following precedence:
//
//  1. Explicit config value
//  2. Token previously persisted next to the sqlite database
//  3. Newly generated random token
func NewAdminToken(configToken, dbDSN string, logger *slog.Logger) (*AdminToken, error) {
	a := &AdminToken{dbDSN: dbDSN}

	token := configToken
	if token == "" {
		token = a.readPersisted()
	}
	if token == "" {
		var err error
		if token, err = generateToken(); err != nil {
			return nil, err
		}
		logger.Warn("MODELROUTER_ADMIN_TOKEN not set, generated a token", slog.String("file", a.tokenPath()))
	}
	if err := a.set(token); err != nil {
		return nil, err
	}
	a.persist(token, logger)
	return a, nil
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (a *AdminToken) set(token string) error {
	hash, err := bcrypt.GenerateFromPassword(hashForBcrypt(token), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin token: %w", err)
	}
	a.mu.Lock()
	a.hash = hash
	a.mu.Unlock()
	return nil
}

// Verify reports whether provided matches the active token.
func (a *AdminToken) Verify(provided string) bool {
	if provided == "" {
		return false
	}
	a.mu.RLock()
	hash := a.hash
	a.mu.RUnlock()
	return bcrypt.CompareHashAndPassword(hash, hashForBcrypt(provided)) == nil
}

// Rotate replaces the active token with a fresh random one and returns it.
func (a *AdminToken) Rotate(logger *slog.Logger) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := a.set(token); err != nil {
		return "", err
	}
	a.persist(token, logger)
	return token, nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" admin
// token. A nil receiver leaves the routes open.
func (a *AdminToken) Middleware(next http.Handler) http.Handler {
	if a == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || !a.Verify(token) {
			clientIP := r.Header.Get("X-Real-IP")
			if clientIP == "" {
				clientIP = r.RemoteAddr
			}
			slog.Warn("admin auth failed", slog.String("ip", clientIP), slog.String("path", r.URL.Path))
			jsonError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// dataDir returns the directory derived from the DB DSN, or "" if not applicable.
func (a *AdminToken) dataDir() string {
	dsn := strings.TrimPrefix(a.dbDSN, "file:")
	if i := strings.IndexByte(dsn, '?'); i >= 0 {
		dsn = dsn[:i]
	}
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func (a *AdminToken) tokenPath() string {
	dir := a.dataDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, adminTokenFile)
}

func (a *AdminToken) readPersisted() string {
	path := a.tokenPath()
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (a *AdminToken) persist(token string, logger *slog.Logger) {
	path := a.tokenPath()
	if path == "" {
		return
	}
	if err := os.WriteFile(path, []byte(token+"\n"), 0600); err != nil {
		logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}
