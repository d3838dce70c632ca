// Package token implements warden's phase tokens: signed, short-lived
// capabilities binding an agent to a (task, phase) pair and an explicit
// tool allow-list.
package token

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	wardenerrors "github.com/wardenlabs/warden/internal/errors"
)

// Claims are the signed contents of a phase token.
type Claims struct {
	TaskID       string    `json:"task_id"`
	Phase        string    `json:"phase"`
	AllowedTools []string  `json:"allowed_tools"`
	ExpiresAt    time.Time `json:"exp"`
}

// Service issues and verifies phase tokens. It is stateless and lock-free
// after construction; tokens are never persisted.
type Service struct {
	secret []byte
	expiry time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Used in tests to exercise expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// NewService creates a token service. The secret must be non-empty; warden
// treats a missing ORCHESTRATOR_JWT_SECRET as a fatal startup error.
func NewService(secret string, expiry time.Duration, logger *slog.Logger, opts ...Option) (*Service, error) {
	if secret == "" {
		return nil, wardenerrors.ErrSecretMissing()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		secret: []byte(secret),
		expiry: expiry,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a new phase token for (taskID, phase) carrying allowedTools.
func (s *Service) Issue(taskID, phase string, allowedTools []string) (string, error) {
	expiresAt := s.now().Add(s.expiry)
	claims := jwt.MapClaims{
		"task_id":       taskID,
		"phase":         phase,
		"allowed_tools": allowedTools,
		"exp":           expiresAt.Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign phase token: %w", err)
	}
	return signed, nil
}

// Decode parses and signature-checks a token, returning its claims.
// Expiry is enforced by the parser.
func (s *Service) Decode(raw string) (*Claims, error) {
	parsed, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, err
	}

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	taskID, _ := mapClaims["task_id"].(string)
	phase, _ := mapClaims["phase"].(string)
	expValue, _ := mapClaims["exp"].(float64)

	var tools []string
	if rawTools, ok := mapClaims["allowed_tools"].([]any); ok {
		for _, rt := range rawTools {
			if tool, ok := rt.(string); ok {
				tools = append(tools, tool)
			}
		}
	}

	return &Claims{
		TaskID:       taskID,
		Phase:        phase,
		AllowedTools: tools,
		ExpiresAt:    time.Unix(int64(expValue), 0),
	}, nil
}

// Verify reports whether raw is a valid token for (taskID, phase).
// Every failure mode collapses to false; the specific reason is logged but
// never surfaced, so clients cannot use verification as an oracle.
func (s *Service) Verify(raw, taskID, phase string) bool {
	claims, err := s.Decode(raw)
	if err != nil {
		s.logger.Debug("phase token rejected", "task", taskID, "reason", err)
		return false
	}
	if claims.TaskID != taskID {
		s.logger.Debug("phase token rejected", "task", taskID, "reason", "task mismatch")
		return false
	}
	if claims.Phase != phase {
		s.logger.Debug("phase token rejected", "task", taskID, "reason", "phase mismatch")
		return false
	}
	if s.now().After(claims.ExpiresAt) {
		s.logger.Debug("phase token rejected", "task", taskID, "reason", "expired")
		return false
	}
	return true
}
