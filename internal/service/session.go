package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/openclaw/assist-relay/internal/errors"
	"github.com/openclaw/assist-relay/internal/model"
	"github.com/openclaw/assist-relay/internal/repository"
)

const (
	sessionCodeChars     = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	sessionCodeDigits    = "23456789"
	defaultSessionExpiry = 60 * time.Minute
	maxSessionExpiry     = 24 * time.Hour
	maxCodeAttempts      = 10
)

type CreateSessionRequest struct {
	TechnicianID    string        `json:"technicianId,omitempty"`
	DeviceID        string        `json:"deviceId,omitempty"`
	Hostname        string        `json:"hostname,omitempty"`
	ExpiresIn       time.Duration `json:"-"`
	AutoCreated     bool          `json:"-"`
	AllowUnattended bool          `json:"allowUnattended,omitempty"`
}

// PresenceState is the persisted mirror of a session room.
type PresenceState struct {
	SourceConnected    bool
	ActiveTechnicians  int
	ViewingTechnicians int
}

// SessionService is the boundary to persisted session records. Callers get
// one Session shape; column availability is handled here.
type SessionService struct {
	sessionRepo repository.SessionRepository
	schema      *SchemaCapabilities
	now         func() time.Time
}

func NewSessionService(sessionRepo repository.SessionRepository, schema *SchemaCapabilities) *SessionService {
	if schema == nil {
		schema = NewSchemaCapabilities(nil)
	}
	return &SessionService{
		sessionRepo: sessionRepo,
		schema:      schema,
		now:         time.Now,
	}
}

func (s *SessionService) CreateSession(ctx context.Context, req CreateSessionRequest) (*model.Session, error) {
	expiresIn := req.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultSessionExpiry
	}
	if expiresIn > maxSessionExpiry {
		expiresIn = maxSessionExpiry
	}

	params := model.CreateSessionParams{
		TechnicianID:    optionalString(req.TechnicianID),
		DeviceID:        optionalString(req.DeviceID),
		Hostname:        optionalString(req.Hostname),
		AutoCreated:     req.AutoCreated,
		AllowUnattended: req.AllowUnattended,
		ExpiresAt:       s.now().Add(expiresIn),
	}

	var lastErr error
	for attempts := 0; attempts < maxCodeAttempts; attempts++ {
		params.ID = generateSessionCode()
		session, err := s.sessionRepo.Create(ctx, params)
		if err == nil {
			log.Info().
				Str("sessionId", session.ID).
				Bool("autoCreated", req.AutoCreated).
				Time("expiresAt", session.ExpiresAt).
				Msg("session created")
			return session, nil
		}
		if !isUniqueViolation(err) {
			return nil, apperrors.Database(fmt.Errorf("create session: %w", err))
		}
		lastErr = err
	}

	return nil, apperrors.Database(fmt.Errorf("create session: no free code after %d attempts: %w", maxCodeAttempts, lastErr))
}

func (s *SessionService) GetSession(ctx context.Context, id string) (*model.Session, error) {
	session, err := s.sessionRepo.FindByID(ctx, NormalizeSessionCode(id))
	if err != nil {
		return nil, apperrors.Database(fmt.Errorf("find session: %w", err))
	}
	return session, nil
}

// UpdateSession writes patch, omitting columns known to be missing. When the
// store rejects an optional column it is dropped and the write retried.
func (s *SessionService) UpdateSession(ctx context.Context, id string, patch model.SessionPatch) (*model.Session, error) {
	patch = s.schema.Filter(patch)

	for attempt := 1; ; attempt++ {
		if len(patch) == 0 {
			return s.GetSession(ctx, id)
		}

		session, err := s.sessionRepo.Update(ctx, id, patch)
		if err == nil {
			return session, nil
		}

		col, ok := undefinedColumn(err)
		if !ok {
			return nil, apperrors.Database(fmt.Errorf("update session: %w", err))
		}
		if attempt >= maxSchemaRetries || !s.schema.MarkUnsupported(col) {
			return nil, apperrors.SchemaMismatch(col, err)
		}

		log.Warn().
			Str("sessionId", id).
			Str("column", col).
			Int("attempt", attempt).
			Msg("session column missing, retrying without it")
		patch = patch.Without(col)
	}
}

func (s *SessionService) FindActiveByDeviceID(ctx context.Context, deviceID string) (*model.Session, error) {
	return s.sessionRepo.FindActiveByDeviceID(ctx, deviceID)
}

func (s *SessionService) FindByTechnician(ctx context.Context, technicianID string, limit, offset int) ([]model.Session, error) {
	return s.sessionRepo.FindByTechnician(ctx, technicianID, limit, offset)
}

func (s *SessionService) FindRecentAutoCreated(ctx context.Context, hostname string, window time.Duration) (*model.Session, error) {
	return s.sessionRepo.FindRecentAutoCreated(ctx, hostname, s.now().Add(-window))
}

// MarkStreamState mirrors a legacy stream binding onto the session record.
func (s *SessionService) MarkStreamState(ctx context.Context, id string, connected bool) error {
	patch := model.SessionPatch{model.ColHelperConnected: connected}
	if connected {
		patch[model.ColStatus] = model.SessionStatusConnected
		patch[model.ColConnectedAt] = s.now()
	} else {
		patch[model.ColStatus] = model.SessionStatusWaiting
	}
	_, err := s.UpdateSession(ctx, id, patch)
	return err
}

func (s *SessionService) SyncPresence(ctx context.Context, id string, state PresenceState) error {
	patch := model.SessionPatch{
		model.ColHelperConnected:    state.SourceConnected,
		model.ColActiveTechnicians:  state.ActiveTechnicians,
		model.ColViewingTechnicians: state.ViewingTechnicians,
	}
	if state.SourceConnected {
		patch[model.ColStatus] = model.SessionStatusConnected
	} else {
		patch[model.ColStatus] = model.SessionStatusWaiting
	}
	_, err := s.UpdateSession(ctx, id, patch)
	return err
}

func (s *SessionService) StartBilling(ctx context.Context, id string) error {
	return s.applyBilling(ctx, id, (*model.Session).BillingStart)
}

func (s *SessionService) StopBilling(ctx context.Context, id string) error {
	return s.applyBilling(ctx, id, (*model.Session).BillingStop)
}

func (s *SessionService) applyBilling(ctx context.Context, id string, fn func(*model.Session, time.Time) model.SessionPatch) error {
	if !s.schema.Supports(model.ColBillableStartedAt) {
		return nil
	}
	session, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.NotFound("Session")
	}
	patch := fn(session, s.now())
	if patch == nil {
		return nil
	}
	_, err = s.UpdateSession(ctx, id, patch)
	return err
}

// NormalizeSessionCode upper-cases and trims a user-typed session code.
func NormalizeSessionCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateSessionCode() string {
	return fmt.Sprintf("%s-%s-%s",
		randomFrom(sessionCodeChars, 3),
		randomFrom(sessionCodeDigits, 3),
		randomFrom(sessionCodeChars, 3),
	)
}

func randomFrom(alphabet string, n int) string {
	chars := []byte(alphabet)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		idx, _ := rand.Int(rand.Reader, big.NewInt(int64(len(chars))))
		out[i] = chars[idx.Int64()]
	}
	return string(out)
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
