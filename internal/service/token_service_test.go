package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"authcore/internal/entity"
	"authcore/internal/repository"
	"authcore/internal/utils"

	"github.com/google/uuid"
)

type memSessionRepo struct {
	mu    sync.Mutex
	byTID map[uuid.UUID]*entity.Session
}

func newMemSessionRepo() *memSessionRepo {
	return &memSessionRepo{byTID: make(map[uuid.UUID]*entity.Session)}
}

func (r *memSessionRepo) Create(ctx context.Context, s *entity.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	copied := *s
	r.byTID[s.TokenID] = &copied
	return nil
}

func (r *memSessionRepo) FindByCredentialHash(ctx context.Context, hash string, userID uuid.UUID, familyID uuid.UUID, tokenID uuid.UUID) (*entity.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTID[tokenID]
	if !ok || s.CredentialHash != hash || s.UserID != userID || s.FamilyID != familyID {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

func (r *memSessionRepo) TransitionToConsumed(ctx context.Context, tokenID uuid.UUID, successorHash string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTID[tokenID]
	if !ok || s.State != entity.SessionActive {
		return repository.ErrStaleTransition
	}
	s.State = entity.SessionConsumed
	s.ConsumedAt = &at
	s.SuccessorHash = &successorHash
	return nil
}

func (r *memSessionRepo) RevokeByTokenID(ctx context.Context, tokenID uuid.UUID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.byTID[tokenID]; ok && s.State == entity.SessionActive {
		s.State = entity.SessionRevoked
		s.RevokedAt = &at
		s.RevokedReason = &reason
	}
	return nil
}

func (r *memSessionRepo) RevokeAllActiveForUser(ctx context.Context, userID uuid.UUID, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byTID {
		if s.UserID == userID && s.State == entity.SessionActive {
			s.State = entity.SessionRevoked
			s.RevokedAt = &at
			s.RevokedReason = &reason
		}
	}
	return nil
}

func (r *memSessionRepo) RevokeActiveForDevice(ctx context.Context, userID uuid.UUID, deviceID string, reason string, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var revoked int64
	for _, s := range r.byTID {
		if s.UserID == userID && s.DeviceID == deviceID && s.State == entity.SessionActive {
			s.State = entity.SessionRevoked
			s.RevokedAt = &at
			s.RevokedReason = &reason
			revoked++
		}
	}
	return revoked, nil
}

func (r *memSessionRepo) CleanupExpired(ctx context.Context, before time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tid, s := range r.byTID {
		if s.ExpiresAt.Before(before) {
			delete(r.byTID, tid)
		}
	}
	return nil
}

func (r *memSessionRepo) snapshot(tokenID uuid.UUID) *entity.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byTID[tokenID]
	if !ok {
		return nil
	}
	copied := *s
	return &copied
}

func (r *memSessionRepo) activeFor(userID uuid.UUID) []*entity.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entity.Session
	for _, s := range r.byTID {
		if s.UserID == userID && s.State == entity.SessionActive {
			copied := *s
			out = append(out, &copied)
		}
	}
	return out
}

type memUserRepo struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*entity.User
}

func newMemUserRepo() *memUserRepo {
	return &memUserRepo{byID: make(map[uuid.UUID]*entity.User)}
}

func (r *memUserRepo) Create(ctx context.Context, u *entity.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	r.byID[u.ID] = u
	return nil
}

func (r *memUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id], nil
}

func (r *memUserRepo) FindByEmail(ctx context.Context, email string) (*entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byID {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) List(ctx context.Context, limit, offset int) ([]entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var users []entity.User
	for _, u := range r.byID {
		users = append(users, *u)
	}
	return users, nil
}

type memSecurityLogRepo struct {
	mu   sync.Mutex
	logs []entity.SecurityLog
}

func (r *memSecurityLogRepo) Log(ctx context.Context, log *entity.SecurityLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, *log)
	return nil
}

func (r *memSecurityLogRepo) actions() []entity.SecurityAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []entity.SecurityAction
	for _, l := range r.logs {
		out = append(out, l.Action)
	}
	return out
}

func (r *memSecurityLogRepo) count(action entity.SecurityAction) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, l := range r.logs {
		if l.Action == action {
			n++
		}
	}
	return n
}

type recordingAlertSender struct {
	mu     sync.Mutex
	alerts []string
}

func (s *recordingAlertSender) SendSessionsRevokedAlert(ctx context.Context, email string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, reason)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type tokenFixture struct {
	svc      *TokenService
	sessions *memSessionRepo
	users    *memUserRepo
	logs     *memSecurityLogRepo
	alerts   *recordingAlertSender
	signer   *utils.TokenSigner
	clock    *fakeClock
	user     *entity.User
}

func newTokenFixture(t *testing.T) *tokenFixture {
	t.Helper()
	signer, err := utils.NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"), "test", 15*time.Minute, 7*24*time.Hour)
	if err != nil {
		t.Fatalf("NewTokenSigner: %v", err)
	}
	sessions := newMemSessionRepo()
	users := newMemUserRepo()
	logs := &memSecurityLogRepo{}
	alerts := &recordingAlertSender{}
	clock := &fakeClock{t: time.Now()}

	user := &entity.User{Email: "alice@example.com", Role: entity.UserRoleUser, IsActive: true}
	if err := users.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}

	return &tokenFixture{
		svc:      NewTokenService(sessions, users, logs, alerts, signer, clock),
		sessions: sessions,
		users:    users,
		logs:     logs,
		alerts:   alerts,
		signer:   signer,
		clock:    clock,
		user:     user,
	}
}

func (f *tokenFixture) tokenID(t *testing.T, refreshToken string) uuid.UUID {
	t.Helper()
	claims, err := f.signer.ParseRefreshToken(refreshToken)
	if err != nil {
		t.Fatalf("ParseRefreshToken: %v", err)
	}
	id, err := uuid.Parse(claims.ID)
	if err != nil {
		t.Fatalf("parse token id: %v", err)
	}
	return id
}

func TestStartSessionEvictsSameDevice(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	first, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("first StartSession: %v", err)
	}
	second, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("second StartSession: %v", err)
	}

	old := f.sessions.snapshot(f.tokenID(t, first.RefreshToken))
	if old.State != entity.SessionRevoked {
		t.Fatalf("old link state = %s, want revoked", old.State)
	}
	if old.RevokedReason == nil || *old.RevokedReason != entity.ReasonDeviceRelogin {
		t.Fatalf("old link reason = %v, want %q", old.RevokedReason, entity.ReasonDeviceRelogin)
	}

	active := f.sessions.activeFor(f.user.ID)
	if len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
	if active[0].TokenID != f.tokenID(t, second.RefreshToken) {
		t.Fatal("surviving active link is not the newest login")
	}
	if f.logs.count(entity.DeviceEvicted) != 1 {
		t.Fatalf("device_evicted logs = %d, want 1", f.logs.count(entity.DeviceEvicted))
	}
}

func TestStartSessionLeavesOtherDevicesAlone(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop"); err != nil {
		t.Fatalf("laptop login: %v", err)
	}
	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "phone"); err != nil {
		t.Fatalf("phone login: %v", err)
	}

	if active := f.sessions.activeFor(f.user.ID); len(active) != 2 {
		t.Fatalf("active sessions = %d, want 2", len(active))
	}
	if f.logs.count(entity.DeviceEvicted) != 0 {
		t.Fatal("a fresh device must not record an eviction")
	}
}

func TestStartSessionGeneratesDeviceID(t *testing.T) {
	f := newTokenFixture(t)

	pair, err := f.svc.StartSession(context.Background(), f.user.ID, f.user.Role, "")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if pair.DeviceID == "" {
		t.Fatal("expected a generated device id")
	}
	if _, err := uuid.Parse(pair.DeviceID); err != nil {
		t.Fatalf("device id %q is not a uuid: %v", pair.DeviceID, err)
	}
}

func TestRotateLinksChain(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	login, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	rotated, err := f.svc.Rotate(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	oldLink := f.sessions.snapshot(f.tokenID(t, login.RefreshToken))
	newLink := f.sessions.snapshot(f.tokenID(t, rotated.RefreshToken))
	if oldLink == nil || newLink == nil {
		t.Fatal("missing ledger rows after rotation")
	}

	if oldLink.State != entity.SessionConsumed {
		t.Fatalf("old link state = %s, want consumed", oldLink.State)
	}
	if oldLink.ConsumedAt == nil {
		t.Fatal("old link missing consumedAt")
	}
	if oldLink.SuccessorHash == nil || *oldLink.SuccessorHash != newLink.CredentialHash {
		t.Fatal("old link successor hash does not match new link")
	}
	if newLink.ParentHash == nil || *newLink.ParentHash != oldLink.CredentialHash {
		t.Fatal("new link parent hash does not match old link")
	}
	if newLink.FamilyID != oldLink.FamilyID {
		t.Fatal("rotation changed the family")
	}
	if newLink.DeviceID != oldLink.DeviceID {
		t.Fatal("rotation changed the device")
	}
	if active := f.sessions.activeFor(f.user.ID); len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
	if f.logs.count(entity.TokenRotated) != 1 {
		t.Fatalf("token_rotated logs = %d, want 1", f.logs.count(entity.TokenRotated))
	}
}

func TestRotateReplayRevokesEverything(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	login, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "phone"); err != nil {
		t.Fatalf("phone login: %v", err)
	}

	if _, err := f.svc.Rotate(ctx, login.RefreshToken); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	_, err = f.svc.Rotate(ctx, login.RefreshToken)
	if err != ErrCredentialRejected {
		t.Fatalf("second rotation err = %v, want ErrCredentialRejected", err)
	}

	if active := f.sessions.activeFor(f.user.ID); len(active) != 0 {
		t.Fatalf("active sessions after replay = %d, want 0", len(active))
	}

	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0] != entity.ReasonReuseDetected {
		t.Fatalf("alerts = %v, want one %q", f.alerts.alerts, entity.ReasonReuseDetected)
	}
	found := false
	for _, action := range f.logs.actions() {
		if action == entity.ReuseDetected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected a reuse_detected security log entry")
	}
}

func TestRotateUnknownCredentialRevokesForClaimedSubject(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	// Correctly signed but never recorded in the ledger: a fabricated
	// payload built with leaked key material.
	forged, _, err := f.signer.IssueRefreshToken(f.user.ID.String(), "laptop", uuid.New(), uuid.New(), f.clock.Now())
	if err != nil {
		t.Fatalf("IssueRefreshToken: %v", err)
	}

	_, err = f.svc.Rotate(ctx, forged)
	if err != ErrCredentialRejected {
		t.Fatalf("Rotate err = %v, want ErrCredentialRejected", err)
	}
	if active := f.sessions.activeFor(f.user.ID); len(active) != 0 {
		t.Fatalf("active sessions = %d, want 0", len(active))
	}
	if len(f.alerts.alerts) != 1 || f.alerts.alerts[0] != entity.ReasonUnknownCredential {
		t.Fatalf("alerts = %v, want one %q", f.alerts.alerts, entity.ReasonUnknownCredential)
	}
}

func TestRotateExpiredRevokesOnlyThatLink(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	login, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("laptop login: %v", err)
	}
	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "phone"); err != nil {
		t.Fatalf("phone login: %v", err)
	}

	f.clock.advance(8 * 24 * time.Hour)

	_, err = f.svc.Rotate(ctx, login.RefreshToken)
	if err != ErrCredentialExpired {
		t.Fatalf("Rotate err = %v, want ErrCredentialExpired", err)
	}

	link := f.sessions.snapshot(f.tokenID(t, login.RefreshToken))
	if link.State != entity.SessionRevoked {
		t.Fatalf("expired link state = %s, want revoked", link.State)
	}
	if link.RevokedReason == nil || *link.RevokedReason != entity.ReasonExpired {
		t.Fatalf("expired link reason = %v, want %q", link.RevokedReason, entity.ReasonExpired)
	}

	// Expiry is not a security event; the sibling device keeps its session.
	if active := f.sessions.activeFor(f.user.ID); len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
}

func TestRotateMalformedTokenTouchesNothing(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	_, err := f.svc.Rotate(ctx, "not-a-token")
	if err != ErrInvalidCredential {
		t.Fatalf("Rotate err = %v, want ErrInvalidCredential", err)
	}
	if active := f.sessions.activeFor(f.user.ID); len(active) != 1 {
		t.Fatalf("active sessions = %d, want 1", len(active))
	}
	if len(f.alerts.alerts) != 0 {
		t.Fatalf("alerts = %v, want none", f.alerts.alerts)
	}
}

func TestRevokeAllSessionsIdempotent(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	if _, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := f.svc.RevokeAllSessions(ctx, f.user.ID, entity.ReasonAdminRevoked); err != nil {
		t.Fatalf("first revoke-all: %v", err)
	}
	if err := f.svc.RevokeAllSessions(ctx, f.user.ID, entity.ReasonAdminRevoked); err != nil {
		t.Fatalf("second revoke-all: %v", err)
	}
	if active := f.sessions.activeFor(f.user.ID); len(active) != 0 {
		t.Fatalf("active sessions = %d, want 0", len(active))
	}
}

func TestConcurrentRotationSingleWinner(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	login, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	results := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Rotate(ctx, login.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, rejected int
	for err := range results {
		switch err {
		case nil:
			succeeded++
		case ErrCredentialRejected:
			rejected++
		default:
			t.Fatalf("unexpected rotation error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Fatalf("succeeded=%d rejected=%d, want exactly one of each", succeeded, rejected)
	}
}

func TestEndSessionRevokesSingleLink(t *testing.T) {
	f := newTokenFixture(t)
	ctx := context.Background()

	login, err := f.svc.StartSession(ctx, f.user.ID, f.user.Role, "laptop")
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if err := f.svc.EndSession(ctx, login.RefreshToken); err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	link := f.sessions.snapshot(f.tokenID(t, login.RefreshToken))
	if link.State != entity.SessionRevoked {
		t.Fatalf("link state = %s, want revoked", link.State)
	}
	if link.RevokedReason == nil || *link.RevokedReason != entity.ReasonLogout {
		t.Fatalf("link reason = %v, want %q", link.RevokedReason, entity.ReasonLogout)
	}
}
