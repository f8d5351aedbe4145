package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"

	"github.com/layer-3/didconnect/core"
	"github.com/layer-3/didconnect/ports"
)

type viewerSession struct {
	client  *HTTPClient
	address core.Address

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.RWMutex
	status  core.ViewerStatus
	err     error
	did     core.DID
	access  string
	refresh string
}

var _ ports.ViewerSession = (*viewerSession)(nil)

func newViewerSession(ctx context.Context, client *HTTPClient, addr core.Address) *viewerSession {
	sctx, cancel := context.WithCancel(ctx)
	return &viewerSession{
		client:  client,
		address: addr,
		ctx:     sctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		status:  core.ViewerConnecting,
	}
}

func (s *viewerSession) login(challengeToken string, sig []byte) {
	defer close(s.done)

	var tokens tokenResponse
	err := s.client.do(s.ctx, http.MethodPost, "/auth/login", "", loginRequest{
		ChallengeToken: challengeToken,
		Signature:      hexutil.Encode(sig),
		Address:        s.address.String(),
	}, &tokens)
	if err != nil {
		s.fail(fmt.Errorf("login: %w", err))
		return
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		s.fail(errors.New("login: malformed response"))
		return
	}

	s.mu.Lock()
	s.status = core.ViewerConnected
	s.did = core.DID(tokens.DID)
	s.access, s.refresh = tokens.AccessToken, tokens.RefreshToken
	s.mu.Unlock()

	s.client.logger.Debug("viewer session connected", zap.String("address", s.address.String()))
}

func (s *viewerSession) fail(err error) {
	s.mu.Lock()
	s.status = core.ViewerIdle
	s.err = err
	s.mu.Unlock()
}

func (s *viewerSession) Status() core.ViewerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *viewerSession) Done() <-chan struct{} {
	return s.done
}

func (s *viewerSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

func (s *viewerSession) DID() core.DID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.did
}

// MergeProfile PATCHes the profile, refreshing the access token once if it was rejected.
func (s *viewerSession) MergeProfile(ctx context.Context, profile core.Profile) error {
	access, refresh, ok := s.tokens()
	if !ok {
		return core.ErrNotAuthenticated
	}

	err := s.client.do(ctx, http.MethodPatch, "/api/profile", access, profile, nil)
	if !isUnauthorized(err) {
		return err
	}

	var tokens tokenResponse
	if err := s.client.do(ctx, http.MethodPost, "/auth/refresh", "", refreshRequest{RefreshToken: refresh}, &tokens); err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	s.mu.Lock()
	s.access, s.refresh = tokens.AccessToken, tokens.RefreshToken
	s.mu.Unlock()

	return s.client.do(ctx, http.MethodPatch, "/api/profile", tokens.AccessToken, profile, nil)
}

// Disconnect aborts a pending login and revokes the refresh token of a connected session.
func (s *viewerSession) Disconnect(ctx context.Context) error {
	s.cancel()
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	refresh := s.refresh
	s.status = core.ViewerIdle
	s.access, s.refresh = "", ""
	s.mu.Unlock()

	if refresh == "" {
		return nil
	}
	return s.client.do(ctx, http.MethodPost, "/auth/logout", "", refreshRequest{RefreshToken: refresh}, nil)
}

func (s *viewerSession) tokens() (string, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.access, s.refresh, s.status == core.ViewerConnected
}
