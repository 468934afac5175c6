// Package iceconfig builds the STUN and TURN server list handed to new peer
// links. TURN credentials follow the shared-secret REST scheme and are reused
// until shortly before they expire.
package iceconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/pion/turn/v2"
	"go.uber.org/zap"

	"xipher/internal/core/domain"
	"xipher/internal/core/ports"
	"xipher/pkg/cache"
)

const turnKey = "turn"

type Config struct {
	STUNServers   []string
	TURNURLs      []string
	SharedSecret  string
	CredentialTTL time.Duration
	// RefreshSkew is how long before expiry a credential stops being handed out.
	RefreshSkew time.Duration
}

type Provider struct {
	cfg         Config
	credentials *cache.Cache[domain.ICEServer]
	logger      *zap.SugaredLogger
}

var _ ports.ICEServerProvider = (*Provider)(nil)

func NewProvider(cfg Config, logger *zap.SugaredLogger) *Provider {
	if cfg.CredentialTTL <= 0 {
		cfg.CredentialTTL = 12 * time.Hour
	}
	return &Provider{
		cfg:         cfg,
		credentials: cache.New[domain.ICEServer](cfg.CredentialTTL, 0),
		logger:      logger,
	}
}

// ICEServers returns STUN entries first, then TURN with fresh credentials.
// When TURN credentials cannot be issued the STUN entries are still returned.
func (p *Provider) ICEServers(ctx context.Context) ([]domain.ICEServer, error) {
	servers := make([]domain.ICEServer, 0, 2)
	if len(p.cfg.STUNServers) > 0 {
		servers = append(servers, domain.ICEServer{URLs: append([]string(nil), p.cfg.STUNServers...)})
	}
	if len(p.cfg.TURNURLs) == 0 {
		return servers, nil
	}

	server, err := p.credentials.GetOrLoad(ctx, turnKey, p.issue)
	if err != nil {
		p.logger.Warnw("TURN credentials unavailable, offering STUN only", "error", err)
		return servers, nil
	}
	return append(servers, server), nil
}

func (p *Provider) issue(ctx context.Context) (domain.ICEServer, time.Duration, error) {
	if p.cfg.SharedSecret == "" {
		return domain.ICEServer{}, 0, fmt.Errorf("turn shared secret is not configured")
	}
	username, password, err := turn.GenerateLongTermCredentials(p.cfg.SharedSecret, p.cfg.CredentialTTL)
	if err != nil {
		return domain.ICEServer{}, 0, fmt.Errorf("generate turn credentials: %w", err)
	}

	reuse := p.cfg.CredentialTTL - p.cfg.RefreshSkew
	if reuse <= 0 {
		reuse = p.cfg.CredentialTTL / 2
	}
	p.logger.Debugw("Issued TURN credentials", "username", username, "reuse_for", reuse)
	return domain.ICEServer{
		URLs:       append([]string(nil), p.cfg.TURNURLs...),
		Username:   username,
		Credential: password,
	}, reuse, nil
}

func (p *Provider) Stop() {
	p.credentials.Stop()
}
