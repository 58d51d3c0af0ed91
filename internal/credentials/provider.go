// Package credentials supplies valid, ready-to-use credentials per source,
// refreshing OAuth access tokens on demand. Token storage (and its at-rest
// encryption) sits behind the TokenStore interface; this package only ever
// sees decrypted values in memory.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"unical/internal/adapter"
	"unical/internal/errs"
	"unical/internal/model"
)

// expirySkew treats a token expiring within this margin as already expired,
// so a fetch never starts with a token about to lapse mid-request.
const expirySkew = 2 * time.Minute

// refreshTimeout bounds one token-endpoint round trip.
const refreshTimeout = 30 * time.Second

// TokenStore is the opaque grant-storage collaborator.
type TokenStore interface {
	OAuthTokenForSource(ctx context.Context, sourceID string) (model.OAuthToken, error)
	SaveOAuthToken(ctx context.Context, tok model.OAuthToken) error
}

// Provider resolves credentials for any source kind.
type Provider struct {
	tokens TokenStore
	client *http.Client
	log    *zap.Logger

	// group coalesces concurrent refreshes per source: at most one
	// refresh call in flight, concurrent callers share its result.
	group singleflight.Group

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewProvider constructs a Provider over the given token store.
func NewProvider(tokens TokenStore, client *http.Client, log *zap.Logger) *Provider {
	if client == nil {
		client = http.DefaultClient
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		tokens: tokens,
		client: client,
		log:    log,
		now:    time.Now,
	}
}

// Resolve returns currently-valid credentials for the source. Static
// credentials (CalDAV password, ICS URL) pass through unchanged; OAuth
// sources get a live access token, refreshed if expired or near expiry.
// A permanently failed refresh returns ErrAuthExpired.
func (p *Provider) Resolve(ctx context.Context, src model.CalendarSource) (adapter.Credentials, error) {
	switch src.Kind {
	case model.KindICS:
		return adapter.Credentials{}, nil
	case model.KindCalDAV:
		if src.Username == "" {
			return adapter.Credentials{}, fmt.Errorf("caldav source %s has no username: %w", src.ID, errs.ErrConfigInvalid)
		}
		return adapter.Credentials{Username: src.Username, Password: src.Password}, nil
	case model.KindOAuthCalendar:
		token, err := p.resolveOAuth(ctx, src)
		if err != nil {
			return adapter.Credentials{}, err
		}
		return adapter.Credentials{AccessToken: token}, nil
	default:
		return adapter.Credentials{}, fmt.Errorf("unknown source kind %q: %w", src.Kind, errs.ErrConfigInvalid)
	}
}

func (p *Provider) resolveOAuth(ctx context.Context, src model.CalendarSource) (string, error) {
	tok, err := p.tokens.OAuthTokenForSource(ctx, src.ID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return "", fmt.Errorf("source %s has no stored grant: %w", src.ID, errs.ErrAuthInvalid)
		}
		return "", err
	}

	if tok.AccessToken != "" && (tok.Expiry.IsZero() || tok.Expiry.After(p.now().Add(expirySkew))) {
		return tok.AccessToken, nil
	}

	// Expired or near expiry: refresh, coalescing concurrent callers. The
	// refresh runs detached with its own deadline so the shared result never
	// depends on whichever caller's context happened to arrive first.
	v, err, _ := p.group.Do(src.ID, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
		defer cancel()
		return p.refresh(rctx, src.ID, tok)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh exchanges the stored refresh token for a new access token and
// persists the result.
func (p *Provider) refresh(ctx context.Context, sourceID string, tok model.OAuthToken) (string, error) {
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("source %s has no refresh token: %w", sourceID, errs.ErrAuthExpired)
	}

	conf := &oauth2.Config{
		ClientID:     tok.ClientID,
		ClientSecret: tok.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tok.TokenURL},
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.client)
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})

	fresh, err := ts.Token()
	if err != nil {
		return "", p.classifyRefreshErr(sourceID, err)
	}

	tok.AccessToken = fresh.AccessToken
	tok.Expiry = fresh.Expiry
	if fresh.RefreshToken != "" {
		tok.RefreshToken = fresh.RefreshToken
	}
	if err := p.tokens.SaveOAuthToken(ctx, tok); err != nil {
		// The refreshed token is valid even if persisting it failed;
		// the next resolve will just refresh again.
		p.log.Warn("failed to persist refreshed token",
			zap.String("source_id", sourceID), zap.Error(err))
	}

	p.log.Info("access token refreshed",
		zap.String("source_id", sourceID), zap.Time("expiry", tok.Expiry))
	return tok.AccessToken, nil
}

// classifyRefreshErr separates a revoked grant (terminal, needs-reauth) from
// a transient token-endpoint failure (retryable).
func (p *Provider) classifyRefreshErr(sourceID string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		status := 0
		if rerr.Response != nil {
			status = rerr.Response.StatusCode
		}
		if status == http.StatusBadRequest || status == http.StatusUnauthorized || status == http.StatusForbidden {
			p.log.Warn("refresh grant rejected",
				zap.String("source_id", sourceID), zap.Int("status", status))
			return fmt.Errorf("refresh rejected (http %d): %w", status, errs.ErrAuthExpired)
		}
		return fmt.Errorf("token endpoint http %d: %w", status, errs.ErrTransientNetwork)
	}
	return fmt.Errorf("token refresh: %v: %w", err, errs.ErrTransientNetwork)
}
