package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/tcriess/lightspeed-rooms/config"
	"github.com/tcriess/lightspeed-rooms/globals"
	"github.com/tcriess/lightspeed-rooms/persistence"
	"github.com/tcriess/lightspeed-rooms/types"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator resolves a bearer token to a known user. Tokens are either issued locally (empty provider name)
// or are OIDC ID tokens of one of the configured providers.
type Authenticator struct {
	jwt       *JWTManager
	persister persistence.Persister
	providers []config.OIDCConfig

	mu        sync.Mutex
	verifiers map[string]*oidc.IDTokenVerifier
}

func NewAuthenticator(jwtManager *JWTManager, persister persistence.Persister, providers []config.OIDCConfig) *Authenticator {
	return &Authenticator{
		jwt:       jwtManager,
		persister: persister,
		providers: providers,
		verifiers: make(map[string]*oidc.IDTokenVerifier),
	}
}

// Verify returns the user the token belongs to. Any failure results in ErrUnauthenticated (or ErrExpiredToken),
// the cause is only logged.
func (a *Authenticator) Verify(ctx context.Context, token, provider string) (*types.User, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	if provider == "" {
		claims, err := a.jwt.Verify(token)
		if err != nil {
			globals.AppLogger.Debug("token rejected", "error", err)
			if errors.Is(err, ErrExpiredToken) {
				return nil, err
			}
			return nil, ErrUnauthenticated
		}
		user := types.User{Id: claims.UserId}
		err = a.persister.GetUser(&user)
		if err != nil {
			globals.AppLogger.Debug("token of unknown user", "userId", claims.UserId, "error", err)
			return nil, ErrUnauthenticated
		}
		return &user, nil
	}

	email, err := a.verifyIdToken(ctx, token, provider)
	if err != nil {
		globals.AppLogger.Info("id token rejected", "provider", provider, "error", err)
		return nil, ErrUnauthenticated
	}
	user, err := a.persister.GetUserByEmail(email)
	if err != nil {
		globals.AppLogger.Debug("id token of unknown user", "provider", provider, "error", err)
		return nil, ErrUnauthenticated
	}
	return user, nil
}

// verifyIdToken verifies a given OIDC ID token using the named provider and returns the "email" claim.
func (a *Authenticator) verifyIdToken(ctx context.Context, idToken, providerName string) (string, error) {
	verifier, err := a.verifier(ctx, providerName)
	if err != nil {
		return "", err
	}
	verifiedIdToken, err := verifier.Verify(ctx, idToken)
	if err != nil {
		return "", err
	}
	claims := struct {
		Email string `json:"email"`
	}{}
	err = verifiedIdToken.Claims(&claims)
	if err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", errors.New("no email claim")
	}
	return claims.Email, nil
}

func (a *Authenticator) verifier(ctx context.Context, providerName string) (*oidc.IDTokenVerifier, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if v, ok := a.verifiers[providerName]; ok {
		return v, nil
	}
	var oidcConf *config.OIDCConfig
	for i := range a.providers {
		if a.providers[i].Name == providerName {
			oidcConf = &a.providers[i]
			break
		}
	}
	if oidcConf == nil {
		return nil, errors.New("unknown oidc provider")
	}
	provider, err := oidc.NewProvider(ctx, oidcConf.ProviderUrl)
	if err != nil {
		return nil, err
	}
	conf := oidc.Config{}
	if oidcConf.ClientId == "" {
		conf.SkipClientIDCheck = true
	} else {
		conf.ClientID = oidcConf.ClientId
	}
	v := provider.Verifier(&conf)
	a.verifiers[providerName] = v
	return v, nil
}
