package githubclt

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/go-github/v43/github"
	"golang.org/x/oauth2"
)

// NewAppClient returns a client that authenticates as the installation of a
// github app in the given repository.
// privateKeyFile must contain the PEM encoded RSA key of the app.
// Installation access tokens are minted on demand via the apps API and
// renewed shortly before they expire.
func NewAppClient(ctx context.Context, appID int64, privateKeyFile, owner, repo string) (*Client, error) {
	keyData, err := os.ReadFile(privateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("reading app private key file failed: %w", err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing app private key failed: %w", err)
	}

	appTokenSrc := oauth2.ReuseTokenSource(nil, &appTokenSource{
		appID:      appID,
		privateKey: key,
	})

	appClt := github.NewClient(oauth2.NewClient(ctx, appTokenSrc))

	installation, _, err := appClt.Apps.FindRepositoryInstallation(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("finding app installation for %s/%s failed: %w", owner, repo, err)
	}

	return NewFromTokenSource(oauth2.ReuseTokenSource(nil, &installationTokenSource{
		appClt:         appClt,
		installationID: installation.GetID(),
	})), nil
}

// appTokenSource issues the short-lived JWTs that authenticate requests as
// the github app itself.
type appTokenSource struct {
	appID      int64
	privateKey *rsa.PrivateKey
}

func (ts *appTokenSource) Token() (*oauth2.Token, error) {
	// the issue time is backdated to tolerate clock drift between us and
	// github, the API rejects tokens that are issued in the future
	iat := time.Now().Add(-time.Minute)
	exp := iat.Add(6 * time.Minute)

	claims := jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(ts.appID, 10),
		IssuedAt:  jwt.NewNumericDate(iat),
		ExpiresAt: jwt.NewNumericDate(exp),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(ts.privateKey)
	if err != nil {
		return nil, fmt.Errorf("signing app JWT failed: %w", err)
	}

	return &oauth2.Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		Expiry:      exp,
	}, nil
}

// installationTokenSource mints installation access tokens with the app
// credentials.
type installationTokenSource struct {
	appClt         *github.Client
	installationID int64
}

func (ts *installationTokenSource) Token() (*oauth2.Token, error) {
	ctx, cancelFn := context.WithTimeout(context.Background(), DefaultHTTPClientTimeout)
	defer cancelFn()

	token, _, err := ts.appClt.Apps.CreateInstallationToken(ctx, ts.installationID, &github.InstallationTokenOptions{})
	if err != nil {
		return nil, fmt.Errorf("creating github app installation token failed: %w", err)
	}

	return &oauth2.Token{
		AccessToken: token.GetToken(),
		Expiry:      token.GetExpiresAt(),
	}, nil
}
