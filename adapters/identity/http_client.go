package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/layer-3/didconnect/ports"
)

// StatusError is a non-2xx answer from the identity node.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("identity node returned %d: %s", e.Status, e.Message)
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == http.StatusUnauthorized
}

type challengeResponse struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

type loginRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Signature      string `json:"signature"`
	Address        string `json:"address"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	DID          string `json:"did"`
	ExpiresIn    int    `json:"expires_in"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// HTTPClient is the identity network client for a didconnect identity node.
type HTTPClient struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

func NewHTTPClient(baseURL string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  logger.Named("identity"),
	}
}

var _ ports.IdentityClient = (*HTTPClient)(nil)

// Connect fetches a challenge and has the wallet sign it, then redeems the
// signature in the background. The returned session reports connecting until
// the login settles.
func (c *HTTPClient) Connect(ctx context.Context, auth ports.AuthProvider) (ports.ViewerSession, error) {
	addr := auth.Address()

	var challenge challengeResponse
	err := c.do(ctx, http.MethodPost, "/auth/challenge", "", map[string]string{"address": addr.String()}, &challenge)
	if err != nil {
		return nil, fmt.Errorf("request challenge: %w", err)
	}
	if challenge.Token == "" || challenge.Message == "" {
		return nil, errors.New("request challenge: malformed response")
	}

	sig, err := auth.Sign(ctx, []byte(challenge.Message))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}

	session := newViewerSession(ctx, c, addr)
	go session.login(challenge.Token, sig)
	return session, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path, bearer string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&failure)
		return &StatusError{Status: resp.StatusCode, Message: failure.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
