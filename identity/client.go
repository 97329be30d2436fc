package identity

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HTTPClient calls the external app service's principal-lookup endpoint,
// minting its own short-lived service JWT for each call — grounded on
// original_source's AppServiceClient.generate_token/get_prpls.
type HTTPClient struct {
	httpClient  *http.Client
	baseURL     string
	jwtSecret   string
	serviceName string
}

// NewHTTPClient builds a Client bound to baseURL, signing requests as
// serviceName with jwtSecret.
func NewHTTPClient(baseURL, jwtSecret, serviceName string) *HTTPClient {
	return &HTTPClient{
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		baseURL:     baseURL,
		jwtSecret:   jwtSecret,
		serviceName: serviceName,
	}
}

func (c *HTTPClient) generateToken() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  c.serviceName,
		"type": "service",
		"exp":  now.Add(60 * time.Second).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(c.jwtSecret))
}

// GetPrincipals implements Client.
func (c *HTTPClient) GetPrincipals(ctx context.Context, uid string) ([]string, error) {
	token, err := c.generateToken()
	if err != nil {
		return nil, fmt.Errorf("identity: sign service token: %w", err)
	}

	url := fmt.Sprintf("%s/auth/prpls/%s", c.baseURL, uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("identity: request principals: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("identity: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("identity: app service returned %d: %s", resp.StatusCode, body)
	}
	return parsePrincipalsJSON(body), nil
}
