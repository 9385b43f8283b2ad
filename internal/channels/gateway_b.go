package channels

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/pkg/circuitbreaker"
	"github.com/golang-jwt/jwt"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Provider tokens are valid for an hour; refresh a little earlier.
const providerTokenTTL = 50 * time.Minute

type gatewayBError struct {
	Reason string `json:"reason"`
}

// GatewayBClient talks to a per-device push gateway that authenticates with
// an ES256-signed provider token and takes expiry and priority as headers.
type GatewayBClient struct {
	endpoint   string
	keyID      string
	teamID     string
	bundleID   string
	key        *ecdsa.PrivateKey
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
	logger     *zap.Logger

	mu          sync.Mutex
	token       string
	tokenIssued time.Time
}

// LoadSigningKey reads a PEM encoded EC private key.
func LoadSigningKey(path string) (*ecdsa.PrivateKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	key, err := jwt.ParseECPrivateKeyFromPEM(b)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return key, nil
}

func NewGatewayBClient(cfg config.GatewayBConfig, key *ecdsa.PrivateKey, logger *zap.Logger) *GatewayBClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &GatewayBClient{
		endpoint: cfg.Endpoint,
		keyID:    cfg.KeyID,
		teamID:   cfg.TeamID,
		bundleID: cfg.BundleID,
		key:      key,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:     circuitbreaker.NewCircuitBreaker("gateway-b", logger),
		now:    time.Now,
		logger: logger.Named("gateway_b"),
	}
}

func (g *GatewayBClient) Name() models.ChannelName { return models.ChannelGatewayB }

func (g *GatewayBClient) IsAvailable() bool {
	return g.endpoint != "" && g.keyID != "" && g.teamID != "" && g.bundleID != "" && g.key != nil
}

func (g *GatewayBClient) Send(ctx context.Context, n *models.Notification, address string) models.DeliveryResult {
	if !g.IsAvailable() {
		return models.Failed(n, models.ChannelGatewayB, ErrNotConfigured)
	}
	token, err := g.providerToken()
	if err != nil {
		return models.Failed(n, models.ChannelGatewayB, err)
	}
	body, err := json.Marshal(g.payload(n))
	if err != nil {
		return models.Failed(n, models.ChannelGatewayB, fmt.Errorf("failed to marshal payload: %w", err))
	}

	_, err = g.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/3/device/%s", g.endpoint, address), bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		for k, v := range g.headers(n, token) {
			req.Header.Set(k, v)
		}

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return nil, nil
		}
		var e gatewayBError
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Reason == "" {
			e.Reason = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("gateway b: status %d: %s", resp.StatusCode, e.Reason)
	})
	if err != nil {
		g.logger.Warn("gateway b request failed", zap.String("notification_id", n.ID), zap.Error(err))
		return models.Failed(n, models.ChannelGatewayB, err)
	}
	return models.Delivered(n, models.ChannelGatewayB, g.now())
}

func (g *GatewayBClient) headers(n *models.Notification, token string) map[string]string {
	priority := "5"
	if IsHighPriority(n.Priority) {
		priority = "10"
	}
	return map[string]string{
		"Content-Type":    "application/json",
		"authorization":   "bearer " + token,
		"apns-topic":      g.bundleID,
		"apns-priority":   priority,
		"apns-expiration": strconv.FormatInt(g.now().Add(TTLFor(n.Priority)).Unix(), 10),
		"apns-id":         n.ID,
	}
}

func (g *GatewayBClient) payload(n *models.Notification) map[string]interface{} {
	p := map[string]interface{}{
		"aps": map[string]interface{}{
			"alert": map[string]string{
				"title": n.Title,
				"body":  n.Message,
			},
			"sound": "default",
		},
	}
	for k, v := range n.Data {
		if k != "aps" {
			p[k] = v
		}
	}
	return p
}

func (g *GatewayBClient) providerToken() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.token != "" && now.Sub(g.tokenIssued) < providerTokenTTL {
		return g.token, nil
	}
	t := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": g.teamID,
		"iat": now.Unix(),
	})
	t.Header["kid"] = g.keyID
	signed, err := t.SignedString(g.key)
	if err != nil {
		return "", fmt.Errorf("sign provider token: %w", err)
	}
	g.token = signed
	g.tokenIssued = now
	return signed, nil
}
