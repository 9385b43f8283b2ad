package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/franzego/notifyhub/internal/config"
	"github.com/franzego/notifyhub/internal/models"
	"github.com/franzego/notifyhub/pkg/circuitbreaker"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultBatchSize = 500

type gatewayAMessage struct {
	To              string            `json:"to,omitempty"`
	RegistrationIDs []string          `json:"registration_ids,omitempty"`
	Priority        string            `json:"priority"`
	TimeToLive      int               `json:"time_to_live"`
	Notification    gatewayAAlert     `json:"notification"`
	Data            map[string]string `json:"data,omitempty"`
}

type gatewayAAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type gatewayAResponse struct {
	Success int `json:"success"`
	Failure int `json:"failure"`
	Results []struct {
		MessageID string `json:"message_id"`
		Error     string `json:"error"`
	} `json:"results"`
}

// GatewayAClient talks to a token-addressed push gateway that also accepts
// batches of tokens and topic addresses.
type GatewayAClient struct {
	endpoint   string
	serverKey  string
	batchSize  int
	httpClient *http.Client
	cb         *gobreaker.CircuitBreaker
	now        func() time.Time
	logger     *zap.Logger
}

func NewGatewayAClient(cfg config.GatewayAConfig, logger *zap.Logger) *GatewayAClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &GatewayAClient{
		endpoint:  cfg.Endpoint,
		serverKey: cfg.ServerKey,
		batchSize: batch,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		cb:     circuitbreaker.NewCircuitBreaker("gateway-a", logger),
		now:    time.Now,
		logger: logger.Named("gateway_a"),
	}
}

func (g *GatewayAClient) Name() models.ChannelName { return models.ChannelGatewayA }

// IsAvailable reports whether credentials are configured; it does not probe
// the gateway.
func (g *GatewayAClient) IsAvailable() bool {
	return g.serverKey != "" && g.endpoint != ""
}

func (g *GatewayAClient) Send(ctx context.Context, n *models.Notification, address string) models.DeliveryResult {
	if !g.IsAvailable() {
		return models.Failed(n, models.ChannelGatewayA, ErrNotConfigured)
	}
	msg := g.message(n)
	msg.To = address
	resp, err := g.post(ctx, msg)
	if err != nil {
		return models.Failed(n, models.ChannelGatewayA, err)
	}
	if resp.Success < 1 {
		reason := "rejected"
		if len(resp.Results) > 0 && resp.Results[0].Error != "" {
			reason = resp.Results[0].Error
		}
		return models.Failed(n, models.ChannelGatewayA, fmt.Errorf("gateway a: %s", reason))
	}
	return models.Delivered(n, models.ChannelGatewayA, g.now())
}

// SendTopic addresses every device subscribed to topic.
func (g *GatewayAClient) SendTopic(ctx context.Context, n *models.Notification, topic string) models.DeliveryResult {
	return g.Send(ctx, n, "/topics/"+topic)
}

// SendBatch sends n to many tokens, chunked to the gateway's batch limit.
// Results are returned in address order.
func (g *GatewayAClient) SendBatch(ctx context.Context, n *models.Notification, addresses []string) []models.DeliveryResult {
	results := make([]models.DeliveryResult, len(addresses))
	if !g.IsAvailable() {
		for i := range addresses {
			results[i] = models.Failed(n, models.ChannelGatewayA, ErrNotConfigured)
		}
		return results
	}

	var eg errgroup.Group
	for start := 0; start < len(addresses); start += g.batchSize {
		end := start + g.batchSize
		if end > len(addresses) {
			end = len(addresses)
		}
		start, end := start, end
		eg.Go(func() error {
			g.sendChunk(ctx, n, addresses[start:end], results[start:end])
			return nil
		})
	}
	_ = eg.Wait()
	return results
}

func (g *GatewayAClient) sendChunk(ctx context.Context, n *models.Notification, tokens []string, out []models.DeliveryResult) {
	msg := g.message(n)
	msg.RegistrationIDs = tokens
	resp, err := g.post(ctx, msg)
	if err != nil {
		for i := range out {
			out[i] = models.Failed(n, models.ChannelGatewayA, err)
		}
		return
	}
	at := g.now()
	for i := range out {
		if i >= len(resp.Results) {
			out[i] = models.Failed(n, models.ChannelGatewayA, fmt.Errorf("gateway a: missing result"))
			continue
		}
		if r := resp.Results[i]; r.Error != "" {
			out[i] = models.Failed(n, models.ChannelGatewayA, fmt.Errorf("gateway a: %s", r.Error))
			continue
		}
		out[i] = models.Delivered(n, models.ChannelGatewayA, at)
	}
}

func (g *GatewayAClient) message(n *models.Notification) gatewayAMessage {
	priority := "normal"
	if IsHighPriority(n.Priority) {
		priority = "high"
	}
	return gatewayAMessage{
		Priority:   priority,
		TimeToLive: int(TTLFor(n.Priority) / time.Second),
		Notification: gatewayAAlert{
			Title: n.Title,
			Body:  n.Message,
		},
		Data: n.Data,
	}
}

func (g *GatewayAClient) post(ctx context.Context, msg gatewayAMessage) (*gatewayAResponse, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	result, err := g.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "key="+g.serverKey)

		resp, err := g.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("gateway a: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
		}
		var out gatewayAResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("gateway a: decode response: %w", err)
		}
		return &out, nil
	})
	if err != nil {
		g.logger.Warn("gateway a request failed", zap.Error(err))
		return nil, err
	}
	return result.(*gatewayAResponse), nil
}
