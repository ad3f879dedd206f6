package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushClient posts events to a push gateway (FCM HTTPv1 shaped) for
// providers with no live session.
type PushClient struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushClient(endpoint, key string) *PushClient {
	return &PushClient{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushClient) Send(ctx context.Context, recipientID, event string, payload any) error {
	body := map[string]any{
		"message": map[string]any{
			"topic": "provider-" + recipientID,
			"data":  map[string]any{"event": event, "payload": payload},
		},
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push gateway status %d", resp.StatusCode)
	}
	return nil
}
