package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	logx "salonnotify/pkg/logx"
)

// PushConfig configures the HTTP push channel.
type PushConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// HTTPPush posts notifications to a push provider gateway and reads back
// per-recipient tickets. The gateway owns token lookup and permission state;
// a recipient it cannot reach comes back as a failed ticket, not a transport
// error.
type HTTPPush struct {
	cfg    PushConfig
	client *http.Client
	log    logx.Logger
}

func NewHTTPPush(cfg PushConfig, log logx.Logger) *HTTPPush {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &HTTPPush{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    log,
	}
}

type pushRequest struct {
	To    []string          `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

type pushTicket struct {
	Recipient string `json:"recipient"`
	ID        string `json:"id,omitempty"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

type pushResponse struct {
	Tickets []pushTicket `json:"tickets"`
}

func (p *HTTPPush) SendPush(ctx context.Context, in PushInput) PushResult {
	if len(in.UserIDs) == 0 {
		return PushResult{Err: fmt.Errorf("push: no recipients")}
	}

	body, err := json.Marshal(pushRequest{To: in.UserIDs, Title: in.Title, Body: in.Body, Data: in.Data})
	if err != nil {
		return PushResult{Err: fmt.Errorf("push: encode request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PushResult{Err: fmt.Errorf("push: build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return PushResult{FailedUserIDs: append([]string(nil), in.UserIDs...), Err: fmt.Errorf("push gateway: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("push gateway: unexpected status %d", resp.StatusCode)
		p.log.Warn("push send failed", logx.Int("recipients", len(in.UserIDs)), logx.Err(err))
		return PushResult{FailedUserIDs: append([]string(nil), in.UserIDs...), Err: err}
	}

	var pr pushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return PushResult{FailedUserIDs: append([]string(nil), in.UserIDs...), Err: fmt.Errorf("push gateway: decode response: %w", err)}
	}

	out := PushResult{Success: true}
	seen := map[string]bool{}
	for _, t := range pr.Tickets {
		seen[t.Recipient] = true
		if strings.EqualFold(t.Status, "ok") && t.ID != "" {
			out.TicketIDs = append(out.TicketIDs, t.ID)
			continue
		}
		out.FailedUserIDs = append(out.FailedUserIDs, t.Recipient)
	}
	// Recipients the gateway did not report on count as failed.
	for _, id := range in.UserIDs {
		if !seen[id] {
			out.FailedUserIDs = append(out.FailedUserIDs, id)
		}
	}
	if len(out.FailedUserIDs) > 0 {
		p.log.Debug("push partially delivered",
			logx.Int("ok", len(out.TicketIDs)), logx.Int("failed", len(out.FailedUserIDs)))
	}
	return out
}
