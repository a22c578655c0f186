package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/peterbarnett03/influxdb3-plugins/notify"
	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// request is the JSON body the alerting plugins post.
type request struct {
	NotificationText string               `json:"notification_text"`
	SendersConfig    notify.SendersConfig `json:"senders_config"`
}

// response mirrors the shape the alerting plugins expect back. Results holds
// one entry per requested sender: true or false for a known sender, a string
// describing the problem for an unknown one.
type response struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Results map[string]any `json:"results,omitempty"`
}

// Plugin implements the HTTP trigger.
type Plugin struct {
	// NewSender overrides sender construction, for tests. When nil senders
	// are built from the request's per-sender config.
	NewSender func(typ string, cfg notify.Config) (notify.Sender, error)
}

func New() *Plugin {
	return &Plugin{}
}

func (p *Plugin) newSender(typ string, cfg notify.Config) (notify.Sender, error) {
	if p.NewSender != nil {
		return p.NewSender(typ, cfg)
	}
	return buildSender(typ, cfg)
}

// ProcessRequest parses the notification request and delivers the text to
// every configured sender concurrently. A sender that cannot be built or
// fails to deliver is reported in its results entry without failing the
// request.
func (p *Plugin) ProcessRequest(ctx context.Context, api pluginapi.HostAPI, req *pluginapi.Request, args pluginapi.Args) (*pluginapi.Response, error) {
	log := api.Log()

	if len(req.Body) == 0 {
		log.Error("no request body provided")
		return &pluginapi.Response{
			StatusCode: http.StatusBadRequest,
			Body:       response{Status: "failed", Message: "No request body provided."},
		}, nil
	}

	var body request
	if err := json.Unmarshal(req.Body, &body); err != nil {
		log.Error("invalid request body", "err", err)
		return &pluginapi.Response{
			StatusCode: http.StatusBadRequest,
			Body:       response{Status: "failed", Message: "Invalid JSON in request body."},
		}, nil
	}
	if body.NotificationText == "" {
		log.Error("notification_text is required")
		return &pluginapi.Response{
			StatusCode: http.StatusBadRequest,
			Body:       response{Status: "failed", Message: "notification_text is required."},
		}, nil
	}
	if len(body.SendersConfig) == 0 {
		log.Error("senders_config is required")
		return &pluginapi.Response{
			StatusCode: http.StatusBadRequest,
			Body:       response{Status: "failed", Message: "senders_config is required."},
		}, nil
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = map[string]any{}
	)
	for name, cfg := range body.SendersConfig {
		if !notify.KnownSender(name) {
			log.Warn("invalid sender", "sender", name)
			mu.Lock()
			results[name] = "Invalid sender"
			mu.Unlock()
			continue
		}

		wg.Add(1)
		go func(name string, cfg notify.Config) {
			defer wg.Done()
			ok := p.deliver(ctx, name, cfg, body.NotificationText, log)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		}(name, cfg)
	}
	wg.Wait()

	return &pluginapi.Response{
		StatusCode: http.StatusOK,
		Body:       response{Status: "success", Message: "Request processed", Results: results},
	}, nil
}

func (p *Plugin) deliver(ctx context.Context, name string, cfg notify.Config, text string, log *slog.Logger) bool {
	sender, err := p.newSender(name, cfg)
	if err != nil {
		log.Error("failed to build sender", "sender", name, "err", err)
		return false
	}
	if err := sender.Send(ctx, text); err != nil {
		log.Error("failed to deliver notification", "sender", name, "err", err)
		return false
	}
	log.Info("notification delivered", "sender", name)
	return true
}

// buildSender constructs the sender for one config block, validating the
// keys that sender type requires.
func buildSender(typ string, cfg notify.Config) (notify.Sender, error) {
	switch typ {
	case "slack", "discord", "http":
		urlKey := typ + "_webhook_url"
		url := cfg[urlKey]
		if url == "" {
			return nil, fmt.Errorf("missing required key %q", urlKey)
		}
		headers, err := notify.DecodeHeaders(cfg[typ+"_headers"])
		if err != nil {
			return nil, fmt.Errorf("invalid %s_headers: %w", typ, err)
		}
		switch typ {
		case "slack":
			return notify.NewSlack(url, headers), nil
		case "discord":
			return notify.NewDiscord(url, headers), nil
		default:
			return notify.NewHTTP(url, headers), nil
		}
	case "sms", "whatsapp":
		resolved := notify.Config{}
		for _, key := range []string{"twilio_sid", "twilio_token", "twilio_from_number", "twilio_to_number"} {
			val := notify.Credential(key, cfg[key])
			if val == "" {
				return nil, fmt.Errorf("missing required key %q", key)
			}
			resolved[key] = val
		}
		return notify.NewTwilio(resolved, typ == "whatsapp"), nil
	}
	return nil, fmt.Errorf("unknown sender %q", typ)
}
