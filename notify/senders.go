package notify

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

// requiredKeys lists, per sender type, the configuration keys that must be
// present before that sender can deliver. Keys listed in envFallbacks may
// come from the environment instead.
var requiredKeys = map[string][]string{
	"slack":    {"slack_webhook_url"},
	"discord":  {"discord_webhook_url"},
	"http":     {"http_webhook_url"},
	"sms":      {"twilio_sid", "twilio_token", "twilio_from_number", "twilio_to_number"},
	"whatsapp": {"twilio_sid", "twilio_token", "twilio_from_number", "twilio_to_number"},
}

// envFallbacks maps configuration keys to the environment variables that
// override them. The environment wins so deployed credentials cannot be
// repointed by a request or trigger argument.
var envFallbacks = map[string]string{
	"twilio_sid":   "TWILIO_SID",
	"twilio_token": "TWILIO_TOKEN",
}

// Credential resolves a credential key: the environment variable listed in
// envFallbacks wins, the configured value is the fallback. Keys without an
// environment binding resolve to the configured value.
func Credential(key, configured string) string {
	if env, ok := envFallbacks[key]; ok {
		if v := os.Getenv(env); v != "" {
			return v
		}
	}
	return configured
}

// webhookKeys are the sender config keys holding URLs that must parse with an
// http or https scheme.
var webhookKeys = []string{"slack_webhook_url", "discord_webhook_url", "http_webhook_url"}

// Config is the validated configuration for one sender type.
type Config map[string]string

// SendersConfig maps sender type to its configuration, as carried in the
// notifier request body and built by ParseSenders.
type SendersConfig map[string]Config

// KnownSender reports whether typ names a supported sender.
func KnownSender(typ string) bool {
	_, ok := requiredKeys[typ]
	return ok
}

// ParseSenders reads the dot-separated "senders" argument and assembles the
// per-sender configuration from the remaining arguments, resolving credential
// keys through the environment first. It returns an error when no valid
// sender remains.
func ParseSenders(args pluginapi.Args) (SendersConfig, error) {
	names := args.StringList("senders")
	if len(names) == 0 {
		return nil, fmt.Errorf("senders argument is required")
	}

	out := SendersConfig{}
	for _, name := range names {
		keys, ok := requiredKeys[name]
		if !ok {
			return nil, fmt.Errorf("unknown sender %q", name)
		}

		cfg := Config{}
		for _, key := range keys {
			val := Credential(key, args.String(key, ""))
			if val == "" {
				return nil, fmt.Errorf("sender %q: missing required key %q", name, key)
			}
			cfg[key] = val
		}

		// Optional custom headers travel alongside the required keys.
		if h := args.String(name+"_headers", ""); h != "" {
			cfg[name+"_headers"] = h
		}

		if err := validateWebhookURLs(name, cfg); err != nil {
			return nil, err
		}
		out[name] = cfg
	}
	return out, nil
}

func validateWebhookURLs(sender string, cfg Config) error {
	for _, key := range webhookKeys {
		raw, ok := cfg[key]
		if !ok {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("sender %q: invalid webhook URL in %q", sender, key)
		}
	}
	return nil
}

// DecodeHeaders decodes the base64-encoded JSON header map a sender config
// carries under "<sender>_headers". Missing base64 padding is repaired before
// decoding; an empty input returns nil.
func DecodeHeaders(encoded string) (map[string]string, error) {
	if encoded == "" {
		return nil, nil
	}
	if rem := len(encoded) % 4; rem != 0 {
		encoded += strings.Repeat("=", 4-rem)
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	var headers map[string]string
	if err := json.Unmarshal(raw, &headers); err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}
	return headers, nil
}
