package notify

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/peterbarnett03/influxdb3-plugins/pluginapi"
)

func TestParseSendersSlackAndDiscord(t *testing.T) {
	args := pluginapi.Args{
		"senders":             "slack.discord",
		"slack_webhook_url":   "https://hooks.slack.com/services/T/B/x",
		"discord_webhook_url": "https://discord.com/api/webhooks/1/y",
	}
	cfg, err := ParseSenders(args)
	if err != nil {
		t.Fatalf("ParseSenders: %v", err)
	}
	if len(cfg) != 2 {
		t.Fatalf("got %d senders, want 2", len(cfg))
	}
	if cfg["slack"]["slack_webhook_url"] != "https://hooks.slack.com/services/T/B/x" {
		t.Fatalf("slack config = %v", cfg["slack"])
	}
}

func TestParseSendersUnknownType(t *testing.T) {
	_, err := ParseSenders(pluginapi.Args{"senders": "carrier-pigeon"})
	if err == nil || !strings.Contains(err.Error(), "unknown sender") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseSendersMissingKey(t *testing.T) {
	_, err := ParseSenders(pluginapi.Args{"senders": "slack"})
	if err == nil || !strings.Contains(err.Error(), "missing required key") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseSendersInvalidURL(t *testing.T) {
	_, err := ParseSenders(pluginapi.Args{
		"senders":           "slack",
		"slack_webhook_url": "ftp://example.com/hook",
	})
	if err == nil || !strings.Contains(err.Error(), "invalid webhook URL") {
		t.Fatalf("err = %v", err)
	}
}

func TestParseSendersTwilioEnvFallback(t *testing.T) {
	t.Setenv("TWILIO_SID", "AC123")
	t.Setenv("TWILIO_TOKEN", "tok")
	cfg, err := ParseSenders(pluginapi.Args{
		"senders":            "sms",
		"twilio_from_number": "+15555550100",
		"twilio_to_number":   "+15555550101",
	})
	if err != nil {
		t.Fatalf("ParseSenders: %v", err)
	}
	if cfg["sms"]["twilio_sid"] != "AC123" || cfg["sms"]["twilio_token"] != "tok" {
		t.Fatalf("sms config = %v", cfg["sms"])
	}
}

func TestParseSendersEnvOverridesArgs(t *testing.T) {
	t.Setenv("TWILIO_SID", "AC-env")
	t.Setenv("TWILIO_TOKEN", "tok-env")
	cfg, err := ParseSenders(pluginapi.Args{
		"senders":            "sms",
		"twilio_sid":         "AC-args",
		"twilio_token":       "tok-args",
		"twilio_from_number": "+15555550100",
		"twilio_to_number":   "+15555550101",
	})
	if err != nil {
		t.Fatalf("ParseSenders: %v", err)
	}
	if cfg["sms"]["twilio_sid"] != "AC-env" || cfg["sms"]["twilio_token"] != "tok-env" {
		t.Fatalf("environment credentials must win, got %v", cfg["sms"])
	}
}

func TestDecodeHeaders(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte(`{"X-Api-Key":"abc"}`))
	h, err := DecodeHeaders(enc)
	if err != nil {
		t.Fatalf("DecodeHeaders: %v", err)
	}
	if h["X-Api-Key"] != "abc" {
		t.Fatalf("headers = %v", h)
	}
}

func TestDecodeHeadersRepairsPadding(t *testing.T) {
	enc := base64.StdEncoding.EncodeToString([]byte(`{"A":"1"}`))
	stripped := strings.TrimRight(enc, "=")
	h, err := DecodeHeaders(stripped)
	if err != nil {
		t.Fatalf("DecodeHeaders: %v", err)
	}
	if h["A"] != "1" {
		t.Fatalf("headers = %v", h)
	}
}

func TestDecodeHeadersEmpty(t *testing.T) {
	h, err := DecodeHeaders("")
	if err != nil || h != nil {
		t.Fatalf("DecodeHeaders(\"\") = %v, %v", h, err)
	}
}
