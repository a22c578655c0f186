// Package notify is the shared notification layer for the alerting plugins.
//
// It parses sender configurations from trigger arguments, builds per-channel
// payloads (Slack, Discord, generic HTTP webhooks, Twilio SMS and WhatsApp),
// and delivers them with bounded retry. Alerting plugins do not talk to the
// channels directly: they POST to the notifier plugin's engine endpoint
// through EngineClient, and the notifier fans out from there.
package notify
