// Package notifier is the dispatch hub behind the alerting plugins. It
// receives notification requests over the engine's HTTP trigger surface and
// fans them out to the configured channels: Slack, Discord and plain HTTP
// webhooks, SMS and WhatsApp through Twilio.
package notifier
