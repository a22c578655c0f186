package notify

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

const twilioBaseURL = "https://api.twilio.com"

// Twilio sends SMS and WhatsApp messages through the Twilio REST API.
// BaseURL defaults to the public API and is overridable for tests.
type Twilio struct {
	SID      string
	Token    string
	From     string
	To       string
	WhatsApp bool
	BaseURL  string
	Client   *http.Client
}

// NewTwilio builds a Twilio sender from a parsed sender config.
func NewTwilio(cfg Config, whatsapp bool) *Twilio {
	return &Twilio{
		SID:      cfg["twilio_sid"],
		Token:    cfg["twilio_token"],
		From:     cfg["twilio_from_number"],
		To:       cfg["twilio_to_number"],
		WhatsApp: whatsapp,
	}
}

func (t *Twilio) client() *http.Client {
	if t.Client != nil {
		return t.Client
	}
	return &http.Client{Timeout: requestTimeout}
}

// Send delivers the message as one form-encoded POST to the Messages
// endpoint. WhatsApp numbers are prefixed "whatsapp:" when not already.
func (t *Twilio) Send(ctx context.Context, message string) error {
	from, to := t.From, t.To
	if t.WhatsApp {
		from = whatsappNumber(from)
		to = whatsappNumber(to)
	}

	form := url.Values{}
	form.Set("From", from)
	form.Set("To", to)
	form.Set("Body", message)

	base := t.BaseURL
	if base == "" {
		base = twilioBaseURL
	}
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", base, t.SID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(t.SID, t.Token)

	resp, err := t.client().Do(req)
	if err != nil {
		return fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("twilio returned status %d", resp.StatusCode)
	}
	return nil
}

func whatsappNumber(n string) string {
	if strings.HasPrefix(n, "whatsapp:") {
		return n
	}
	return "whatsapp:" + n
}
