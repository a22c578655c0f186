package replicator

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/influxdata/influxdb1-client/models"
	client "github.com/influxdata/influxdb1-client/v2"
)

// RemoteWriter ships line-protocol records to the remote instance.
type RemoteWriter interface {
	Write(lines []string) error
}

type influxRemote struct {
	client   client.Client
	database string
}

// newRemote builds a writer against the remote InfluxDB's v1 compatibility
// write API. The token travels as the basic-auth password.
func newRemote(host, token, database string, verifySSL bool) (RemoteWriter, error) {
	addr, err := parseHost(host)
	if err != nil {
		return nil, err
	}
	c, err := client.NewHTTPClient(client.HTTPConfig{
		Addr:               addr,
		Username:           "token",
		Password:           token,
		InsecureSkipVerify: !verifySSL,
	})
	if err != nil {
		return nil, err
	}
	return &influxRemote{client: c, database: database}, nil
}

func (r *influxRemote) Write(lines []string) error {
	points, err := models.ParsePointsString(strings.Join(lines, "\n"))
	if err != nil {
		return fmt.Errorf("parse queued lines: %w", err)
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{
		Database:  r.database,
		Precision: "ns",
	})
	if err != nil {
		return err
	}
	for _, p := range points {
		bp.AddPoint(client.NewPointFrom(p))
	}
	return r.client.Write(bp)
}

// parseHost normalizes the host argument to a base URL. Surrounding quotes
// are stripped, the scheme defaults to http and the port to 8181.
func parseHost(raw string) (string, error) {
	host := strings.TrimSpace(raw)
	if len(host) >= 2 && host[0] == host[len(host)-1] && (host[0] == '\'' || host[0] == '"') {
		host = strings.TrimSpace(host[1 : len(host)-1])
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	parsed, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid host %q: %w", raw, err)
	}
	if parsed.Hostname() == "" {
		return "", fmt.Errorf("invalid host %q: no hostname found", raw)
	}
	port := parsed.Port()
	if port == "" {
		port = "8181"
	}
	return fmt.Sprintf("%s://%s:%s", parsed.Scheme, parsed.Hostname(), port), nil
}
