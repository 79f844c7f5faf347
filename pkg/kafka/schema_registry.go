package kafka

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SchemaRegistry checks subjects against a Confluent-compatible schema registry.
type SchemaRegistry struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewSchemaRegistry creates a client for the registry at baseURL.
func NewSchemaRegistry(baseURL string, timeout time.Duration, logger *zap.Logger) *SchemaRegistry {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &SchemaRegistry{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("schema-registry"),
	}
}

// SubjectExists reports whether subject has at least one registered version.
// A 404 is a definite "no"; other non-2xx statuses are errors.
func (r *SchemaRegistry) SubjectExists(ctx context.Context, subject string) (bool, error) {
	endpoint := fmt.Sprintf("%s/subjects/%s/versions/latest", r.baseURL, url.PathEscape(subject))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.schemaregistry.v1+json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to call schema registry: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		r.logger.Debug("Subject not registered", zap.String("subject", subject))
		return false, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return true, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("schema registry returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}
