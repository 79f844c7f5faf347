package ksql

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-streams/pkg/logging"
)

// DefaultTimeout is the maximum time to wait for a ksqlDB statement response.
const DefaultTimeout = 30 * time.Second

const contentType = "application/vnd.ksql.v1+json"

// RESTConfig addresses a ksqlDB server.
type RESTConfig struct {
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// RESTExecutor executes statements against the ksqlDB REST API.
type RESTExecutor struct {
	cfg        RESTConfig
	httpClient *http.Client
	logger     *zap.Logger
}

var _ StatementExecutor = (*RESTExecutor)(nil)

// NewRESTExecutor creates a RESTExecutor.
func NewRESTExecutor(cfg RESTConfig, logger *zap.Logger) *RESTExecutor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RESTExecutor{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("ksql-rest"),
	}
}

type statementRequest struct {
	KSQL              string            `json:"ksql"`
	StreamsProperties map[string]string `json:"streamsProperties"`
}

// Execute posts sql to /ksql. A server-side rejection is reported through
// Response.Success=false; only transport failures are returned as errors.
func (e *RESTExecutor) Execute(ctx context.Context, sql string) (*Response, error) {
	status, body, err := e.post(ctx, "ksql", statementRequest{
		KSQL:              sql,
		StreamsProperties: map[string]string{},
	})
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		resp := &Response{Success: false, Body: body, ErrorCode: status, Message: body, ErrorDetail: ParseErrorDetail(body)}
		if msg, code, ok := ParseErrorBody(body); ok {
			resp.Message = msg
			if code != 0 {
				resp.ErrorCode = code
			}
		}
		e.logger.Debug("ksqlDB rejected statement",
			zap.String("statement", logging.SanitizeStatement(sql)),
			zap.Int("status", status),
			zap.Int("error_code", resp.ErrorCode),
			zap.String("message", resp.Message),
			zap.String("detail", resp.ErrorDetail))
		return resp, nil
	}

	resp := &Response{Success: true, Body: body}
	if cmdStatus, msg, ok := ParseCommandStatus(body); ok {
		resp.Message = msg
		if strings.EqualFold(cmdStatus, "ERROR") {
			resp.Success = false
		}
	}
	return resp, nil
}

// QueryRows posts sql to /query and decodes the streamed rows using the header schema.
func (e *RESTExecutor) QueryRows(ctx context.Context, sql string, timeout time.Duration) ([]Row, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, body, err := e.post(ctx, "query", statementRequest{
		KSQL:              sql,
		StreamsProperties: map[string]string{"ksql.streams.auto.offset.reset": "earliest"},
	})
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		if msg, _, ok := ParseErrorBody(body); ok {
			return nil, fmt.Errorf("ksqlDB query returned status %d: %s", status, msg)
		}
		return nil, fmt.Errorf("ksqlDB query returned status %d: %s", status, body)
	}
	return parseQueryRows(body)
}

func (e *RESTExecutor) post(ctx context.Context, endpointPath string, payload statementRequest) (int, string, error) {
	endpoint, err := buildURL(e.cfg.URL, endpointPath)
	if err != nil {
		return 0, "", fmt.Errorf("failed to build URL: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return 0, "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return 0, "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", contentType)
	if e.cfg.Username != "" {
		req.SetBasicAuth(e.cfg.Username, e.cfg.Password)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("failed to call ksqlDB: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return 0, "", fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, string(body), nil
}

// parseQueryRows decodes a /query response: a header object carrying the schema
// followed by row objects whose columns are positional.
func parseQueryRows(body string) ([]Row, error) {
	var items []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(strings.TrimSpace(body)), &items); err != nil {
		// Streamed responses cut off by the timeout lack the closing bracket.
		trimmed := strings.TrimRight(strings.TrimSpace(body), ",")
		if err := json.Unmarshal([]byte(trimmed+"]"), &items); err != nil {
			return nil, fmt.Errorf("failed to parse query response: %w", err)
		}
	}

	var columns []string
	var rows []Row
	for _, item := range items {
		if raw, ok := item["header"]; ok {
			var header struct {
				Schema string `json:"schema"`
			}
			if err := json.Unmarshal(raw, &header); err == nil {
				columns = schemaColumns(header.Schema)
			}
			continue
		}
		raw, ok := item["row"]
		if !ok {
			continue
		}
		var row struct {
			Columns []any `json:"columns"`
		}
		if err := json.Unmarshal(raw, &row); err != nil {
			continue
		}
		r := make(Row, len(row.Columns))
		for i, v := range row.Columns {
			name := fmt.Sprintf("COL%d", i)
			if i < len(columns) {
				name = columns[i]
			}
			r[name] = v
		}
		rows = append(rows, r)
	}
	return rows, nil
}

// schemaColumns extracts column names from a header schema such as
// "`SYMBOL` STRING KEY, `PRICE` STRUCT<`A` INT, `B` INT>".
func schemaColumns(schema string) []string {
	var names []string
	depth := 0
	start := 0
	emit := func(part string) {
		part = strings.TrimSpace(part)
		if part == "" {
			return
		}
		name := strings.Fields(part)[0]
		names = append(names, strings.Trim(name, "`\""))
	}
	for i, r := range schema {
		switch r {
		case '<', '(':
			depth++
		case '>', ')':
			depth--
		case ',':
			if depth == 0 {
				emit(schema[start:i])
				start = i + 1
			}
		}
	}
	emit(schema[start:])
	return names
}

func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}
