package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ChuLiYu/docflow/pkg/types"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// responseSchema is the shape every engine response must have before it is
// trusted. Field confidences outside [0,100] are rejected here rather than
// clamped later.
const responseSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["code"],
  "properties": {
    "code": {"type": "integer"},
    "msg":  {"type": "string"},
    "data": {
      "type": "object",
      "required": ["fields"],
      "properties": {
        "fields": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "required": ["value", "confidence"],
            "properties": {
              "value":      {"type": "string"},
              "confidence": {"type": "number", "minimum": 0, "maximum": 100}
            }
          }
        },
        "validation_flags": {"type": "array", "items": {"type": "string"}}
      }
    }
  }
}`

// ClientConfig configures the HTTP extractor.
type ClientConfig struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
}

// Client calls an OCR engine over HTTP.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
	schema     *jsonschema.Schema
}

type extractRequest struct {
	CaseID      string        `json:"case_id"`
	DocumentURI string        `json:"document_uri"`
	Profile     string        `json:"profile,omitempty"`
	Masks       []maskPayload `json:"masks"`
}

type maskPayload struct {
	Type   string `json:"type"`
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

type extractResponse struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
	Data    struct {
		Fields          map[string]types.Field `json:"fields"`
		ValidationFlags []string               `json:"validation_flags"`
	} `json:"data"`
}

// NewClient builds a client and compiles the response schema.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("ocr: endpoint required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("extract_response.json", strings.NewReader(responseSchema)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("extract_response.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		schema:     schema,
	}, nil
}

// Extract posts one document with its masks and profile. Every failure,
// including a non-zero engine code and a schema mismatch, wraps
// ErrExtractionFailure.
func (c *Client) Extract(ctx context.Context, in ExtractionRequest) (*ExtractionResult, error) {
	body := extractRequest{
		CaseID:      string(in.CaseID),
		DocumentURI: in.DocumentURI,
		Profile:     in.Profile,
		Masks:       make([]maskPayload, 0, len(in.Masks)),
	}
	for _, m := range in.Masks {
		body.Masks = append(body.Masks, maskPayload{
			Type:   string(m.Type),
			X:      m.Region.X,
			Y:      m.Region.Y,
			Width:  m.Region.Width,
			Height: m.Region.Height,
		})
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.Endpoint, "/")+"/extract", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: send request: %v", ErrExtractionFailure, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrExtractionFailure, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrExtractionFailure, resp.StatusCode, truncate(raw, 200))
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrExtractionFailure, err)
	}
	if err := c.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: response does not match schema: %v", ErrExtractionFailure, err)
	}

	var out extractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrExtractionFailure, err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("%w: engine error %d: %s", ErrExtractionFailure, out.Code, out.Message)
	}

	return &ExtractionResult{
		Fields:          out.Data.Fields,
		ValidationFlags: out.Data.ValidationFlags,
	}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
