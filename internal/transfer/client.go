package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/banknet/banknet/internal/protocol"
)

// ProtocolClient delivers one signed protocol message to a participant
// endpoint. Implementations must be safe for concurrent use; tests substitute
// an in-process fake.
type ProtocolClient interface {
	Send(ctx context.Context, address string, env protocol.Envelope) (protocol.Response, error)
}

// HTTPClient posts envelopes to a remote participant's protocol endpoints.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient builds the outbound protocol client. Per-message deadlines
// come from the caller's context; the transport timeout is a backstop.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{http: &http.Client{}}
}

// Send posts the envelope to address/protocol/<type> and decodes the reply.
func (c *HTTPClient) Send(ctx context.Context, address string, env protocol.Envelope) (protocol.Response, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return protocol.Response{}, err
	}

	url := fmt.Sprintf("%s/protocol/%s", address, strings.ToLower(string(env.Type)))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return protocol.Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.Response{}, fmt.Errorf("participant returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded protocol.Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decoded); err != nil {
		return protocol.Response{}, fmt.Errorf("decode participant response: %w", err)
	}
	return decoded, nil
}
