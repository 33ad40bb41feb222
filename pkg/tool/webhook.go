package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cexll/genbridge/pkg/content"
)

const maxWebhookBody = 1 << 20

// Webhook returns a handler that POSTs the decoded arguments as JSON to
// endpoint and returns the JSON response body as content. A complete non-JSON
// body is returned as a string; a body over the size limit is an error.
func Webhook(endpoint string, client *http.Client) Handler {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return HandlerFunc(func(ctx context.Context, args content.Value) (content.Value, error) {
		body, err := args.MarshalJSON()
		if err != nil {
			return content.Null, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return content.Null, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return content.Null, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookBody+1))
		if err != nil {
			return content.Null, err
		}
		tooLarge := len(raw) > maxWebhookBody
		if tooLarge {
			raw = raw[:maxWebhookBody]
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return content.Null, fmt.Errorf("webhook %s: status %d: %s", endpoint, resp.StatusCode, strings.TrimSpace(string(raw)))
		}
		if tooLarge {
			return content.Null, fmt.Errorf("webhook %s: response exceeds %d bytes", endpoint, maxWebhookBody)
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			return content.Null, nil
		}
		v, err := content.Parse(raw)
		if err != nil {
			return content.String(string(raw)), nil
		}
		return v, nil
	})
}
