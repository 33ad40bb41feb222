package mcp

import (
	"context"
	"fmt"
	"net/url"
	"os/exec"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	stdioSchemePrefix = "stdio://"
	sseSchemePrefix   = "sse://"
	httpHintType      = "http"
	sseHintType       = "sse"
)

// buildTransport turns a server spec into an SDK transport:
//
//	stdio://cmd args      spawn cmd and speak over stdin/stdout
//	sse://host/path       legacy SSE transport (https assumed)
//	http+sse://host/path  SSE with an explicit scheme
//	http+stream://host    streamable HTTP transport
//	https://host/path     SSE
//	anything else         a stdio command line
func buildTransport(ctx context.Context, spec string) (mcpsdk.Transport, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("mcp: transport spec is empty")
	}

	lowered := strings.ToLower(spec)
	switch {
	case strings.HasPrefix(lowered, stdioSchemePrefix):
		return buildStdioTransport(ctx, spec[len(stdioSchemePrefix):])
	case strings.HasPrefix(lowered, sseSchemePrefix):
		endpoint, err := normalizeHTTPURL(spec[len(sseSchemePrefix):], true)
		if err != nil {
			return nil, fmt.Errorf("mcp: invalid SSE endpoint: %w", err)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
	}

	kind, endpoint, matched, err := parseHTTPFamilySpec(spec)
	if err != nil {
		return nil, err
	}
	if matched {
		if kind == httpHintType {
			return &mcpsdk.StreamableClientTransport{Endpoint: endpoint}, nil
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
	}

	if strings.HasPrefix(lowered, "http://") || strings.HasPrefix(lowered, "https://") {
		endpoint, err := normalizeHTTPURL(spec, false)
		if err != nil {
			return nil, fmt.Errorf("mcp: invalid SSE endpoint: %w", err)
		}
		return &mcpsdk.SSEClientTransport{Endpoint: endpoint}, nil
	}
	return buildStdioTransport(ctx, spec)
}

func buildStdioTransport(ctx context.Context, cmdSpec string) (mcpsdk.Transport, error) {
	parts := strings.Fields(cmdSpec)
	if len(parts) == 0 {
		return nil, fmt.Errorf("mcp: stdio command is empty")
	}
	// #nosec G204 -- the command comes from operator configuration
	command := exec.CommandContext(ctx, parts[0], parts[1:]...)
	return &mcpsdk.CommandTransport{Command: command}, nil
}

func parseHTTPFamilySpec(spec string) (kind, endpoint string, matched bool, err error) {
	u, parseErr := url.Parse(spec)
	if parseErr != nil || u.Scheme == "" {
		return "", "", false, nil
	}
	base, hint, hasHint := strings.Cut(strings.ToLower(u.Scheme), "+")
	if !hasHint || (base != "http" && base != "https") {
		return "", "", false, nil
	}
	switch hint {
	case "sse":
		kind = sseHintType
	case "stream", "streamable", "http", "json":
		kind = httpHintType
	default:
		return "", "", true, fmt.Errorf("mcp: unsupported HTTP transport hint %q", hint)
	}
	normalized := *u
	normalized.Scheme = base
	endpoint, err = normalizeHTTPURL(normalized.String(), false)
	if err != nil {
		return "", "", true, fmt.Errorf("mcp: invalid %s endpoint: %w", kind, err)
	}
	return kind, endpoint, true, nil
}

func normalizeHTTPURL(raw string, guessScheme bool) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("endpoint is empty")
	}
	if guessScheme && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("missing host")
	}
	parsed.Scheme = scheme
	return parsed.String(), nil
}
