package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultRequestTimeout bounds a single HTTP call.
const DefaultRequestTimeout = 15 * time.Second

type httpClient struct {
	service string
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPClient(service, baseURL, token string, client *http.Client) httpClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return httpClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  client,
	}
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (c httpClient) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s %s: encode request: %w", c.service, op, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s %s: build request: %w", c.service, op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &Error{Service: c.service, Op: op, Kind: transportKind(err), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &Error{
			Service: c.service,
			Op:      op,
			Kind:    statusKind(resp.StatusCode),
			Status:  resp.StatusCode,
			Err:     errors.New(strings.TrimSpace(string(msg))),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		// A 2xx with a garbled body is the service misbehaving, not us.
		return &Error{Service: c.service, Op: op, Kind: KindUnavailable, Status: resp.StatusCode,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func statusKind(status int) Kind {
	switch {
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status == http.StatusTooManyRequests:
		return KindUnavailable
	case status >= 500:
		return KindUnavailable
	default:
		return KindBadRequest
	}
}

func transportKind(err error) Kind {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnection
}

// HTTPDNS is a DNS provider client speaking a small JSON API:
//
//	POST   /records       {"subdomain", "target"} -> {"id", "fqdn"}
//	DELETE /records/{id}
type HTTPDNS struct {
	c httpClient
}

// NewHTTPDNS creates a DNS client. A nil client gets DefaultRequestTimeout.
func NewHTTPDNS(baseURL, token string, client *http.Client) *HTTPDNS {
	return &HTTPDNS{c: newHTTPClient("dns", baseURL, token, client)}
}

func (d *HTTPDNS) CreateRecord(ctx context.Context, subdomain, target string) (Record, error) {
	var rec Record
	err := d.c.do(ctx, "create record", http.MethodPost, "/records",
		map[string]string{"subdomain": subdomain, "target": target}, &rec)
	if err != nil {
		return Record{}, err
	}
	if rec.ID == "" {
		return Record{}, &Error{Service: "dns", Op: "create record", Kind: KindUnavailable,
			Err: errors.New("response carried no record id")}
	}
	return rec, nil
}

func (d *HTTPDNS) DeleteRecord(ctx context.Context, recordID string) error {
	return d.c.do(ctx, "delete record", http.MethodDelete, "/records/"+url.PathEscape(recordID), nil, nil)
}

// HTTPEmail is an email provider client:
//
//	POST /messages {"to", "template_id", "data"} -> {"id", "delivered"}
type HTTPEmail struct {
	c httpClient
}

// NewHTTPEmail creates an email client. A nil client gets
// DefaultRequestTimeout.
func NewHTTPEmail(baseURL, token string, client *http.Client) *HTTPEmail {
	return &HTTPEmail{c: newHTTPClient("email", baseURL, token, client)}
}

func (e *HTTPEmail) Send(ctx context.Context, recipient, templateID string, data map[string]string) (Delivery, error) {
	var d Delivery
	err := e.c.do(ctx, "send", http.MethodPost, "/messages", map[string]any{
		"to":          recipient,
		"template_id": templateID,
		"data":        data,
	}, &d)
	if err != nil {
		return Delivery{}, err
	}
	return d, nil
}
