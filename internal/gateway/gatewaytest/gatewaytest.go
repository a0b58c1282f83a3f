// Package gatewaytest provides scripted in-memory gateways for tests and
// the CLI sandbox mode.
package gatewaytest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/orgboot/internal/gateway"
)

// Unavailable returns a retryable gateway error.
func Unavailable(service string) error {
	return &gateway.Error{Service: service, Op: "scripted", Kind: gateway.KindUnavailable, Status: 503,
		Err: errors.New("service unavailable")}
}

// BadRequest returns a non-retryable gateway error.
func BadRequest(service string) error {
	return &gateway.Error{Service: service, Op: "scripted", Kind: gateway.KindBadRequest, Status: 400,
		Err: errors.New("rejected")}
}

// DNS is an in-memory DNS provider. Scripted errors are consumed one per
// call, in order; once the script runs out calls succeed. Like a real
// provider, creating a record for a subdomain that already has one returns
// the existing record.
type DNS struct {
	mu           sync.Mutex
	zone         string
	createScript []error
	deleteScript []error
	records      map[string]gateway.Record
	next         int
	creates      int
	deletes      int

	// Hook, when set, runs at the start of every call.
	Hook func(ctx context.Context, op string)
}

// NewDNS creates a provider that issues FQDNs under zone.
func NewDNS(zone string) *DNS {
	return &DNS{zone: zone, records: make(map[string]gateway.Record)}
}

// ScriptCreate queues results for upcoming CreateRecord calls. A nil entry
// is a success.
func (d *DNS) ScriptCreate(errs ...error) *DNS {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.createScript = append(d.createScript, errs...)
	return d
}

// ScriptDelete queues results for upcoming DeleteRecord calls.
func (d *DNS) ScriptDelete(errs ...error) *DNS {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleteScript = append(d.deleteScript, errs...)
	return d
}

func (d *DNS) CreateRecord(ctx context.Context, subdomain, target string) (gateway.Record, error) {
	if d.Hook != nil {
		d.Hook(ctx, "create")
	}
	if err := ctx.Err(); err != nil {
		return gateway.Record{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.creates++
	if err := pop(&d.createScript); err != nil {
		return gateway.Record{}, err
	}
	fqdn := subdomain + "." + d.zone
	for _, rec := range d.records {
		if rec.FQDN == fqdn {
			return rec, nil
		}
	}
	d.next++
	rec := gateway.Record{ID: fmt.Sprintf("rec-%d", d.next), FQDN: fqdn}
	d.records[rec.ID] = rec
	return rec, nil
}

func (d *DNS) DeleteRecord(ctx context.Context, recordID string) error {
	if d.Hook != nil {
		d.Hook(ctx, "delete")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.deletes++
	if err := pop(&d.deleteScript); err != nil {
		return err
	}
	if _, ok := d.records[recordID]; !ok {
		return &gateway.Error{Service: "dns", Op: "delete record", Kind: gateway.KindNotFound, Status: 404,
			Err: fmt.Errorf("record %s not found", recordID)}
	}
	delete(d.records, recordID)
	return nil
}

// Records returns the live records ordered by id.
func (d *DNS) Records() []gateway.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]gateway.Record, 0, len(d.records))
	for _, r := range d.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Calls returns the number of CreateRecord and DeleteRecord calls.
func (d *DNS) Calls() (creates, deletes int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.creates, d.deletes
}

// Message is one email accepted by Email.
type Message struct {
	To         string
	TemplateID string
	Data       map[string]string
}

// Email is an in-memory email provider. Recipients registered with Fail
// always fail with the given error.
type Email struct {
	mu    sync.Mutex
	fails map[string]error
	sent  []Message
	calls int
}

// NewEmail creates a provider that delivers everything.
func NewEmail() *Email {
	return &Email{fails: make(map[string]error)}
}

// Fail makes every send to recipient return err.
func (e *Email) Fail(recipient string, err error) *Email {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fails[recipient] = err
	return e
}

func (e *Email) Send(ctx context.Context, recipient, templateID string, data map[string]string) (gateway.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return gateway.Delivery{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if err := e.fails[recipient]; err != nil {
		return gateway.Delivery{}, err
	}
	e.sent = append(e.sent, Message{To: recipient, TemplateID: templateID, Data: data})
	return gateway.Delivery{Delivered: true, MessageID: "msg-" + recipient}, nil
}

// Sent returns accepted messages ordered by recipient.
func (e *Email) Sent() []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Message, len(e.sent))
	copy(out, e.sent)
	sort.Slice(out, func(i, j int) bool { return out[i].To < out[j].To })
	return out
}

// Calls returns the number of Send calls, failed ones included.
func (e *Email) Calls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

func pop(script *[]error) error {
	if len(*script) == 0 {
		return nil
	}
	err := (*script)[0]
	*script = (*script)[1:]
	return err
}
