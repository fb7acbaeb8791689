package transaction

import (
	"errors"
	"fmt"
	"net/http"

	"httpbackend-go/internal/executor"
	"httpbackend-go/internal/model"
)

var (
	// ErrNotInitialized is returned for unknown transactions and for
	// mutating or sending a transaction that is no longer unsent.
	ErrNotInitialized = errors.New("isn't initialized")

	// ErrNoStore is returned when the call-scoped storage is missing or closed.
	ErrNoStore = errors.New("transaction: call-scoped storage unavailable")
)

// Spawner submits a request for execution.
type Spawner interface {
	Spawn(req model.Request) *executor.Reply
}

func notInitialized(name string) error {
	return fmt.Errorf("request %q %w", name, ErrNotInitialized)
}

// Client is the script-facing side of one configured HTTP client. Every
// operation is keyed by the client's name plus the transaction name inside
// the caller's Store.
type Client struct {
	name    string
	http    *http.Client
	spawner Spawner
}

// NewClient returns a Client that executes through sp using hc.
func NewClient(name string, hc *http.Client, sp Spawner) *Client {
	return &Client{name: name, http: hc, spawner: sp}
}

// Name returns the client name.
func (c *Client) Name() string {
	return c.name
}

// Init creates or replaces the transaction name. A replaced transaction that
// was already sent is abandoned; its exchange keeps running.
func (c *Client) Init(s *Store, name, method, url string) error {
	if s == nil {
		return ErrNoStore
	}
	tx := newTransaction(model.Request{
		Method:   method,
		URL:      url,
		Body:     model.NoBody(),
		Buffered: true,
		Client:   c.http,
	})
	old, err := s.put(c.name, name, tx)
	if err != nil {
		return err
	}
	if old != nil {
		old.abandon()
	}
	return nil
}

// SetHeader appends a header to an unsent transaction.
func (c *Client) SetHeader(s *Store, name, key, value string) error {
	tx, err := c.lookup(s, name)
	if err != nil {
		return err
	}
	if !tx.mutate(func(req *model.Request) {
		req.Headers = append(req.Headers, model.HeaderPair{Name: key, Value: value})
	}) {
		return notInitialized(name)
	}
	return nil
}

// SetBody replaces the body of an unsent transaction.
func (c *Client) SetBody(s *Store, name string, body []byte) error {
	tx, err := c.lookup(s, name)
	if err != nil {
		return err
	}
	if !tx.mutate(func(req *model.Request) {
		req.Body = model.FullBody(append([]byte(nil), body...))
	}) {
		return notInitialized(name)
	}
	return nil
}

// Send submits an unsent transaction without waiting for the outcome.
func (c *Client) Send(s *Store, name string) error {
	tx, err := c.lookup(s, name)
	if err != nil {
		return err
	}
	if !tx.send(c.spawner) {
		return notInitialized(name)
	}
	return nil
}

// Status returns the response status, or 0 if the exchange failed.
func (c *Client) Status(s *Store, name string) (int, error) {
	r, err := c.resolve(s, name)
	if err != nil {
		return 0, err
	}
	if r.err != nil {
		return 0, nil
	}
	return r.resp.Status, nil
}

// Header returns the first value of response header key. ok is false when
// the header is absent or the exchange failed.
func (c *Client) Header(s *Store, name, key string) (value string, ok bool, err error) {
	r, err := c.resolve(s, name)
	if err != nil {
		return "", false, err
	}
	if r.err != nil {
		return "", false, nil
	}
	values := r.resp.Header.Values(key)
	if len(values) == 0 {
		return "", false, nil
	}
	return values[0], true, nil
}

// BodyBytes returns the buffered response body, empty if the exchange failed.
func (c *Client) BodyBytes(s *Store, name string) ([]byte, error) {
	r, err := c.resolve(s, name)
	if err != nil {
		return nil, err
	}
	if r.err != nil || r.resp.Body == nil {
		return []byte{}, nil
	}
	return r.resp.Body, nil
}

// BodyString returns the buffered response body as a string.
func (c *Client) BodyString(s *Store, name string) (string, error) {
	b, err := c.BodyBytes(s, name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Error returns the transport error message. ok is false when the exchange succeeded.
func (c *Client) Error(s *Store, name string) (msg string, ok bool, err error) {
	r, err := c.resolve(s, name)
	if err != nil {
		return "", false, err
	}
	if r.err == nil {
		return "", false, nil
	}
	return r.err.Error(), true, nil
}

// Cause returns the underlying transport error, nil on success.
func (c *Client) Cause(s *Store, name string) (cause, err error) {
	r, err := c.resolve(s, name)
	if err != nil {
		return nil, err
	}
	return r.err, nil
}

func (c *Client) lookup(s *Store, name string) (*Transaction, error) {
	if s == nil {
		return nil, notInitialized(name)
	}
	tx, ok := s.get(c.name, name)
	if !ok {
		return nil, notInitialized(name)
	}
	return tx, nil
}

func (c *Client) resolve(s *Store, name string) (resolved, error) {
	tx, err := c.lookup(s, name)
	if err != nil {
		return resolved{}, err
	}
	return tx.resolve(c.spawner), nil
}
