// Package aria2 talks to running daemons over their XML-RPC interface.
package aria2

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/rpc"
	"strings"
	"sync"
	"time"

	"github.com/kolo/xmlrpc"
)

var (
	ErrRemoteUnavailable = errors.New("remote daemon unavailable")
	ErrRemoteFault       = errors.New("remote daemon returned a fault")
	ErrEndpointNotFound  = errors.New("rpc endpoint not found")
)

const tokenPrefix = "token:"

// API is the subset of the daemon's RPC interface the fleet uses.
type API interface {
	AddURI(ctx context.Context, secret string, uris []string, options map[string]string, position *int) (string, error)
	AddTorrent(ctx context.Context, secret string, torrent []byte, uris []string, options map[string]string, position *int) (string, error)
	AddMetalink(ctx context.Context, secret string, metalink []byte, options map[string]string, position *int) (string, error)
	TellStatus(ctx context.Context, gid string) (*Status, error)
	GetVersion(ctx context.Context) (*Version, error)
	GetSessionInfo(ctx context.Context) (string, error)
	GetGlobalStat(ctx context.Context) (map[string]string, error)
	GetGlobalOption(ctx context.Context) (map[string]string, error)
	ListMethods(ctx context.Context) ([]string, error)
	ListNotifications(ctx context.Context) ([]string, error)
	Shutdown(ctx context.Context) error
}

// Caller issues asynchronous RPC calls. *xmlrpc.Client satisfies it.
type Caller interface {
	Go(serviceMethod string, args interface{}, reply interface{}, done chan *rpc.Call) *rpc.Call
	Close() error
}

type Version struct {
	Version         string
	EnabledFeatures []string
}

// Client is a connection-less handle to one daemon endpoint. The underlying
// caller is rebuilt if a previous failure shut it down.
type Client struct {
	endpoint string
	token    string
	timeout  time.Duration
	dial     func(endpoint string) (Caller, error)

	mu     sync.Mutex
	caller Caller
}

// Option configures the client.
type Option func(*Client)

// WithToken sets the secret sent with calls that carry no secret of their own.
func WithToken(secret string) Option {
	return func(c *Client) {
		c.token = secret
	}
}

// WithTimeout bounds every call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithDialer replaces how the XML-RPC caller is built (primarily for tests).
func WithDialer(dial func(endpoint string) (Caller, error)) Option {
	return func(c *Client) {
		if dial != nil {
			c.dial = dial
		}
	}
}

func NewClient(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		timeout:  10 * time.Second,
	}
	c.dial = func(endpoint string) (Caller, error) {
		transport := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: c.timeout,
		}
		client, err := xmlrpc.NewClient(endpoint, transport)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller == nil {
		return nil
	}
	err := c.caller.Close()
	c.caller = nil
	return err
}

func (c *Client) getCaller() (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller != nil {
		return c.caller, nil
	}
	caller, err := c.dial(c.endpoint)
	if err != nil {
		return nil, err
	}
	c.caller = caller
	return caller, nil
}

func (c *Client) dropCaller(stale Caller) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller == stale {
		c.caller.Close()
		c.caller = nil
	}
}

func (c *Client) call(ctx context.Context, method string, args []interface{}, reply interface{}) error {
	caller, err := c.getCaller()
	if err != nil {
		return fmt.Errorf("%s: %w: %w", method, ErrRemoteUnavailable, err)
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var params interface{}
	if len(args) > 0 {
		params = args
	}

	call := caller.Go(method, params, reply, make(chan *rpc.Call, 1))
	select {
	case <-call.Done:
	case <-ctx.Done():
		return fmt.Errorf("%s: %w: %w", method, ErrRemoteUnavailable, ctx.Err())
	}

	if call.Error == nil {
		return nil
	}
	if isFault(call.Error) {
		return fmt.Errorf("%s: %w: %v", method, ErrRemoteFault, call.Error)
	}
	if errors.Is(call.Error, rpc.ErrShutdown) {
		c.dropCaller(caller)
	}
	return fmt.Errorf("%s: %w: %w", method, ErrRemoteUnavailable, call.Error)
}

// isFault reports whether the daemon answered with an XML-RPC fault rather
// than the call failing in transport.
func isFault(err error) bool {
	var serverErr rpc.ServerError
	if errors.As(err, &serverErr) {
		return true
	}
	var fault xmlrpc.FaultError
	if errors.As(err, &fault) {
		return true
	}
	return strings.Contains(err.Error(), "Fault(")
}

// withSecret prefixes params with the token for secret, or the client's own
// token when secret is empty.
func (c *Client) withSecret(secret string, params ...interface{}) []interface{} {
	if secret == "" {
		secret = c.token
	}
	if secret == "" {
		return params
	}
	if !strings.HasPrefix(secret, tokenPrefix) {
		secret = tokenPrefix + secret
	}
	return append([]interface{}{secret}, params...)
}

func optionsOrEmpty(options map[string]string) map[string]string {
	if options == nil {
		return map[string]string{}
	}
	return options
}

func withPosition(params []interface{}, position *int) []interface{} {
	if position != nil {
		params = append(params, *position)
	}
	return params
}

// encodeBase64 wraps file content as an XML-RPC <base64> value. The codec
// would otherwise send a []byte as an array of integers.
func encodeBase64(content []byte) xmlrpc.Base64 {
	return xmlrpc.Base64(base64.StdEncoding.EncodeToString(content))
}

func (c *Client) AddURI(ctx context.Context, secret string, uris []string, options map[string]string, position *int) (string, error) {
	params := c.withSecret(secret, uris, optionsOrEmpty(options))
	var gid string
	if err := c.call(ctx, "aria2.addUri", withPosition(params, position), &gid); err != nil {
		return "", err
	}
	return gid, nil
}

func (c *Client) AddTorrent(ctx context.Context, secret string, torrent []byte, uris []string, options map[string]string, position *int) (string, error) {
	if uris == nil {
		uris = []string{}
	}
	params := c.withSecret(secret, encodeBase64(torrent), uris, optionsOrEmpty(options))
	var gid string
	if err := c.call(ctx, "aria2.addTorrent", withPosition(params, position), &gid); err != nil {
		return "", err
	}
	return gid, nil
}

// AddMetalink returns the first GID the daemon assigned; a metalink that
// describes several files yields several GIDs.
func (c *Client) AddMetalink(ctx context.Context, secret string, metalink []byte, options map[string]string, position *int) (string, error) {
	params := c.withSecret(secret, encodeBase64(metalink), optionsOrEmpty(options))
	var reply interface{}
	if err := c.call(ctx, "aria2.addMetalink", withPosition(params, position), &reply); err != nil {
		return "", err
	}
	gids := toStrings(reply)
	if len(gids) == 0 {
		return "", fmt.Errorf("aria2.addMetalink: %w: no gid returned", ErrRemoteFault)
	}
	if len(gids) > 1 {
		slog.Warn("Metalink produced several downloads, tracking the first", "gids", gids)
	}
	return gids[0], nil
}

func (c *Client) TellStatus(ctx context.Context, gid string) (*Status, error) {
	var reply map[string]interface{}
	if err := c.call(ctx, "aria2.tellStatus", c.withSecret("", gid), &reply); err != nil {
		return nil, err
	}
	return newStatus(reply), nil
}

func (c *Client) GetVersion(ctx context.Context) (*Version, error) {
	var reply map[string]interface{}
	if err := c.call(ctx, "aria2.getVersion", c.withSecret(""), &reply); err != nil {
		return nil, err
	}
	return &Version{
		Version:         toString(reply["version"]),
		EnabledFeatures: toStrings(reply["enabledFeatures"]),
	}, nil
}

func (c *Client) GetSessionInfo(ctx context.Context) (string, error) {
	var reply map[string]interface{}
	if err := c.call(ctx, "aria2.getSessionInfo", c.withSecret(""), &reply); err != nil {
		return "", err
	}
	return toString(reply["sessionId"]), nil
}

func (c *Client) GetGlobalStat(ctx context.Context) (map[string]string, error) {
	return c.stringMap(ctx, "aria2.getGlobalStat")
}

func (c *Client) GetGlobalOption(ctx context.Context) (map[string]string, error) {
	return c.stringMap(ctx, "aria2.getGlobalOption")
}

func (c *Client) stringMap(ctx context.Context, method string) (map[string]string, error) {
	var reply map[string]interface{}
	if err := c.call(ctx, method, c.withSecret(""), &reply); err != nil {
		return nil, err
	}
	result := make(map[string]string, len(reply))
	for k, v := range reply {
		result[k] = toString(v)
	}
	return result, nil
}

func (c *Client) ListMethods(ctx context.Context) ([]string, error) {
	var reply []string
	return reply, c.call(ctx, "system.listMethods", nil, &reply)
}

func (c *Client) ListNotifications(ctx context.Context) ([]string, error) {
	var reply []string
	return reply, c.call(ctx, "system.listNotifications", nil, &reply)
}

func (c *Client) Shutdown(ctx context.Context) error {
	var reply string
	return c.call(ctx, "aria2.shutdown", c.withSecret(""), &reply)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

func toStrings(v interface{}) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return t
	case []interface{}:
		result := make([]string, 0, len(t))
		for _, item := range t {
			result = append(result, toString(item))
		}
		return result
	default:
		return nil
	}
}
