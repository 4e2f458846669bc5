package aria2

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"

	"github.com/kballard/go-shellquote"

	"github.com/patent-dev/aria2-fleet/config"
	"github.com/patent-dev/aria2-fleet/internal/database"
)

const secretFlag = "--rpc-secret"

// Resolver maps instances to their RPC endpoints and keeps one lazily built
// client per instance.
type Resolver struct {
	db      *database.DB
	cfg     *config.Config
	opts    []Option
	mu      sync.Mutex
	clients map[int]cachedClient
}

// cachedClient remembers which process a client was built for. A pid seen
// again with another command line is a different daemon.
type cachedClient struct {
	client  *Client
	command string
}

func NewResolver(db *database.DB, cfg *config.Config, opts ...Option) *Resolver {
	return &Resolver{
		db:      db,
		cfg:     cfg,
		opts:    opts,
		clients: make(map[int]cachedClient),
	}
}

// Endpoint builds http://<host>:<port><path> from the instance profile's
// RPC port binding. Instances adopted without a profile fall back to the
// port flag on their command line.
func (r *Resolver) Endpoint(ctx context.Context, inst *database.Instance) (string, error) {
	port, _, err := r.lookup(ctx, inst)
	if err != nil {
		return "", err
	}
	return r.endpointURL(port), nil
}

func (r *Resolver) endpointURL(port string) string {
	path := r.cfg.RPCPath
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort(r.cfg.RPCHost, port),
		Path:   path,
	}
	return u.String()
}

func (r *Resolver) lookup(ctx context.Context, inst *database.Instance) (port, secret string, err error) {
	if inst.ProfileID == nil {
		return r.lookupCommand(inst)
	}

	var pairs []database.ArgumentPair
	err = r.db.WithContext(ctx).
		Joins("Argument").
		Where("argument_pairs.profile_id = ?", *inst.ProfileID).
		Find(&pairs).Error
	if err != nil {
		return "", "", err
	}
	for _, pair := range pairs {
		switch pair.Argument.LongFlag {
		case r.cfg.RPCPortFlag:
			port = pair.Value
		case secretFlag:
			secret = pair.Value
		}
	}
	if port == "" {
		return "", "", fmt.Errorf("%w: profile %d has no %s", ErrEndpointNotFound, *inst.ProfileID, r.cfg.RPCPortFlag)
	}
	return port, secret, nil
}

func (r *Resolver) lookupCommand(inst *database.Instance) (port, secret string, err error) {
	words, err := shellquote.Split(inst.Command)
	if err != nil {
		return "", "", fmt.Errorf("%w: parse command of pid %d: %v", ErrEndpointNotFound, inst.PID, err)
	}
	for _, word := range words {
		flag, value, ok := strings.Cut(word, "=")
		if !ok {
			continue
		}
		switch flag {
		case r.cfg.RPCPortFlag:
			port = value
		case secretFlag:
			secret = value
		}
	}
	if port == "" {
		return "", "", fmt.Errorf("%w: pid %d has no %s", ErrEndpointNotFound, inst.PID, r.cfg.RPCPortFlag)
	}
	return port, secret, nil
}

// Client returns the cached client for the instance, building it on first
// use. A cached client built for another process with the same pid is
// replaced.
func (r *Resolver) Client(ctx context.Context, inst *database.Instance) (API, error) {
	if client, ok := r.cached(inst); ok {
		return client, nil
	}

	port, secret, err := r.lookup(ctx, inst)
	if err != nil {
		return nil, err
	}

	opts := append([]Option{WithTimeout(r.cfg.RPCDeadline())}, r.opts...)
	if secret != "" {
		opts = append(opts, WithToken(secret))
	}
	client := NewClient(r.endpointURL(port), opts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[inst.PID]; ok {
		if entry.command == inst.Command {
			client.Close()
			return entry.client, nil
		}
		entry.client.Close()
	}
	r.clients[inst.PID] = cachedClient{client: client, command: inst.Command}
	return client, nil
}

func (r *Resolver) cached(inst *database.Instance) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.clients[inst.PID]
	if !ok {
		return nil, false
	}
	if entry.command != inst.Command {
		delete(r.clients, inst.PID)
		entry.client.Close()
		return nil, false
	}
	return entry.client, true
}

// Forget drops the cached client of pid.
func (r *Resolver) Forget(pid int) {
	r.mu.Lock()
	entry, ok := r.clients[pid]
	delete(r.clients, pid)
	r.mu.Unlock()
	if ok {
		entry.client.Close()
	}
}

func (r *Resolver) Close() {
	r.mu.Lock()
	clients := r.clients
	r.clients = make(map[int]cachedClient)
	r.mu.Unlock()
	for _, entry := range clients {
		entry.client.Close()
	}
}
