// Package proxy implements routing.Layer as an in-process HTTP reverse proxy.
// Each attached instance gets a target id and is served under
// /boxes/{target}/ with the prefix stripped before forwarding.
//
// Targets are forwarded to as soon as they are attached. There is no health
// checking; a box that is not listening yet answers 502 until it is.
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/jxucoder/efimeral/pkg/model"
)

// PathPrefix is where box targets are mounted.
const PathPrefix = "/boxes"

// targetIDLen is how much of the task id names a target.
const targetIDLen = 12

// Proxy is a reverse proxy with a table of attached targets.
type Proxy struct {
	publicURL string
	transport http.RoundTripper

	mu      sync.RWMutex
	targets map[string]*url.URL // target id -> upstream
}

// Option configures a Proxy.
type Option func(*Proxy)

// WithTransport sets the transport used to reach upstreams.
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) { p.transport = rt }
}

// New creates a proxy. publicURL is the externally visible base URL used to
// build target URLs, e.g. "https://boxes.example.com".
func New(publicURL string, opts ...Option) *Proxy {
	p := &Proxy{
		publicURL: strings.TrimRight(publicURL, "/"),
		targets:   make(map[string]*url.URL),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// AttachTarget registers the instance's host:port. Attaching an instance that
// is already registered returns the existing target.
func (p *Proxy) AttachTarget(ctx context.Context, ref model.InstanceRef, port int) (model.RouteTarget, error) {
	if err := ctx.Err(); err != nil {
		return model.RouteTarget{}, fmt.Errorf("%w: %v", model.ErrSubstrateUnavailable, err)
	}
	if ref.Host == "" {
		return model.RouteTarget{}, fmt.Errorf("%w: instance %s has no host address", model.ErrSubstrateUnavailable, ref)
	}
	if port <= 0 || port > 65535 {
		return model.RouteTarget{}, fmt.Errorf("%w: invalid target port %d", model.ErrConfiguration, port)
	}

	address := net.JoinHostPort(ref.Host, strconv.Itoa(port))
	id := targetID(ref)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.targets[id]; ok && existing.Host != address {
		return model.RouteTarget{}, fmt.Errorf("%w: target %s already routes to %s", model.ErrDuplicateInstance, id, existing.Host)
	}
	p.targets[id] = &url.URL{Scheme: "http", Host: address}

	log.Debug().Str("target", id).Str("address", address).Msg("route target attached")
	return model.RouteTarget{ID: id, Address: address, URL: p.TargetURL(id)}, nil
}

// DetachTarget removes the target. Unknown targets yield an error wrapping
// model.ErrTargetAbsent.
func (p *Proxy) DetachTarget(ctx context.Context, target model.RouteTarget) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrSubstrateUnavailable, err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.targets[target.ID]; !ok {
		return fmt.Errorf("%w: %s", model.ErrTargetAbsent, target.ID)
	}
	delete(p.targets, target.ID)
	log.Debug().Str("target", target.ID).Msg("route target detached")
	return nil
}

// Lookup returns the upstream for a target id.
func (p *Proxy) Lookup(id string) (*url.URL, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	u, ok := p.targets[id]
	return u, ok
}

// Len returns the number of attached targets.
func (p *Proxy) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.targets)
}

// TargetURL returns the public URL for a target id.
func (p *Proxy) TargetURL(id string) string {
	return p.publicURL + PathPrefix + "/" + id + "/"
}

// Handler returns the HTTP handler serving /boxes/{target}/*. It expects the
// full request path and can be mounted with Handle(PathPrefix+"/*", ...).
func (p *Proxy) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(PathPrefix, func(r chi.Router) {
		r.HandleFunc("/{target}", p.serveTarget)
		r.HandleFunc("/{target}/*", p.serveTarget)
	})
	return r
}

func (p *Proxy) serveTarget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	upstream, ok := p.Lookup(id)
	if !ok {
		http.Error(w, "unknown box", http.StatusNotFound)
		return
	}

	rest := "/" + chi.URLParam(r, "*")
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.Out.URL.Path = rest
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
			pr.Out.Header.Set("X-Forwarded-Prefix", PathPrefix+"/"+id)
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Warn().Err(err).Str("target", id).Str("path", r.URL.Path).Msg("proxy upstream error")
			http.Error(w, "box unreachable", http.StatusBadGateway)
		},
	}
	if p.transport != nil {
		rp.Transport = p.transport
	}
	rp.ServeHTTP(w, r)
}

func targetID(ref model.InstanceRef) string {
	id := ref.TaskID
	if len(id) > targetIDLen {
		id = id[:targetIDLen]
	}
	return id
}
