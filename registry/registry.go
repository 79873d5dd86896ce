package registry

import (
	"math/rand"
	"strings"
	"sync"

	"github.com/sabouaram/msgbus/errs"
)

// Registry is the process-wide, mutex-guarded service directory (spec §3, §4.5).
type Registry struct {
	mu sync.Mutex

	services       map[string][]Endpoint          // name -> endpoint list
	connsByService map[string]map[string]Conn     // name -> connKey -> Conn
	serviceByConn  map[string]map[string]Endpoint // connKey -> name -> Endpoint (reverse index)
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		services:       make(map[string][]Endpoint),
		connsByService: make(map[string]map[string]Conn),
		serviceByConn:  make(map[string]map[string]Endpoint),
	}
}

// Register implements spec §4.5's register operation. If name is new and
// ep is port-0, the name must be unique across live connections
// (enforced here, not merely against the directory, since a previous
// holder's row may already have been garbage-collected from `services`
// but the connection itself has not yet disconnected — connsByService is
// the authoritative "who currently holds this name" view). If the name
// exists and ep already has a matching (ip, port) row, only its State is
// updated. Otherwise the endpoint is appended and the connection is indexed.
func (r *Registry) Register(name string, ep Endpoint, conn Conn) error {
	if name == "" {
		return errs.New(errs.CodeProtocol, "empty service name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.IsPortless() {
		if _, held := r.connsByService[name]; held && len(r.connsByService[name]) > 0 {
			return errs.New(errs.CodeProtocol, "Register without service port can only be registered once.")
		}
	}

	list := r.services[name]
	found := false
	for i, e := range list {
		if e.Equal(ep) {
			list[i].State = ep.State
			found = true
			break
		}
	}
	if !found {
		list = append(list, ep)
	}
	r.services[name] = list

	if r.connsByService[name] == nil {
		r.connsByService[name] = make(map[string]Conn)
	}
	r.connsByService[name][conn.Key()] = conn

	if r.serviceByConn[conn.Key()] == nil {
		r.serviceByConn[conn.Key()] = make(map[string]Endpoint)
	}
	r.serviceByConn[conn.Key()][name] = ep

	return nil
}

// Unregister removes ep from services[name] and drops the name row if it
// empties. It does not touch the connection maps — a disconnect handles
// that via OnConnectionClosed (spec §4.5).
func (r *Registry) Unregister(name string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(name, ep)
}

func (r *Registry) unregisterLocked(name string, ep Endpoint) {
	list := r.services[name]
	out := list[:0]
	for _, e := range list {
		if !e.Equal(ep) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		delete(r.services, name)
	} else {
		r.services[name] = out
	}
}

// OnConnectionClosed walks every service name this connection backed and
// unregisters each one (spec §9's REDESIGN FLAG: the original only
// unregistered the last match found; this iterates all of them).
func (r *Registry) OnConnectionClosed(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := conn.Key()
	names := r.serviceByConn[key]
	delete(r.serviceByConn, key)

	for name, ep := range names {
		if m := r.connsByService[name]; m != nil {
			delete(m, key)
			if len(m) == 0 {
				delete(r.connsByService, name)
			}
		}
		r.unregisterLocked(name, ep)
	}
}

// Lookup returns a random endpoint registered under name.
func (r *Registry) Lookup(name string) (Endpoint, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	list := r.services[name]
	if len(list) == 0 {
		return Endpoint{}, false
	}
	return list[rand.Intn(len(list))], true
}

// ResolveConnections returns, for every service-name row whose name
// bidirectionally prefix-matches dest (spec §4.5, §9: isPrefixMatching),
// one randomly selected live Conn. An exact single name yields one Conn
// from that row; dest="" (empty string) prefix-matches every name, which
// is how broadcast reuses this same machinery with "one representative
// connection per live service name".
func (r *Registry) ResolveConnections(dest string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conn, 0)
	for name, conns := range r.connsByService {
		if len(conns) == 0 || !isPrefixMatching(dest, name) {
			continue
		}
		keys := make([]string, 0, len(conns))
		for k := range conns {
			keys = append(keys, k)
		}
		pick := keys[rand.Intn(len(keys))]
		out = append(out, conns[pick])
	}
	return out
}

// QueryServices returns every registered service name containing prefix
// as a substring (spec §4.7's built-in BODY_PBTYPE handler).
func (r *Registry) QueryServices(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0)
	for name := range r.services {
		if strings.Contains(name, prefix) {
			out = append(out, name)
		}
	}
	return out
}

// HasAnyRegistration reports whether conn currently backs at least one
// service name (spec §4.7's handler gate).
func (r *Registry) HasAnyRegistration(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.serviceByConn[conn.Key()]) > 0
}

// ServiceCount returns the number of distinct registered service names,
// used by the accept loop's idle-quit feature (spec §6).
func (r *Registry) ServiceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.services)
}

// isPrefixMatching is bidirectional startsWith: a matches b iff either
// is a prefix of the other (spec §9, GLOSSARY). The empty string is a
// prefix of everything, which is how broadcast falls out of the same
// matcher used for hierarchical ("app.sub.*") addressing.
func isPrefixMatching(a, b string) bool {
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
