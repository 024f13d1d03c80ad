// Package symbols maintains the persistent symbol table that maps user-facing
// names to internal graph names, metadata names and predicates.
//
// Three namespaces are kept, distinguished by the sigil of the user name:
//
//	$name  graph      -> internal graph name ("graph_7")
//	@name  metadata   -> internal metadata name ("meta_2")
//	%name  predicate  -> serialized comparison predicate
//
// The table, together with the allocation counter, is persisted as a single
// vertex in the graph store. Every mutation rewrites that vertex before the
// call returns, so a restarted engine sees exactly the bindings that were
// acknowledged. Internal names are never reused: the counter only grows,
// Clear included.
package symbols

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/orneryd/provgraph/pkg/backend"
	"github.com/orneryd/provgraph/pkg/membership"
	"github.com/orneryd/provgraph/pkg/qerr"
	"github.com/orneryd/provgraph/pkg/storage"
	"github.com/sirupsen/logrus"
)

const (
	// RecordID is the store ID (and label) of the symbol table vertex.
	RecordID = "_symbols"

	// BaseSymbol is the reserved user name of the base graph.
	BaseSymbol = "$base"

	keyCounter   = "id_counter"
	keyGraphs    = "graph"
	keyMetadata  = "graph_metadata"
	keyPredicate = "predicate"
)

// Namespace identifies one of the three symbol namespaces.
type Namespace int

const (
	Graphs Namespace = iota
	Metadata
	Predicates
)

var namespaces = [...]struct {
	sigil    string
	key      string
	internal string
	label    string
}{
	Graphs:     {"$", keyGraphs, membership.GraphPrefix, "graph"},
	Metadata:   {"@", keyMetadata, membership.MetadataPrefix, "metadata"},
	Predicates: {"%", keyPredicate, "", "predicate"},
}

// Sigil returns the leading character of user names in ns.
func (ns Namespace) Sigil() string { return namespaces[ns].sigil }

func (ns Namespace) String() string { return namespaces[ns].label }

// NamespaceOf returns the namespace selected by the sigil of name.
func NamespaceOf(name string) (Namespace, bool) {
	for ns := range namespaces {
		n := Namespace(ns)
		if strings.HasPrefix(name, n.Sigil()) && len(name) > 1 {
			return n, true
		}
	}
	return 0, false
}

// Environment is the in-memory view of the persisted symbol table.
// It is safe for concurrent use.
type Environment struct {
	mu      sync.Mutex
	store   *backend.Store
	base    string
	counter int64
	tables  [3]map[string]string
	pinned  map[string]int
	log     *logrus.Entry
}

// Open loads the symbol table from store, creating an empty one when the
// store has none. base is the internal name of the base graph, returned for
// $base.
func Open(ctx context.Context, store *backend.Store, base string) (*Environment, error) {
	env := &Environment{
		store:  store,
		base:   base,
		pinned: make(map[string]int),
		log:    logrus.WithField("component", "symbols"),
	}
	for i := range env.tables {
		env.tables[i] = make(map[string]string)
	}

	var corrupt error
	err := store.Exec(ctx, "symbols.open", func(_ context.Context, g storage.Engine) error {
		node, err := g.GetNode(RecordID)
		if errors.Is(err, storage.ErrNotFound) {
			return g.CreateNode(&storage.Node{
				ID:         RecordID,
				Labels:     []string{RecordID},
				Properties: env.recordProperties(),
			})
		}
		if err != nil {
			return err
		}
		corrupt = env.load(node.Properties)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if corrupt != nil {
		return nil, corrupt
	}

	env.log.WithFields(logrus.Fields{
		"counter":    env.counter,
		"graphs":     len(env.tables[Graphs]),
		"metadata":   len(env.tables[Metadata]),
		"predicates": len(env.tables[Predicates]),
	}).Info("symbol table loaded")
	return env, nil
}

// BaseGraph returns the internal name of the base graph.
func (e *Environment) BaseGraph() string { return e.base }

// Counter returns the next allocation number.
func (e *Environment) Counter() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// AllocateGraph returns a fresh internal graph name. The name stays pinned
// (protected from garbage collection) until Release.
func (e *Environment) AllocateGraph(ctx context.Context) (string, error) {
	return e.allocate(ctx, Graphs)
}

// AllocateMetadata returns a fresh internal metadata name, pinned until
// Release.
func (e *Environment) AllocateMetadata(ctx context.Context) (string, error) {
	return e.allocate(ctx, Metadata)
}

func (e *Environment) allocate(ctx context.Context, ns Namespace) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := namespaces[ns].internal + strconv.FormatInt(e.counter, 10)
	e.counter++
	if err := e.persist(ctx, "symbols.allocate"); err != nil {
		e.counter--
		return "", err
	}
	e.pinned[name]++
	return name, nil
}

// Release unpins names returned by an allocation.
func (e *Environment) Release(names ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, name := range names {
		if e.pinned[name] <= 1 {
			delete(e.pinned, name)
		} else {
			e.pinned[name]--
		}
	}
}

// Pinned returns the internal names currently pinned by in-flight work.
func (e *Environment) Pinned() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.pinned))
	for name := range e.pinned {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the value bound to user in ns. $base always resolves to
// the base graph.
func (e *Environment) Resolve(ns Namespace, user string) (string, error) {
	if v, ok := e.Lookup(ns, user); ok {
		return v, nil
	}
	return "", qerr.Unknown("resolve "+ns.String(), user)
}

// Lookup is Resolve without the error.
func (e *Environment) Lookup(ns Namespace, user string) (string, bool) {
	if ns == Graphs && user == BaseSymbol {
		return e.base, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.tables[ns][user]
	return v, ok
}

// Hold is Lookup that also pins the bound value until Release, so a
// collection keeps it after user is rebound. $base is not pinned.
func (e *Environment) Hold(ns Namespace, user string) (string, bool) {
	if ns == Graphs && user == BaseSymbol {
		return e.base, true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.tables[ns][user]
	if ok {
		e.pinned[v]++
	}
	return v, ok
}

// Roots returns the pinned names and the values of every graph and
// metadata binding, read under one lock.
func (e *Environment) Roots() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	seen := make(map[string]struct{}, len(e.pinned))
	for name := range e.pinned {
		seen[name] = struct{}{}
	}
	for _, ns := range []Namespace{Graphs, Metadata} {
		for _, v := range e.tables[ns] {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Bind sets user to value in ns, replacing an earlier binding, and persists
// the table.
func (e *Environment) Bind(ctx context.Context, ns Namespace, user, value string) error {
	if err := e.checkBinding(ns, user, value); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, had := e.tables[ns][user]
	e.tables[ns][user] = value
	if err := e.persist(ctx, "symbols.bind"); err != nil {
		if had {
			e.tables[ns][user] = prev
		} else {
			delete(e.tables[ns], user)
		}
		return err
	}
	e.log.WithFields(logrus.Fields{"name": user, "value": value}).Debug("bound")
	return nil
}

// Unbind removes user from ns. It reports whether a binding existed.
func (e *Environment) Unbind(ctx context.Context, ns Namespace, user string) (bool, error) {
	if ns == Graphs && user == BaseSymbol {
		return false, qerr.Invalid("unbind", "%s is reserved", BaseSymbol)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev, had := e.tables[ns][user]
	if !had {
		return false, nil
	}
	delete(e.tables[ns], user)
	if err := e.persist(ctx, "symbols.unbind"); err != nil {
		e.tables[ns][user] = prev
		return false, err
	}
	return true, nil
}

// Snapshot returns a copy of every binding in ns.
func (e *Environment) Snapshot(ns Namespace) map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]string, len(e.tables[ns]))
	for k, v := range e.tables[ns] {
		out[k] = v
	}
	return out
}

// Clear drops every binding. The counter is kept so internal names handed
// out before the clear are never reissued.
func (e *Environment) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	saved := e.tables
	for i := range e.tables {
		e.tables[i] = make(map[string]string)
	}
	if err := e.persist(ctx, "symbols.clear"); err != nil {
		e.tables = saved
		return err
	}
	e.log.Info("symbol table cleared")
	return nil
}

func (e *Environment) checkBinding(ns Namespace, user, value string) error {
	if !strings.HasPrefix(user, ns.Sigil()) || len(user) < 2 {
		return qerr.Invalid("bind", "%s name %q must start with %s", ns, user, ns.Sigil())
	}
	if ns == Graphs && user == BaseSymbol {
		return qerr.Invalid("bind", "%s is reserved", BaseSymbol)
	}
	if value == "" {
		return qerr.Invalid("bind", "empty value for %s", user)
	}
	if ns != Predicates && !strings.HasPrefix(value, namespaces[ns].internal) {
		if !(ns == Graphs && value == e.base) {
			return qerr.Invalid("bind", "%q is not an internal %s name", value, ns)
		}
	}
	return nil
}

// persist writes the whole record. Caller holds e.mu.
func (e *Environment) persist(ctx context.Context, op string) error {
	props := e.recordProperties()
	return e.store.Exec(ctx, op, func(_ context.Context, g storage.Engine) error {
		node, err := g.GetNode(RecordID)
		if errors.Is(err, storage.ErrNotFound) {
			return g.CreateNode(&storage.Node{ID: RecordID, Labels: []string{RecordID}, Properties: props})
		}
		if err != nil {
			return err
		}
		node.Properties = props
		return g.UpdateNode(node)
	})
}

func (e *Environment) recordProperties() map[string]any {
	return map[string]any{
		keyCounter:   strconv.FormatInt(e.counter, 10),
		keyGraphs:    encodeTable(e.tables[Graphs]),
		keyMetadata:  encodeTable(e.tables[Metadata]),
		keyPredicate: encodeTable(e.tables[Predicates]),
	}
}

// load parses a stored record. Any inconsistency is SYMBOL_TABLE_CORRUPTION.
func (e *Environment) load(props map[string]any) error {
	raw, ok := props[keyCounter]
	if !ok {
		return qerr.Corrupt("symbols.open", "missing %s", keyCounter)
	}
	counter, err := parseCounter(raw)
	if err != nil {
		return qerr.Corrupt("symbols.open", "%s: %v", keyCounter, err)
	}
	e.counter = counter

	for i := range namespaces {
		ns := Namespace(i)
		text, ok := props[namespaces[ns].key].(string)
		if !ok {
			return qerr.Corrupt("symbols.open", "missing %s list", namespaces[ns].key)
		}
		table, err := decodeTable(text)
		if err != nil {
			return qerr.Corrupt("symbols.open", "%s list: %v", namespaces[ns].key, err)
		}
		for user, value := range table {
			if err := e.checkStored(ns, user, value); err != nil {
				return err
			}
		}
		e.tables[ns] = table
	}
	return nil
}

func (e *Environment) checkStored(ns Namespace, user, value string) error {
	if !strings.HasPrefix(user, ns.Sigil()) || len(user) < 2 || user == BaseSymbol {
		return qerr.Corrupt("symbols.open", "illegal %s name %q", ns, user)
	}
	if ns == Predicates {
		if value == "" {
			return qerr.Corrupt("symbols.open", "empty predicate for %q", user)
		}
		return nil
	}
	if ns == Graphs && value == e.base {
		return nil
	}
	prefix := namespaces[ns].internal
	if !strings.HasPrefix(value, prefix) {
		return qerr.Corrupt("symbols.open", "%q bound to non-internal name %q", user, value)
	}
	n, err := strconv.ParseInt(strings.TrimPrefix(value, prefix), 10, 64)
	if err != nil || n < 0 {
		return qerr.Corrupt("symbols.open", "%q bound to malformed name %q", user, value)
	}
	if n >= e.counter {
		return qerr.Corrupt("symbols.open", "%q bound to %q, not below counter %d", user, value, e.counter)
	}
	return nil
}

func parseCounter(raw any) (int64, error) {
	var n int64
	switch v := raw.(type) {
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	case int64:
		n = v
	case int:
		n = int64(v)
	case float64:
		if v != float64(int64(v)) {
			return 0, fmt.Errorf("not an integer: %v", v)
		}
		n = int64(v)
	default:
		return 0, fmt.Errorf("unexpected type %T", raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("negative counter %d", n)
	}
	return n, nil
}

// encodeTable renders "k1=v1,k2=v2" with keys sorted. Keys and values are
// query-escaped so delimiters inside predicates survive.
func encodeTable(table map[string]string) string {
	keys := make([]string, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(table[k]))
	}
	return strings.Join(parts, ",")
}

func decodeTable(text string) (map[string]string, error) {
	table := make(map[string]string)
	if text == "" {
		return table, nil
	}
	for _, part := range strings.Split(text, ",") {
		k, v, ok := strings.Cut(part, "=")
		if !ok || k == "" || strings.Contains(v, "=") {
			return nil, fmt.Errorf("malformed entry %q", part)
		}
		key, err := url.QueryUnescape(k)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			return nil, fmt.Errorf("entry %q: %w", part, err)
		}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("duplicate name %q", key)
		}
		table[key] = value
	}
	return table, nil
}
