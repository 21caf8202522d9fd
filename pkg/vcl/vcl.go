// Package vcl implements the directive runtime: compiled programs of
// named subs dispatched by the request/fetch FSMs, attribute accessors
// checked against a compile-time legality table, and task-scoped
// private storage (spec.md §4.7).
package vcl

import (
	"sync"

	"github.com/zeebo/errs"
)

// Error is the class for directive-runtime misuse.
var Error = errs.Class("vcl")

// Method is the bitmask of FSM states a sub may legally be dispatched
// from, and the bitmask of FSM states an attribute may legally be read
// or written from (spec.md §4.7 "methods bitmask").
type Method uint32

const (
	MRecv Method = 1 << iota
	MHash
	MHit
	MMiss
	MPass
	MPurge
	MBackendFetch
	MBackendResponse
	MBackendError
	MDeliver
	MSynth
)

// AnyMethod matches every method; used for attributes legible/writable
// from any phase (e.g. request headers, which every sub may read).
const AnyMethod Method = MRecv | MHash | MHit | MMiss | MPass | MPurge |
	MBackendFetch | MBackendResponse | MBackendError | MDeliver | MSynth

func (m Method) has(phase Method) bool { return m&phase != 0 }

// Return is the disposition a sub hands back to the FSM dispatcher. The
// set is shared across methods; each Sub's Returns bitmask narrows
// which of these are legal for it (spec.md §4.7 "returns bitmask").
type Return uint32

const ReturnNone Return = 0

const (
	ReturnLookup Return = 1 << iota
	ReturnHash
	ReturnHit
	ReturnMiss
	ReturnPass
	ReturnPipe
	ReturnSynth
	ReturnPurge
	ReturnDeliver
	ReturnFetch
	ReturnRetry
	ReturnAbandon
	ReturnRestart
	ReturnFail
	ReturnError
)

func (r Return) String() string {
	switch r {
	case ReturnLookup:
		return "lookup"
	case ReturnHash:
		return "hash"
	case ReturnHit:
		return "hit"
	case ReturnMiss:
		return "miss"
	case ReturnPass:
		return "pass"
	case ReturnPipe:
		return "pipe"
	case ReturnSynth:
		return "synth"
	case ReturnPurge:
		return "purge"
	case ReturnDeliver:
		return "deliver"
	case ReturnFetch:
		return "fetch"
	case ReturnRetry:
		return "retry"
	case ReturnAbandon:
		return "abandon"
	case ReturnRestart:
		return "restart"
	case ReturnFail:
		return "fail"
	case ReturnError:
		return "error"
	default:
		return "none"
	}
}

// Scope names one of the five attribute namespaces a sub may touch
// (spec.md §4.7 "req/bereq/beresp/resp/obj").
type Scope int

const (
	ScopeReq Scope = iota
	ScopeBereq
	ScopeBeresp
	ScopeResp
	ScopeObj
)

// AttrDef declares one attribute's read/write legality. A directive
// program's compiler (out of scope per spec.md §1) would emit these;
// here they're registered directly by the component embedding the
// runtime (pkg/request, pkg/fetch).
type AttrDef struct {
	Scope    Scope
	Name     string
	RMethods Method
	WMethods Method
}

// AttrRegistry is the compile-time legality table: which attributes
// exist, and from which methods they may be read or written. Built
// once and shared by every Ctx a Program creates.
type AttrRegistry struct {
	defs map[Scope]map[string]AttrDef
}

// NewAttrRegistry returns an empty registry.
func NewAttrRegistry() *AttrRegistry {
	return &AttrRegistry{defs: make(map[Scope]map[string]AttrDef)}
}

// Define registers one attribute's legality.
func (r *AttrRegistry) Define(d AttrDef) {
	if r.defs[d.Scope] == nil {
		r.defs[d.Scope] = make(map[string]AttrDef)
	}
	r.defs[d.Scope][d.Name] = d
}

func (r *AttrRegistry) lookup(scope Scope, name string) (AttrDef, bool) {
	m, ok := r.defs[scope]
	if !ok {
		return AttrDef{}, false
	}
	d, ok := m[name]
	return d, ok
}

// Sub is one named directive sub: a methods bitmask, a legal-returns
// bitmask, and the Go closure standing in for its compiled body (the
// directive compiler itself is out of scope per spec.md §1).
type Sub struct {
	index   int
	Name    string
	Methods Method
	Returns Return
	Body    func(ctx *Ctx) Return
}

// Program is an immutable, compiled set of subs (spec.md §4.7
// "Directive program... immutable after load"). At most 64 subs are
// supported per program: recursion detection uses one bit per sub in a
// task-scoped uint64 bitmap.
type Program struct {
	subs   []*Sub
	byName map[string]int
}

// NewProgram returns an empty program ready for AddSub calls.
func NewProgram() *Program {
	return &Program{byName: make(map[string]int)}
}

// AddSub registers a new sub. Returns an error if the name is already
// taken or the program has reached its 64-sub recursion-bitmap limit.
func (p *Program) AddSub(name string, methods Method, returns Return, body func(ctx *Ctx) Return) (*Sub, error) {
	if _, exists := p.byName[name]; exists {
		return nil, Error.New("sub %q already defined", name)
	}
	if len(p.subs) >= 64 {
		return nil, Error.New("program exceeds 64-sub recursion bitmap limit")
	}
	s := &Sub{index: len(p.subs), Name: name, Methods: methods, Returns: returns, Body: body}
	p.subs = append(p.subs, s)
	p.byName[name] = s.index
	return s, nil
}

// Sub looks up a registered sub by name.
func (p *Program) Sub(name string) (*Sub, bool) {
	idx, ok := p.byName[name]
	if !ok {
		return nil, false
	}
	return p.subs[idx], true
}

// Ctx is VRT_CTX: the per-task handle a sub's Body receives. It is
// built fresh for one request/fetch task by NewTask and discarded at
// task teardown; Program itself carries no per-task state.
type Ctx struct {
	program *Program
	method  Method
	reg     *AttrRegistry

	mu     sync.Mutex
	values map[Scope]map[string]string
	called uint64 // bitmap of sub indices currently on the call stack

	priv *PrivTree

	disposition Return
}

// NewTask returns a Ctx scoped to one dispatch phase (the FSM state the
// caller is currently in). reg supplies the attribute legality table;
// priv is the task's private-storage tree (use NewPrivTree, or
// NewTopPrivTree for ESI-shared storage).
func (p *Program) NewTask(method Method, reg *AttrRegistry, priv *PrivTree) *Ctx {
	return &Ctx{
		program: p,
		method:  method,
		reg:     reg,
		values:  make(map[Scope]map[string]string),
		priv:    priv,
	}
}

// Method reports the FSM phase this Ctx was created for.
func (c *Ctx) Method() Method { return c.method }

// GetAttr reads scope.name, failing if the current method may not read
// it (spec.md §4.7 "capability accessors whose legality is checked
// against the method and the attribute's own r_methods/w_methods").
func (c *Ctx) GetAttr(scope Scope, name string) (string, error) {
	d, ok := c.reg.lookup(scope, name)
	if !ok {
		return "", Error.New("attribute %d.%s is not defined", scope, name)
	}
	if !d.RMethods.has(c.method) {
		return "", Error.New("attribute %d.%s is not readable from this method", scope, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[scope][name]
	if !ok {
		return "", nil
	}
	return v, nil
}

// SetAttr writes scope.name, failing if the current method may not
// write it.
func (c *Ctx) SetAttr(scope Scope, name, value string) error {
	d, ok := c.reg.lookup(scope, name)
	if !ok {
		return Error.New("attribute %d.%s is not defined", scope, name)
	}
	if !d.WMethods.has(c.method) {
		return Error.New("attribute %d.%s is not writable from this method", scope, name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[scope] == nil {
		c.values[scope] = make(map[string]string)
	}
	c.values[scope][name] = value
	return nil
}

// Seed sets scope.name bypassing the write-legality check, for the FSM
// itself to populate request/response attributes before dispatching to
// a sub (the FSM is not bound by the directive's own legality table).
func (c *Ctx) Seed(scope Scope, name, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values[scope] == nil {
		c.values[scope] = make(map[string]string)
	}
	c.values[scope][name] = value
}

// Disposition returns the single shared return word the FSM dispatcher
// consults after every sub call (spec.md §4.7 "Return values flow back
// through a single word shared with the FSM dispatcher").
func (c *Ctx) Disposition() Return {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposition
}

// Priv returns the task's private-storage tree.
func (c *Ctx) Priv() *PrivTree { return c.priv }

// Call dispatches to the named sub: a two-step check (methods bitmask
// legal for the current phase, no active recursion into this sub) then
// the actual call, updating the shared disposition word with its
// return (spec.md §4.7 "two-step check-then-call with recursion
// detection").
func (c *Ctx) Call(name string) (Return, error) {
	idx, ok := c.program.byName[name]
	if !ok {
		return ReturnNone, Error.New("sub %q not found", name)
	}
	sub := c.program.subs[idx]

	// Step 1: check.
	if !sub.Methods.has(c.method) {
		return ReturnNone, Error.New("sub %q is not legal from this method", name)
	}
	bit := uint64(1) << uint(idx)
	c.mu.Lock()
	if c.called&bit != 0 {
		c.mu.Unlock()
		return ReturnNone, Error.New("recursive call into sub %q", name)
	}
	c.called |= bit
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.called &^= bit
		c.mu.Unlock()
	}()

	// Step 2: call.
	ret := sub.Body(c)
	if sub.Returns != 0 && ret&sub.Returns == 0 && ret != ReturnNone {
		return ReturnNone, Error.New("sub %q returned %s, not in its legal return set", name, ret)
	}

	c.mu.Lock()
	c.disposition = ret
	c.mu.Unlock()
	return ret, nil
}

// privEntry is one node of a PrivTree, in insertion order for teardown.
type privEntry struct {
	key       string
	value     interface{}
	finalizer func(interface{})
}

// PrivTree is a task's private-storage tree: a (vmod_id -> private)
// map allocated for the task's lifetime, with finalizers run at
// teardown in reverse insertion order (spec.md §4.7 "Task-scoped
// private storage").
type PrivTree struct {
	mu      *sync.Mutex
	entries map[string]*privEntry
	order   []string
}

// NewPrivTree returns a tree private to one task.
func NewPrivTree() *PrivTree {
	return &PrivTree{mu: &sync.Mutex{}, entries: make(map[string]*privEntry)}
}

// NewTopPrivTree returns a tree that shares sessionMu with every other
// ESI-nested request's top tree in the same session, so a vmod's
// `top` storage is safe to touch concurrently across the ESI
// recursion (spec.md §4.7 "A top variant shares storage across
// ESI-nested requests via the session mutex").
func NewTopPrivTree(sessionMu *sync.Mutex) *PrivTree {
	return &PrivTree{mu: sessionMu, entries: make(map[string]*privEntry)}
}

// Get returns the value stored under vmodID, if any.
func (t *PrivTree) Get(vmodID string) (interface{}, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[vmodID]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Set stores value under vmodID with an optional finalizer run at
// Teardown. A second Set for the same vmodID replaces the entry
// in-place without re-ordering its teardown position.
func (t *PrivTree) Set(vmodID string, value interface{}, finalizer func(interface{})) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[vmodID]; ok {
		e.value = value
		e.finalizer = finalizer
		return
	}
	t.entries[vmodID] = &privEntry{key: vmodID, value: value, finalizer: finalizer}
	t.order = append(t.order, vmodID)
}

// Teardown runs every entry's finalizer in reverse insertion order and
// clears the tree. Safe to call once per task, at task end.
func (t *PrivTree) Teardown() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.order) - 1; i >= 0; i-- {
		e := t.entries[t.order[i]]
		if e.finalizer != nil {
			e.finalizer(e.value)
		}
	}
	t.entries = make(map[string]*privEntry)
	t.order = nil
}
