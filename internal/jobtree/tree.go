package jobtree

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"loom/internal/services"
)

// Persister durably stores a serialized tree document. Tree calls it while
// holding its lock, after every successful mutation.
type Persister interface {
	Persist(data []byte) error
}

// Document is the serialized form of a tree.
type Document struct {
	RunID     string    `json:"run_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Roots     []*Node   `json:"roots"`
}

// Stats summarizes a tree for status output.
type Stats struct {
	Nodes     int
	Completed int
	ByStatus  map[Status]int
	Pending   []string
}

// Tree is the forest of job nodes for one run. Every read and write goes
// through View or Mutate, which serialize on a single lock.
type Tree struct {
	mu        sync.Mutex
	runID     string
	createdAt time.Time
	roots     []*Node
	byKey     map[string]*Node
	byJobID   map[string]*Node
	persister Persister
	now       func() time.Time
	changed   chan struct{}
}

// Option configures a Tree.
type Option func(*Tree)

// WithPersister writes the document through p after every mutation.
func WithPersister(p Persister) Option {
	return func(t *Tree) { t.persister = p }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(t *Tree) {
		if now != nil {
			t.now = now
		}
	}
}

// New returns an empty tree for runID.
func New(runID string, opts ...Option) *Tree {
	t := &Tree{
		runID:   runID,
		byKey:   make(map[string]*Node),
		byJobID: make(map[string]*Node),
		now:     time.Now,
		changed: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.createdAt = t.now()
	return t
}

// RunID returns the identifier of the run the tree belongs to.
func (t *Tree) RunID() string { return t.runID }

// Changed receives a value after mutations. Signals coalesce; receivers must
// re-read the tree rather than count signals.
func (t *Tree) Changed() <-chan struct{} { return t.changed }

// Mutate runs fn with exclusive access and then persists the tree. If fn
// returns an error nothing is persisted, but in-memory changes already made by
// fn are kept.
func (t *Tree) Mutate(fn func(tx *Tx) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	tx := &Tx{tree: t, now: t.now(), seen: make(map[*Node]bool)}
	err := fn(tx)
	if verr := tx.enforceMonotonic(); verr != nil && err == nil {
		err = verr
	}
	if err != nil {
		return err
	}
	if tx.dirty {
		if err := t.persistLocked(); err != nil {
			return err
		}
		t.notify()
	}
	return nil
}

// View runs fn with exclusive read access. fn must not mutate nodes.
func (t *Tree) View(fn func(tx *Tx)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&Tx{tree: t, now: t.now(), readOnly: true})
}

// Done reports whether every node in the forest, including fanned-out
// children, has completed. An empty tree is done.
func (t *Tree) Done() bool {
	done := true
	t.View(func(tx *Tx) {
		tx.walk(func(n *Node) bool {
			if !n.Completed {
				done = false
				return false
			}
			return true
		})
	})
	return done
}

// Stats counts nodes by status and lists keys of incomplete nodes.
func (t *Tree) Stats() Stats {
	stats := Stats{ByStatus: make(map[Status]int)}
	t.View(func(tx *Tx) {
		tx.walk(func(n *Node) bool {
			stats.Nodes++
			stats.ByStatus[n.Status]++
			if n.Completed {
				stats.Completed++
			} else {
				stats.Pending = append(stats.Pending, n.Key)
			}
			return true
		})
	})
	sort.Strings(stats.Pending)
	return stats
}

// Marshal serializes the tree as an indented JSON document.
func (t *Tree) Marshal() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.marshalLocked()
}

// Flush persists the current document without a mutation, refreshing its
// updated_at stamp.
func (t *Tree) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persistLocked()
}

func (t *Tree) marshalLocked() ([]byte, error) {
	doc := Document{
		RunID:     t.runID,
		CreatedAt: t.createdAt,
		UpdatedAt: t.now(),
		Roots:     t.roots,
	}
	if doc.Roots == nil {
		doc.Roots = []*Node{}
	}
	return json.MarshalIndent(doc, "", "  ")
}

func (t *Tree) persistLocked() error {
	if t.persister == nil {
		return nil
	}
	data, err := t.marshalLocked()
	if err != nil {
		return services.Wrap(services.ErrSnapshot, "jobtree", "marshal", "", err)
	}
	if err := t.persister.Persist(data); err != nil {
		return services.Wrap(services.ErrSnapshot, "jobtree", "persist", "", err)
	}
	return nil
}

func (t *Tree) notify() {
	select {
	case t.changed <- struct{}{}:
	default:
	}
}

// Load rebuilds a tree from a serialized document, restoring parent links and
// the job id index.
func Load(data []byte, opts ...Option) (*Tree, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}
	t := New(doc.RunID, opts...)
	if !doc.CreatedAt.IsZero() {
		t.createdAt = doc.CreatedAt
	}
	for _, root := range doc.Roots {
		if root == nil {
			continue
		}
		if err := t.index(root, nil); err != nil {
			return nil, err
		}
		t.roots = append(t.roots, root)
	}
	return t, nil
}

// index registers n and its descendants iteratively.
func (t *Tree) index(root, parent *Node) error {
	type item struct{ node, parent *Node }
	stack := []item{{root, parent}}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := it.node
		if n.Key == "" {
			return fmt.Errorf("%w: node without key", services.ErrValidation)
		}
		if _, dup := t.byKey[n.Key]; dup {
			return fmt.Errorf("%w: duplicate node key %q", services.ErrValidation, n.Key)
		}
		if n.JobID != "" {
			if _, dup := t.byJobID[n.JobID]; dup {
				return fmt.Errorf("%w: duplicate job id %q", services.ErrValidation, n.JobID)
			}
			t.byJobID[n.JobID] = n
		}
		t.byKey[n.Key] = n
		n.parent = it.parent
		for _, label := range sortedLabels(n.Children) {
			stack = append(stack, item{n.Children[label], n})
		}
	}
	return nil
}

// Tx is the handle passed to View and Mutate callbacks.
type Tx struct {
	tree     *Tree
	now      time.Time
	readOnly bool
	dirty    bool
	seen     map[*Node]bool
}

// ErrReadOnly is returned by mutating Tx methods called inside View.
var ErrReadOnly = errors.New("jobtree: read-only transaction")

// Now is the timestamp applied to changes made in this transaction.
func (tx *Tx) Now() time.Time { return tx.now }

// Node returns the node with the given key.
func (tx *Tx) Node(key string) (*Node, bool) {
	n, ok := tx.tree.byKey[key]
	if ok {
		tx.touch(n)
	}
	return n, ok
}

// ByJobID returns the node whose job id is id.
func (tx *Tx) ByJobID(id string) (*Node, bool) {
	n, ok := tx.tree.byJobID[id]
	if ok {
		tx.touch(n)
	}
	return n, ok
}

// AddRoot inserts an unsubmitted root node. slots declares the child labels
// the node fans out to once it completes.
func (tx *Tx) AddRoot(key string, params Params, slots []string) (*Node, error) {
	if tx.readOnly {
		return nil, ErrReadOnly
	}
	if params == nil {
		return nil, fmt.Errorf("%w: root %q without params", services.ErrValidation, key)
	}
	n, err := tx.insert(key, params, nil)
	if err != nil {
		return nil, err
	}
	n.Slots = append([]string(nil), slots...)
	tx.tree.roots = append(tx.tree.roots, n)
	return n, nil
}

// AddChild fans out an unsubmitted child under parent for a declared label.
// phases pre-declares the auxiliary stage slots the child will run.
func (tx *Tx) AddChild(parent *Node, label string, params Params, phases ...Stage) (*Node, error) {
	if tx.readOnly {
		return nil, ErrReadOnly
	}
	if parent == nil || tx.tree.byKey[parent.Key] != parent {
		return nil, fmt.Errorf("%w: parent is not part of this tree", services.ErrValidation)
	}
	if parent.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: cannot fan out %q before it completes (status %s)", services.ErrValidation, parent.Key, parent.Status)
	}
	if _, exists := parent.Children[label]; exists {
		return nil, fmt.Errorf("%w: %q already has child %q", services.ErrValidation, parent.Key, label)
	}
	n, err := tx.insert(parent.Key+"."+label, params, parent)
	if err != nil {
		return nil, err
	}
	for _, phase := range phases {
		n.Result(phase)
	}
	if parent.Children == nil {
		parent.Children = make(map[string]*Node)
	}
	parent.Children[label] = n
	tx.touch(parent)
	return n, nil
}

func (tx *Tx) insert(key string, params Params, parent *Node) (*Node, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty node key", services.ErrValidation)
	}
	if _, dup := tx.tree.byKey[key]; dup {
		return nil, fmt.Errorf("%w: duplicate node key %q", services.ErrValidation, key)
	}
	n := &Node{
		Key:       key,
		Status:    StatusUnsubmitted,
		Params:    params,
		UpdatedAt: tx.now,
		parent:    parent,
	}
	if params != nil {
		n.Stage = params.Stage()
	}
	tx.tree.byKey[key] = n
	tx.touch(n)
	tx.dirty = true
	return n, nil
}

// AssignJobID records the remote job id on n and indexes it. Ids are never
// reused: assigning an id already held by another node fails, as does
// changing an id once set.
func (tx *Tx) AssignJobID(n *Node, id string) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	if id == "" {
		return nil
	}
	if n.JobID == id {
		return nil
	}
	if n.JobID != "" {
		return fmt.Errorf("%w: node %q already has job id %q", services.ErrValidation, n.Key, n.JobID)
	}
	if other, taken := tx.tree.byJobID[id]; taken && other != n {
		return fmt.Errorf("%w: job id %q already belongs to %q", services.ErrValidation, id, other.Key)
	}
	n.JobID = id
	tx.tree.byJobID[id] = n
	tx.touch(n)
	tx.dirty = true
	return nil
}

// Touch marks n as changed so the transaction persists and stamps it.
func (tx *Tx) Touch(n *Node) {
	if tx.readOnly || n == nil {
		return
	}
	tx.touch(n)
	n.UpdatedAt = tx.now
	tx.dirty = true
}

// Complete sets the terminal flag on n.
func (tx *Tx) Complete(n *Node) {
	if tx.readOnly || n == nil {
		return
	}
	n.Completed = true
	tx.Touch(n)
}

func (tx *Tx) touch(n *Node) {
	if tx.seen == nil {
		return
	}
	if _, ok := tx.seen[n]; !ok {
		tx.seen[n] = n.Completed
	}
}

// enforceMonotonic restores completed=true on any node the callback tried to reopen.
func (tx *Tx) enforceMonotonic() error {
	var reopened []string
	for n, wasCompleted := range tx.seen {
		if wasCompleted && !n.Completed {
			n.Completed = true
			reopened = append(reopened, n.Key)
		}
	}
	if len(reopened) == 0 {
		return nil
	}
	sort.Strings(reopened)
	return fmt.Errorf("%w: completed nodes cannot be reopened: %v", services.ErrValidation, reopened)
}

// Walk visits every node depth-first until fn returns false.
func (tx *Tx) Walk(fn func(n *Node) bool) {
	tx.walk(func(n *Node) bool {
		tx.touch(n)
		return fn(n)
	})
}

// walk is iterative with a visited set, so it terminates on any shape.
func (tx *Tx) walk(fn func(n *Node) bool) {
	visited := make(map[*Node]struct{}, len(tx.tree.byKey))
	stack := make([]*Node, 0, len(tx.tree.roots))
	for i := len(tx.tree.roots) - 1; i >= 0; i-- {
		stack = append(stack, tx.tree.roots[i])
	}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[n]; ok {
			continue
		}
		visited[n] = struct{}{}
		if !fn(n) {
			return
		}
		labels := sortedLabels(n.Children)
		for i := len(labels) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[labels[i]])
		}
	}
}

func sortedLabels(children map[string]*Node) []string {
	labels := make([]string, 0, len(children))
	for label, child := range children {
		if child != nil {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}
