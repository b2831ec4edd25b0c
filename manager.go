// manager.go -- process wide registry of contexts

package persist

import (
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Manager owns every context of the process. Contexts, databases,
// transactions and file handles are only reachable through it; the
// descriptors handed to callers hold names and ids, never the live
// resources.
type Manager struct {
	cfg *Config
	log *zap.Logger

	mu       sync.Mutex
	contexts map[string]*contextState
}

// contextState is the live state of one context.
type contextState struct {
	name string
	path string // as given to OpenContext
	root string // canonical

	dbMu sync.Mutex
	dbs  map[string]*dbState

	fileMu sync.Mutex
	files  map[uuid.UUID]*fileState

	// set by release while holding both dbMu and fileMu; opens that
	// resolved the context before it was released check it under their
	// lock
	closed bool
}

// New creates an empty Manager. A nil cfg uses DefaultConfig and a nil
// logger discards all output.
func New(cfg *Config, log *zap.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		log:      log,
		contexts: make(map[string]*contextState),
	}
}

// OpenContext returns the context called name, creating it rooted at path
// if it is not tracked yet. Reopening a name with a different path fails.
func (m *Manager) OpenContext(name, path string) (Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cs, ok := m.contexts[name]; ok {
		if cs.path != path {
			return Context{}, errOpenContext(name, path, "context is already open at "+cs.path, nil)
		}
		return Context{m: m, name: name, path: path}, nil
	}

	fi, err := os.Stat(path)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return Context{}, errOpenContext(name, path, "not a directory", nil)
		}
	case errors.Is(err, os.ErrNotExist):
		if err := os.MkdirAll(path, m.cfg.DirMode); err != nil {
			return Context{}, errOpenContext(name, path, err.Error(), err)
		}
	default:
		return Context{}, errOpenContext(name, path, err.Error(), err)
	}

	root, err := canonicalRoot(path)
	if err != nil {
		return Context{}, errOpenContext(name, path, err.Error(), err)
	}

	m.contexts[name] = &contextState{
		name:  name,
		path:  path,
		root:  root,
		dbs:   make(map[string]*dbState),
		files: make(map[uuid.UUID]*fileState),
	}
	m.log.Info("context opened", zap.String("context", name), zap.String("root", root))
	return Context{m: m, name: name, path: path}, nil
}

// Context returns the tracked context called name.
func (m *Manager) Context(name string) (Context, error) {
	cs, err := m.state(name)
	if err != nil {
		return Context{}, err
	}
	return Context{m: m, name: name, path: cs.path}, nil
}

// ContextNames returns the names of all tracked contexts, sorted.
func (m *Manager) ContextNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.contexts))
	for nm := range m.contexts {
		names = append(names, nm)
	}
	sort.Strings(names)
	return names
}

// CloseContext forgets the context and releases everything it owned:
// open transactions are rolled back, databases and files closed.
func (m *Manager) CloseContext(name string) error {
	m.mu.Lock()
	cs, ok := m.contexts[name]
	if ok {
		delete(m.contexts, name)
	}
	m.mu.Unlock()

	if !ok {
		return errUnknownContext(name)
	}
	return m.release(cs)
}

// Cleanup closes every context concurrently and returns the first error.
func (m *Manager) Cleanup() error {
	m.mu.Lock()
	all := m.contexts
	m.contexts = make(map[string]*contextState)
	m.mu.Unlock()

	var g errgroup.Group
	for _, cs := range all {
		g.Go(func() error {
			return m.release(cs)
		})
	}
	return g.Wait()
}

// release closes the sub-resources of a context that is no longer
// registered.
func (m *Manager) release(cs *contextState) error {
	cs.dbMu.Lock()
	cs.fileMu.Lock()
	cs.closed = true
	dbs := cs.dbs
	cs.dbs = make(map[string]*dbState)
	files := cs.files
	cs.files = make(map[uuid.UUID]*fileState)
	cs.fileMu.Unlock()
	cs.dbMu.Unlock()

	var errs []error
	for _, d := range dbs {
		if err := m.closeDB(cs, d); err != nil {
			errs = append(errs, err)
		}
	}
	for _, f := range files {
		if err := m.closeFile(cs, f); err != nil {
			errs = append(errs, err)
		}
	}

	m.log.Info("context closed", zap.String("context", cs.name),
		zap.Int("databases", len(dbs)), zap.Int("files", len(files)))
	return errors.Join(errs...)
}

func (m *Manager) state(name string) (*contextState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.contexts[name]
	if !ok {
		return nil, errUnknownContext(name)
	}
	return cs, nil
}
