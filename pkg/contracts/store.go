package contracts

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/uma-runtime/uma/pkg/fault"
)

// ContractFileName is the conventional file name of a module's contract.
const ContractFileName = "CONTRACT.json"

// Store holds the loaded contract set in load order. Names are unique.
type Store struct {
	contracts []*Contract
	byName    map[string]*Contract
	logger    *slog.Logger
}

// NewStore creates an empty contract store.
func NewStore() *Store {
	return &Store{
		byName: make(map[string]*Contract),
		logger: slog.Default().With("component", "contracts"),
	}
}

// LoadFile reads and parses a single contract file.
func LoadFile(path string) (*Contract, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.Wrap(fault.MissingFile, err, path)
		}
		return nil, fmt.Errorf("contracts: read %s: %w", path, err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("contracts: %s: %w", path, err)
	}
	c.Dir = filepath.Dir(path)
	return c, nil
}

// Add inserts c. A second contract with the same name is ContractMalformed.
func (s *Store) Add(c *Contract) error {
	if _, dup := s.byName[c.Name]; dup {
		return fault.New(fault.ContractMalformed, "duplicate contract name %q", c.Name)
	}
	s.contracts = append(s.contracts, c)
	s.byName[c.Name] = c
	return nil
}

// LoadFiles loads each path in order.
func (s *Store) LoadFiles(paths ...string) error {
	for _, p := range paths {
		c, err := LoadFile(p)
		if err != nil {
			return err
		}
		if err := s.Add(c); err != nil {
			return fmt.Errorf("contracts: %s: %w", p, err)
		}
		s.logger.Debug("contract loaded", "name", c.Name, "version", c.Version, "path", p)
	}
	return nil
}

// LoadDir loads every CONTRACT.json or *.contract.json below dir, in lexical
// path order so the load order is stable across hosts.
func (s *Store) LoadDir(dir string) error {
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fault.Wrap(fault.MissingFile, err, dir)
		}
		return fmt.Errorf("contracts: stat %s: %w", dir, err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == ContractFileName || strings.HasSuffix(name, ".contract.json") {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("contracts: walk %s: %w", dir, err)
	}
	sort.Strings(paths)
	return s.LoadFiles(paths...)
}

// Get returns the contract named name.
func (s *Store) Get(name string) (*Contract, bool) {
	c, ok := s.byName[name]
	return c, ok
}

// MustGet returns the named contract or a MissingFile fault.
func (s *Store) MustGet(name string) (*Contract, error) {
	c, ok := s.byName[name]
	if !ok {
		return nil, fault.New(fault.MissingFile, "no contract loaded for %q", name)
	}
	return c, nil
}

// All returns the contracts in load order.
func (s *Store) All() []*Contract {
	out := make([]*Contract, len(s.contracts))
	copy(out, s.contracts)
	return out
}

// Len returns the number of loaded contracts.
func (s *Store) Len() int { return len(s.contracts) }
