// Package shortcuts expands user-defined prefixes on chat input lines, so
// "team hi" can stand for "@u2 hi". Definitions live in a TOML file.
package shortcuts

import (
   "errors"
   "os"
   "path/filepath"
   "sort"
   "strings"
   "sync"

   "github.com/BurntSushi/toml"

   "github.com/peder1981/securecarrier/internal/storage"
)

// ErrInvalidName is returned for names that are empty, contain spaces or
// start with a command or recipient prefix.
var ErrInvalidName = errors.New("shortcuts: invalid name")

type file struct {
   Shortcuts map[string]string `toml:"shortcut"`
}

// Shortcut is one name and what it expands to.
type Shortcut struct {
   Name      string
   Expansion string
}

// Set holds the shortcuts backed by one file.
type Set struct {
   path string

   mu      sync.RWMutex
   entries map[string]string
}

// DefaultPath returns shortcuts.toml in the config dir.
func DefaultPath() string {
   return filepath.Join(storage.ConfigDir(), "shortcuts.toml")
}

// Open loads the set at path. A missing file yields an empty set.
func Open(path string) (*Set, error) {
   s := &Set{path: path, entries: map[string]string{}}
   if err := s.Reload(); err != nil {
       return nil, err
   }
   return s, nil
}

// Reload replaces the in-memory entries with the file contents.
func (s *Set) Reload() error {
   var f file
   if _, err := toml.DecodeFile(s.path, &f); err != nil && !errors.Is(err, os.ErrNotExist) {
       return err
   }
   entries := make(map[string]string, len(f.Shortcuts))
   for name, exp := range f.Shortcuts {
       if validName(name) {
           entries[name] = exp
       }
   }
   s.mu.Lock()
   s.entries = entries
   s.mu.Unlock()
   return nil
}

// Expand rewrites the first word of line when it names a shortcut.
func (s *Set) Expand(line string) string {
   name, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
   s.mu.RLock()
   exp, ok := s.entries[name]
   s.mu.RUnlock()
   if !ok {
       return line
   }
   if rest = strings.TrimSpace(rest); rest != "" {
       return exp + " " + rest
   }
   return exp
}

// List returns the shortcuts sorted by name.
func (s *Set) List() []Shortcut {
   s.mu.RLock()
   out := make([]Shortcut, 0, len(s.entries))
   for name, exp := range s.entries {
       out = append(out, Shortcut{Name: name, Expansion: exp})
   }
   s.mu.RUnlock()
   sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
   return out
}

// Add defines or replaces name and writes the file.
func (s *Set) Add(name, expansion string) error {
   if !validName(name) {
       return ErrInvalidName
   }
   s.mu.Lock()
   defer s.mu.Unlock()
   s.entries[name] = expansion
   return s.save()
}

// Remove deletes name and writes the file.
func (s *Set) Remove(name string) error {
   s.mu.Lock()
   defer s.mu.Unlock()
   if _, ok := s.entries[name]; !ok {
       return nil
   }
   delete(s.entries, name)
   return s.save()
}

// save must be called with mu held.
func (s *Set) save() error {
   if err := storage.EnsureDir(filepath.Dir(s.path)); err != nil {
       return err
   }
   tmp := s.path + ".tmp"
   f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
   if err != nil {
       return err
   }
   if err := toml.NewEncoder(f).Encode(file{Shortcuts: s.entries}); err != nil {
       f.Close()
       os.Remove(tmp)
       return err
   }
   if err := f.Close(); err != nil {
       os.Remove(tmp)
       return err
   }
   return os.Rename(tmp, s.path)
}

func validName(name string) bool {
   return name != "" &&
       !strings.ContainsAny(name, " \t") &&
       !strings.HasPrefix(name, "/") &&
       !strings.HasPrefix(name, "@")
}
