// Package presence guarda o último snapshot de usuários online enviado pelo relay.
package presence

import (
    "sync"

    "github.com/peder1981/securecarrier/internal/protocol"
)

// Roster é o registro de usuários online. Cada snapshot substitui o anterior por completo.
type Roster struct {
    mu    sync.RWMutex
    users []protocol.User
    index map[string]int // user id -> posição em users
}

// NewRoster cria um roster vazio.
func NewRoster() *Roster {
    return &Roster{index: make(map[string]int)}
}

// Replace instala um novo snapshot, mantendo a ordem do relay.
func (r *Roster) Replace(users []protocol.User) {
    snapshot := make([]protocol.User, 0, len(users))
    index := make(map[string]int, len(users))
    for _, u := range users {
        if _, dup := index[u.ID]; dup || u.ID == "" {
            continue
        }
        index[u.ID] = len(snapshot)
        snapshot = append(snapshot, u)
    }
    r.mu.Lock()
    defer r.mu.Unlock()
    r.users = snapshot
    r.index = index
}

// Users retorna uma cópia do snapshot atual.
func (r *Roster) Users() []protocol.User {
    r.mu.RLock()
    defer r.mu.RUnlock()
    out := make([]protocol.User, len(r.users))
    copy(out, r.users)
    return out
}

// Lookup busca um usuário pelo id.
func (r *Roster) Lookup(id string) (protocol.User, bool) {
    r.mu.RLock()
    defer r.mu.RUnlock()
    i, ok := r.index[id]
    if !ok {
        return protocol.User{}, false
    }
    return r.users[i], true
}

// Len retorna o número de usuários online.
func (r *Roster) Len() int {
    r.mu.RLock()
    defer r.mu.RUnlock()
    return len(r.users)
}
