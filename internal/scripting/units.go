package scripting

import (
	"fmt"
	"sync"

	"github.com/dop251/goja_nodejs/require"
)

// addressRoot prefixes every unit address. Addresses are absolute paths so
// that require resolves them without regard to the importing unit.
const addressRoot = "/openoverlay"

// UnitTable holds the compiled units of one session, keyed by address. It is
// the source loader of the session's require registry.
type UnitTable struct {
	mu       sync.Mutex
	units    map[string][]byte
	next     int64
	released int
}

// NewUnitTable returns an empty table.
func NewUnitTable() *UnitTable {
	return &UnitTable{units: make(map[string][]byte)}
}

// Register stores code at a freshly allocated address and returns it.
func (t *UnitTable) Register(sessionID int64, name string, code []byte) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := fmt.Sprintf("%s/%d/%d/%s", addressRoot, sessionID, t.next, name)
	t.next++
	t.units[addr] = code
	return addr
}

// Load implements require.SourceLoader.
func (t *UnitTable) Load(path string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	code, ok := t.units[path]
	if !ok {
		return nil, require.ModuleFileDoesNotExistError
	}
	return code, nil
}

// Release frees the unit at addr. It reports false if addr is unknown or was
// already released.
func (t *UnitTable) Release(addr string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.units[addr]; !ok {
		return false
	}
	delete(t.units, addr)
	t.released++
	return true
}

// ReleaseAll frees every live unit and returns how many there were.
func (t *UnitTable) ReleaseAll() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.units)
	clear(t.units)
	t.released += n
	return n
}

// Len returns the number of live units.
func (t *UnitTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.units)
}

// Released returns the number of units released over the table's lifetime.
func (t *UnitTable) Released() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released
}
