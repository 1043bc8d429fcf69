package content

import (
	"errors"
	"fmt"
	"os"
)

// userKeyFile is the flat append-only store file name, matching
// "users.dat" in _save_user_key/_load_user_key.
const userKeyFile = "users.dat"

// UserKeyStore persists per-username 20-byte authentication keys in a
// single flat file: each record is [1-byte name length including the
// trailing NUL][name bytes][trailing NUL][20-byte key], a stride of 21
// plus the length byte's value (22+len(name) bytes), matching
// _save_user_key/_load_user_key exactly.
type UserKeyStore struct {
	path string
}

// NewUserKeyStore opens the store rooted at dataDir/users.dat. The file
// need not exist yet; it is created on first Save.
func NewUserKeyStore(dataDir string) *UserKeyStore {
	return &UserKeyStore{path: dataDir + string(os.PathSeparator) + userKeyFile}
}

// Load returns the 20-byte key saved for name, or ok=false if none
// exists, matching _load_user_key's linear scan and strcmp-equivalent
// name match.
func (s *UserKeyStore) Load(name string) (key [20]byte, ok bool, err error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return key, false, nil
	}
	if err != nil {
		return key, false, fmt.Errorf("content: load user key: %w", err)
	}
	rec, found := findRecord(data, name)
	if !found {
		return key, false, nil
	}
	copy(key[:], rec)
	return key, true, nil
}

// Save appends a (name, key) record if name is not already present,
// matching _save_user_key's duplicate-name no-op (it returns success
// without rewriting the file if the name is already recorded).
func (s *UserKeyStore) Save(name string, key [20]byte) error {
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("content: save user key: %w", err)
	}
	if _, found := findRecord(data, name); found {
		return nil
	}
	nameField := append([]byte(name), 0)
	rec := make([]byte, 0, 1+len(nameField)+20)
	rec = append(rec, byte(len(nameField)))
	rec = append(rec, nameField...)
	rec = append(rec, key[:]...)
	data = append(data, rec...)
	if err := os.WriteFile(s.path, data, 0660); err != nil {
		return fmt.Errorf("content: save user key: %w", err)
	}
	return nil
}

// findRecord scans data for a record whose name matches, returning the
// 20-byte key slice if found.
func findRecord(data []byte, name string) ([]byte, bool) {
	for i := 0; i < len(data); {
		if i >= len(data) {
			break
		}
		nameLen := int(data[i])
		strEnd := i + 1 + nameLen
		keyEnd := strEnd + 20
		if nameLen == 0 || keyEnd > len(data) {
			break
		}
		recName := trimNUL(data[i+1 : strEnd])
		if recName == name {
			return data[strEnd:keyEnd], true
		}
		i += 21 + nameLen
	}
	return nil, false
}
