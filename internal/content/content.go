// Package content implements the add-on dictionary install/remove/decrypt
// workflows and the admini directory index, CryptKey-based selective
// encryption, and user authentication that sit on top of the exword
// device command surface.
package content

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"exworddrv/internal/exword"
	"exworddrv/internal/hostfs"
	"exworddrv/internal/region"
	"exworddrv/internal/xcode"
)

// DeviceAPI is the subset of *exword.Device the content engine needs,
// accepted as an interface so tests can drive it with a fake.
type DeviceAPI interface {
	SetPath(ctx context.Context, path string, mkdir bool) error
	Get(ctx context.Context, filename string) ([]byte, error)
	Put(ctx context.Context, filename string, data []byte) error
	Remove(ctx context.Context, filename string) error
	List(ctx context.Context) ([]exword.DirEntry, error)
	Capacity(ctx context.Context) (exword.Capacity, error)
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
	CName(ctx context.Context, name, dir string) error
	CryptKey(ctx context.Context, ex *exword.CryptKeyExchange, deriveXOR func([]byte) [16]byte) error
	UserID(ctx context.Context, id [17]byte) error
	AuthChallenge(ctx context.Context, challenge [20]byte) error
	AuthInfoReset(ctx context.Context, user string) (exword.AuthInfo, error)
}

// Mode selects install layout: Library dictionaries get a _CONTENT and a
// _USER subdirectory under their id directory, CD audio content is
// staged flat.
type Mode int

const (
	ModeLibrary Mode = iota
	ModeCD
)

// Engine drives content_install/content_remove/content_decrypt/
// content_auth/content_reset/content_list_* against a device and a local
// staging directory tree.
type Engine struct {
	Device  DeviceAPI
	Mode    Mode
	Region  region.ID
	DataDir string
	Logger  *log.Logger
	Keys    *UserKeyStore
}

// NewEngine constructs an Engine backed by dataDir for local staging and
// the user-key store.
func NewEngine(dev DeviceAPI, mode Mode, reg region.ID, dataDir string, logger *log.Logger) *Engine {
	return &Engine{
		Device:  dev,
		Mode:    mode,
		Region:  reg,
		DataDir: dataDir,
		Logger:  logger,
		Keys:    NewUserKeyStore(dataDir),
	}
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf(format, args...)
	}
}

// readAdmini tries each region.AdminiList() filename in order, returning
// the first with a non-empty body, matching _read_admini.
func (e *Engine) readAdmini(ctx context.Context) ([]byte, error) {
	for _, name := range region.AdminiList() {
		data, err := e.Device.Get(ctx, name)
		if err == nil && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("content: no admini index found")
}

// find sets path to root and scans the admini index for id, matching
// _find.
func (e *Engine) find(ctx context.Context, root, id string) (Entry, bool, error) {
	if err := e.Device.SetPath(ctx, root, false); err != nil {
		return Entry{}, false, err
	}
	data, err := e.readAdmini(ctx)
	if err != nil {
		return Entry{}, false, nil
	}
	entry, ok := Find(ParseRecords(data), id)
	return entry, ok, nil
}

func (e *Engine) localDir(id string) string {
	if e.Mode == ModeCD {
		return hostfs.JoinHost(e.DataDir, "sound", id)
	}
	return hostfs.JoinHost(e.DataDir, region.IDToString(e.Region), id)
}

// Install uploads a local content directory to the device, matching
// content_install: admini-presence check, local-size-vs-free-space check,
// display-name lookup, unlock/cname/cryptkey setup, file transfer with
// selective encryption keyed by the install master key's derived
// xorkey, and a final lock.
func (e *Engine) Install(ctx context.Context, root, id string) error {
	if _, ok, err := e.find(ctx, root, id); err != nil {
		return err
	} else if ok {
		return fmt.Errorf("%w: %s", ErrAlreadyInstalled, id)
	}

	dir := e.localDir(id)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("content: read local directory %s: %w", dir, err)
	}

	size := localDirSize(entries)
	capacity, err := e.Device.Capacity(ctx)
	if err != nil {
		return err
	}
	if size < 0 || uint64(size) >= capacity.Free {
		return ErrInsufficientSpace
	}

	name, err := e.displayName(dir)
	if err != nil {
		return err
	}

	blk1, blk2 := SplitMasterKey(InstallMasterKey)
	ck := &exword.CryptKeyExchange{Blk1: blk1, Blk2: blk2}

	// Unlock, CName, and CryptKey all run unconditionally, matching
	// content_install's rsp |= exword_unlock(); rsp |= exword_cname(...);
	// rsp |= exword_cryptkey(...) — only the transfer step below is gated
	// on the accumulated status. Lock always runs last regardless of how
	// this function returns.
	defer e.Device.Lock(ctx)
	err = e.Device.Unlock(ctx)
	if cerr := e.Device.CName(ctx, name, id); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.Device.CryptKey(ctx, ck, GetXORKey); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	var path string
	if e.Mode == ModeCD {
		path = hostfs.JoinDOS(root, id)
	} else {
		path = hostfs.JoinDOS(root, id, "_CONTENT")
	}
	if err := e.Device.SetPath(ctx, path, true); err != nil {
		return err
	}

	for _, de := range entries {
		if de.IsDir() || !hostfs.IsValidSFN(de.Name()) {
			continue
		}
		e.logf("content: transferring %s", de.Name())
		if err := e.uploadFile(ctx, dir, de.Name(), ck.XorKey); err != nil {
			e.logf("content: transfer failed for %s: %v", de.Name(), err)
		}
	}

	if e.Mode == ModeLibrary {
		userPath := hostfs.JoinDOS(root, id, "_USER")
		if err := e.Device.SetPath(ctx, userPath, true); err != nil {
			return err
		}
	}

	return nil
}

// Remove deletes an installed content id, matching content_remove: the
// admini record's own key is split into the CryptKey halves that
// authorize the removal, then the _CONTENT-less id itself is deleted.
func (e *Engine) Remove(ctx context.Context, root, id string) error {
	info, ok, err := e.find(ctx, root, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	blk1, blk2 := SplitMasterKey(info.Key)
	ck := &exword.CryptKeyExchange{Blk1: blk1, Blk2: blk2}

	e.logf("content: removing %s", id)

	// Unlock, CName, and CryptKey all run unconditionally, matching
	// content_remove's rsp |= exword_unlock(); rsp |= exword_cname(...);
	// rsp |= exword_cryptkey(...) — only the remove step below is gated
	// on the accumulated status. Lock always runs last regardless of how
	// this function returns.
	defer e.Device.Lock(ctx)
	err = e.Device.Unlock(ctx)
	if cerr := e.Device.CName(ctx, info.Name, id); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := e.Device.CryptKey(ctx, ck, GetXORKey); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return e.Device.Remove(ctx, id)
}

// Decrypt downloads and decrypts an installed content id's files into
// local staging, matching content_decrypt: skip .cjs licensing files,
// derive the download key from the admini record's own key via
// GetXORKey, and refuse to overwrite an existing local copy.
func (e *Engine) Decrypt(ctx context.Context, root, id string) error {
	var path string
	if e.Mode == ModeCD {
		path = hostfs.JoinDOS(root, id)
	} else {
		path = hostfs.JoinDOS(root, id, "_CONTENT")
	}

	info, ok, err := e.find(ctx, root, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}
	if err := e.Device.SetPath(ctx, path, false); err != nil {
		return fmt.Errorf("%w: %s", ErrNotInstalled, id)
	}

	dir := e.localDir(id)
	if _, err := os.Stat(dir); err == nil {
		return ErrLocalExists
	}
	if err := os.MkdirAll(dir, 0770); err != nil {
		return fmt.Errorf("content: create local directory %s: %w", dir, err)
	}

	key := GetXORKey(info.Key[:])
	entries, err := e.Device.List(ctx)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Flags != 0 {
			continue
		}
		if strings.EqualFold(extOf(ent.Name), ".cjs") {
			continue
		}
		e.logf("content: decrypting %s", ent.Name)
		if err := e.downloadFile(ctx, dir, ent.Name, key); err != nil {
			e.logf("content: decrypt failed for %s: %v", ent.Name, err)
		}
	}
	return nil
}

// Auth authenticates to the device using a saved or supplied challenge
// key, matching content_auth: it challenges the internal store first,
// then probes for an SD card directory and falls back to re-provisioning
// (AuthInfoReset) if the SD card rejects the same challenge.
func (e *Engine) Auth(ctx context.Context, user string, challenge *[20]byte) error {
	var c [20]byte
	if challenge != nil {
		c = *challenge
	} else {
		key, ok, err := e.Keys.Load(user)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoUserKey
		}
		c = key
	}

	if err := e.Device.SetPath(ctx, `\_INTERNAL_00`, false); err != nil {
		return err
	}
	if err := e.Device.AuthChallenge(ctx, c); err != nil {
		return err
	}

	if err := e.Device.SetPath(ctx, "", false); err != nil {
		return err
	}
	entries, err := e.Device.List(ctx)
	if err != nil {
		return err
	}
	for _, ent := range entries {
		if ent.Name == "_SD_00" || ent.Name == "_SD_01" {
			// The device only ever exposes its SD-card auth area at
			// \_SD_00 regardless of which name the directory listing
			// reported; this matches the original implementation
			// literally rather than substituting the observed name.
			if err := e.Device.SetPath(ctx, `\_SD_00`, false); err != nil {
				return err
			}
			if err := e.Device.AuthChallenge(ctx, c); err != nil {
				// The SD card rejected our existing challenge; request
				// fresh authentication info to re-provision it, matching
				// content_auth's fallback to exword_authinfo.
				if _, err := e.Device.AuthInfoReset(ctx, user); err != nil {
					return err
				}
			}
		}
	}

	var id [17]byte
	copy(id[:16], user)
	return e.Device.UserID(ctx, id)
}

// Reset re-provisions a user's authentication info from scratch,
// matching content_reset: request fresh AUTHINFO, register the userid,
// persist the new challenge key locally, then immediately run Auth with
// it.
func (e *Engine) Reset(ctx context.Context, user string) error {
	if err := e.Device.SetPath(ctx, `\_INTERNAL_00`, false); err != nil {
		return err
	}
	info, err := e.Device.AuthInfoReset(ctx, user)
	if err != nil {
		return err
	}
	var id [17]byte
	copy(id[:16], user)
	if err := e.Device.UserID(ctx, id); err != nil {
		return err
	}
	e.logf("content: user %s registered with key %x", user, info.Challenge)
	if err := e.Keys.Save(user, info.Challenge); err != nil {
		e.logf("content: warning: failed to save authentication info: %v", err)
	}
	return e.Auth(ctx, user, &info.Challenge)
}

// ListRemote lists admini entries under root, decoding each display name
// using the charset the current region implies; a name that does not
// decode is returned as stored.
func (e *Engine) ListRemote(ctx context.Context, root string) ([]Entry, error) {
	if err := e.Device.SetPath(ctx, root, false); err != nil {
		return nil, err
	}
	data, err := e.readAdmini(ctx)
	if err != nil {
		return nil, nil
	}
	entries := ParseRecords(data)
	charset := region.IDToLocale(e.Region)
	for i := range entries {
		if name, err := xcode.ToLocale(charset, []byte(entries[i].Name)); err == nil {
			entries[i].Name = name
		}
	}
	return entries, nil
}

// LocalEntry is one locally staged content directory discovered by
// ListLocal.
type LocalEntry struct {
	ID   string
	Name string
}

// ListLocal enumerates the local staging directory, extracting each
// subdirectory's display name from diction.htm (library dictionaries) or
// playlist.htm (CD audio), matching content_list_local.
func (e *Engine) ListLocal() ([]LocalEntry, error) {
	var base string
	if e.Mode == ModeCD {
		base = hostfs.JoinHost(e.DataDir, "sound")
	} else {
		base = hostfs.JoinHost(e.DataDir, region.IDToString(e.Region))
	}
	dirEntries, err := os.ReadDir(base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("content: read local staging directory: %w", err)
	}
	var out []LocalEntry
	for _, de := range dirEntries {
		if !de.IsDir() || strings.HasPrefix(de.Name(), ".") {
			continue
		}
		path := hostfs.JoinHost(base, de.Name())
		var name string
		if e.Mode == ModeCD {
			name, err = cdName(path)
		} else {
			name, err = dictName(path)
		}
		if err != nil || name == "" {
			continue
		}
		out = append(out, LocalEntry{ID: de.Name(), Name: name})
	}
	return out, nil
}

func (e *Engine) displayName(dir string) (string, error) {
	var name string
	var err error
	if e.Mode == ModeCD {
		name, err = cdName(dir)
	} else {
		name, err = dictName(dir)
	}
	if err != nil || name == "" {
		return "", fmt.Errorf("%w: %s", ErrNoDisplayName, dir)
	}
	return name, nil
}

// cdName extracts the title from playlist.htm, matching _get_cd_name: the
// content up to the first carriage return.
func cdName(dir string) (string, error) {
	data, err := os.ReadFile(hostfs.JoinHost(dir, "playlist.htm"))
	if err != nil {
		return "", err
	}
	if i := bytes.IndexByte(data, 0x0d); i >= 0 {
		data = data[:i]
	}
	return string(data), nil
}

// dictName extracts the <title>...</title> content of diction.htm,
// matching _get_dict_name.
func dictName(dir string) (string, error) {
	data, err := os.ReadFile(hostfs.JoinHost(dir, "diction.htm"))
	if err != nil {
		return "", err
	}
	start := bytes.Index(data, []byte("<title>"))
	end := bytes.Index(data, []byte("</title>"))
	if start < 0 || end < 0 || end < start+7 {
		return "", fmt.Errorf("content: no title in diction.htm")
	}
	return string(data[start+7 : end]), nil
}

// localDirSize sums the size of every regular file directly in dir,
// matching _get_size.
func localDirSize(entries []os.DirEntry) int {
	total := 0
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		total += int(info.Size())
	}
	return total
}

func (e *Engine) uploadFile(ctx context.Context, dir, name string, key [16]byte) error {
	data, err := os.ReadFile(hostfs.JoinHost(dir, name))
	if err != nil {
		return err
	}
	if NeedsCrypt(name) {
		CryptData(data, key)
	}
	return e.Device.Put(ctx, name, data)
}

func (e *Engine) downloadFile(ctx context.Context, dir, name string, key [16]byte) error {
	data, err := e.Device.Get(ctx, name)
	if err != nil {
		return err
	}
	if NeedsCrypt(name) {
		CryptData(data, key)
	}
	return os.WriteFile(hostfs.JoinHost(dir, name), data, 0660)
}
