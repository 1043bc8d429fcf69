package content

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exworddrv/internal/exword"
	"exworddrv/internal/region"
)

// fakeDevice is a scriptable exword.Device stand-in driving Engine's
// workflows without any real transport.
type fakeDevice struct {
	paths        []string
	getBody      map[string][]byte
	putCalls     map[string][]byte
	removed      []string
	capacity     exword.Capacity
	listEntries  []exword.DirEntry
	locked       int
	unlocked     int
	cnameCalls   []string
	cryptKeyErr  error
	unlockErr    error
	cnameErr     error
	removeErr    error
	authInfo     exword.AuthInfo
	authInfoUser string
	userIDCalls  [][17]byte
	challenges   [][20]byte
	failSetPath  map[string]bool
}

func newFakeDevice() *fakeDevice {
	return &fakeDevice{
		getBody:     make(map[string][]byte),
		putCalls:    make(map[string][]byte),
		failSetPath: make(map[string]bool),
	}
}

func (f *fakeDevice) SetPath(ctx context.Context, path string, mkdir bool) error {
	f.paths = append(f.paths, path)
	if f.failSetPath[path] {
		return &exword.Error{Op: "setpath", Code: exword.StatusNotFound}
	}
	return nil
}

func (f *fakeDevice) Get(ctx context.Context, filename string) ([]byte, error) {
	return f.getBody[filename], nil
}

func (f *fakeDevice) Put(ctx context.Context, filename string, data []byte) error {
	f.putCalls[filename] = append([]byte(nil), data...)
	return nil
}

func (f *fakeDevice) Remove(ctx context.Context, filename string) error {
	f.removed = append(f.removed, filename)
	return f.removeErr
}

func (f *fakeDevice) List(ctx context.Context) ([]exword.DirEntry, error) {
	return f.listEntries, nil
}

func (f *fakeDevice) Capacity(ctx context.Context) (exword.Capacity, error) {
	return f.capacity, nil
}

func (f *fakeDevice) Lock(ctx context.Context) error { f.locked++; return nil }
func (f *fakeDevice) Unlock(ctx context.Context) error {
	f.unlocked++
	return f.unlockErr
}

func (f *fakeDevice) CName(ctx context.Context, name, dir string) error {
	f.cnameCalls = append(f.cnameCalls, name+"/"+dir)
	return f.cnameErr
}

func (f *fakeDevice) CryptKey(ctx context.Context, ex *exword.CryptKeyExchange, deriveXOR func([]byte) [16]byte) error {
	if f.cryptKeyErr != nil {
		return f.cryptKeyErr
	}
	ex.Key = [16]byte{1, 2, 3}
	ex.XorKey = deriveXOR(ex.Key[:])
	return nil
}

func (f *fakeDevice) UserID(ctx context.Context, id [17]byte) error {
	f.userIDCalls = append(f.userIDCalls, id)
	return nil
}

func (f *fakeDevice) AuthChallenge(ctx context.Context, challenge [20]byte) error {
	f.challenges = append(f.challenges, challenge)
	return nil
}

func (f *fakeDevice) AuthInfoReset(ctx context.Context, user string) (exword.AuthInfo, error) {
	f.authInfoUser = user
	return f.authInfo, nil
}

func adminiBytes(t *testing.T, id, name string, key [16]byte) []byte {
	t.Helper()
	return makeRecord(id, name, key)
}

func writeDiction(t *testing.T, dir, title string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0770))
	content := "<html><title>" + title + "</title></html>"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "diction.htm"), []byte(content), 0660))
}

func TestEngineInstallRejectsAlreadyInstalled(t *testing.T) {
	dev := newFakeDevice()
	dev.getBody["admini.inf"] = adminiBytes(t, "DICT_01", "English", [16]byte{})

	dataDir := t.TempDir()
	writeDiction(t, filepath.Join(dataDir, region.IDToString(region.Default), "DICT_01"), "English")

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Install(context.Background(), `\root`, "DICT_01")
	require.ErrorIs(t, err, ErrAlreadyInstalled)
}

func TestEngineInstallUploadsFilesAndLocksAfter(t *testing.T) {
	dev := newFakeDevice()
	dev.capacity = exword.Capacity{Total: 1_000_000, Free: 900_000}

	dataDir := t.TempDir()
	dictDir := filepath.Join(dataDir, region.IDToString(region.Default), "DICT_02")
	writeDiction(t, dictDir, "French")
	require.NoError(t, os.WriteFile(filepath.Join(dictDir, "DATA.TXT"), []byte("hello"), 0660))

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Install(context.Background(), `\root`, "DICT_02")
	require.NoError(t, err)

	assert.Contains(t, dev.putCalls, "DATA.TXT")
	assert.NotEqual(t, []byte("hello"), dev.putCalls["DATA.TXT"], "encrypted extension must be XORed before upload")
	assert.Equal(t, 1, dev.unlocked)
	assert.Equal(t, 1, dev.locked)
	assert.Contains(t, dev.cnameCalls, "French/DICT_02")
}

func TestEngineInstallRejectsInsufficientSpace(t *testing.T) {
	dev := newFakeDevice()
	dev.capacity = exword.Capacity{Total: 1000, Free: 1}

	dataDir := t.TempDir()
	dictDir := filepath.Join(dataDir, region.IDToString(region.Default), "DICT_03")
	writeDiction(t, dictDir, "German")
	require.NoError(t, os.WriteFile(filepath.Join(dictDir, "BIG.TXT"), make([]byte, 100), 0660))

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Install(context.Background(), `\root`, "DICT_03")
	require.ErrorIs(t, err, ErrInsufficientSpace)
}

func TestEngineInstallLocksAfterUnlockFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.capacity = exword.Capacity{Total: 1_000_000, Free: 900_000}
	dev.unlockErr = &exword.Error{Op: "unlock", Code: exword.StatusForbidden}

	dataDir := t.TempDir()
	dictDir := filepath.Join(dataDir, region.IDToString(region.Default), "DICT_08")
	writeDiction(t, dictDir, "Dutch")
	require.NoError(t, os.WriteFile(filepath.Join(dictDir, "DATA.TXT"), []byte("hello"), 0660))

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Install(context.Background(), `\root`, "DICT_08")
	require.Error(t, err)

	assert.Equal(t, 1, dev.unlocked)
	assert.Contains(t, dev.cnameCalls, "Dutch/DICT_08", "CName must still run after an Unlock failure")
	assert.Equal(t, 1, dev.locked, "Lock must run even when Unlock fails")
	assert.Empty(t, dev.putCalls, "transfer must not proceed once the setup sequence failed")
}

func TestEngineInstallLocksAfterCNameFailure(t *testing.T) {
	dev := newFakeDevice()
	dev.capacity = exword.Capacity{Total: 1_000_000, Free: 900_000}
	dev.cnameErr = &exword.Error{Op: "cname", Code: exword.StatusForbidden}

	dataDir := t.TempDir()
	dictDir := filepath.Join(dataDir, region.IDToString(region.Default), "DICT_09")
	writeDiction(t, dictDir, "Swedish")

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Install(context.Background(), `\root`, "DICT_09")
	require.Error(t, err)

	assert.Equal(t, 1, dev.unlocked)
	assert.Equal(t, 1, dev.locked, "Lock must run even when CName fails")
}

func TestEngineRemoveRejectsUnknownID(t *testing.T) {
	dev := newFakeDevice()
	dev.getBody["admini.inf"] = nil

	e := NewEngine(dev, ModeLibrary, region.Default, t.TempDir(), nil)
	err := e.Remove(context.Background(), `\root`, "DICT_99")
	require.ErrorIs(t, err, ErrNotInstalled)
}

func TestEngineRemoveDeletesAndLocks(t *testing.T) {
	dev := newFakeDevice()
	var key [16]byte
	key[0] = 0xAA
	dev.getBody["admini.inf"] = adminiBytes(t, "DICT_04", "Spanish", key)

	e := NewEngine(dev, ModeLibrary, region.Default, t.TempDir(), nil)
	err := e.Remove(context.Background(), `\root`, "DICT_04")
	require.NoError(t, err)

	assert.Contains(t, dev.removed, "DICT_04")
	assert.Equal(t, 1, dev.locked)
}

func TestEngineRemoveLocksAfterUnlockFailure(t *testing.T) {
	dev := newFakeDevice()
	var key [16]byte
	dev.getBody["admini.inf"] = adminiBytes(t, "DICT_10", "Greek", key)
	dev.unlockErr = &exword.Error{Op: "unlock", Code: exword.StatusForbidden}

	e := NewEngine(dev, ModeLibrary, region.Default, t.TempDir(), nil)
	err := e.Remove(context.Background(), `\root`, "DICT_10")
	require.Error(t, err)

	assert.Equal(t, 1, dev.unlocked)
	assert.Contains(t, dev.cnameCalls, "Greek/DICT_10", "CName must still run after an Unlock failure")
	assert.Equal(t, 1, dev.locked, "Lock must run even when Unlock fails")
	assert.Empty(t, dev.removed, "remove must not proceed once the setup sequence failed")
}

func TestEngineDecryptRefusesExistingLocalCopy(t *testing.T) {
	dev := newFakeDevice()
	var key [16]byte
	dev.getBody["admini.inf"] = adminiBytes(t, "DICT_05", "Italian", key)

	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, region.IDToString(region.Default), "DICT_05"), 0770))

	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Decrypt(context.Background(), `\root`, "DICT_05")
	require.ErrorIs(t, err, ErrLocalExists)
}

func TestEngineDecryptSkipsCJSAndFlaggedEntries(t *testing.T) {
	dev := newFakeDevice()
	var key [16]byte
	dev.getBody["admini.inf"] = adminiBytes(t, "DICT_06", "Russian", key)
	dev.listEntries = []exword.DirEntry{
		{Name: "license.cjs", Flags: 0},
		{Name: "hidden.txt", Flags: 1},
		{Name: "data.txt", Flags: 0},
	}
	dev.getBody["data.txt"] = []byte("plain text")

	dataDir := t.TempDir()
	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)
	err := e.Decrypt(context.Background(), `\root`, "DICT_06")
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dataDir, region.IDToString(region.Default), "DICT_06", "data.txt"))
	require.NoError(t, err)
	assert.NotEmpty(t, got)

	_, err = os.Stat(filepath.Join(dataDir, region.IDToString(region.Default), "DICT_06", "license.cjs"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dataDir, region.IDToString(region.Default), "DICT_06", "hidden.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngineAuthUsesStoredChallengeAndRegistersUser(t *testing.T) {
	dev := newFakeDevice()
	dataDir := t.TempDir()
	e := NewEngine(dev, ModeLibrary, region.Default, dataDir, nil)

	var key [20]byte
	key[0] = 7
	require.NoError(t, e.Keys.Save("alice", key))

	err := e.Auth(context.Background(), "alice", nil)
	require.NoError(t, err)
	require.Len(t, dev.challenges, 1)
	assert.Equal(t, key, dev.challenges[0])
	require.Len(t, dev.userIDCalls, 1)
}

func TestEngineAuthRequiresSavedKeyWhenChallengeOmitted(t *testing.T) {
	dev := newFakeDevice()
	e := NewEngine(dev, ModeLibrary, region.Default, t.TempDir(), nil)

	err := e.Auth(context.Background(), "nobody", nil)
	require.ErrorIs(t, err, ErrNoUserKey)
}

func TestEngineListLocalExtractsDisplayNames(t *testing.T) {
	dataDir := t.TempDir()
	libDir := filepath.Join(dataDir, region.IDToString(region.Default))
	writeDiction(t, filepath.Join(libDir, "DICT_07"), "Portuguese")

	e := NewEngine(nil, ModeLibrary, region.Default, dataDir, nil)
	entries, err := e.ListLocal()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "DICT_07", entries[0].ID)
	assert.Equal(t, "Portuguese", entries[0].Name)
}
