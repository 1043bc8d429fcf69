package content

import "errors"

// ErrNotInstalled is returned when an operation targets a content id that
// has no matching admini entry on the device, matching the "No content
// with id %s installed." diagnostic in the original implementation.
var ErrNotInstalled = errors.New("content: not installed")

// ErrAlreadyInstalled is returned by Install when the admini scan already
// finds an entry for the requested id.
var ErrAlreadyInstalled = errors.New("content: already installed")

// ErrLocalExists is returned by Decrypt when the local staging directory
// for id already exists.
var ErrLocalExists = errors.New("content: local copy already exists")

// ErrInsufficientSpace is returned by Install when the local directory's
// total size is not smaller than the device's reported free space.
var ErrInsufficientSpace = errors.New("content: insufficient device space")

// ErrNoDisplayName is returned by Install when the local directory has no
// discoverable display name (missing diction.htm/playlist.htm title).
var ErrNoDisplayName = errors.New("content: could not determine content name")

// ErrNoUserKey is returned by Auth when no saved user key exists and the
// caller did not supply one.
var ErrNoUserKey = errors.New("content: no saved user key")
