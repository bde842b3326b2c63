package session

import (
	"fmt"

	"github.com/firefish-io/go-escrow/types"
)

// StateVersion is the on-disk API version of a session state file.
type StateVersion uint32

const (
	VersionV0 StateVersion = 0
	VersionV1 StateVersion = 1

	// CurrentVersion is written by this implementation.
	CurrentVersion = VersionV1
)

// versionFlag marks new-format state files. The first byte of every legacy
// state file is a participant id, which never uses the full byte range, so
// the highest value is free to flag the presence of an explicit version.
const versionFlag byte = 255

// UnsupportedVersionError is returned when a state file was written by a
// newer implementation.
type UnsupportedVersionError struct {
	Version uint32
}

func (e UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported state file version %d", e.Version)
}

// Encode writes the version prefix including the flag byte.
func (v StateVersion) Encode(w *types.Writer) {
	w.WriteByte(versionFlag)
	w.WriteBE32(uint32(v))
}

// DecodeVersion reads the version prefix. When the flag byte is absent the
// cursor does not move and version 0 is assumed; all current serializations
// write the new format.
func DecodeVersion(r *types.Reader) (StateVersion, error) {
	first, err := r.PeekByte()
	if err != nil {
		return 0, err
	}
	if first != versionFlag {
		return VersionV0, nil
	}
	if _, err := r.ReadByte(); err != nil {
		return 0, err
	}
	num, err := r.ReadBE32()
	if err != nil {
		return 0, err
	}
	version := StateVersion(num)
	if version > CurrentVersion {
		return 0, UnsupportedVersionError{Version: num}
	}
	return version, nil
}

// offerVersionFor maps the state file version to the embedded escrow-params
// encoding version.
func offerVersionFor(version StateVersion) byte {
	if version == VersionV0 {
		return 0
	}
	return 1
}
