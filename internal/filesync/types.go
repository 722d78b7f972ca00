package filesync

import (
	"fmt"
	"strconv"
	"strings"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
)

// Kind distinguishes files from directories in a manifest. The values
// are the single characters used on the wire.
type Kind byte

const (
	KindFile      Kind = 'f'
	KindDirectory Kind = 'd'
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDirectory:
		return "directory"
	default:
		return fmt.Sprintf("Kind(%q)", byte(k))
	}
}

// Entry is one filesystem object captured by a snapshot. ModTime is in
// unix seconds. Size of a directory is its own metadata size.
type Entry struct {
	Path    string
	Kind    Kind
	Size    uint64
	ModTime int64
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Line encodes the entry as a manifest frame: path,kind,size,mtime.
// Nothing is escaped, so a path containing a comma produces a line
// that ParseEntry rejects.
func (e Entry) Line() string {
	return e.Path + "," + string(e.Kind) + "," +
		strconv.FormatUint(e.Size, 10) + "," +
		strconv.FormatInt(e.ModTime, 10)
}

// ParseEntry decodes a manifest frame produced by Entry.Line.
func ParseEntry(line string) (Entry, error) {
	fields := strings.Split(line, ",")
	if len(fields) != 4 {
		return Entry{}, fmt.Errorf("%w: manifest line has %d fields, want 4: %q", syncerr.ErrProtocol, len(fields), line)
	}

	if fields[0] == "" {
		return Entry{}, fmt.Errorf("%w: manifest line has empty path", syncerr.ErrProtocol)
	}

	var kind Kind

	switch fields[1] {
	case "f":
		kind = KindFile
	case "d":
		kind = KindDirectory
	default:
		return Entry{}, fmt.Errorf("%w: unknown entry kind %q", syncerr.ErrProtocol, fields[1])
	}

	size, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: bad size %q", syncerr.ErrProtocol, fields[2])
	}

	mtime, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return Entry{}, fmt.Errorf("%w: bad mtime %q", syncerr.ErrProtocol, fields[3])
	}

	return Entry{Path: fields[0], Kind: kind, Size: size, ModTime: mtime}, nil
}

// Manifest is the ordered list of entries under Root modified strictly
// after Since. Directories precede their contents.
type Manifest struct {
	Root    string
	Since   uint32
	Entries []Entry
}

// Classification says which side of a diff holds the version to copy.
type Classification int

const (
	LocalOnly Classification = iota
	RemoteOnly
	NewerInLocal
	NewerInRemote
)

func (c Classification) String() string {
	switch c {
	case LocalOnly:
		return "only in local"
	case RemoteOnly:
		return "only in remote"
	case NewerInLocal:
		return "new in local"
	case NewerInRemote:
		return "new in remote"
	default:
		return fmt.Sprintf("Classification(%d)", int(c))
	}
}

// DiffItem pairs an entry with its classification. For LocalOnly and
// NewerInLocal the entry comes from the local manifest, otherwise from
// the remote one.
type DiffItem struct {
	Entry Entry
	Class Classification
}

// FromRemote reports whether the item must be fetched from the peer.
func (d DiffItem) FromRemote() bool {
	return d.Class == RemoteOnly || d.Class == NewerInRemote
}
