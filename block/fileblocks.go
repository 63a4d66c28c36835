package block

import (
	"fmt"
	"slices"
)

// FileBlocks is the immutable block list of one file in a folder.
//
// Size and Hash are computed once by NewFileBlocks. A changed file is
// represented by a new FileBlocks; values are never updated in place.
type FileBlocks struct {
	folder string
	path   string
	blocks []Info
	size   int64
	hash   string
}

// NewFileBlocks builds the block list for path within folder.
// The blocks slice is copied; a nil or empty list describes an empty file.
func NewFileBlocks(folder, path string, blocks []Info) (*FileBlocks, error) {
	if folder == "" {
		return nil, ErrEmptyFolder
	}
	if path == "" {
		return nil, ErrEmptyPath
	}

	var size int64
	for i, b := range blocks {
		if b.Hash == "" {
			return nil, fmt.Errorf("%w: block %d has no hash", ErrInvalidBlock, i)
		}
		if b.Size < 0 {
			return nil, fmt.Errorf("%w: block %d has negative size %d", ErrInvalidBlock, i, b.Size)
		}
		size += int64(b.Size)
	}

	copied := slices.Clone(blocks)
	if copied == nil {
		copied = []Info{}
	}
	return &FileBlocks{
		folder: folder,
		path:   path,
		blocks: copied,
		size:   size,
		hash:   HashBlocks(copied),
	}, nil
}

// Folder returns the folder identifier.
func (f *FileBlocks) Folder() string { return f.folder }

// Path returns the file path within the folder.
func (f *FileBlocks) Path() string { return f.path }

// Size returns the total file size, the sum of all block sizes.
func (f *FileBlocks) Size() int64 { return f.size }

// Hash returns the aggregate hash of the ordered block list.
func (f *FileBlocks) Hash() string { return f.hash }

// Len returns the number of blocks.
func (f *FileBlocks) Len() int { return len(f.blocks) }

// Block returns the i-th block. It panics if i is out of range.
func (f *FileBlocks) Block(i int) Info { return f.blocks[i] }

// Blocks returns a copy of the ordered block list.
func (f *FileBlocks) Blocks() []Info { return slices.Clone(f.blocks) }

// Equal reports whether f and other describe the same content at the same
// location. Block lists are compared through their aggregate hash.
func (f *FileBlocks) Equal(other *FileBlocks) bool {
	if f == nil || other == nil {
		return f == other
	}
	return f.folder == other.folder &&
		f.path == other.path &&
		f.size == other.size &&
		f.hash == other.hash
}

func (f *FileBlocks) String() string {
	return fmt.Sprintf("FileBlocks{blocks=%d, hash=%s, folder=%s, path=%s, size=%d}",
		len(f.blocks), f.hash, f.folder, f.path, f.size)
}
