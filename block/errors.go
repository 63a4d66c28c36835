package block

import "errors"

var (
	// ErrEmptyFolder is returned when a FileBlocks is built without a folder.
	ErrEmptyFolder = errors.New("block: folder is empty")

	// ErrEmptyPath is returned when a FileBlocks is built without a path.
	ErrEmptyPath = errors.New("block: path is empty")

	// ErrInvalidBlock is returned when a block has an empty hash or a negative size.
	ErrInvalidBlock = errors.New("block: invalid block")
)
