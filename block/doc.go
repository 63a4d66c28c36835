// Package block models files as ordered sequences of content-addressed blocks.
//
// A FileBlocks value describes one file inside a synchronized folder: the
// ordered list of blocks that, concatenated, reproduce the file's content.
// Its size and aggregate hash are derived once at construction, so two
// versions of a file can be compared without reading their content.
package block
