// Copyright 2021 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

/*
Package treewalk iterates over Git tree objects in Git sort order.

Git sort order has the following oddity: for entries that share a common
prefix, a subtree sorts as if its name ended with a slash, while a file
sorts as if its name ended with a byte lower than any real byte. For
sibling entries named "A" (a file), "A" (a subtree), and "A0" (a file),
the resulting order is

	A      (file)
	A      (subtree)
	A0     (file)

because the file's virtual terminator is lower than '/' (0x2f), and '/'
is lower than '0' (0x30). Every diff, merge, and log operation depends
on observing entries in exactly this order.
*/
package treewalk

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
)

// ErrNotTree is returned by Descend when the current entry does not name
// a subtree.
var ErrNotTree = errors.New("entry is not a tree")

// A Source provides serialized tree objects for recursive descent.
// Implementations must return an error for which
// errors.Is(err, os.ErrNotExist) reports true if no tree with the given
// hash exists.
type Source interface {
	// Tree returns the payload of the tree object with the given hash,
	// without the "tree N\x00" object prefix.
	Tree(id githash.SHA1) ([]byte, error)
}

// defaultPathSize is the initial capacity of a walk's path arena.
const defaultPathSize = 128

// An arena is the growable path buffer shared by every iterator of one
// walk. Iterators address it by integer offsets, so growth invalidates
// nothing.
type arena struct {
	buf []byte
}

// ensure grows the buffer until it holds at least n bytes, doubling the
// capacity and copying the live prefix.
func (a *arena) ensure(n int) {
	if n <= len(a.buf) {
		return
	}
	size := len(a.buf) * 2
	if size < n {
		size = n
	}
	buf := make([]byte, size)
	copy(buf, a.buf)
	a.buf = buf
}

// An Iterator enumerates the direct children of a single tree object in
// Git sort order. A new Iterator is positioned before the first entry:
// the entry accessors are undefined until the first call to Next.
//
// Iterators created from one root through Descend share a single path
// buffer, so the current entry is always addressable as a full path
// from the root while each level only populates its own span.
type Iterator struct {
	src   Source
	arena *arena
	data  []byte
	pos   int

	// pathOffset is the first buffer index this iterator writes. For a
	// subtree iterator the preceding byte holds '/'.
	pathOffset int
	// pathLen is the length of the current entry's full path from the
	// root. Buffer bytes past it are garbage from earlier entries.
	pathLen int

	mode  object.Mode
	idPos int
}

// New returns an iterator over the entries of the serialized tree
// payload data. src is used to load subtrees during Descend; it may be
// nil if Descend is never called.
func New(src Source, data []byte) *Iterator {
	return &Iterator{
		src:   src,
		arena: &arena{buf: make([]byte, defaultPathSize)},
		data:  data,
	}
}

// Open fetches the tree object id from src and returns an iterator over
// its entries.
func Open(src Source, id githash.SHA1) (*Iterator, error) {
	data, err := src.Tree(id)
	if err != nil {
		return nil, fmt.Errorf("treewalk: open %v: %w", id, err)
	}
	return New(src, data), nil
}

// EOF reports whether the iterator has no entries left. It is true for
// an empty tree before the first call to Next.
func (it *Iterator) EOF() bool {
	return it.pos >= len(it.data)
}

// Next advances to the next entry, populating the mode, name, and
// object ID accessors. Next must not be called once EOF reports true.
func (it *Iterator) Next() error {
	if it.EOF() {
		panic("treewalk: Next called at EOF")
	}
	src := it.data[it.pos:]
	modeEnd := bytes.IndexByte(src, ' ')
	if modeEnd == -1 {
		return fmt.Errorf("treewalk: entry mode: %w", io.ErrUnexpectedEOF)
	}
	mode, err := strconv.ParseUint(string(src[:modeEnd]), 8, 32)
	if err != nil {
		return fmt.Errorf("treewalk: entry mode: %w", err)
	}

	nameStart := modeEnd + 1
	nameEnd := bytes.IndexByte(src[nameStart:], 0)
	if nameEnd == -1 {
		return fmt.Errorf("treewalk: entry name: %w", io.ErrUnexpectedEOF)
	}
	nameEnd += nameStart
	name := src[nameStart:nameEnd]

	idStart := nameEnd + 1
	idEnd := idStart + githash.SHA1Size
	if idEnd > len(src) {
		return fmt.Errorf("treewalk: entry object id: %w", io.ErrUnexpectedEOF)
	}

	it.arena.ensure(it.pathOffset + len(name))
	copy(it.arena.buf[it.pathOffset:], name)
	it.pathLen = it.pathOffset + len(name)
	it.mode = object.Mode(mode)
	it.idPos = it.pos + idStart
	it.pos += idEnd
	return nil
}

// EntryMode returns the mode bits of the current entry.
func (it *Iterator) EntryMode() object.Mode {
	return it.mode
}

// EntryName returns the name of the current entry relative to its
// parent tree.
func (it *Iterator) EntryName() string {
	return string(it.arena.buf[it.pathOffset:it.pathLen])
}

// Path returns the current entry's full slash-separated path from the
// root of the walk.
func (it *Iterator) Path() string {
	return string(it.arena.buf[:it.pathLen])
}

// EntryID returns the object hash of the current entry.
func (it *Iterator) EntryID() githash.SHA1 {
	var h githash.SHA1
	copy(h[:], it.data[it.idPos:])
	return h
}

// IDEqual reports whether the current entries of both iterators name
// the same object. It compares the raw hash bytes in place, which is
// cheaper than materializing both hashes with EntryID. Consumers use
// this at subtree boundaries to prune identical subtrees.
func (it *Iterator) IDEqual(other *Iterator) bool {
	a := it.data[it.idPos : it.idPos+githash.SHA1Size]
	b := other.data[other.idPos : other.idPos+githash.SHA1Size]
	return bytes.Equal(a, b)
}

// PathCompare compares the full path of the current entry against the
// current entry of another iterator, which may be at a different depth.
// It returns -1 if this entry sorts first, 1 if the other entry sorts
// first, and 0 if the paths are equal. A subtree compares equal to any
// path beneath it, which lets walks over trees of unequal shape stay
// aligned.
func (it *Iterator) PathCompare(other *Iterator) int {
	a := it.arena.buf
	b := other.arena.buf
	aPos, aEnd := 0, it.pathLen
	bPos, bEnd := 0, other.pathLen

	for ; aPos < aEnd && bPos < bEnd; aPos, bPos = aPos+1, bPos+1 {
		if d := int(a[aPos]) - int(b[bPos]); d != 0 {
			return sign(d)
		}
	}
	// One path is a prefix of the other (or they are equal). The
	// virtual byte that follows each name breaks the tie: '/' for a
	// subtree, a terminator lower than any real byte for anything else.
	if aPos < aEnd {
		return sign(int(a[aPos]) - other.lastPathByte())
	}
	if bPos < bEnd {
		return sign(it.lastPathByte() - int(b[bPos]))
	}
	return sign(it.lastPathByte() - other.lastPathByte())
}

// lastPathByte is the virtual byte that follows the current entry's
// name: '/' for a subtree, and a terminator lower than any real byte
// otherwise.
func (it *Iterator) lastPathByte() int {
	if it.mode.IsDir() {
		return '/'
	}
	return 0
}

func sign(d int) int {
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// Descend returns a new iterator over the children of the current
// entry. It returns an error wrapping ErrNotTree if the current entry
// is not a subtree. The child iterator shares this iterator's path
// buffer; walking the child does not disturb this iterator's position.
func (it *Iterator) Descend() (*Iterator, error) {
	if !it.mode.IsDir() {
		return nil, fmt.Errorf("treewalk: descend %s: %w", it.Path(), ErrNotTree)
	}
	data, err := it.src.Tree(it.EntryID())
	if err != nil {
		return nil, fmt.Errorf("treewalk: descend %s: %w", it.Path(), err)
	}
	child := &Iterator{
		src:        it.src,
		arena:      it.arena,
		data:       data,
		pathOffset: it.pathLen + 1,
	}
	it.arena.ensure(child.pathOffset)
	it.arena.buf[it.pathLen] = '/'
	return child, nil
}
