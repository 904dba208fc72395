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

package packfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
)

// A DB is an on-disk object database rooted at a directory laid out the
// way Git lays out ".git/objects": loose objects in two-hex-digit
// fan-out subdirectories and packfiles under "pack/". Lookups try the
// loose store first, then each packfile. Like Store, a DB is safe for
// concurrent readers.
type DB struct {
	dir    string
	loose  ObjectDir
	stores []*Store
}

// OpenDB opens the object database rooted at dir. Packfiles under
// dir/pack are memory-mapped immediately; loose objects are read on
// demand.
func OpenDB(dir string) (*DB, error) {
	packs, err := filepath.Glob(filepath.Join(dir, "pack", "pack-*.pack"))
	if err != nil {
		return nil, fmt.Errorf("packfile: open database %s: %w", dir, err)
	}
	db := &DB{dir: dir, loose: ObjectDir(dir)}
	for _, p := range packs {
		s, err := OpenStore(p)
		if err != nil {
			db.Close()
			return nil, err
		}
		db.stores = append(db.stores, s)
	}
	return db, nil
}

// Close releases the file mappings of every packfile in the database.
func (db *DB) Close() error {
	var first error
	for _, s := range db.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WriteSHA1Object opens a new loose object for writing.
func (db *DB) WriteSHA1Object(prefix object.Prefix) (WriteFinisher, error) {
	return db.loose.WriteSHA1Object(prefix)
}

// nopReadSeekCloser adapts an in-memory reader to the object reader
// interface.
type nopReadSeekCloser struct {
	*bytes.Reader
}

func (nopReadSeekCloser) Close() error { return nil }

// ReadSHA1Object opens the object with the given hash, searching the
// loose store first and then each packfile. If no object is found, the
// error matches os.ErrNotExist.
func (db *DB) ReadSHA1Object(id githash.SHA1) (object.Prefix, io.ReadSeekCloser, error) {
	prefix, r, err := db.loose.ReadSHA1Object(id)
	if err == nil {
		return prefix, r, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return object.Prefix{}, nil, err
	}
	for _, s := range db.stores {
		prefix, data, err := s.Object(id)
		if err == nil {
			return prefix, nopReadSeekCloser{bytes.NewReader(data)}, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return object.Prefix{}, nil, err
		}
	}
	return object.Prefix{}, nil, fmt.Errorf("packfile: object %v: %w", id, os.ErrNotExist)
}

// Object returns the type, size, and content of the object with the
// given hash. If the database does not hold the object, Object returns
// an error for which errors.Is(err, os.ErrNotExist) reports true.
func (db *DB) Object(id githash.SHA1) (object.Prefix, []byte, error) {
	prefix, r, err := db.ReadSHA1Object(id)
	if err != nil {
		return object.Prefix{}, nil, err
	}
	defer r.Close()
	data := make([]byte, int(prefix.Size))
	if _, err := io.ReadFull(r, data); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: object %v: %w", id, err)
	}
	return prefix, data, nil
}

// Contains reports whether the database holds the object with the given
// hash, either loose or packed.
func (db *DB) Contains(id githash.SHA1) bool {
	if _, err := os.Stat(db.loose.path(id)); err == nil {
		return true
	}
	for _, s := range db.stores {
		if s.Contains(id) {
			return true
		}
	}
	return false
}

// typedObject returns the content of the object with the given hash,
// after checking its type.
func (db *DB) typedObject(typ object.Type, id githash.SHA1) ([]byte, error) {
	prefix, data, err := db.Object(id)
	if err != nil {
		return nil, err
	}
	if prefix.Type != typ {
		return nil, fmt.Errorf("packfile: %s %v: found %v: %w", typ, id, prefix.Type, errWrongType)
	}
	return data, nil
}

// Tree returns the payload of the tree object with the given hash. It
// satisfies the tree iterator's source contract.
func (db *DB) Tree(id githash.SHA1) ([]byte, error) {
	return db.typedObject(object.TypeTree, id)
}

// Commit returns the parsed commit object with the given hash.
func (db *DB) Commit(id githash.SHA1) (*object.Commit, error) {
	data, err := db.typedObject(object.TypeCommit, id)
	if err != nil {
		return nil, err
	}
	c, err := object.ParseCommit(data)
	if err != nil {
		return nil, fmt.Errorf("packfile: commit %v: %w", id, err)
	}
	return c, nil
}

// validatePrefix checks an abbreviated object ID's length and alphabet.
func validatePrefix(prefix string) error {
	if len(prefix) < 4 || len(prefix) > githash.SHA1Size*2 {
		return fmt.Errorf("prefix must be 4 to %d hex digits", githash.SHA1Size*2)
	}
	for _, c := range prefix {
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return errors.New("not lowercase hex")
		}
	}
	return nil
}

// findPrefix appends to dst the IDs in idx that start with the given
// hex prefix.
func (idx *Index) findPrefix(dst []githash.SHA1, prefix string) []githash.SHA1 {
	i := sort.Search(len(idx.ObjectIDs), func(i int) bool {
		return idx.ObjectIDs[i].String() >= prefix
	})
	for ; i < len(idx.ObjectIDs) && strings.HasPrefix(idx.ObjectIDs[i].String(), prefix); i++ {
		dst = append(dst, idx.ObjectIDs[i])
	}
	return dst
}

// ResolvePrefix resolves an abbreviated object ID to the single object
// in the database whose ID starts with the given lowercase hex prefix,
// searching both the loose store and every packfile. It returns an
// error for which errors.Is(err, os.ErrNotExist) reports true if no
// object matches, and an error wrapping ErrAmbiguous if more than one
// does.
func (db *DB) ResolvePrefix(prefix string) (githash.SHA1, error) {
	if err := validatePrefix(prefix); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, err)
	}
	matches := make(map[githash.SHA1]struct{})

	// Loose objects live under a directory named by the ID's first two
	// digits.
	entries, err := os.ReadDir(filepath.Join(db.dir, prefix[:2]))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, err)
	}
	for _, ent := range entries {
		if !strings.HasPrefix(ent.Name(), prefix[2:]) {
			continue
		}
		id, err := githash.ParseSHA1(prefix[:2] + ent.Name())
		if err != nil {
			// Not an object file.
			continue
		}
		matches[id] = struct{}{}
	}

	var packed []githash.SHA1
	for _, s := range db.stores {
		packed = s.idx.findPrefix(packed, prefix)
	}
	for _, id := range packed {
		matches[id] = struct{}{}
	}

	switch len(matches) {
	case 0:
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, os.ErrNotExist)
	case 1:
		for id := range matches {
			return id, nil
		}
		panic("unreachable")
	default:
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, ErrAmbiguous)
	}
}
