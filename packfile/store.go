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
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
	"golang.org/x/exp/mmap"
)

// ErrAmbiguous is returned by Store.ResolvePrefix when more than one
// object ID starts with the given prefix.
var ErrAmbiguous = errors.New("ambiguous object ID prefix")

// errWrongType is wrapped by Store methods that found an object of a
// different type than the operation expects.
var errWrongType = errors.New("object has unexpected type")

// A Store provides random access to the objects of a single packfile.
// The packfile is memory-mapped and never modified, so a Store may be
// used from multiple goroutines without coordination.
type Store struct {
	pack *mmap.ReaderAt
	size int64
	idx  *Index

	undeltifiers sync.Pool // of *Undeltifier
}

// OpenStore opens the packfile at path, conventionally ending in
// ".pack". The packfile's index is read from the corresponding ".idx"
// file; if no index file exists, the index is rebuilt from the packfile
// itself.
func OpenStore(path string) (*Store, error) {
	pack, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("packfile: open store: %w", err)
	}
	size := int64(pack.Len())
	idx, err := openIndex(indexPath(path), pack, size)
	if err != nil {
		pack.Close()
		return nil, fmt.Errorf("packfile: open store %s: %w", path, err)
	}
	return &Store{pack: pack, size: size, idx: idx}, nil
}

// indexPath converts a packfile path to its index file path.
func indexPath(packPath string) string {
	return strings.TrimSuffix(packPath, ".pack") + ".idx"
}

func openIndex(path string, pack io.ReaderAt, size int64) (*Index, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return BuildIndex(pack, size, nil)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadIndex(bufio.NewReader(f))
}

// Index returns the store's index. The caller must not modify it.
func (s *Store) Index() *Index {
	return s.idx
}

// Close releases the store's file mapping. Object readers obtained
// before Close remain valid, since object content is copied out of the
// mapping during delta resolution.
func (s *Store) Close() error {
	return s.pack.Close()
}

// Contains reports whether the store holds the object with the given
// hash.
func (s *Store) Contains(id githash.SHA1) bool {
	return s.idx.FindID(id) != -1
}

// Object returns the type, size, and content of the object with the
// given hash. If the store does not hold the object, Object returns an
// error for which errors.Is(err, os.ErrNotExist) reports true.
func (s *Store) Object(id githash.SHA1) (object.Prefix, []byte, error) {
	i := s.idx.FindID(id)
	if i == -1 {
		return object.Prefix{}, nil, fmt.Errorf("packfile: object %v: %w", id, os.ErrNotExist)
	}
	u, _ := s.undeltifiers.Get().(*Undeltifier)
	if u == nil {
		u = new(Undeltifier)
	}
	defer s.undeltifiers.Put(u)
	f := NewBufferedReadSeeker(io.NewSectionReader(s.pack, 0, s.size))
	prefix, r, err := u.Undeltify(f, s.idx.Offsets[i], &UndeltifyOptions{Index: s.idx})
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: object %v: %w", id, err)
	}
	data := make([]byte, int(prefix.Size))
	if _, err := io.ReadFull(r, data); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: object %v: %w", id, err)
	}
	return prefix, data, nil
}

// typedObject returns the content of the object with the given hash,
// after checking its type.
func (s *Store) typedObject(typ object.Type, id githash.SHA1) ([]byte, error) {
	prefix, data, err := s.Object(id)
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
func (s *Store) Tree(id githash.SHA1) ([]byte, error) {
	return s.typedObject(object.TypeTree, id)
}

// Commit returns the parsed commit object with the given hash.
func (s *Store) Commit(id githash.SHA1) (*object.Commit, error) {
	data, err := s.typedObject(object.TypeCommit, id)
	if err != nil {
		return nil, err
	}
	c, err := object.ParseCommit(data)
	if err != nil {
		return nil, fmt.Errorf("packfile: commit %v: %w", id, err)
	}
	return c, nil
}

// ResolvePrefix resolves an abbreviated object ID to the single object
// in the store whose ID starts with the given lowercase hex prefix. It
// returns an error for which errors.Is(err, os.ErrNotExist) reports
// true if no object matches, and an error wrapping ErrAmbiguous if
// more than one does.
func (s *Store) ResolvePrefix(prefix string) (githash.SHA1, error) {
	if err := validatePrefix(prefix); err != nil {
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, err)
	}
	matches := s.idx.findPrefix(nil, prefix)
	switch len(matches) {
	case 0:
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, os.ErrNotExist)
	case 1:
		return matches[0], nil
	default:
		return githash.SHA1{}, fmt.Errorf("packfile: resolve %q: %w", prefix, ErrAmbiguous)
	}
}
