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
Package revwalk provides the node and flag model that commit graph
traversals are built on.

A Walk is one traversal session. It interns nodes, so every hash maps
to exactly one *Commit for the session's lifetime, and it allocates the
session's flags. A flag is a single bit in each node's flag word:
marking and testing millions of nodes costs one mask operation each and
never allocates. Graph algorithms such as merge-base or log ordering
live in consumers of this package, not here.
*/
package revwalk

import (
	"errors"
	"fmt"
	"time"

	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
)

// ErrNotCommit is returned by Parse when the object named by a commit
// node turns out to be a blob, tree, or tag.
var ErrNotCommit = errors.New("object is not a commit")

// A Source provides raw objects for parsing.
type Source interface {
	// Object returns the type and size of the object with the given
	// hash along with its inflated payload. It must return an error for
	// which errors.Is(err, os.ErrNotExist) reports true if no such
	// object exists.
	Object(id githash.SHA1) (object.Prefix, []byte, error)
}

// A Flag is a single bit in a node's flag word. Flags are allocated by
// a Walk and must only be used with nodes of the Walk that allocated
// them.
type Flag uint32

// Parsed is set on a node once its payload has been read and parsed.
// It is reserved: NewFlag never returns it.
const Parsed Flag = 1 << 0

// numFlags is the width of a node's flag word.
const numFlags = 32

// A FlagSet is a union of flags from a single Walk. The zero value is
// the empty set.
type FlagSet uint32

// Add returns the union of the set and the given flag.
func (s FlagSet) Add(f Flag) FlagSet {
	return s | FlagSet(f)
}

// Contains reports whether the set includes f.
func (s FlagSet) Contains(f Flag) bool {
	return s&FlagSet(f) != 0
}

// An Object is the common state of every traversal node: the hash that
// identifies it and the session's flag bits. All flag operations run in
// constant time and do not allocate.
type Object struct {
	id    githash.SHA1
	flags uint32
}

// ID returns the hash of the object.
func (o *Object) ID() githash.SHA1 {
	return o.id
}

// Has reports whether the flag is set on the object.
func (o *Object) Has(f Flag) bool {
	return o.flags&uint32(f) != 0
}

// HasAny reports whether at least one flag of the set is set on the
// object.
func (o *Object) HasAny(s FlagSet) bool {
	return o.flags&uint32(s) != 0
}

// HasAll reports whether every flag of the set is set on the object.
func (o *Object) HasAll(s FlagSet) bool {
	return o.flags&uint32(s) == uint32(s)
}

// Add sets the flag on the object.
func (o *Object) Add(f Flag) {
	o.flags |= uint32(f)
}

// AddSet sets every flag of the set on the object.
func (o *Object) AddSet(s FlagSet) {
	o.flags |= uint32(s)
}

// Remove clears the flag on the object.
func (o *Object) Remove(f Flag) {
	o.flags &^= uint32(f)
}

// RemoveSet clears every flag of the set on the object.
func (o *Object) RemoveSet(s FlagSet) {
	o.flags &^= uint32(s)
}

// A Walk is a single traversal session over a commit graph. It owns
// the session's node interning table and flag namespace. A Walk is not
// safe for concurrent use; run concurrent traversals on separate
// Walks.
type Walk struct {
	src       Source
	commits   map[githash.SHA1]*Commit
	nextFlag  uint
	flagNames []string
}

// New returns a fresh traversal session reading objects from src.
func New(src Source) *Walk {
	return &Walk{
		src:      src,
		commits:  make(map[githash.SHA1]*Commit),
		nextFlag: 1, // bit 0 is Parsed
	}
}

// NewFlag allocates a flag for the session. The name is only used in
// error and debug messages. NewFlag returns an error once the flag
// word is exhausted; flags cannot be returned to the session short of
// starting a new Walk.
func (w *Walk) NewFlag(name string) (Flag, error) {
	if w.nextFlag >= numFlags {
		return 0, fmt.Errorf("new revwalk flag %s: all %d flags in use", name, numFlags)
	}
	f := Flag(1) << w.nextFlag
	w.nextFlag++
	w.flagNames = append(w.flagNames, name)
	return f, nil
}

// FlagName returns the name a flag was allocated under, or the empty
// string if the flag did not come from this session's NewFlag.
func (w *Walk) FlagName(f Flag) string {
	for i, name := range w.flagNames {
		if Flag(1)<<(i+1) == f {
			return name
		}
	}
	return ""
}

// LookupCommit returns the session's node for the given commit hash,
// creating an unparsed node if the hash has not been seen before. Every
// call with the same hash returns the same pointer, so flags set
// through one reference are visible through all others. LookupCommit
// does not touch storage; the hash is not checked for existence until
// the node is parsed.
func (w *Walk) LookupCommit(id githash.SHA1) *Commit {
	if c := w.commits[id]; c != nil {
		return c
	}
	c := &Commit{Object: Object{id: id}, walk: w}
	w.commits[id] = c
	return c
}

// ParseCommit returns the parsed node for the given commit hash,
// reading it from the session's source if it has not been parsed yet.
func (w *Walk) ParseCommit(id githash.SHA1) (*Commit, error) {
	c := w.LookupCommit(id)
	if err := c.Parse(); err != nil {
		return nil, err
	}
	return c, nil
}

// A Commit is a traversal node for a commit object. Its graph fields
// are zero until Parse runs.
type Commit struct {
	Object
	walk *Walk

	// Parents holds the session's nodes for the commit's parents in
	// order. The parents are looked up, not parsed.
	Parents []*Commit
	// TreeID is the hash of the commit's root tree.
	TreeID githash.SHA1
	// CommitTime is the committer timestamp, used by date-ordered
	// traversals.
	CommitTime time.Time

	body *object.Commit
}

// Parse reads the commit from the session's source and fills in the
// node's graph fields. It is a no-op if the node is already parsed and
// its body has not been disposed. Parse returns an error wrapping
// ErrNotCommit if the hash names an object of a different type.
func (c *Commit) Parse() error {
	if c.Has(Parsed) && c.body != nil {
		return nil
	}
	prefix, data, err := c.walk.src.Object(c.id)
	if err != nil {
		return fmt.Errorf("parse commit %v: %w", c.id, err)
	}
	if prefix.Type != object.TypeCommit {
		return fmt.Errorf("parse commit %v: found %v: %w", c.id, prefix.Type, ErrNotCommit)
	}
	body, err := object.ParseCommit(data)
	if err != nil {
		return fmt.Errorf("parse commit %v: %w", c.id, err)
	}
	c.Parents = make([]*Commit, 0, len(body.Parents))
	for _, p := range body.Parents {
		c.Parents = append(c.Parents, c.walk.LookupCommit(p))
	}
	c.TreeID = body.Tree
	c.CommitTime = body.CommitTime
	c.body = body
	c.Add(Parsed)
	return nil
}

// Body returns the fully parsed commit, including the author, message,
// and signature. It returns nil if the node has not been parsed or its
// body has been disposed.
func (c *Commit) Body() *object.Commit {
	return c.body
}

// Dispose releases the node's parsed body to bound memory on long
// walks. The graph fields, the node's identity, and its flags all
// survive, so a traversal can keep following parent edges after
// disposing; only Body becomes unavailable until a later Parse.
func (c *Commit) Dispose() {
	c.body = nil
}
