// Copyright 2020 The gg Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
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
	"crypto/sha1"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/zlib"
	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
)

type unpackedObject struct {
	*Header
	Data []byte
}

// packSpec describes one object to place in a test packfile. base
// refers to an earlier spec by position for offset-delta objects.
// resolved holds the content after applying any deltas, and objType its
// non-delta type; both are used to compute expected object IDs.
type packSpec struct {
	typ    ObjectType
	data   []byte
	base   int
	baseID githash.SHA1

	objType  object.Type
	resolved []byte
}

// Contents of the FirstCommit test packfile.
const helloBlobContent = "Hello, World!\n"

var firstCommitTree = []byte("100644 hello.txt\x00" +
	"\x8a\xb6\x86\xea\xfe\xb1\xf4\x47\x02\x73" +
	"\x8c\x8b\x0f\x24\xf2\x56\x7c\x36\xda\x6d")

var firstCommitData = []byte("tree bc225ea23f53f06c0c5bd3ba2be85c2120d68417\n" +
	"author Octocat <octocat@example.com> 1608391559 -0800\n" +
	"committer Octocat <octocat@example.com> 1608391559 -0800\n" +
	"\n" +
	"First commit\n")

// helloDelta is the set of instructions to transform "Hello!" into "Hello, delta\n".
var helloDelta = []byte{
	0x06,       // original size
	0x0d,       // output size
	0b10010000, // copy from base, offset 0, one size byte
	0x05,       // size1
	0x08,       // add new data (length 8)
	',', ' ', 'd', 'e', 'l', 't', 'a', '\n',
}

// helloBaseID is the ID of the blob "Hello!".
var helloBaseID = githash.SHA1{
	0x05, 0xa6, 0x82, 0xbd, 0x4e, 0x7c, 0x71, 0x17, 0xc5, 0x85,
	0x6b, 0xe7, 0x14, 0x2f, 0xea, 0x67, 0x46, 0x54, 0x15, 0xe3,
}

var testFiles = []struct {
	name  string
	specs []packSpec
}{
	{
		name: "Empty",
	},
	{
		name: "FirstCommit",
		specs: []packSpec{
			{typ: Blob, data: []byte(helloBlobContent), objType: object.TypeBlob},
			{typ: Tree, data: firstCommitTree, objType: object.TypeTree},
			{typ: Commit, data: firstCommitData, objType: object.TypeCommit},
		},
	},
	{
		name: "DeltaOffset",
		specs: []packSpec{
			{typ: Blob, data: []byte("Hello!"), objType: object.TypeBlob},
			{typ: OffsetDelta, data: helloDelta, base: 0,
				objType: object.TypeBlob, resolved: []byte("Hello, delta\n")},
		},
	},
	{
		name: "ObjectOffset",
		specs: []packSpec{
			{typ: Blob, data: []byte("Hello!"), objType: object.TypeBlob},
			{typ: RefDelta, data: helloDelta, baseID: helloBaseID,
				objType: object.TypeBlob, resolved: []byte("Hello, delta\n")},
		},
	},
	{
		name: "EmptyBlob",
		specs: []packSpec{
			{typ: Blob, data: []byte{}, objType: object.TypeBlob},
			{typ: Blob, data: []byte(helloBlobContent), objType: object.TypeBlob},
		},
	},
}

// buildPack writes the given objects through a Writer and returns the
// encoded packfile along with the objects a reader of it should
// observe.
func buildPack(tb testing.TB, specs []packSpec) ([]byte, []unpackedObject) {
	tb.Helper()
	buf := new(bytes.Buffer)
	w := NewWriter(buf, uint32(len(specs)))
	var want []unpackedObject
	for i, spec := range specs {
		hdr := &Header{
			Type:       spec.typ,
			Size:       int64(len(spec.data)),
			BaseObject: spec.baseID,
		}
		if spec.typ == OffsetDelta {
			hdr.BaseOffset = want[spec.base].Offset
		}
		offset, err := w.WriteHeader(hdr)
		if err != nil {
			tb.Fatalf("WriteHeader #%d: %v", i, err)
		}
		if _, err := w.Write(spec.data); err != nil {
			tb.Fatalf("Write #%d: %v", i, err)
		}
		hdr.Offset = offset
		want = append(want, unpackedObject{Header: hdr, Data: spec.data})
	}
	if err := w.Close(); err != nil {
		tb.Fatal("Close:", err)
	}
	return buf.Bytes(), want
}

func TestReader(t *testing.T) {
	for _, test := range testFiles {
		t.Run(test.name, func(t *testing.T) {
			pack, want := buildPack(t, test.specs)
			got, err := readAll(bytes.NewReader(pack))
			if err != nil {
				t.Error("readAll:", err)
			}
			if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("objects (-want +got):\n%s", diff)
			}
		})
	}
}

// rawObject describes one object for rawPack, with the declared size
// decoupled from the payload so tests can produce inconsistent packs.
type rawObject struct {
	typ          ObjectType
	declaredSize int64
	payload      []byte
}

// rawPack assembles packfile bytes directly, bypassing Writer's
// consistency checks.
func rawPack(tb testing.TB, objects ...rawObject) []byte {
	tb.Helper()
	buf := new(bytes.Buffer)
	buf.WriteString("PACK")
	var word [4]byte
	htonl(word[:], 2)
	buf.Write(word[:])
	htonl(word[:], uint32(len(objects)))
	buf.Write(word[:])
	for _, obj := range objects {
		buf.Write(appendLengthType(nil, obj.typ, obj.declaredSize))
		zw := zlib.NewWriter(buf)
		if _, err := zw.Write(obj.payload); err != nil {
			tb.Fatal(err)
		}
		if err := zw.Close(); err != nil {
			tb.Fatal(err)
		}
	}
	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return buf.Bytes()
}

func TestReaderCorrupt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{
			name: "TruncatedFileHeader",
			data: []byte("PACK\x00\x00\x00\x02"),
		},
		{
			name: "BadSignature",
			data: []byte("JUNK\x00\x00\x00\x02\x00\x00\x00\x00" +
				"\x02\x9d\x08\x82\x3b\xd8\xa8\xea\xb5\x10\xad\x6a\xc7\x5c\x82\x3c\xfd\x3e\xd3\x1e"),
		},
		{
			name: "BadVersion",
			data: []byte("PACK\x00\x00\x00\x03\x00\x00\x00\x00" +
				"\x02\x9d\x08\x82\x3b\xd8\xa8\xea\xb5\x10\xad\x6a\xc7\x5c\x82\x3c\xfd\x3e\xd3\x1e"),
		},
		{
			name: "InvalidObjectType",
			// Type 5 is reserved.
			data: []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x01\x50"),
		},
		{
			name: "TruncatedObject",
			data: []byte("PACK\x00\x00\x00\x02\x00\x00\x00\x01\x31"),
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got, err := readAll(bytes.NewReader(test.data)); err == nil {
				t.Errorf("readAll returned %d objects with no error", len(got))
			}
		})
	}
}

func readAll(br ByteReader) ([]unpackedObject, error) {
	r := NewReader(br)
	var got []unpackedObject
	for {
		hdr, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = nil
			}
			return got, err
		}
		data, err := io.ReadAll(r)
		got = append(got, unpackedObject{
			Header: hdr,
			Data:   data,
		})
		if err != nil {
			return got, err
		}
	}
}

var offsetTests = []struct {
	data   []byte
	offset int64
}{
	{[]byte{0x00}, -0},
	{[]byte{0x4a}, -74},
	{[]byte{0x80, 0x00}, -128},
	{[]byte{0x81, 0x00}, -256},
	{[]byte{0x92, 0x29}, -2473},
	{[]byte{0x86, 0x40}, -960},
	{[]byte{0x80, 0xe5, 0x2d}, -29485},
}

func TestReadOffset(t *testing.T) {
	for _, test := range offsetTests {
		got, err := readOffset(bytes.NewReader(test.data))
		if got != test.offset || err != nil {
			t.Errorf("readOffset(bytes.NewReader(%#v)) = %d, %v; want %d, <nil>", test.data, got, err, test.offset)
		}
	}
}
