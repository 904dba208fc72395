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
	"encoding"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/lazyman/jgit/githash"
)

var (
	_ encoding.BinaryMarshaler   = new(Index)
	_ encoding.BinaryUnmarshaler = new(Index)
)

func hashLiteral(s string) githash.SHA1 {
	h, err := githash.ParseSHA1(s)
	if err != nil {
		panic(err)
	}
	return h
}

var bigOffsetIndex = &Index{
	Offsets: []int64{
		0x1_0000_0018,
		0x1_0000_000c,
	},
	ObjectIDs: []githash.SHA1{
		hashLiteral("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
		hashLiteral("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
	},
	PackedChecksums: []uint32{
		0xd6402b58,
		0xbe56632f,
	},
	PackfileSHA1: hashLiteral("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
}

var indexFixtures = []struct {
	name string
	idx  *Index
}{
	{
		name: "Empty",
		idx:  &Index{},
	},
	{
		name: "SingleObject",
		idx: &Index{
			Offsets:         []int64{12},
			ObjectIDs:       []githash.SHA1{hashLiteral("8ab686eafeb1f44702738c8b0f24f2567c36da6d")},
			PackedChecksums: []uint32{0x0128495e},
			PackfileSHA1:    hashLiteral("bd841958054f2d290708b46115ccdb825b66ee5c"),
		},
	},
	{
		name: "MultipleObjects",
		idx: &Index{
			Offsets: []int64{40, 12, 98},
			ObjectIDs: []githash.SHA1{
				hashLiteral("8ab686eafeb1f44702738c8b0f24f2567c36da6d"),
				hashLiteral("aef8a4c3a71e0475900e2faa1b97d64c82b2cd7f"),
				hashLiteral("e69de29bb2d1d6434b8b29ae775ad8c2e48c5391"),
			},
			PackedChecksums: []uint32{0x6ff3dc18, 0xd10c8b3b, 0x9f8df433},
			PackfileSHA1:    hashLiteral("1fb6c9a5c90236ff883be04f3c5796435b9a6569"),
		},
	},
	{
		name: "BigOffset",
		idx:  bigOffsetIndex,
	},
}

func TestIndexRoundTripV2(t *testing.T) {
	for _, test := range indexFixtures {
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := test.idx.EncodeV2(buf); err != nil {
				t.Fatal("EncodeV2:", err)
			}
			got, err := ReadIndex(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			if diff := cmp.Diff(test.idx, got, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("index (-want +got):\n%s", diff)
			}
		})
	}
}

func TestIndexRoundTripV1(t *testing.T) {
	for _, test := range indexFixtures {
		if test.name == "BigOffset" {
			// Version 1 only stores 32-bit offsets.
			continue
		}
		t.Run(test.name, func(t *testing.T) {
			buf := new(bytes.Buffer)
			if err := test.idx.EncodeV1(buf); err != nil {
				t.Fatal("EncodeV1:", err)
			}
			got, err := ReadIndex(bytes.NewReader(buf.Bytes()))
			if err != nil {
				t.Fatal("ReadIndex:", err)
			}
			diff := cmp.Diff(test.idx, got,
				cmpopts.EquateEmpty(),
				// Version 1 index files do not include packed checksums.
				cmpopts.IgnoreFields(Index{}, "PackedChecksums"),
			)
			if diff != "" {
				t.Errorf("index (-want +got):\n%s", diff)
			}
			if got != nil && got.PackedChecksums != nil {
				t.Errorf("index has %d packed checksums; want <nil>", len(got.PackedChecksums))
			}
		})
	}

	t.Run("OffsetTooLarge", func(t *testing.T) {
		idx := &Index{
			Offsets:         []int64{1 << 34},
			ObjectIDs:       []githash.SHA1{hashLiteral("8ab686eafeb1f44702738c8b0f24f2567c36da6d")},
			PackedChecksums: []uint32{0},
		}
		if err := idx.EncodeV1(new(bytes.Buffer)); err == nil {
			t.Error("EncodeV1 did not return an error for a 16 GiB offset")
		}
	})
}

func TestIndexEncodeNil(t *testing.T) {
	empty := new(bytes.Buffer)
	if err := (&Index{}).EncodeV2(empty); err != nil {
		t.Fatal("EncodeV2:", err)
	}
	got := new(bytes.Buffer)
	if err := (*Index)(nil).EncodeV2(got); err != nil {
		t.Error("EncodeV2:", err)
	}
	if diff := cmp.Diff(empty.Bytes(), got.Bytes()); diff != "" {
		t.Errorf("nil index encoding (-want +got):\n%s", diff)
	}
}

func TestReadIndexCorrupt(t *testing.T) {
	buf := new(bytes.Buffer)
	if err := bigOffsetIndex.EncodeV2(buf); err != nil {
		t.Fatal("EncodeV2:", err)
	}
	data := buf.Bytes()

	t.Run("FlippedByte", func(t *testing.T) {
		corrupt := append([]byte(nil), data...)
		corrupt[len(corrupt)/2] ^= 0xff
		if _, err := ReadIndex(bytes.NewReader(corrupt)); err == nil {
			t.Error("ReadIndex did not report a checksum mismatch")
		}
	})
	t.Run("Truncated", func(t *testing.T) {
		if _, err := ReadIndex(bytes.NewReader(data[:len(data)/2])); err == nil {
			t.Error("ReadIndex did not report an error")
		}
	})
}

func TestIndexFind(t *testing.T) {
	idx := indexFixtures[2].idx // MultipleObjects
	for i, id := range idx.ObjectIDs {
		if got := idx.FindID(id); got != i {
			t.Errorf("FindID(%v) = %d; want %d", id, got, i)
		}
		if got := idx.FindOffset(idx.Offsets[i]); got != i {
			t.Errorf("FindOffset(%d) = %d; want %d", idx.Offsets[i], got, i)
		}
	}
	if got := idx.FindID(hashLiteral("0123456789abcdef0123456789abcdef01234567")); got != -1 {
		t.Errorf("FindID(unknown) = %d; want -1", got)
	}
	if got := idx.FindOffset(7777); got != -1 {
		t.Errorf("FindOffset(7777) = %d; want -1", got)
	}
}
