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

package packfile_test

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/klauspost/compress/zlib"
	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
	"github.com/lazyman/jgit/packfile"
)

// deltaPack returns a packfile containing the blob "Hello!" followed by
// an offset delta object that expands to "Hello, delta\n".
func deltaPack() []byte {
	buf := new(bytes.Buffer)
	writer := packfile.NewWriter(buf, 2)
	baseOffset, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len("Hello!")),
	})
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(writer, "Hello!"); err != nil {
		panic(err)
	}
	delta := []byte{
		0x06,       // original size
		0x0d,       // output size
		0b10010000, // copy from base, offset 0, one size byte
		0x05,       // size1
		0x08,       // add new data (length 8)
		',', ' ', 'd', 'e', 'l', 't', 'a', '\n',
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type:       packfile.OffsetDelta,
		BaseOffset: baseOffset,
		Size:       int64(len(delta)),
	})
	if err != nil {
		panic(err)
	}
	if _, err := writer.Write(delta); err != nil {
		panic(err)
	}
	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// firstCommitPack returns a packfile with a blob, a tree, and a commit.
func firstCommitPack() []byte {
	buf := new(bytes.Buffer)
	writer := packfile.NewWriter(buf, 3)

	const blobContent = "Hello, World!\n"
	_, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	})
	if err != nil {
		panic(err)
	}
	if _, err := io.WriteString(writer, blobContent); err != nil {
		panic(err)
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		panic(err)
	}

	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		panic(err)
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Tree,
		Size: int64(len(treeData)),
	})
	if err != nil {
		panic(err)
	}
	if _, err := writer.Write(treeData); err != nil {
		panic(err)
	}

	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		panic(err)
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Commit,
		Size: int64(len(commitData)),
	})
	if err != nil {
		panic(err)
	}
	if _, err := writer.Write(commitData); err != nil {
		panic(err)
	}

	if err := writer.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func Example() {
	pack := deltaPack()
	file := bytes.NewReader(pack)

	// Index the packfile.
	idx, err := packfile.BuildIndex(file, int64(len(pack)), nil)
	if err != nil {
		// handle error
	}

	// Find the position of an object.
	blobID, err := githash.ParseSHA1("45c3b785642598057cf65b79fd05586dae5cba10")
	if err != nil {
		// handle error
	}
	i := idx.FindID(blobID)
	if i == -1 {
		// handle not-found error
	}

	// Read the object from the packfile.
	undeltifier := new(packfile.Undeltifier)
	prefix, content, err := undeltifier.Undeltify(file, idx.Offsets[i], &packfile.UndeltifyOptions{
		Index: idx,
	})
	if err != nil {
		// handle error
	}
	fmt.Println(prefix)
	io.Copy(os.Stdout, content)

	// Output:
	// blob 13
	// Hello, delta
}

// This example uses ReadHeader to perform random access in a packfile.
func ExampleReadHeader() {
	pack := firstCommitPack()
	f := bytes.NewReader(pack)

	// Seek to a specific index. You can get this from an index or previous read.
	const offset = 12
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		// handle error
	}

	// Read the object and its header.
	reader := bufio.NewReader(f)
	hdr, err := packfile.ReadHeader(offset, reader)
	if err != nil {
		// handle error
	}
	fmt.Println(hdr.Type)
	// The object is zlib-compressed in the packfile after the header.
	zreader, err := zlib.NewReader(reader)
	if err != nil {
		// handle error
	}
	if _, err := io.Copy(os.Stdout, zreader); err != nil {
		// handle error
	}

	// Output:
	// OBJ_BLOB
	// Hello, World!
}

func ExampleIndex() {
	pack := firstCommitPack()

	// Index the packfile.
	idx, err := packfile.BuildIndex(bytes.NewReader(pack), int64(len(pack)), nil)
	if err != nil {
		// handle error
	}

	// Print a sorted list of all objects in the packfile.
	for _, id := range idx.ObjectIDs {
		fmt.Println(id)
	}

	// Output:
	// 8ab686eafeb1f44702738c8b0f24f2567c36da6d
	// aef8a4c3fe8d296dec2d9b88d4654cd596927867
	// bc225ea23f53f06c0c5bd3ba2be85c2120d68417
}

func ExampleWriter() {
	// Create a writer.
	buf := new(bytes.Buffer)
	const objectCount = 3
	writer := packfile.NewWriter(buf, objectCount)

	// Write a blob.
	const blobContent = "Hello, World!\n"
	_, err := writer.WriteHeader(&packfile.Header{
		Type: packfile.Blob,
		Size: int64(len(blobContent)),
	})
	if err != nil {
		// handle error
	}
	if _, err := io.WriteString(writer, blobContent); err != nil {
		// handle error
	}
	blobSum, err := object.BlobSum(strings.NewReader(blobContent), int64(len(blobContent)))
	if err != nil {
		// handle error
	}

	// Write a tree (directory).
	tree := object.Tree{
		{Name: "hello.txt", Mode: object.ModePlain, ObjectID: blobSum},
	}
	treeData, err := tree.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Tree,
		Size: int64(len(treeData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(treeData); err != nil {
		// handle error
	}

	// Write a commit.
	const user object.User = "Octocat <octocat@example.com>"
	commitTime := time.Unix(1608391559, 0).In(time.FixedZone("-0800", -8*60*60))
	commit := &object.Commit{
		Tree:       tree.SHA1(),
		Author:     user,
		AuthorTime: commitTime,
		Committer:  user,
		CommitTime: commitTime,
		Message:    "First commit\n",
	}
	commitData, err := commit.MarshalBinary()
	if err != nil {
		// handle error
	}
	_, err = writer.WriteHeader(&packfile.Header{
		Type: packfile.Commit,
		Size: int64(len(commitData)),
	})
	if err != nil {
		// handle error
	}
	if _, err := writer.Write(commitData); err != nil {
		// handle error
	}

	// Finish the write.
	if err := writer.Close(); err != nil {
		// handle error
	}
}
