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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zlib"
	"github.com/lazyman/jgit/githash"
	"github.com/lazyman/jgit/object"
)

// Errors for delta chains that cannot be resolved. Both indicate a
// corrupt or incomplete packfile rather than a missing object: callers
// should surface them, not mask them as empty results.
var (
	// ErrCorruptChain indicates that following an object's chain of
	// delta bases revisited an object.
	ErrCorruptChain = errors.New("delta chain is cyclic")
	// ErrMissingBase indicates that a delta's base object could not be
	// located in the packfile or the provided storage.
	ErrMissingBase = errors.New("delta base missing")
)

var (
	errTooShort = errors.New("object shorter than header-declared size")
	errTooLong  = errors.New("object longer than header-declared size")
)

// fileHeaderSize is the size in bytes of the fixed packfile header.
const fileHeaderSize = 12

// readFileHeader parses the fixed packfile header, returning the number
// of objects the packfile declares.
func readFileHeader(br ByteReader) (uint32, error) {
	var buf [fileHeaderSize]byte
	if _, err := io.ReadFull(br, buf[:]); errors.Is(err, io.EOF) {
		return 0, fmt.Errorf("read header: %w", io.ErrUnexpectedEOF)
	} else if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if buf[0] != 'P' || buf[1] != 'A' || buf[2] != 'C' || buf[3] != 'K' {
		return 0, errors.New("read header: incorrect signature")
	}
	version := uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if version != 2 {
		return 0, fmt.Errorf("read header: version is %d (only supports 2)", version)
	}
	nobjs := uint32(buf[8])<<24 | uint32(buf[9])<<16 | uint32(buf[10])<<8 | uint32(buf[11])
	return nobjs, nil
}

// ReadHeader reads a single object header from br. offset is the
// position in the packfile that br is reading from; it is recorded as
// Header.Offset and used to absolutize the base offset of an
// offset-delta object. After ReadHeader returns, br is positioned at
// the object's zlib-compressed payload.
func ReadHeader(offset int64, br ByteReader) (*Header, error) {
	hdr := &Header{Offset: offset}
	var err error
	hdr.Type, hdr.Size, err = readLengthType(br)
	if err != nil {
		return nil, err
	}
	switch hdr.Type {
	case OffsetDelta:
		off, err := readOffset(br)
		if err != nil {
			return nil, err
		}
		hdr.BaseOffset = offset + off
		if hdr.BaseOffset < fileHeaderSize {
			return nil, fmt.Errorf("read object header: base offset %d before first object", hdr.BaseOffset)
		}
	case RefDelta:
		if _, err := io.ReadFull(br, hdr.BaseObject[:]); err != nil {
			return nil, fmt.Errorf("read ref-delta object: %w", err)
		}
	}
	return hdr, nil
}

// setZlibReader resets *z to read from r, creating the reader if *z is
// nil.
func setZlibReader(z *zlibReader, r io.Reader) error {
	if *z == nil {
		zr, err := zlib.NewReader(r)
		if err != nil {
			return err
		}
		*z = zr.(zlibReader)
		return nil
	}
	return (*z).Reset(r, nil)
}

// A DeltaReader decodes a Git delta instruction stream, producing the
// reconstructed object's bytes. It reads lazily: each copy instruction
// seeks base as it is encountered.
type DeltaReader struct {
	base  io.ReadSeeker
	delta ByteReader

	inited bool
	size   int64
	cur    io.Reader
}

// NewDeltaReader returns a DeltaReader that applies the instruction
// stream read from delta to the object read from base.
func NewDeltaReader(base io.ReadSeeker, delta ByteReader) *DeltaReader {
	return &DeltaReader{base: base, delta: delta}
}

func (d *DeltaReader) init() error {
	if d.inited {
		return nil
	}
	// Base object size is informational; skip it.
	if _, err := binary.ReadUvarint(d.delta); err != nil {
		return fmt.Errorf("read delta: %w", err)
	}
	size, err := binary.ReadUvarint(d.delta)
	if err != nil {
		return fmt.Errorf("read delta: %w", err)
	}
	d.size = int64(size)
	d.inited = true
	return nil
}

// Size returns the size in bytes of the reconstructed object.
func (d *DeltaReader) Size() (int64, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	return d.size, nil
}

// Read implements io.Reader.
func (d *DeltaReader) Read(p []byte) (int, error) {
	if err := d.init(); err != nil {
		return 0, err
	}
	for {
		if d.cur == nil {
			if err := d.next(); err != nil {
				return 0, err
			}
		}
		n, err := d.cur.Read(p)
		if errors.Is(err, io.EOF) {
			d.cur = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

// next consumes the next instruction, setting d.cur to its expansion.
// It returns io.EOF at the end of the instruction stream.
func (d *DeltaReader) next() error {
	instruction, err := d.delta.ReadByte()
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	if err != nil {
		return fmt.Errorf("read delta: %w", err)
	}
	switch {
	case instruction&0x80 != 0:
		// Copy from base
		offset, size, err := readCopyBaseInstruction(instruction, d.delta)
		if err != nil {
			return fmt.Errorf("read delta: %w", err)
		}
		if _, err := d.base.Seek(int64(offset), io.SeekStart); err != nil {
			return fmt.Errorf("read delta: %w", err)
		}
		d.cur = io.LimitReader(d.base, int64(size))
	case instruction != 0:
		// Add new data
		d.cur = io.LimitReader(d.delta, int64(instruction))
	default:
		return errors.New("read delta: unknown instruction")
	}
	return nil
}

// ByteReadSeeker is the combination of io.Reader, io.ByteReader, and
// io.Seeker.
type ByteReadSeeker interface {
	io.Reader
	io.ByteReader
	io.Seeker
}

// defaultBufferSize is the buffer size of NewBufferedReadSeeker.
const defaultBufferSize = 4096

// BufferedReadSeeker adds buffering to an io.ReadSeeker. Seeks that
// land inside the buffered window advance within the buffer instead of
// discarding it, which makes the short backward-and-forward hops of
// delta resolution cheap.
type BufferedReadSeeker struct {
	rs  io.ReadSeeker
	br  *bufio.Reader
	pos int64
}

// NewBufferedReadSeeker returns a BufferedReadSeeker with a
// default-sized buffer. r must be positioned at the start of its data.
func NewBufferedReadSeeker(r io.ReadSeeker) *BufferedReadSeeker {
	return NewBufferedReadSeekerSize(r, defaultBufferSize)
}

// NewBufferedReadSeekerSize is like NewBufferedReadSeeker with an
// explicit buffer size.
func NewBufferedReadSeekerSize(r io.ReadSeeker, size int) *BufferedReadSeeker {
	return &BufferedReadSeeker{rs: r, br: bufio.NewReaderSize(r, size)}
}

// Read implements io.Reader.
func (b *BufferedReadSeeker) Read(p []byte) (int, error) {
	n, err := b.br.Read(p)
	b.pos += int64(n)
	return n, err
}

// ReadByte implements io.ByteReader.
func (b *BufferedReadSeeker) ReadByte() (byte, error) {
	c, err := b.br.ReadByte()
	if err == nil {
		b.pos++
	}
	return c, err
}

// Seek implements io.Seeker.
func (b *BufferedReadSeeker) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = b.pos + offset
	case io.SeekEnd:
		end, err := b.rs.Seek(0, io.SeekEnd)
		if err != nil {
			return b.pos, err
		}
		target = end + offset
	default:
		return b.pos, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if target < 0 {
		return b.pos, errors.New("seek: negative position")
	}
	if whence != io.SeekEnd {
		if d := target - b.pos; 0 <= d && d <= int64(b.br.Buffered()) {
			b.br.Discard(int(d))
			b.pos = target
			return target, nil
		}
	}
	if _, err := b.rs.Seek(target, io.SeekStart); err != nil {
		return b.pos, err
	}
	b.br.Reset(b.rs)
	b.pos = target
	return target, nil
}

// UndeltifyOptions specifies where to find the bases of deltified
// objects.
type UndeltifyOptions struct {
	// Index locates the bases of ref-delta objects within the same
	// packfile.
	Index *Index
	// Storage, if not nil, is used to read the bases of ref-delta
	// objects the packfile itself does not contain (a thin pack).
	Storage SHA1ObjectReadWriter
}

// An Undeltifier resolves an object in a packfile to its content,
// following the object's chain of delta bases as needed. The zero value
// is a valid Undeltifier. Undeltifiers retain inflation state between
// calls to reduce allocations; an Undeltifier may not be used
// concurrently.
type Undeltifier struct {
	z zlibReader
}

// deltaChain records the path from a deltified object down to its
// non-delta root, outermost delta first. Exactly one of root or extID
// identifies the root: extID names an object outside the packfile.
type deltaChain struct {
	deltas  []*Header
	root    *Header
	extType object.Type
	extID   githash.SHA1
}

// walkChain follows delta base references from offset down to a
// non-delta object. Offsets are tracked so that a chain that revisits
// an object fails with ErrCorruptChain instead of looping.
func walkChain(f ByteReadSeeker, offset int64, opts *UndeltifyOptions) (*deltaChain, error) {
	chain := new(deltaChain)
	visited := make(map[int64]struct{})
	curr := offset
	for {
		if _, seen := visited[curr]; seen {
			return nil, fmt.Errorf("offset %d: %w", curr, ErrCorruptChain)
		}
		visited[curr] = struct{}{}
		if _, err := f.Seek(curr, io.SeekStart); err != nil {
			return nil, err
		}
		hdr, err := ReadHeader(curr, f)
		if err != nil {
			return nil, err
		}
		switch hdr.Type {
		case OffsetDelta:
			chain.deltas = append(chain.deltas, hdr)
			curr = hdr.BaseOffset
		case RefDelta:
			chain.deltas = append(chain.deltas, hdr)
			if opts.Index != nil {
				if i := opts.Index.FindID(hdr.BaseObject); i != -1 {
					curr = opts.Index.Offsets[i]
					continue
				}
			}
			if opts.Storage == nil {
				return nil, fmt.Errorf("base %v: %w", hdr.BaseObject, ErrMissingBase)
			}
			prefix, baseReader, err := opts.Storage.ReadSHA1Object(hdr.BaseObject)
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("base %v: %w", hdr.BaseObject, ErrMissingBase)
			}
			if err != nil {
				return nil, fmt.Errorf("base %v: %w", hdr.BaseObject, err)
			}
			baseReader.Close()
			chain.extType = prefix.Type
			chain.extID = hdr.BaseObject
			return chain, nil
		default:
			chain.root = hdr
			return chain, nil
		}
	}
}

// Undeltify resolves the object at the given offset in the packfile f
// to its type, size, and content, applying delta chains as needed.
// Resolution either runs to completion or fails; the returned reader
// never yields partially applied bytes.
func (u *Undeltifier) Undeltify(f ByteReadSeeker, offset int64, opts *UndeltifyOptions) (object.Prefix, io.Reader, error) {
	if opts == nil {
		opts = new(UndeltifyOptions)
	}
	chain, err := walkChain(f, offset, opts)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
	}

	var typ object.Type
	var data []byte
	if chain.root != nil {
		typ = chain.root.Type.NonDelta()
		buf := bytes.NewBuffer(make([]byte, 0, int(chain.root.Size)))
		if err := u.inflate(f, chain.root, buf); err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
		}
		data = buf.Bytes()
	} else {
		typ = chain.extType
		_, data, err = readStorageObject(opts.Storage, chain.extID)
		if err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
		}
	}

	for i := len(chain.deltas) - 1; i >= 0; i-- {
		hdr := chain.deltas[i]
		deltaBuf := bytes.NewBuffer(make([]byte, 0, int(hdr.Size)))
		if err := u.inflate(f, hdr, deltaBuf); err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
		}
		dr := NewDeltaReader(bytes.NewReader(data), bytes.NewReader(deltaBuf.Bytes()))
		size, err := dr.Size()
		if err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
		}
		out := bytes.NewBuffer(make([]byte, 0, int(size)))
		if _, err := io.Copy(out, dr); err != nil {
			return object.Prefix{}, nil, fmt.Errorf("packfile: undeltify object at %d: %w", offset, err)
		}
		data = out.Bytes()
	}
	return object.Prefix{Type: typ, Size: int64(len(data))}, bytes.NewReader(data), nil
}

// inflate decompresses the payload of the object described by hdr into
// buf, verifying the payload matches the header's declared size.
func (u *Undeltifier) inflate(f ByteReadSeeker, hdr *Header, buf *bytes.Buffer) error {
	if _, err := f.Seek(hdr.Offset, io.SeekStart); err != nil {
		return err
	}
	if _, err := ReadHeader(hdr.Offset, f); err != nil {
		return err
	}
	if err := setZlibReader(&u.z, f); err != nil {
		return err
	}
	defer setZlibReader(&u.z, emptyReader{}) // don't retain f past function return
	n, err := io.Copy(buf, u.z)
	if err != nil {
		return err
	}
	if n < hdr.Size {
		return errTooShort
	}
	if n > hdr.Size {
		return errTooLong
	}
	return nil
}

// readStorageObject reads an entire object from storage.
func readStorageObject(storage SHA1ObjectReadWriter, id githash.SHA1) (object.Prefix, []byte, error) {
	prefix, r, err := storage.ReadSHA1Object(id)
	if err != nil {
		return object.Prefix{}, nil, fmt.Errorf("read base %v: %w", id, err)
	}
	defer r.Close()
	data := make([]byte, int(prefix.Size))
	if _, err := io.ReadFull(r, data); err != nil {
		return object.Prefix{}, nil, fmt.Errorf("read base %v: %w", id, err)
	}
	return prefix, data, nil
}

// ResolveType determines the type of the object at the given offset in
// the packfile f, following delta chains to their root without
// inflating any object content.
func ResolveType(f ByteReadSeeker, offset int64, opts *UndeltifyOptions) (object.Type, error) {
	if opts == nil {
		opts = new(UndeltifyOptions)
	}
	chain, err := walkChain(f, offset, opts)
	if err != nil {
		return "", fmt.Errorf("packfile: resolve type of object at %d: %w", offset, err)
	}
	if chain.root != nil {
		return chain.root.Type.NonDelta(), nil
	}
	return chain.extType, nil
}
