package object

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zlib"
)

// looseHeaderMax bounds the envelope header length. The longest legal
// header is "commit " plus a 64-bit decimal size plus the NUL terminator.
const looseHeaderMax = 32

// EncodeLoose writes the loose encoding of an object to w: a zlib stream
// wrapping "<type> <size>\x00" followed by the payload. The payload is
// streamed through the compressor, never duplicated in memory.
func EncodeLoose(w io.Writer, t Type, data []byte) error {
	if !t.Valid() {
		return fmt.Errorf("encode loose: type %s not storable", t)
	}
	zw := zlib.NewWriter(w)
	if _, err := zw.Write(appendEnvelopeHeader(nil, t, int64(len(data)))); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode loose header: %w", err)
	}
	if _, err := zw.Write(data); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encode loose payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("encode loose flush: %w", err)
	}
	return nil
}

// DecodeLoose inflates a loose object stream and validates the declared
// size against the actual decompressed length.
func DecodeLoose(r io.Reader) (Type, []byte, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return TypeNone, nil, fmt.Errorf("%w: bad zlib stream: %v", ErrCorruptObject, err)
	}
	defer zr.Close()

	br := bufio.NewReader(zr)
	t, size, err := readEnvelopeHeader(br)
	if err != nil {
		return TypeNone, nil, err
	}

	data, err := readDeclared(br, uint64(size))
	if err != nil {
		return TypeNone, nil, fmt.Errorf("%w: payload truncated (declared %d): %v", ErrCorruptObject, size, err)
	}
	// Anything past the declared size means the header lied.
	if _, err := br.ReadByte(); err != io.EOF {
		return TypeNone, nil, fmt.Errorf("%w: payload exceeds declared size %d", ErrCorruptObject, size)
	}
	return t, data, nil
}

// DecodeLooseHeader inflates only enough of a loose object stream to parse
// the envelope header, returning its type and declared size without
// decompressing the payload.
func DecodeLooseHeader(r io.Reader) (Type, int64, error) {
	zr, err := zlib.NewReader(r)
	if err != nil {
		return TypeNone, 0, fmt.Errorf("%w: bad zlib stream: %v", ErrCorruptObject, err)
	}
	defer zr.Close()
	return readEnvelopeHeader(bufio.NewReaderSize(zr, looseHeaderMax))
}

func readEnvelopeHeader(br *bufio.Reader) (Type, int64, error) {
	header := make([]byte, 0, looseHeaderMax)
	for {
		b, err := br.ReadByte()
		if err != nil {
			return TypeNone, 0, fmt.Errorf("%w: envelope header truncated", ErrCorruptObject)
		}
		if b == 0 {
			break
		}
		if len(header) >= looseHeaderMax {
			return TypeNone, 0, fmt.Errorf("%w: envelope header too long", ErrCorruptObject)
		}
		header = append(header, b)
	}

	token, sizeStr, ok := strings.Cut(string(header), " ")
	if !ok {
		return TypeNone, 0, fmt.Errorf("%w: malformed envelope header %q", ErrCorruptObject, header)
	}
	t, err := ParseType(token)
	if err != nil {
		return TypeNone, 0, fmt.Errorf("%w: %v", ErrCorruptObject, err)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil || size < 0 {
		return TypeNone, 0, fmt.Errorf("%w: invalid declared size %q", ErrCorruptObject, sizeStr)
	}
	return t, size, nil
}

// readDeclared reads exactly want bytes from r. The size comes from an
// untrusted header, so the buffer grows only as bytes actually arrive; a
// lying size can at worst read the stream to its end, never drive one
// giant allocation.
func readDeclared(r io.Reader, want uint64) ([]byte, error) {
	const chunk = 64 * 1024

	capHint := want
	if capHint > chunk {
		capHint = chunk
	}
	data := make([]byte, 0, capHint)
	tmp := make([]byte, chunk)
	for uint64(len(data)) < want {
		n := want - uint64(len(data))
		if n > chunk {
			n = chunk
		}
		read, err := io.ReadFull(r, tmp[:n])
		data = append(data, tmp[:read]...)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

// LoosePath returns the sharded filesystem path for an id: the first two
// hex digits name the directory, the remainder the file.
func LoosePath(root string, id ID) string {
	hx := id.String()
	return filepath.Join(root, hx[:2], hx[2:])
}
