// v0
// internal/session/frames.go
package session

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// frameReader decodes a stream of JSON objects. Devices do not delimit
// frames, so a malformed frame is dropped up to the byte the decoder
// rejected and decoding restarts at the next '{'.
type frameReader struct {
	src io.Reader
	dec *json.Decoder
}

func newFrameReader(r io.Reader) *frameReader {
	f := &frameReader{src: r}
	f.reset(r)
	return f
}

func (f *frameReader) reset(r io.Reader) {
	f.src = r
	f.dec = json.NewDecoder(r)
	f.dec.UseNumber()
}

// next returns the next frame. skipped reports a syntax error that was
// recovered from; the caller should call next again. Any other error ends
// the stream.
func (f *frameReader) next() (fields map[string]any, skipped bool, err error) {
	var raw any
	err = f.dec.Decode(&raw)
	if err == nil {
		obj, ok := raw.(map[string]any)
		if !ok {
			return nil, true, nil
		}
		return obj, false, nil
	}
	var syn *json.SyntaxError
	if !errors.As(err, &syn) {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, false, io.EOF
		}
		return nil, false, err
	}
	if err := f.resync(syn); err != nil {
		return nil, false, err
	}
	return nil, true, nil
}

// resync restarts the decoder at the first '{' after the rejected byte.
// Buffered holds the malformed value from its first byte; syn.Offset counts
// the stream up to and including the rejected byte.
func (f *frameReader) resync(syn *json.SyntaxError) error {
	start := f.dec.InputOffset()
	buffered, _ := io.ReadAll(f.dec.Buffered())

	lead := len(buffered) - len(bytes.TrimLeft(buffered, " \t\r\n"))
	from := int(syn.Offset - start - 1)
	if from <= lead || from >= len(buffered) {
		from = lead + 1
	}
	if from > len(buffered) {
		from = len(buffered)
	}
	if i := bytes.IndexByte(buffered[from:], '{'); i >= 0 {
		f.reset(io.MultiReader(bytes.NewReader(buffered[from+i:]), f.src))
		return nil
	}

	var b [1]byte
	for {
		if _, err := io.ReadFull(f.src, b[:]); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				return io.EOF
			}
			return err
		}
		if b[0] == '{' {
			break
		}
	}
	f.reset(io.MultiReader(bytes.NewReader([]byte{'{'}), f.src))
	return nil
}
