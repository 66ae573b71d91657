// v0
// internal/policy/artifact.go
package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// Artifact formats. The format is chosen from the file extension; a trailing
// ".zst" marks a zstd-compressed artifact.
const (
	FormatCBOR = "cbor"
	FormatJSON = "json"
)

// artifact is the on-disk representation of a Table.
type artifact struct {
	Version string    `json:"version" cbor:"version"`
	Class   string    `json:"class" cbor:"class"`
	Axes    []Axis    `json:"axes" cbor:"axes"`
	Actions []string  `json:"actions" cbor:"actions"`
	Values  []float64 `json:"values" cbor:"values"`
}

var (
	encMode    cbor.EncMode
	decMode    cbor.DecMode
	zstdWriter *zstd.Encoder
	zstdReader *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("policy: cbor encoder init failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("policy: cbor decoder init failed: " + err.Error())
	}
	zstdWriter, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("policy: zstd encoder init failed: " + err.Error())
	}
	zstdReader, err = zstd.NewReader(nil)
	if err != nil {
		panic("policy: zstd decoder init failed: " + err.Error())
	}
}

// formatFor resolves the encoding and compression for a path.
func formatFor(path string) (format string, compressed bool) {
	name := strings.ToLower(filepath.Base(path))
	if strings.HasSuffix(name, ".zst") {
		compressed = true
		name = strings.TrimSuffix(name, ".zst")
	}
	if strings.HasSuffix(name, ".json") {
		return FormatJSON, compressed
	}
	return FormatCBOR, compressed
}

// Encode serializes a table in the given format.
func Encode(t *Table, class, format string, compress bool) ([]byte, error) {
	a := artifact{Version: t.Version, Class: class, Axes: t.Axes, Actions: t.Actions, Values: t.Values}
	var (
		data []byte
		err  error
	)
	switch format {
	case FormatJSON:
		data, err = json.MarshalIndent(a, "", "  ")
	case FormatCBOR:
		data, err = encMode.Marshal(a)
	default:
		return nil, fmt.Errorf("unsupported artifact format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	if compress {
		data = zstdWriter.EncodeAll(data, nil)
	}
	return data, nil
}

// Decode parses an artifact. Axes missing from the artifact fall back to
// defaults, which must then match the process that produced the values.
func Decode(data []byte, format string, compressed bool, defaults []Axis) (*Table, error) {
	if compressed {
		raw, err := zstdReader.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress artifact: %w", err)
		}
		data = raw
	}
	var a artifact
	var err error
	switch format {
	case FormatJSON:
		err = json.Unmarshal(data, &a)
	case FormatCBOR:
		err = decMode.Unmarshal(data, &a)
	default:
		return nil, fmt.Errorf("unsupported artifact format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	axes := a.Axes
	if len(axes) == 0 {
		axes = defaults
	}
	return NewTable(a.Version, axes, a.Actions, a.Values)
}

// ReadFile loads and decodes the artifact at path.
func ReadFile(path string, defaults []Axis) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	format, compressed := formatFor(path)
	return Decode(data, format, compressed, defaults)
}

// WriteFile encodes t according to the path extension and publishes it
// with a rename.
func WriteFile(path string, t *Table, class string) error {
	format, compressed := formatFor(path)
	data, err := Encode(t, class, format, compressed)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create artifact directory: %w", err)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("publish artifact: %w", err)
	}
	return nil
}
