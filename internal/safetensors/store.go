// Package safetensors reads and writes the safetensors container used for
// checkpoints: an 8-byte little-endian header length, a JSON header mapping
// tensor names to dtype/shape/offsets (plus an optional string map under
// "__metadata__"), then the raw tensor bytes.
package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
)

const (
	dtypeF32  = "F32"
	dtypeF16  = "F16"
	dtypeBF16 = "BF16"

	metadataKey = "__metadata__"
)

// Tensor is a named float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// KeyMapper renames a stored tensor. Returning keep=false drops it.
type KeyMapper func(name string) (mapped string, keep bool)

// StripPrefix keeps tensors whose name starts with prefix and removes it.
func StripPrefix(prefix string) KeyMapper {
	return func(name string) (string, bool) {
		return strings.CutPrefix(name, prefix)
	}
}

type StoreOptions struct {
	KeyMapper KeyMapper
}

// Store is a decoded header over an in-memory safetensors payload. Tensor
// data is converted lazily.
type Store struct {
	raw      []byte
	entries  map[string]storeEntry
	names    []string
	metadata map[string]string
}

type storeEntry struct {
	DType string
	Shape []int64
	Start int
	End   int
}

type headerEntry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	mapper := opts.KeyMapper
	if mapper == nil {
		mapper = func(name string) (string, bool) { return name, true }
	}

	headerEnd, header, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}

	s := &Store{
		raw:      data,
		entries:  make(map[string]storeEntry, len(header)),
		metadata: map[string]string{},
	}

	if raw, ok := header[metadataKey]; ok {
		if err := json.Unmarshal(raw, &s.metadata); err != nil {
			return nil, fmt.Errorf("safetensors: decode metadata: %w", err)
		}
	}

	for original, raw := range header {
		if original == metadataKey {
			continue
		}

		var e headerEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", original, err)
		}

		entry, err := resolveEntry(original, e, headerEnd, len(data))
		if err != nil {
			return nil, err
		}

		name, keep := mapper(original)
		if !keep {
			continue
		}

		if name == "" {
			return nil, fmt.Errorf("safetensors: tensor %q maps to an empty name", original)
		}

		if _, dup := s.entries[name]; dup {
			return nil, fmt.Errorf("safetensors: more than one tensor maps to %q", name)
		}

		s.entries[name] = entry
		s.names = append(s.names, name)
	}

	sort.Strings(s.names)

	return s, nil
}

// Names returns the (mapped) tensor names in sorted order.
func (s *Store) Names() []string {
	return append([]string(nil), s.names...)
}

func (s *Store) Len() int { return len(s.names) }

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

// Metadata returns a copy of the "__metadata__" map.
func (s *Store) Metadata() map[string]string {
	out := make(map[string]string, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}

	return out
}

// DataBytes returns the total size of the tensor payload.
func (s *Store) DataBytes() int {
	total := 0
	for _, e := range s.entries {
		total += e.End - e.Start
	}

	return total
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	entry, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	data, err := decodeTensorData(s.raw[entry.Start:entry.End], entry.DType, entry.Shape)
	if err != nil {
		return nil, fmt.Errorf("safetensors: tensor %q decode: %w", name, err)
	}

	return &Tensor{
		Name:  name,
		Shape: append([]int64(nil), entry.Shape...),
		Data:  data,
	}, nil
}

func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))
	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

func (s *Store) Close() {
	s.raw = nil
	s.entries = nil
	s.names = nil
}

func decodeHeader(data []byte) (int, map[string]json.RawMessage, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return 0, nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	headerEnd := 8 + int(headerLen)

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:headerEnd], &header); err != nil {
		return 0, nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	return headerEnd, header, nil
}

func resolveEntry(name string, e headerEntry, headerEnd, fileSize int) (storeEntry, error) {
	dtype := strings.ToUpper(e.DType)

	elemBytes, err := dtypeBytes(dtype)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	if e.Offsets[0] < 0 || e.Offsets[1] < e.Offsets[0] {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q has invalid data offsets %v", name, e.Offsets)
	}

	elemCount, err := shapeElementCount(e.Shape)
	if err != nil {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q: %w", name, err)
	}

	start, end := headerEnd+e.Offsets[0], headerEnd+e.Offsets[1]
	if end > fileSize {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q data [%d:%d] exceeds file size %d", name, start, end, fileSize)
	}

	if need := int(elemCount) * elemBytes; end-start < need {
		return storeEntry{}, fmt.Errorf("safetensors: tensor %q needs %d bytes but data has %d", name, need, end-start)
	}

	return storeEntry{
		DType: dtype,
		Shape: append([]int64(nil), e.Shape...),
		Start: start,
		End:   end,
	}, nil
}

func shapeElementCount(shape []int64) (int64, error) {
	total := int64(1)

	for _, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}

		if d == 0 {
			return 0, nil
		}

		if total > math.MaxInt64/d {
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		total *= d
	}

	return total, nil
}

func dtypeBytes(dtype string) (int, error) {
	switch dtype {
	case dtypeF32:
		return 4, nil
	case dtypeF16, dtypeBF16:
		return 2, nil
	default:
		return 0, fmt.Errorf("unsupported dtype %q", dtype)
	}
}

func decodeTensorData(raw []byte, dtype string, shape []int64) ([]float32, error) {
	elemCount, err := shapeElementCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, int(elemCount))

	switch dtype {
	case dtypeF32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case dtypeF16:
		for i := range out {
			out[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	case dtypeBF16:
		for i := range out {
			out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q", dtype)
	}

	return out, nil
}

// float16ToFloat32 widens an IEEE 754 half-precision value.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h & 0x03ff)

	var bits uint32

	switch exp {
	case 0:
		if frac == 0 {
			bits = sign << 31
			break
		}

		e := int32(-14)
		for frac&0x0400 == 0 {
			frac <<= 1
			e--
		}

		frac &= 0x03ff
		bits = sign<<31 | uint32(e+127)<<23 | frac<<13
	case 0x1f:
		bits = sign<<31 | 0x7f800000 | frac<<13
	default:
		bits = sign<<31 | (exp+127-15)<<23 | frac<<13
	}

	return math.Float32frombits(bits)
}

func summarizeNames(names []string) string {
	if len(names) == 0 {
		return "none"
	}

	const maxNames = 8
	if len(names) <= maxNames {
		return strings.Join(names, ", ")
	}

	return strings.Join(names[:maxNames], ", ") + ", ..."
}
