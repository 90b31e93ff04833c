package streamsync

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// frame decode errors
var (
	ErrEmptyFrame         = errors.New("empty frame")
	ErrInvalidEnvelope    = errors.New("invalid frame envelope byte")
	ErrInvalidFrameHeader = errors.New("invalid compression frame header")
	ErrFrameTooLarge      = errors.New("declared decompressed size exceeds the ceiling")
	ErrDecodeTimeout      = errors.New("decode step timed out")
)

// envelope byte prefixed to every data-plane frame
const (
	envelopeUncompressed = byte(0x00)
	envelopeCompressed   = byte(0x01)
)

// zstd frame magic, little endian 0xFD2FB528
var frameMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// hard upper bound on the shared decoder's allocations. Per-call ceilings
// apply below this; a MaxDecompressedSize above it is capped by the decoder.
const maxDecoderMemory = 2 << 30

type DecodeSettings struct {
	// hard ceiling on the decompressed payload, enforced before allocation.
	// Effective up to maxDecoderMemory.
	MaxDecompressedSize uint64
	// bound on each decode sub-step (header parse, decompress, parse)
	StepTimeout time.Duration
}

func DefaultDecodeSettings() *DecodeSettings {
	return &DecodeSettings{
		MaxDecompressedSize: 64 * 1024 * 1024,
		StepTimeout:         5 * time.Second,
	}
}

// FrameHeader is the parsed prefix of a compressed frame.
type FrameHeader struct {
	// declared decompressed size. Valid only when HasContentSize is set.
	ContentSize    uint64
	HasContentSize bool
	SingleSegment  bool
	DictionaryId   uint32
	// bytes consumed by magic + descriptor + fields
	HeaderSize int
}

// ParseFrameHeader validates the fixed magic and derives the declared
// decompressed size from the header flags. The size field is 0, 1, 2, 4 or
// 8 bytes wide; the 1-byte case activates automatically for single-segment
// frames, and a 0-3 byte dictionary id sits between the window descriptor
// and the size field. Malformed or truncated headers return ok=false, never
// an error or a panic.
func ParseFrameHeader(b []byte) (header *FrameHeader, ok bool) {
	if len(b) < len(frameMagic)+1 {
		return nil, false
	}
	for i, m := range frameMagic {
		if b[i] != m {
			return nil, false
		}
	}

	descriptor := b[len(frameMagic)]
	fcsFlag := descriptor >> 6
	singleSegment := descriptor&0x20 != 0
	// bits 3-4 are reserved and must be zero
	if descriptor&0x18 != 0 {
		return nil, false
	}
	didFlag := descriptor & 0x03

	offset := len(frameMagic) + 1
	if !singleSegment {
		// window descriptor byte
		if len(b) < offset+1 {
			return nil, false
		}
		offset += 1
	}

	didSize := []int{0, 1, 2, 4}[didFlag]
	if len(b) < offset+didSize {
		return nil, false
	}
	var dictionaryId uint32
	for i := 0; i < didSize; i += 1 {
		dictionaryId |= uint32(b[offset+i]) << (8 * i)
	}
	offset += didSize

	fcsSize := 0
	switch fcsFlag {
	case 0:
		if singleSegment {
			fcsSize = 1
		}
	case 1:
		fcsSize = 2
	case 2:
		fcsSize = 4
	case 3:
		fcsSize = 8
	}
	if len(b) < offset+fcsSize {
		return nil, false
	}

	header = &FrameHeader{
		SingleSegment: singleSegment,
		DictionaryId:  dictionaryId,
		HeaderSize:    offset + fcsSize,
	}
	switch fcsSize {
	case 1:
		header.ContentSize = uint64(b[offset])
		header.HasContentSize = true
	case 2:
		header.ContentSize = uint64(binary.LittleEndian.Uint16(b[offset:])) + 256
		header.HasContentSize = true
	case 4:
		header.ContentSize = uint64(binary.LittleEndian.Uint32(b[offset:]))
		header.HasContentSize = true
	case 8:
		header.ContentSize = binary.LittleEndian.Uint64(b[offset:])
		header.HasContentSize = true
	}
	return header, true
}

// process-wide decompressor. The zstd decoder is stateless in DecodeAll mode
// and safe for concurrent use.
var decompressorInit sync.Once
var decompressor *zstd.Decoder

func sharedDecompressor() *zstd.Decoder {
	decompressorInit.Do(func() {
		var err error
		decompressor, err = zstd.NewReader(
			nil,
			zstd.WithDecoderConcurrency(0),
			zstd.WithDecoderMaxMemory(maxDecoderMemory),
		)
		if err != nil {
			panic(err)
		}
	})
	return decompressor
}

// DecodeFrame turns one wire frame into a typed message. Each sub-step is
// checked against the step timeout. A nil message with a nil error never
// happens; callers treat any error as fatal to the connection.
func DecodeFrame(frame []byte, settings *DecodeSettings) (*StreamMessage, error) {
	if settings == nil {
		settings = DefaultDecodeSettings()
	}
	if len(frame) == 0 {
		return nil, ErrEmptyFrame
	}

	stepStart := time.Now()

	var payload []byte
	switch frame[0] {
	case envelopeUncompressed:
		payload = frame[1:]
	case envelopeCompressed:
		compressed := frame[1:]
		header, ok := ParseFrameHeader(compressed)
		if !ok {
			return nil, ErrInvalidFrameHeader
		}
		if header.HasContentSize && settings.MaxDecompressedSize < header.ContentSize {
			// reject before allocating anything
			return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, header.ContentSize, settings.MaxDecompressedSize)
		}
		if err := checkStep(stepStart, settings.StepTimeout); err != nil {
			return nil, err
		}
		stepStart = time.Now()

		decompressed, err := sharedDecompressor().DecodeAll(compressed, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress: %w", err)
		}
		if settings.MaxDecompressedSize < uint64(len(decompressed)) {
			return nil, fmt.Errorf("%w: realized %d > %d", ErrFrameTooLarge, len(decompressed), settings.MaxDecompressedSize)
		}
		payload = decompressed
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidEnvelope, frame[0])
	}

	if err := checkStep(stepStart, settings.StepTimeout); err != nil {
		return nil, err
	}

	message := &StreamMessage{}
	if err := json.Unmarshal(payload, message); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if message.Kind == "" {
		return nil, errors.New("message has no kind")
	}
	return message, nil
}

func checkStep(start time.Time, timeout time.Duration) error {
	if 0 < timeout && timeout < time.Since(start) {
		return ErrDecodeTimeout
	}
	return nil
}
