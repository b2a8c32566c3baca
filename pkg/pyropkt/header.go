// Package pyropkt implements the UDP media-packet fragmenter and
// reassembler: splitting an opaque compressed frame into
// fixed-size fragments carrying a compact bitfield header, interleaving
// optional FEC parity fragments from pkg/ltfec, and reassembling the
// fragments back into whole frames on the receive side while tolerating
// loss and reordering.
//
// Follows an RTP/H.264-style depacketization approach: bitfield parsing
// of a fixed header ahead of a payload, accumulating fragments into a
// growing access-unit buffer, generalized here into a two-slot
// reassembly window.
package pyropkt

import "encoding/binary"

// PayloadSize is the fixed fragment payload size; non-final fragments are
// always exactly this size.
const PayloadSize = 1200

// HeaderSize is the fixed size, in bytes, of the per-fragment header that
// precedes every UDP datagram's payload.
const HeaderSize = 28

// StreamType selects which of a client's two independent sequence spaces
// a fragment belongs to.
type StreamType uint8

const (
	StreamVideo StreamType = 0
	StreamAudio StreamType = 1
)

// Header is the decoded form of the 32-bit "encoded" bitfield plus the
// fixed trailing fields that follow it on every fragment.
type Header struct {
	Begin   bool
	Done    bool
	FEC     bool
	KeyFrame bool
	Stream  StreamType
	SubSeq  uint8  // 6 bits
	PktSeq  uint16 // 14 bits

	PTSUs       uint64
	DTSDeltaUs  int32
	PayloadSize uint32 // size of the whole reassembled packet

	NumXorBlocksEven uint8
	NumXorBlocksOdd  uint8
	NumFECBlocks     uint8
}

const (
	bitBegin    = 1 << 0
	bitDone     = 1 << 1
	bitFEC      = 1 << 2
	bitKeyFrame = 1 << 3
	bitStream   = 1 << 4
	subSeqShift = 5
	subSeqMask  = 0x3F
	pktSeqShift = subSeqShift + 6
	pktSeqMask  = 0x3FFF
)

// Encode marshals h's "encoded" word plus the remaining fixed header
// fields into dst, which must be at least HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	var encoded uint32
	if h.Begin {
		encoded |= bitBegin
	}
	if h.Done {
		encoded |= bitDone
	}
	if h.FEC {
		encoded |= bitFEC
	}
	if h.KeyFrame {
		encoded |= bitKeyFrame
	}
	if h.Stream == StreamAudio {
		encoded |= bitStream
	}
	encoded |= uint32(h.SubSeq&subSeqMask) << subSeqShift
	encoded |= uint32(h.PktSeq&pktSeqMask) << pktSeqShift

	binary.LittleEndian.PutUint32(dst[0:4], encoded)
	binary.LittleEndian.PutUint32(dst[4:8], uint32(h.PTSUs))
	binary.LittleEndian.PutUint32(dst[8:12], uint32(h.PTSUs>>32))
	binary.LittleEndian.PutUint32(dst[12:16], uint32(h.DTSDeltaUs))
	binary.LittleEndian.PutUint32(dst[16:20], h.PayloadSize)
	dst[20] = h.NumXorBlocksEven
	dst[21] = h.NumXorBlocksOdd
	dst[22] = h.NumFECBlocks
	dst[23], dst[24], dst[25], dst[26], dst[27] = 0, 0, 0, 0, 0
}

// DecodeHeader parses a fragment header from the front of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	encoded := binary.LittleEndian.Uint32(b[0:4])
	ptsLo := binary.LittleEndian.Uint32(b[4:8])
	ptsHi := binary.LittleEndian.Uint32(b[8:12])

	h := Header{
		Begin:       encoded&bitBegin != 0,
		Done:        encoded&bitDone != 0,
		FEC:         encoded&bitFEC != 0,
		KeyFrame:    encoded&bitKeyFrame != 0,
		SubSeq:      uint8((encoded >> subSeqShift) & subSeqMask),
		PktSeq:      uint16((encoded >> pktSeqShift) & pktSeqMask),
		PTSUs:       uint64(ptsHi)<<32 | uint64(ptsLo),
		DTSDeltaUs:  int32(binary.LittleEndian.Uint32(b[12:16])),
		PayloadSize: binary.LittleEndian.Uint32(b[16:20]),
		NumXorBlocksEven: b[20],
		NumXorBlocksOdd:  b[21],
		NumFECBlocks:     b[22],
	}
	if encoded&bitStream != 0 {
		h.Stream = StreamAudio
	} else {
		h.Stream = StreamVideo
	}
	return h, nil
}

// seqDelta14 returns a-b as a signed delta in 14-bit modular arithmetic,
// so sequence comparisons stay correct across the 14-bit counter's wrap.
func seqDelta14(a, b uint16) int32 {
	const bits = 14
	const mod = 1 << bits
	d := (int32(a) - int32(b)) & (mod - 1)
	if d >= mod/2 {
		d -= mod
	}
	return d
}

// subSeqDelta6 returns a-b as a signed delta in 6-bit modular arithmetic.
func subSeqDelta6(a, b uint8) int32 {
	const bits = 6
	const mod = 1 << bits
	d := (int32(a) - int32(b)) & (mod - 1)
	if d >= mod/2 {
		d -= mod
	}
	return d
}
