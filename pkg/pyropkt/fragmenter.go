package pyropkt

import "github.com/Themaister/pyrofling/pkg/ltfec"

// fecParams records whether the fragmenter interleaves parity
// fragments for a packet of numDataBlocks blocks, and if so with which
// parameters.
type fecParams struct {
	enabled         bool
	numFECBlocks    int
	numXorEven      int
	numXorOdd       int
}

func planFEC(numDataBlocks int, fecEnabled bool) fecParams {
	if !fecEnabled {
		return fecParams{}
	}
	if numDataBlocks <= 8 {
		return fecParams{enabled: true, numFECBlocks: 1, numXorEven: numDataBlocks, numXorOdd: numDataBlocks}
	}
	numFEC := numDataBlocks/4 + 1
	even := numDataBlocks / 2
	if even > 64 {
		even = 64
	}
	odd := (numDataBlocks + 1) / 2
	if odd > 64 {
		odd = 64
	}
	return fecParams{enabled: true, numFECBlocks: numFEC, numXorEven: even, numXorOdd: odd}
}

// Fragment is one outgoing UDP datagram: a header plus its payload bytes,
// ready for the transport to send as-is.
type Fragment struct {
	Header  Header
	Payload []byte
}

// Fragmenter splits whole compressed packets into wire fragments,
// maintaining one independent packet-sequence counter per stream and an
// FEC encoder reused across calls and reseeded for every packet (its
// shuffler pool persists across the FEC blocks of one packet).
type Fragmenter struct {
	seq   [2]uint16 // indexed by StreamType
	fec   *ltfec.Encoder
}

// NewFragmenter creates a Fragmenter. videoSeed and audioSeed are the
// stream-specific initial sequence numbers.
func NewFragmenter(videoSeed, audioSeed uint16) *Fragmenter {
	return &Fragmenter{
		seq: [2]uint16{videoSeed, audioSeed},
		fec: ltfec.NewEncoder(PayloadSize),
	}
}

// Fragment splits data (an opaque compressed packet) into wire fragments
// for the given stream, optionally interleaving FEC parity fragments.
// ptsUs and dtsDeltaUs are carried verbatim in every fragment's header.
func (f *Fragmenter) Fragment(stream StreamType, data []byte, keyFrame, fecEnabled bool, ptsUs uint64, dtsDeltaUs int32) []Fragment {
	numDataBlocks := (len(data) + PayloadSize - 1) / PayloadSize
	if numDataBlocks == 0 {
		numDataBlocks = 1
	}
	plan := planFEC(numDataBlocks, fecEnabled && stream == StreamVideo)

	seq := f.seq[stream]
	f.seq[stream] = seq + 1

	out := make([]Fragment, 0, numDataBlocks+plan.numFECBlocks)

	for i := 0; i < numDataBlocks; i++ {
		start := i * PayloadSize
		end := start + PayloadSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[start:end]
		done := i == numDataBlocks-1
		// A partial final fragment can only be Done.
		h := Header{
			Begin:       i == 0,
			Done:        done,
			KeyFrame:    keyFrame,
			Stream:      stream,
			SubSeq:      uint8(i & subSeqMask),
			PktSeq:      seq,
			PTSUs:       ptsUs,
			DTSDeltaUs:  dtsDeltaUs,
			PayloadSize: uint32(len(data)),
		}
		if plan.enabled {
			h.NumXorBlocksEven = uint8(plan.numXorEven)
			h.NumXorBlocksOdd = uint8(plan.numXorOdd)
			h.NumFECBlocks = uint8(plan.numFECBlocks)
		}
		out = append(out, Fragment{Header: h, Payload: chunk})
	}

	if plan.enabled {
		f.fec.Seed(uint32(ptsUs))
		for i := 0; i < plan.numFECBlocks; i++ {
			numXor := plan.numXorEven
			if i%2 == 1 {
				numXor = plan.numXorOdd
			}
			xorData := make([]byte, PayloadSize)
			f.fec.Generate(xorData, data, numXor)
			h := Header{
				FEC:         true,
				KeyFrame:    keyFrame,
				Stream:      stream,
				SubSeq:      uint8(i & subSeqMask),
				PktSeq:      seq,
				PTSUs:       ptsUs,
				DTSDeltaUs:  dtsDeltaUs,
				PayloadSize: uint32(len(data)),
				NumXorBlocksEven: uint8(plan.numXorEven),
				NumXorBlocksOdd:  uint8(plan.numXorOdd),
				NumFECBlocks:     uint8(plan.numFECBlocks),
			}
			out = append(out, Fragment{Header: h, Payload: xorData})
		}
	}

	return out
}
