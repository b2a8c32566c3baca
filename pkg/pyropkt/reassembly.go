package pyropkt

import "github.com/Themaister/pyrofling/pkg/ltfec"

// slot is one in-progress (or recently completed) packet reassembly
// buffer.
type slot struct {
	active   bool
	seq      uint16
	keyFrame bool

	totalSize     uint32
	numDataBlocks int
	buffer        []byte

	subseqFlags  []bool // index by absolute (accumulated) sub-sequence
	lastAccumSub int32
	haveAny      bool
	doneAt       int // -1 until the Done fragment's sub-sequence is known
	receivedData int

	fec        *ltfec.Decoder
	fecPlanned bool
}

func newSlot() *slot {
	return &slot{doneAt: -1}
}

func (s *slot) reset() {
	*s = slot{doneAt: -1}
}

// complete reports whether every data sub-sequence from 0 to doneAt has
// arrived.
func (s *slot) complete() bool {
	if s.doneAt < 0 {
		return false
	}
	for i := 0; i <= s.doneAt; i++ {
		if i >= len(s.subseqFlags) || !s.subseqFlags[i] {
			return false
		}
	}
	return true
}

func (s *slot) ensureFlag(idx int) {
	if idx >= len(s.subseqFlags) {
		grown := make([]bool, idx+1)
		copy(grown, s.subseqFlags)
		s.subseqFlags = grown
	}
}

// CompletedPacket is a fully reassembled (or FEC-recovered) media packet
// handed back to the caller from Window.Push.
type CompletedPacket struct {
	Stream   StreamType
	Seq      uint16
	KeyFrame bool
	Data     []byte
	Recovered bool
}

// Window holds the per-stream, two-slot reassembly state plus the
// progress counters reported over the control channel.
type Window struct {
	stream StreamType
	slots  [2]*slot

	lastCompletedValid bool
	lastCompletedSeq   uint16

	TotalReceived          uint64
	TotalDropped           uint64
	TotalReceivedKeyFrames uint64
	TotalRecoveredByFEC    uint64
}

// NewWindow creates an empty reassembly window for one stream.
func NewWindow(stream StreamType) *Window {
	return &Window{stream: stream, slots: [2]*slot{newSlot(), newSlot()}}
}

// Push feeds one received fragment (header already parsed, payload is the
// bytes following the header) into the window. It returns a completed
// packet if this fragment finished one, or ok == false otherwise.
func (w *Window) Push(h Header, payload []byte) (CompletedPacket, bool, error) {
	if !h.Done && len(payload) != PayloadSize {
		return CompletedPacket{}, false, ErrPartialNotFinal
	}

	if w.lastCompletedValid && seqDelta14(h.PktSeq, w.lastCompletedSeq) <= 0 {
		return CompletedPacket{}, false, ErrStaleSequence
	}

	sl, err := w.findOrAllocSlot(h)
	if err != nil {
		return CompletedPacket{}, false, err
	}

	absSub := int(h.SubSeq)
	if h.FEC {
		// Parity fragments number their blocks from 0 on their own, so
		// they stay out of the data sub-sequence tracking below.
	} else if !sl.haveAny {
		sl.haveAny = true
		sl.lastAccumSub = int32(h.SubSeq)
		if h.SubSeq != 0 {
			return CompletedPacket{}, false, ErrBeginInvariant
		}
	} else {
		delta := subSeqDelta6(h.SubSeq, uint8(sl.lastAccumSub))
		accum := sl.lastAccumSub + delta
		if accum < 0 {
			return CompletedPacket{}, false, ErrSubSeqRegression
		}
		if int64(accum)*PayloadSize > maxReassemblyBytes {
			return CompletedPacket{}, false, ErrSubSeqOverflow
		}
		if accum == 0 && !h.Begin {
			return CompletedPacket{}, false, ErrBeginInvariant
		}
		sl.lastAccumSub = accum
	}
	if !h.FEC {
		absSub = int(sl.lastAccumSub)
	}

	if h.KeyFrame {
		sl.keyFrame = true
	}

	w.ensureFECPlan(sl, h)

	if h.FEC {
		w.feedFEC(sl, absSub, payload)
	} else {
		start := absSub * PayloadSize
		end := start + len(payload)
		if end > len(sl.buffer) {
			if end > maxReassemblyBytes {
				return CompletedPacket{}, false, ErrSubSeqOverflow
			}
			grown := make([]byte, end)
			copy(grown, sl.buffer)
			sl.buffer = grown
		}
		copy(sl.buffer[start:end], payload)
		sl.ensureFlag(absSub)
		sl.subseqFlags[absSub] = true
		sl.receivedData++
		if sl.fec != nil {
			sl.fec.PushRawBlock(absSub)
		}
	}

	if h.Done && !h.FEC {
		sl.doneAt = absSub
		if len(sl.buffer) < int(h.PayloadSize) {
			grown := make([]byte, h.PayloadSize)
			copy(grown, sl.buffer)
			sl.buffer = grown
		} else if len(sl.buffer) > int(h.PayloadSize) {
			sl.buffer = sl.buffer[:h.PayloadSize]
		}
	}

	w.TotalReceived++
	if h.KeyFrame && h.Begin {
		w.TotalReceivedKeyFrames++
	}

	recovered := false
	if !sl.complete() && sl.fec != nil && sl.receivedData < sl.numDataBlocks {
		if w.tryFECRecovery(sl) {
			recovered = true
			// FEC resolved every data block even though the fragment
			// carrying packet-done may itself have been lost.
			sl.doneAt = sl.numDataBlocks - 1
		}
	}

	if sl.complete() {
		return w.promote(sl, recovered)
	}
	return CompletedPacket{}, false, nil
}

func (w *Window) ensureFECPlan(sl *slot, h Header) {
	if sl.fecPlanned || h.NumFECBlocks == 0 {
		return
	}
	sl.fecPlanned = true
	if sl.numDataBlocks == 0 {
		return
	}
	sl.fec = ltfec.NewDecoder(PayloadSize)
	// Seed is re-derived per incoming fragment's own PTS at BeginDecode
	// time below, once we know the packet's total size.
	total := sl.numDataBlocks * PayloadSize
	if len(sl.buffer) < total {
		grown := make([]byte, total)
		copy(grown, sl.buffer)
		sl.buffer = grown
	}
	sl.fec.BeginDecode(uint32(h.PTSUs), sl.buffer[:total], int(h.NumFECBlocks), int(h.NumXorBlocksEven))
	for i := 0; i < sl.numDataBlocks; i++ {
		if i < len(sl.subseqFlags) && sl.subseqFlags[i] {
			sl.fec.PushRawBlock(i)
		}
	}
}

func (w *Window) feedFEC(sl *slot, fecIndex int, payload []byte) {
	if sl.fec == nil {
		return
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	sl.fec.PushFECBlock(fecIndex, cp)
}

// tryFECRecovery syncs subseqFlags/receivedData from the decoder's own
// bookkeeping after a Push, picking up any blocks that FEC resolved this
// round, and reports whether the decoder now holds every data block.
func (w *Window) tryFECRecovery(sl *slot) bool {
	if sl.fec == nil {
		return false
	}
	recoveredAny := false
	for i := 0; i < sl.numDataBlocks; i++ {
		if i < len(sl.subseqFlags) && sl.subseqFlags[i] {
			continue
		}
		if sl.fec.Decoded(i) {
			sl.ensureFlag(i)
			sl.subseqFlags[i] = true
			sl.receivedData++
			recoveredAny = true
		}
	}
	return recoveredAny && sl.fec.DecodedCount() == sl.numDataBlocks
}

func (w *Window) findOrAllocSlot(h Header) (*slot, error) {
	s0, s1 := w.slots[0], w.slots[1]

	if s0.active && s0.seq == h.PktSeq {
		return s0, nil
	}
	if s1.active && s1.seq == h.PktSeq {
		return s1, nil
	}

	if !s0.active {
		s0.active = true
		s0.seq = h.PktSeq
		w.setTotalSize(s0, h)
		return s0, nil
	}

	if !s1.active {
		if h.PktSeq == s0.seq+1 {
			s1.active = true
			s1.seq = h.PktSeq
			w.setTotalSize(s1, h)
			return s1, nil
		}
		if h.PktSeq == s0.seq-1 {
			// New fragment is older than slot 0; shift so the older packet
			// becomes slot 0.
			w.slots[1] = s0
			s1 = newSlot()
			w.slots[0] = s1
			s1.active = true
			s1.seq = h.PktSeq
			w.setTotalSize(s1, h)
			return s1, nil
		}
	}

	// Neither relation holds: reset both slots and restart in slot 0.
	s0.reset()
	s1.reset()
	s0.active = true
	s0.seq = h.PktSeq
	w.setTotalSize(s0, h)
	return s0, nil
}

func (w *Window) setTotalSize(sl *slot, h Header) {
	if sl.totalSize != 0 {
		return
	}
	sl.totalSize = h.PayloadSize
	n := int((h.PayloadSize + PayloadSize - 1) / PayloadSize)
	if n == 0 {
		n = 1
	}
	sl.numDataBlocks = n
}

func (w *Window) promote(sl *slot, recovered bool) (CompletedPacket, bool, error) {
	delta := seqDelta14(sl.seq, w.lastCompletedSeq)
	if !w.lastCompletedValid {
		delta = 1
	}
	if delta > 1 {
		w.TotalDropped += uint64(delta - 1)
	}
	w.lastCompletedValid = true
	w.lastCompletedSeq = sl.seq

	data := make([]byte, sl.totalSize)
	copy(data, sl.buffer)

	pkt := CompletedPacket{
		Stream:    w.stream,
		Seq:       sl.seq,
		KeyFrame:  sl.keyFrame,
		Data:      data,
		Recovered: recovered,
	}
	if recovered {
		w.TotalRecoveredByFEC++
	}

	if sl == w.slots[1] {
		w.slots[0].reset()
		w.slots[0], w.slots[1] = w.slots[1], w.slots[0]
		w.slots[1].reset()
	} else {
		sl.reset()
	}

	return pkt, true, nil
}
