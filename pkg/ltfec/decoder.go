package ltfec

// encodedLink tracks one FEC slot's outstanding unresolved data-block
// indices plus any indices resolved before the FEC payload itself arrived.
type encodedLink struct {
	data             []byte // nil until the FEC block itself has arrived
	indices          []uint32
	resolvedIndices  []uint32
}

// Decoder reconstructs output_blocks data blocks from a mix of raw data
// blocks and FEC parity blocks.
type Decoder struct {
	BlockSize int

	shuffler shuffler

	output        []byte
	outputBlocks  int
	decodedBlocks int
	numXorBlocks  int

	decodedMask []bool
	links       []encodedLink
	readyLinks  []int
}

// NewDecoder creates a Decoder for the given block size.
func NewDecoder(blockSize int) *Decoder {
	return &Decoder{BlockSize: blockSize, shuffler: *newShuffler()}
}

// BeginDecode prepares to decode into data (length must be a multiple of
// BlockSize), expecting up to maxFECBlocks FEC slots each covering
// numXorBlocks indices, using the same seed the encoder used.
func (d *Decoder) BeginDecode(seed uint32, data []byte, maxFECBlocks, numXorBlocks int) {
	d.output = data
	d.outputBlocks = len(data) / d.BlockSize
	d.numXorBlocks = numXorBlocks
	d.decodedBlocks = 0
	d.decodedMask = make([]bool, d.outputBlocks)
	d.links = make([]encodedLink, maxFECBlocks)
	d.readyLinks = d.readyLinks[:0]

	d.shuffler.seed(seed)
	d.shuffler.flush()
	for i := range d.links {
		d.seedLink(&d.links[i])
	}
}

func (d *Decoder) seedLink(link *encodedLink) {
	d.shuffler.begin(d.outputBlocks, d.numXorBlocks)
	link.indices = make([]uint32, d.numXorBlocks)
	for i := 0; i < d.numXorBlocks; i++ {
		link.indices[i] = d.shuffler.pick()
	}
	link.resolvedIndices = link.resolvedIndices[:0]
}

// markDecoded marks index as decoded, returning false if it was already
// marked (idempotent, mirrors mark_decoded_block).
func (d *Decoder) markDecoded(index int) bool {
	if d.decodedMask[index] {
		return false
	}
	d.decodedMask[index] = true
	d.decodedBlocks++
	return true
}

// propagateDecoded removes index from every link's outstanding set, either
// XORing it in immediately (if the link's FEC payload already arrived) or
// recording it as "resolved later".
func (d *Decoder) propagateDecoded(index int) {
	block := d.blockOf(index)
	for i := range d.links {
		link := &d.links[i]
		pos := indexOf(link.indices, uint32(index))
		if pos < 0 {
			continue
		}
		last := len(link.indices) - 1
		link.indices[pos] = link.indices[last]
		link.indices = link.indices[:last]

		if link.data != nil {
			xorInto(link.data, block)
		} else {
			link.resolvedIndices = append(link.resolvedIndices, uint32(index))
		}

		if len(link.indices) == 1 && link.data != nil {
			d.readyLinks = append(d.readyLinks, i)
		}
	}
}

func (d *Decoder) drainReady() {
	for len(d.readyLinks) > 0 {
		i := d.readyLinks[len(d.readyLinks)-1]
		d.readyLinks = d.readyLinks[:len(d.readyLinks)-1]
		d.drainReadyLink(&d.links[i])
	}
}

func (d *Decoder) drainReadyLink(link *encodedLink) {
	if len(link.indices) == 0 {
		return // redundant arrival
	}
	decodedIndex := int(link.indices[0])
	link.indices = link.indices[:0]

	if d.markDecoded(decodedIndex) {
		copy(d.blockOf(decodedIndex), link.data)
		d.propagateDecoded(decodedIndex)
	}
}

// PushFECBlock delivers the data for FEC slot index. Returns true once
// every data block has been decoded.
func (d *Decoder) PushFECBlock(index int, data []byte) bool {
	link := &d.links[index]
	link.data = data

	for _, resolved := range link.resolvedIndices {
		xorInto(link.data, d.blockOf(int(resolved)))
	}
	link.resolvedIndices = link.resolvedIndices[:0]

	if len(link.indices) == 1 {
		d.readyLinks = append(d.readyLinks, index)
	}
	d.drainReady()
	return d.decodedBlocks == d.outputBlocks
}

// PushRawBlock informs the decoder that output[index] now holds valid raw
// data, back-propagating the resolution through every FEC link. Returns
// true once every data block has been decoded.
func (d *Decoder) PushRawBlock(index int) bool {
	if d.markDecoded(index) {
		d.propagateDecoded(index)
	}
	d.drainReady()
	return d.decodedBlocks == d.outputBlocks
}

// Decoded reports whether output block index has been resolved, either
// because it arrived raw or because FEC recovery filled it in.
func (d *Decoder) Decoded(index int) bool {
	return d.decodedMask[index]
}

// DecodedCount returns how many of the outputBlocks data blocks have been
// resolved so far.
func (d *Decoder) DecodedCount() int {
	return d.decodedBlocks
}

func (d *Decoder) blockOf(index int) []byte {
	return blockSlice(d.output, index, d.BlockSize)
}

func indexOf(s []uint32, v uint32) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}
