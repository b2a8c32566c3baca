package ltfec

// Encoder generates XOR-parity blocks over fixed-size input blocks.
// BlockSize must equal the UDP payload size.
type Encoder struct {
	BlockSize int
	shuffler  shuffler
}

// NewEncoder creates an Encoder for the given block size.
func NewEncoder(blockSize int) *Encoder {
	return &Encoder{BlockSize: blockSize, shuffler: *newShuffler()}
}

// Seed reseeds the index shuffler and empties its pool, as
// Decoder.BeginDecode does; callers pass the packet's low 32 bits
// of PTS so encoder and decoder agree on the index sequence.
func (e *Encoder) Seed(seed uint32) {
	e.shuffler.seed(seed)
	e.shuffler.flush()
}

// Generate fills xorData (len == BlockSize) with the XOR of numXorBlocks
// distinct blocks drawn from input (len == size, logically ceil(size /
// BlockSize) blocks, the last possibly short and zero-padded).
func (e *Encoder) Generate(xorData []byte, input []byte, numXorBlocks int) {
	inputBlocks := (len(input) + e.BlockSize - 1) / e.BlockSize
	e.shuffler.begin(inputBlocks, numXorBlocks)

	for i := 0; i < numXorBlocks; i++ {
		idx := int(e.shuffler.pick())
		block := blockSlice(input, idx, e.BlockSize)
		if i == 0 {
			n := copy(xorData, block)
			for j := n; j < e.BlockSize; j++ {
				xorData[j] = 0
			}
		} else {
			xorInto(xorData, block)
		}
	}
}

// blockSlice returns the idx'th BlockSize-sized slice of input, which may
// be shorter than blockSize if it is the final, partial block.
func blockSlice(input []byte, idx, blockSize int) []byte {
	start := idx * blockSize
	end := start + blockSize
	if end > len(input) {
		end = len(input)
	}
	return input[start:end]
}

func xorInto(dst, src []byte) {
	for i := range src {
		dst[i] ^= src[i]
	}
}
