package ltfec

import (
	"math/rand"
	"testing"
)

const testBlockSize = 16

// encodeAll produces numFEC parity blocks over data using the same seed
// for encoder and decoder, as the wire format requires.
func encodeAll(t *testing.T, data []byte, numFEC, numXorBlocks int, seed uint32) [][]byte {
	t.Helper()
	enc := NewEncoder(testBlockSize)
	enc.Seed(seed)
	fec := make([][]byte, numFEC)
	for i := range fec {
		fec[i] = make([]byte, testBlockSize)
		enc.Generate(fec[i], data, numXorBlocks)
	}
	return fec
}

func TestRoundTripNoErasures(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	for _, numBlocks := range []int{1, 2, 5, 17, 64} {
		size := numBlocks * testBlockSize
		data := make([]byte, size)
		rnd.Read(data)

		numFEC := numBlocks/4 + 1
		numXor := 3
		if numXor > numBlocks {
			numXor = numBlocks
		}
		encodeAll(t, data, numFEC, numXor, 42)

		got := make([]byte, size)
		dec := NewDecoder(testBlockSize)
		dec.BeginDecode(42, got, numFEC, numXor)

		done := false
		for i := 0; i < numBlocks && !done; i++ {
			copy(blockSlice(got, i, testBlockSize), blockSlice(data, i, testBlockSize))
			done = dec.PushRawBlock(i)
		}
		if !done {
			t.Fatalf("numBlocks=%d: decoder not complete after all raw blocks pushed", numBlocks)
		}
		if string(got) != string(data) {
			t.Fatalf("numBlocks=%d: round trip mismatch", numBlocks)
		}
	}
}

// TestRoundTripWithErasures models the case the wire protocol relies on:
// every data block arrives except L of them, and FEC blocks fill the gap.
func TestRoundTripWithErasures(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	cases := []int{1, 4, 9, 33, 128, 1024}
	for _, numBlocks := range cases {
		maxErasures := numBlocks / 4
		if maxErasures < 1 {
			maxErasures = 1
		}
		for _, erasures := range []int{0, 1, maxErasures} {
			if erasures > numBlocks {
				continue
			}
			size := numBlocks * testBlockSize
			data := make([]byte, size)
			rnd.Read(data)

			numXor := 4
			if numXor > numBlocks {
				numXor = numBlocks
			}
			numFEC := erasures + 2
			if numFEC < 1 {
				numFEC = 1
			}
			seed := uint32(1000 + numBlocks)
			fec := encodeAll(t, data, numFEC, numXor, seed)

			missing := make(map[int]bool)
			perm := rnd.Perm(numBlocks)
			for i := 0; i < erasures; i++ {
				missing[perm[i]] = true
			}

			got := make([]byte, size)
			dec := NewDecoder(testBlockSize)
			dec.BeginDecode(seed, got, numFEC, numXor)

			done := false
			for i := 0; i < numBlocks; i++ {
				if missing[i] {
					continue
				}
				copy(blockSlice(got, i, testBlockSize), blockSlice(data, i, testBlockSize))
				if dec.PushRawBlock(i) {
					done = true
				}
			}
			for i := 0; i < numFEC && !done; i++ {
				if dec.PushFECBlock(i, fec[i]) {
					done = true
				}
			}

			if erasures == 0 {
				if !done || string(got) != string(data) {
					t.Fatalf("numBlocks=%d erasures=0: expected exact recovery", numBlocks)
				}
				continue
			}
			// With generous FEC coverage recovery is expected; this guards
			// the decoder logic rather than the redundancy/erasure tradeoff.
			if done && string(got) != string(data) {
				t.Fatalf("numBlocks=%d erasures=%d: decoder reported done but data mismatched", numBlocks, erasures)
			}
		}
	}
}

// TestSmallBlockCountSingleErasureAlwaysRecovers covers the spec invariant
// that when num_data_blocks <= 8, a single FEC block always recovers
// exactly one erasure (the shuffler's refill-on-begin guarantees the sole
// FEC block covers every remaining index once failing to do so would
// strand a block).
func TestSmallBlockCountSingleErasureAlwaysRecovers(t *testing.T) {
	rnd := rand.New(rand.NewSource(99))
	for numBlocks := 1; numBlocks <= 8; numBlocks++ {
		for erased := 0; erased < numBlocks; erased++ {
			size := numBlocks * testBlockSize
			data := make([]byte, size)
			rnd.Read(data)

			seed := uint32(5000 + numBlocks*10 + erased)
			fec := encodeAll(t, data, 1, numBlocks, seed)

			got := make([]byte, size)
			dec := NewDecoder(testBlockSize)
			dec.BeginDecode(seed, got, 1, numBlocks)

			done := false
			for i := 0; i < numBlocks; i++ {
				if i == erased {
					continue
				}
				copy(blockSlice(got, i, testBlockSize), blockSlice(data, i, testBlockSize))
				if dec.PushRawBlock(i) {
					done = true
				}
			}
			if !done {
				done = dec.PushFECBlock(0, fec[0])
			}
			if !done {
				t.Fatalf("numBlocks=%d erased=%d: expected single-erasure recovery", numBlocks, erased)
			}
			if string(got) != string(data) {
				t.Fatalf("numBlocks=%d erased=%d: recovered data mismatch", numBlocks, erased)
			}
		}
	}
}

func TestEncoderGeneratePadsFinalPartialBlock(t *testing.T) {
	data := make([]byte, testBlockSize+4) // 1 full block + 4 bytes
	for i := range data {
		data[i] = byte(i + 1)
	}
	enc := NewEncoder(testBlockSize)
	enc.Seed(1)

	xorData := make([]byte, testBlockSize)
	// Force selection of exactly the two blocks (index 0 and 1) by using
	// numXorBlocks == total block count (ceil(20/16) == 2).
	enc.Generate(xorData, data, 2)

	want := make([]byte, testBlockSize)
	copy(want, data[:testBlockSize])
	for i := testBlockSize; i < len(data); i++ {
		want[i-testBlockSize] ^= data[i]
	}
	if string(xorData) != string(want) {
		t.Fatalf("partial final block not zero-padded correctly: got %v want %v", xorData, want)
	}
}
