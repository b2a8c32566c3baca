package pyropkt

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{
		Begin: true, Done: true, KeyFrame: true, Stream: StreamAudio,
		SubSeq: 17, PktSeq: 9001,
		PTSUs: 123456789012, DTSDeltaUs: -42, PayloadSize: 5000,
		NumXorBlocksEven: 3, NumXorBlocksOdd: 4, NumFECBlocks: 2,
	}
	buf := make([]byte, HeaderSize)
	h.Encode(buf)

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatal(err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, h)
	}
}

func TestSeqDelta14Wraps(t *testing.T) {
	if d := seqDelta14(1, 16383); d != 2 {
		t.Fatalf("expected wraparound delta 2, got %d", d)
	}
	if d := seqDelta14(5, 10); d != -5 {
		t.Fatalf("expected -5, got %d", d)
	}
}

func TestFragmentReassembleNoLoss(t *testing.T) {
	data := make([]byte, PayloadSize*5+200)
	rand.New(rand.NewSource(1)).Read(data)

	frag := NewFragmenter(0, 0)
	fragments := frag.Fragment(StreamVideo, data, true, false, 1000, 10)

	w := NewWindow(StreamVideo)
	var out CompletedPacket
	ok := false
	for _, f := range fragments {
		buf := make([]byte, HeaderSize+len(f.Payload))
		f.Header.Encode(buf)
		copy(buf[HeaderSize:], f.Payload)

		hdr, err := DecodeHeader(buf)
		if err != nil {
			t.Fatal(err)
		}
		var completed CompletedPacket
		completed, ok, err = w.Push(hdr, buf[HeaderSize:])
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			out = completed
		}
	}
	if !ok {
		t.Fatal("expected packet to complete")
	}
	if !bytes.Equal(out.Data, data) {
		t.Fatal("reassembled data mismatch")
	}
	if !out.KeyFrame {
		t.Fatal("expected key frame flag to survive reassembly")
	}
}

func TestFragmentReassembleWithFECRecovery(t *testing.T) {
	data := make([]byte, PayloadSize*3)
	rand.New(rand.NewSource(2)).Read(data)

	frag := NewFragmenter(0, 0)
	fragments := frag.Fragment(StreamVideo, data, false, true, 2000, 0)

	w := NewWindow(StreamVideo)
	var out CompletedPacket
	ok := false
	for i, f := range fragments {
		if i == 1 {
			continue // drop the middle data fragment, force FEC recovery
		}
		buf := make([]byte, HeaderSize+len(f.Payload))
		f.Header.Encode(buf)
		copy(buf[HeaderSize:], f.Payload)
		hdr, err := DecodeHeader(buf)
		if err != nil {
			t.Fatal(err)
		}
		var completed CompletedPacket
		completed, ok, err = w.Push(hdr, buf[HeaderSize:])
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			out = completed
		}
	}
	if !ok {
		t.Fatal("expected FEC to recover the dropped fragment")
	}
	if !bytes.Equal(out.Data, data) {
		t.Fatal("FEC-recovered data mismatch")
	}
	if !out.Recovered {
		t.Fatal("expected Recovered flag set")
	}
}

func TestPartialFragmentMustBeFinal(t *testing.T) {
	w := NewWindow(StreamVideo)
	h := Header{Begin: true, Done: false, PktSeq: 1, PayloadSize: 5000}
	_, _, err := w.Push(h, make([]byte, PayloadSize-1))
	if err != ErrPartialNotFinal {
		t.Fatalf("expected ErrPartialNotFinal, got %v", err)
	}
}

func TestStaleSequenceRejected(t *testing.T) {
	data := make([]byte, PayloadSize)
	frag := NewFragmenter(0, 0)
	fragments := frag.Fragment(StreamVideo, data, false, false, 1, 0)

	w := NewWindow(StreamVideo)
	buf := make([]byte, HeaderSize+len(fragments[0].Payload))
	fragments[0].Header.Encode(buf)
	copy(buf[HeaderSize:], fragments[0].Payload)
	hdr, _ := DecodeHeader(buf)
	if _, _, err := w.Push(hdr, buf[HeaderSize:]); err != nil {
		t.Fatal(err)
	}

	// Replay the same (now completed) sequence number; must be rejected.
	if _, _, err := w.Push(hdr, buf[HeaderSize:]); err != ErrStaleSequence {
		t.Fatalf("expected ErrStaleSequence, got %v", err)
	}
}
