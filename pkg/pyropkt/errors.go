package pyropkt

import "errors"

var (
	ErrShortHeader       = errors.New("pyropkt: fragment shorter than header")
	ErrPartialNotFinal   = errors.New("pyropkt: non-final fragment smaller than PayloadSize")
	ErrStaleSequence     = errors.New("pyropkt: fragment sequence at or before last completed")
	ErrSubSeqRegression  = errors.New("pyropkt: accumulated sub-sequence went negative")
	ErrSubSeqOverflow    = errors.New("pyropkt: accumulated sub-sequence exceeds buffer cap")
	ErrBeginInvariant    = errors.New("pyropkt: begin/non-begin invariant violated for sub-sequence 0")
)

// maxReassemblyBytes bounds a single in-progress packet's buffer growth.
const maxReassemblyBytes = 128 << 20
