package cube

import (
	"context"
	"crypto/rand"
	"sync"

	"cubenet.dev/node/hashengine"
)

// attemptsPerYield is how many nonce attempts a single worker tries before
// checking its cancellation context, matching the cooperative-yield
// contract: a worker owns the buffer for a short batch, then either
// returns a mined buffer or yields back to the caller.
const attemptsPerYield = 1000

// MineContext bundles the cancellation signal and worker-pool width for a
// mining call. A zero value mines with a single worker and no cancellation.
type MineContext struct {
	Ctx     context.Context
	Workers int
}

// DefaultMineContext mines single-threaded with no cancellation, the
// simplest legal configuration.
func DefaultMineContext() MineContext {
	return MineContext{Ctx: context.Background(), Workers: 1}
}

// mine varies the trailing nonce bytes of buf's PADDING_NONCE field until
// the whole-buffer SHA3-256 digest has at least `difficulty` trailing zero
// bits. Mining is always the last step of Encode: the
// nonce field is the only region mutated here.
func mine(buf []byte, eng hashengine.Engine, difficulty int, mc MineContext) ([]byte, error) {
	nonceStart, ok := nonceRegion(buf)
	if !ok {
		return nil, newErr(ErrMalformedFraming, "block has no PADDING_NONCE field to mine")
	}

	ctx := mc.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	workers := mc.Workers
	if workers < 1 {
		workers = 1
	}

	if workers == 1 {
		return mineSingle(ctx, buf, nonceStart, eng, difficulty)
	}
	return mineParallel(ctx, buf, nonceStart, eng, difficulty, workers)
}

// nonceRegion returns the buffer offset of the last 4 bytes of the trailing
// PADDING_NONCE field's value, the portion mining is allowed to mutate.
func nonceRegion(buf []byte) (int, bool) {
	cursor := HeaderLen
	lastPadStart, lastPadLen := -1, 0
	for cursor < Size {
		header0 := buf[cursor]
		t := FieldType(header0 >> 2)
		var headerSize, length int
		if n, fixed := isFixedLength(t); fixed {
			headerSize, length = 1, n
		} else {
			header1 := buf[cursor+1]
			headerSize = 2
			length = int(header0&0x03)<<8 | int(header1)
		}
		valueStart := cursor + headerSize
		if t == FieldPaddingNonce {
			lastPadStart, lastPadLen = valueStart, length
		}
		cursor = valueStart + length
	}
	if lastPadStart == -1 || lastPadLen < 4 {
		return 0, false
	}
	return lastPadStart + lastPadLen - 4, true
}

func mineSingle(ctx context.Context, buf []byte, nonceStart int, eng hashengine.Engine, difficulty int) ([]byte, error) {
	var counter uint32
	for {
		for i := 0; i < attemptsPerYield; i++ {
			putUint32(buf[nonceStart:nonceStart+4], counter)
			counter++
			digest := eng.Hash(buf)
			if eng.TrailingZeroBits(digest) >= difficulty {
				out := make([]byte, Size)
				copy(out, buf)
				return out, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
	}
}

// mineParallel partitions nonce-space by giving each worker a distinct
// random starting offset and a common stride equal to the worker count,
// so two workers never
// attempt the same nonce in practice. The first worker to find a winning
// buffer cancels the rest.
func mineParallel(ctx context.Context, buf []byte, nonceStart int, eng hashengine.Engine, difficulty int, workers int) ([]byte, error) {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan []byte, 1)
	var wg sync.WaitGroup

	for w := 0; w < workers; w++ {
		wg.Add(1)
		stride := uint32(workers)
		start := randomUint32()
		go func(offset uint32) {
			defer wg.Done()
			local := make([]byte, Size)
			copy(local, buf)
			counter := offset
			for {
				for i := 0; i < attemptsPerYield; i++ {
					putUint32(local[nonceStart:nonceStart+4], counter)
					counter += stride
					digest := eng.Hash(local)
					if eng.TrailingZeroBits(digest) >= difficulty {
						out := make([]byte, Size)
						copy(out, local)
						select {
						case results <- out:
							cancel()
						default:
						}
						return
					}
				}
				select {
				case <-workerCtx.Done():
					return
				default:
				}
			}
		}(start)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	out, ok := <-results
	if !ok {
		return nil, ctx.Err()
	}
	return out, nil
}

func putUint32(dst []byte, v uint32) {
	dst[0] = byte(v >> 24)
	dst[1] = byte(v >> 16)
	dst[2] = byte(v >> 8)
	dst[3] = byte(v)
}

func randomUint32() uint32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
