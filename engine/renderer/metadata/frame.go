package metadata

// Upper bound on overlapping frames. Descriptor state is tracked per frame
// index up to this count.
const MaxFramesInFlight uint8 = 3

// FrameContext carries the per-frame identity handed to every pass. The CPU
// may be preparing frame K+1 while the GPU still consumes frame K; any state
// that differs between overlapping frames must be keyed by FrameIndex.
type FrameContext struct {
	// Which of the N frame-in-flight slots this frame occupies.
	FrameIndex uint8
	// Monotonically increasing frame counter since boot.
	FrameNumber uint64
	// The configured frame-in-flight count (2..MaxFramesInFlight).
	FramesInFlight uint8
	// Seconds since the previous frame.
	DeltaTime float64
}
