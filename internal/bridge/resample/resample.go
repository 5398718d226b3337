// Package resample converts PCM16 mono audio between sample rates using
// linear interpolation, carrying fractional phase and remainder-sample state
// across frame boundaries so a stream of 20 ms frames resamples without
// audible clicks at frame edges.
package resample

// Pipeline resamples a PCM16 mono stream from SrcRate to DstRate. A zero
// value is not usable; construct with New. Not safe for concurrent use — one
// Pipeline per direction per call, owned by the Speech Session.
type Pipeline struct {
	srcRate int
	dstRate int

	// phase is the fractional source-sample position carried from the end of
	// the previous call to the start of the next, so consecutive frames
	// interpolate across the boundary instead of restarting at phase 0.
	phase float64

	// tail holds the last source sample of the previous frame, used as s0 when
	// phase falls between the previous frame's end and this frame's start.
	tail    int16
	hasTail bool
}

// New constructs a Pipeline converting srcRate to dstRate. If the rates are
// equal the pipeline is a pure passthrough.
func New(srcRate, dstRate int) *Pipeline {
	return &Pipeline{srcRate: srcRate, dstRate: dstRate}
}

// SrcRate returns the configured source sample rate.
func (p *Pipeline) SrcRate() int { return p.srcRate }

// DstRate returns the configured destination sample rate.
func (p *Pipeline) DstRate() int { return p.dstRate }

// Reconfigure changes the pipeline's rates and resets carried phase/tail
// state. Used when the speech service negotiates a different rate mid-call
// (spec's Format mismatch handling).
func (p *Pipeline) Reconfigure(srcRate, dstRate int) {
	p.srcRate = srcRate
	p.dstRate = dstRate
	p.phase = 0
	p.hasTail = false
}

// Process resamples pcm (little-endian int16 mono) from SrcRate to DstRate.
// If the rates are equal, pcm is returned unchanged with zero allocation. An
// empty or odd-length input returns the input unchanged.
func (p *Pipeline) Process(pcm []byte) []byte {
	if p.srcRate <= 0 || p.dstRate <= 0 || p.srcRate == p.dstRate {
		return pcm
	}
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return pcm
	}

	srcSamples := len(pcm) / 2
	ratio := float64(p.srcRate) / float64(p.dstRate)

	// Total source positions available this call: the carried tail sample
	// (position -1) plus srcSamples new ones (positions 0..srcSamples-1).
	dstSamples := int((float64(srcSamples) - p.phase) / ratio)
	if dstSamples < 0 {
		dstSamples = 0
	}

	out := make([]byte, dstSamples*2)
	sampleAt := func(idx int) int16 {
		switch {
		case idx < 0:
			if p.hasTail {
				return p.tail
			}
			return readSample(pcm, 0)
		case idx >= srcSamples:
			return readSample(pcm, srcSamples-1)
		default:
			return readSample(pcm, idx)
		}
	}

	pos := p.phase
	for i := 0; i < dstSamples; i++ {
		srcIdx := int(pos)
		frac := pos - float64(srcIdx)

		s0 := sampleAt(srcIdx)
		s1 := sampleAt(srcIdx + 1)
		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		writeSample(out, i, interp)

		pos += ratio
	}

	// Carry remaining phase forward relative to the start of the next frame.
	p.phase = pos - float64(srcSamples)
	if srcSamples > 0 {
		p.tail = readSample(pcm, srcSamples-1)
		p.hasTail = true
	}

	return out
}

func readSample(pcm []byte, idx int) int16 {
	return int16(pcm[idx*2]) | int16(pcm[idx*2+1])<<8
}

func writeSample(pcm []byte, idx int, v int16) {
	pcm[idx*2] = byte(v)
	pcm[idx*2+1] = byte(v >> 8)
}
