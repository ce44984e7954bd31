package audio

import "encoding/binary"

// DecodeS16LE converts interleaved S16LE PCM frames into a mono chunk.
// Channels are averaged. A trailing partial frame is ignored. The returned
// chunk reuses dst's backing array when it is large enough.
func DecodeS16LE(buf []byte, channels int, dst Chunk) Chunk {
	channels = max(channels, 1)
	frameSize := 2 * channels
	frames := len(buf) / frameSize

	if cap(dst) < frames {
		dst = make(Chunk, frames)
	}
	dst = dst[:frames]

	for f := range frames {
		var sum float64
		offset := f * frameSize
		for c := range channels {
			sample := int16(binary.LittleEndian.Uint16(buf[offset+2*c:]))
			sum += float64(sample)
		}
		dst[f] = float32(sum / float64(channels) / MaxSampleValue)
	}

	return dst
}
