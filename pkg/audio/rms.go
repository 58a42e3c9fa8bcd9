package audio

import "math"

// RMS computes the root-mean-square loudness of little-endian int16 PCM,
// normalised to [0.0, 1.0]. Multi-channel data is treated as a flat sample
// stream, which is adequate for activity detection. Returns 0 for empty or
// misaligned input.
func RMS(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i < samples*2; i += 2 {
		s := float64(int16(pcm[i]) | int16(pcm[i+1])<<8)
		sum += s * s
	}
	return math.Sqrt(sum/float64(samples)) / 32768.0
}
