package tools

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
)

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit PCM.
// Out-of-range input is clamped; negative values scale by 0x8000 and
// positive ones by 0x7fff so both extremes are reachable.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := math.Max(-1, math.Min(1, float64(s)))
		if v < 0 {
			out[i] = int16(v * 0x8000)
		} else {
			out[i] = int16(v * 0x7fff)
		}
	}
	return out
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		if s < 0 {
			out[i] = float32(s) / 0x8000
		} else {
			out[i] = float32(s) / 0x7fff
		}
	}
	return out
}

// PCM16ToBytes encodes samples as little-endian bytes.
func PCM16ToBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToPCM16 decodes little-endian bytes. A trailing odd byte is ignored.
func BytesToPCM16(data []byte) []int16 {
	out := make([]int16, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

// PCM16ToBase64 is the transport encoding used on the recognition channel.
func PCM16ToBase64(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(PCM16ToBytes(pcm))
}

var ErrOddPCMLength = errors.New("pcm payload has odd byte length")

func Base64ToPCM16(s string) ([]int16, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(data)%2 != 0 {
		return nil, ErrOddPCMLength
	}
	return BytesToPCM16(data), nil
}

// Downsample decimates by block averaging. The output length is
// round(len/ratio). Input is returned unchanged when outRate >= inRate.
func Downsample(buf []float32, inRate, outRate int) []float32 {
	if outRate >= inRate || outRate <= 0 || len(buf) == 0 {
		return buf
	}
	ratio := float64(inRate) / float64(outRate)
	n := int(math.Round(float64(len(buf)) / ratio))
	out := make([]float32, n)
	offset := 0
	for i := range n {
		next := int(math.Round(float64(i+1) * ratio))
		var sum float64
		count := 0
		for j := offset; j < next && j < len(buf); j++ {
			sum += float64(buf[j])
			count++
		}
		if count > 0 {
			out[i] = float32(sum / float64(count))
		}
		offset = next
	}
	return out
}

// Resample converts between rates with linear interpolation. It is used when
// a device delivers fewer samples per second than the canonical rate.
func Resample(buf []float32, inRate, outRate int) []float32 {
	if inRate == outRate || inRate <= 0 || outRate <= 0 || len(buf) == 0 {
		return buf
	}
	ratio := float64(inRate) / float64(outRate)
	n := int(float64(len(buf)) / ratio)
	out := make([]float32, n)
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		if idx+1 < len(buf) {
			out[i] = buf[idx]*(1-frac) + buf[idx+1]*frac
		} else if idx < len(buf) {
			out[i] = buf[idx]
		}
	}
	return out
}

// ToCanonicalRate downsamples or upsamples buf to outRate.
func ToCanonicalRate(buf []float32, inRate, outRate int) []float32 {
	if inRate > outRate {
		return Downsample(buf, inRate, outRate)
	}
	return Resample(buf, inRate, outRate)
}

// MonoToStereo duplicates each sample into two interleaved channels.
func MonoToStereo(pcm []int16) []int16 {
	out := make([]int16, len(pcm)*2)
	for i, s := range pcm {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// StereoToMono averages interleaved channel pairs.
func StereoToMono(pcm []int16) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16((int32(pcm[i*2]) + int32(pcm[i*2+1])) / 2)
	}
	return out
}

// RMS is the root mean square of buf, 0 for an empty buffer.
func RMS(buf []float32) float64 {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, s := range buf {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(buf)))
}

// MergeChunks concatenates byte chunks into one buffer.
func MergeChunks(chunks [][]byte) []byte {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	out := make([]byte, 0, total)
	for _, c := range chunks {
		out = append(out, c...)
	}
	return out
}
