package audio

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/tphakala/flac"

	"github.com/prestance-ai/prestance/internal/fault"
)

// Decoded is the result of decoding an uploaded audio file: mono int16
// samples at the requested target rate.
type Decoded struct {
	Samples    []int16
	SampleRate int

	// RawFallback is set when the container format was not recognized and the
	// payload was interpreted as raw little-endian PCM at the target rate.
	RawFallback bool
}

// Duration returns the decoded audio length in seconds.
func (d Decoded) Duration() float64 {
	if d.SampleRate == 0 {
		return 0
	}
	return float64(len(d.Samples)) / float64(d.SampleRate)
}

// DecodeFile decodes a complete audio file into mono samples at targetRate.
// WAV, FLAC, and MP3 containers are detected by magic bytes; anything else is
// treated as raw 16-bit mono PCM at targetRate with Decoded.RawFallback set,
// so callers can surface a warning instead of rejecting the upload.
func DecodeFile(data []byte, targetRate int) (Decoded, error) {
	if len(data) == 0 {
		return Decoded{}, fault.New(fault.AudioFormatError, "empty audio payload")
	}

	var (
		samples  []int16
		srcRate  int
		fallback bool
		err      error
	)
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		samples, srcRate, err = decodeWAV(data)
	case bytes.HasPrefix(data, []byte("fLaC")):
		samples, srcRate, err = decodeFLAC(data)
	case bytes.HasPrefix(data, []byte("ID3")) || looksLikeMPEGFrame(data):
		samples, srcRate, err = decodeMP3(data)
	default:
		samples, srcRate, fallback = BytesToSamples(data), targetRate, true
	}
	if err != nil {
		return Decoded{}, err
	}
	if len(samples) == 0 {
		return Decoded{}, fault.New(fault.AudioFormatError, "decoded audio contains no samples")
	}

	return Decoded{
		Samples:     ResampleSamples(samples, srcRate, targetRate),
		SampleRate:  targetRate,
		RawFallback: fallback,
	}, nil
}

func decodeWAV(data []byte) ([]int16, int, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, fault.New(fault.AudioFormatError, "invalid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fault.Wrap(fault.AudioFormatError, "decode WAV", err)
	}

	shift := 0
	if dec.BitDepth > 16 {
		shift = int(dec.BitDepth) - 16
	}
	channels := int(dec.NumChans)
	if channels < 1 {
		channels = 1
	}

	frames := len(buf.Data) / channels
	samples := make([]int16, frames)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += buf.Data[i*channels+c] >> shift
		}
		samples[i] = clampInt16(sum / channels)
	}
	return samples, int(dec.SampleRate), nil
}

func decodeFLAC(data []byte) ([]int16, int, error) {
	dec, err := flac.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fault.Wrap(fault.AudioFormatError, "open FLAC", err)
	}

	bytesPerSample := dec.BitsPerSample / 8
	if bytesPerSample < 2 || bytesPerSample > 4 {
		return nil, 0, fault.Newf(fault.AudioFormatError, "unsupported FLAC bit depth %d", dec.BitsPerSample)
	}
	channels := dec.NChannels
	if channels < 1 {
		channels = 1
	}

	var samples []int16
	for {
		frame, err := dec.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fault.Wrap(fault.AudioFormatError, "decode FLAC frame", err)
		}
		stride := bytesPerSample * channels
		for i := 0; i+stride <= len(frame); i += stride {
			sum := 0
			for c := range channels {
				off := i + c*bytesPerSample
				var s int32
				switch dec.BitsPerSample {
				case 16:
					s = int32(int16(binary.LittleEndian.Uint16(frame[off:])))
				case 24:
					s = (int32(frame[off]) | int32(frame[off+1])<<8 | int32(frame[off+2])<<16) << 8 >> 16
				case 32:
					s = int32(binary.LittleEndian.Uint32(frame[off:])) >> 16
				}
				sum += int(s)
			}
			samples = append(samples, clampInt16(sum/channels))
		}
	}
	return samples, dec.SampleRate, nil
}

func decodeMP3(data []byte) ([]int16, int, error) {
	dec, err := mp3.NewDecoder(bytes.NewReader(data))
	if err != nil {
		return nil, 0, fault.Wrap(fault.AudioFormatError, "open MP3", err)
	}

	// go-mp3 always outputs 16-bit stereo little-endian PCM.
	pcm, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fault.Wrap(fault.AudioFormatError, "decode MP3", err)
	}
	return BytesToSamples(StereoToMono(pcm)), dec.SampleRate(), nil
}

// looksLikeMPEGFrame reports whether data starts with an MPEG audio frame
// sync word (11 set bits).
func looksLikeMPEGFrame(data []byte) bool {
	return len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0
}

func clampInt16(v int) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// SniffFormat names the detected container for logging, e.g. "wav" or "raw".
func SniffFormat(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte("RIFF")):
		return "wav"
	case bytes.HasPrefix(data, []byte("fLaC")):
		return "flac"
	case bytes.HasPrefix(data, []byte("ID3")) || looksLikeMPEGFrame(data):
		return "mp3"
	default:
		return "raw"
	}
}
