package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/orcaman/writerseeker"
)

// Clip is a decoded PCM16 payload with its format.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration reports the playback length of the clip.
func (c Clip) Duration() time.Duration {
	return PCMDuration(len(c.PCM), c.SampleRate, c.Channels)
}

// PCMDuration converts a PCM16 byte length into playback time.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / (2 * channels)
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Samples decodes little-endian PCM16 into ints.
func Samples(pcm []byte) ([]int, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("pcm payload not aligned")
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return samples, nil
}

// RMS returns the normalized root-mean-square energy of a PCM16 frame in [0, 1].
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// WritePCMAsWAV encodes PCM16 into a WAV container.
func WritePCMAsWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	samples, err := Samples(pcm)
	if err != nil {
		return err
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// EncodeWAV returns PCM16 wrapped in an in-memory WAV file.
func EncodeWAV(pcm []byte, sampleRate, channels int) ([]byte, error) {
	ws := &writerseeker.WriterSeeker{}
	if err := WritePCMAsWAV(ws, pcm, sampleRate, channels); err != nil {
		return nil, err
	}
	return io.ReadAll(ws.Reader())
}

// DecodeWAV extracts PCM16 and format from a WAV file.
func DecodeWAV(data []byte) (Clip, error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return Clip{}, errors.New("invalid wav payload")
	}
	if dec.BitDepth != 16 {
		return Clip{}, fmt.Errorf("unsupported wav bit depth %d", dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Clip{}, fmt.Errorf("decode wav: %w", err)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, s := range buf.Data {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(s)))
	}
	return Clip{PCM: pcm, SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}
