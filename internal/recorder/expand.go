package recorder

import (
	"bufio"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/srg/myoscope/internal/decoder"
	"github.com/srg/myoscope/internal/myo"
)

var ErrNotRaw = errors.New("not a raw recording")

const rawEMGPacket = 16

var expandedColumns = []string{
	"timestamp",
	"emg1_1", "emg1_2", "emg1_3", "emg1_4", "emg1_5", "emg1_6", "emg1_7", "emg1_8",
	"emg2_1", "emg2_2", "emg2_3", "emg2_4", "emg2_5", "emg2_6", "emg2_7", "emg2_8",
	"pose",
}

// EMGPair is one raw EMG notification split into its two 8-channel samples.
type EMGPair struct {
	Timestamp float64
	First     [8]int8
	Second    [8]int8
	Label     string
}

// ExpandRaw decodes the EMG rows of a raw recording. Non-EMG rows are ignored.
// Rows whose payload is not hex or is shorter than a raw EMG packet are
// skipped and counted.
func ExpandRaw(f *File) (pairs []EMGPair, skipped int, err error) {
	if !f.Raw {
		return nil, 0, ErrNotRaw
	}
	mode := myo.ModeConfig{EMG: myo.EMGRaw, IMU: myo.IMUNone}

	for _, rec := range f.Records {
		if rec.Type != TypeEMG {
			continue
		}
		payload, err := hex.DecodeString(rec.RawHex)
		if err != nil || len(payload) < rawEMGPacket {
			skipped++
			continue
		}
		frames, err := decoder.Decode(decoder.Notification{
			Characteristic: myo.EMG0Characteristic,
			Payload:        payload[:rawEMGPacket],
			Mode:           mode,
		})
		if err != nil || len(frames) != 2 {
			skipped++
			continue
		}
		pairs = append(pairs, EMGPair{
			Timestamp: rec.Timestamp,
			First:     frames[0].(*decoder.EMGFrame).Channels,
			Second:    frames[1].(*decoder.EMGFrame).Channels,
			Label:     rec.Label,
		})
	}
	return pairs, skipped, nil
}

// WriteExpanded writes pairs as timestamp, emg1_1..8, emg2_1..8, pose.
func WriteExpanded(w io.Writer, pairs []EMGPair) error {
	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	if err := cw.Write(expandedColumns); err != nil {
		return err
	}

	row := make([]string, len(expandedColumns))
	for _, p := range pairs {
		row[0] = formatFloat(p.Timestamp)
		for i := range p.First {
			row[1+i] = strconv.Itoa(int(p.First[i]))
			row[9+i] = strconv.Itoa(int(p.Second[i]))
		}
		row[17] = p.Label
		if err := cw.Write(row); err != nil {
			return err
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// ExpandedPath names the output of ExpandFile: "_emg" before the extension.
func ExpandedPath(path string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "_emg" + ext
}

// ExpandFile reads a raw recording at in and writes its EMG samples to out.
func ExpandFile(in, out string) (written, skipped int, err error) {
	f, err := ReadFile(in)
	if err != nil {
		return 0, 0, err
	}
	pairs, skipped, err := ExpandRaw(f)
	if err != nil {
		return 0, 0, err
	}

	dst, err := os.Create(out)
	if err != nil {
		return 0, skipped, err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
	}()
	if err := WriteExpanded(dst, pairs); err != nil {
		return 0, skipped, err
	}
	return len(pairs), skipped, nil
}
