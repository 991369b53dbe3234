package recorder

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/srg/myoscope/internal/myo"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Metadata keys, in the order they appear at the top of a file.
const (
	MetaFirmware = "Firmware"
	MetaSKU      = "SKU"
	MetaModel    = "Model"
	MetaEMGMode  = "EMG Mode"
	MetaIMUMode  = "IMU Mode"
	MetaFormat   = "Format"
)

const (
	rawFormat    = "timestamp,type,raw_hex,label"
	parsedFormat = "timestamp,emg_0...7,quat_wxyz,acc_xyz,gyro_xyz,label"
	unknown      = "unknown"
)

var (
	rawColumns    = []string{"timestamp", "type", "raw_hex", "label"}
	parsedColumns = []string{
		"timestamp",
		"emg_0", "emg_1", "emg_2", "emg_3", "emg_4", "emg_5", "emg_6", "emg_7",
		"quat_w", "quat_x", "quat_y", "quat_z",
		"acc_x", "acc_y", "acc_z",
		"gyro_x", "gyro_y", "gyro_z",
		"label",
	}
)

// Metadata is the ordered "# Key: Value" header of a recording file.
type Metadata = orderedmap.OrderedMap[string, string]

// NewMetadata describes the armband and layout a recording was made with.
func NewMetadata(info myo.DeviceInfo, mode myo.ModeConfig, raw bool) *Metadata {
	meta := orderedmap.New[string, string]()

	firmware, sku, model := unknown, unknown, unknown
	if info.Firmware != nil {
		firmware = *info.Firmware
	}
	if info.SKU != nil {
		sku = strconv.Itoa(*info.SKU)
		model = myo.ModelName(*info.SKU)
	}
	meta.Set(MetaFirmware, firmware)
	meta.Set(MetaSKU, sku)
	meta.Set(MetaModel, model)
	meta.Set(MetaEMGMode, mode.EMG.String())
	meta.Set(MetaIMUMode, mode.IMU.String())
	if raw {
		meta.Set(MetaFormat, rawFormat)
	} else {
		meta.Set(MetaFormat, parsedFormat)
	}
	return meta
}

// File is a recording read back from disk.
type File struct {
	Meta    *Metadata
	Raw     bool
	Records []Record
}

// WriteFile writes records to path, creating parent directories.
func WriteFile(path string, meta *Metadata, records []Record, raw bool) (err error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return Write(f, meta, records, raw)
}

// Write encodes the metadata header, the column row and one row per record.
func Write(w io.Writer, meta *Metadata, records []Record, raw bool) error {
	bw := bufio.NewWriter(w)
	if meta != nil {
		for pair := meta.Oldest(); pair != nil; pair = pair.Next() {
			if _, err := fmt.Fprintf(bw, "# %s: %s\n", pair.Key, pair.Value); err != nil {
				return err
			}
		}
	}

	cw := csv.NewWriter(bw)
	columns := parsedColumns
	if raw {
		columns = rawColumns
	}
	if err := cw.Write(columns); err != nil {
		return err
	}

	row := make([]string, len(columns))
	for _, rec := range records {
		if raw {
			row[0], row[1], row[2], row[3] = formatFloat(rec.Timestamp), rec.Type, rec.RawHex, labelOrDefault(rec.Label)
		} else {
			parsedRow(row, rec)
		}
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

func parsedRow(row []string, rec Record) {
	for i := range row {
		row[i] = ""
	}
	row[0] = formatFloat(rec.Timestamp)
	if rec.EMG != nil {
		for i, v := range rec.EMG {
			row[1+i] = strconv.Itoa(int(v))
		}
	}
	if rec.IMU != nil {
		if q := rec.IMU.Quat; q != nil {
			for i, v := range q {
				row[9+i] = formatFloat(v)
			}
		}
		if a := rec.IMU.Acc; a != nil {
			for i, v := range a {
				row[13+i] = formatFloat(v)
			}
		}
		if g := rec.IMU.Gyro; g != nil {
			for i, v := range g {
				row[16+i] = formatFloat(v)
			}
		}
	}
	row[19] = labelOrDefault(rec.Label)
}

// ReadFile parses a file written by WriteFile.
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// Read parses either layout. The column row decides which one.
func Read(r io.Reader) (*File, error) {
	br := bufio.NewReader(r)
	file := &File{Meta: orderedmap.New[string, string]()}

	for {
		b, err := br.Peek(1)
		if err != nil || b[0] != '#' {
			break
		}
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return nil, err
		}
		key, value, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "#")), ":")
		if ok {
			file.Meta.Set(strings.TrimSpace(key), strings.TrimSpace(value))
		}
	}

	cr := csv.NewReader(br)
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read column row: %w", err)
	}
	switch strings.Join(header, ",") {
	case strings.Join(rawColumns, ","):
		file.Raw = true
	case strings.Join(parsedColumns, ","):
	default:
		return nil, fmt.Errorf("unrecognised columns %q", header)
	}

	for line := 2; ; line++ {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		var rec Record
		if file.Raw {
			rec, err = rawRecord(row)
		} else {
			rec, err = parsedRecord(row)
		}
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", line, err)
		}
		file.Records = append(file.Records, rec)
	}
	return file, nil
}

func rawRecord(row []string) (Record, error) {
	ts, err := strconv.ParseFloat(row[0], 64)
	if err != nil {
		return Record{}, err
	}
	return Record{Timestamp: ts, Type: row[1], RawHex: row[2], Label: row[3]}, nil
}

func parsedRecord(row []string) (Record, error) {
	ts, err := strconv.ParseFloat(row[0], 64)
	if err != nil {
		return Record{}, err
	}
	rec := Record{Timestamp: ts, Type: TypeEMG, Label: row[19]}

	if row[1] != "" {
		var emg [8]int8
		for i := range emg {
			v, err := strconv.ParseInt(row[1+i], 10, 8)
			if err != nil {
				return Record{}, fmt.Errorf("emg_%d: %w", i, err)
			}
			emg[i] = int8(v)
		}
		rec.EMG = &emg
	}

	var imu IMUSample
	var quat [4]float64
	var acc, gyro [3]float64
	if ok, err := parseFloats(row[9:13], quat[:]); err != nil {
		return Record{}, fmt.Errorf("quat: %w", err)
	} else if ok {
		imu.Quat = &quat
	}
	if ok, err := parseFloats(row[13:16], acc[:]); err != nil {
		return Record{}, fmt.Errorf("acc: %w", err)
	} else if ok {
		imu.Acc = &acc
	}
	if ok, err := parseFloats(row[16:19], gyro[:]); err != nil {
		return Record{}, fmt.Errorf("gyro: %w", err)
	} else if ok {
		imu.Gyro = &gyro
	}
	if imu.Quat != nil || imu.Acc != nil || imu.Gyro != nil {
		rec.IMU = &imu
	}
	return rec, nil
}

// parseFloats fills dst from cells. All-empty cells report false.
func parseFloats(cells []string, dst []float64) (bool, error) {
	if cells[0] == "" {
		return false, nil
	}
	for i, c := range cells {
		v, err := strconv.ParseFloat(c, 64)
		if err != nil {
			return false, err
		}
		dst[i] = v
	}
	return true, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func labelOrDefault(label string) string {
	if label == "" {
		return DefaultLabel
	}
	return label
}
