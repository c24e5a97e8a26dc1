package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"buildcraft.ai/internal/sim/model"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	Room    string `json:"room"`
	TakenAt int64  `json:"taken_at"` // unix ms
	Objects int    `json:"objects"`
}

// RoomV1 is the durable image of one room's object state.
type RoomV1 struct {
	Header Header `json:"header"`

	Objects []model.BuildObject `json:"objects"`
}

// FileName is the snapshot file name for room at takenAt.
func FileName(room string, takenAt int64) string {
	return fmt.Sprintf("%s-%013d.snap.zst", room, takenAt)
}

// Write stores snap as a JSON header line followed by a gob body, all
// zstd-compressed. The file is written to a temp path and renamed.
func Write(path string, snap RoomV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	snap.Header.Version = Version
	snap.Header.Objects = len(snap.Objects)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, snap); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap RoomV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func Read(path string) (RoomV1, error) {
	var snap RoomV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	// The header line is for tools that only want the summary; gob carries it too.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("unsupported snapshot version %d", snap.Header.Version)
	}
	return snap, nil
}

// ReadHeader decodes only the leading JSON line.
func ReadHeader(path string) (Header, error) {
	var h Header
	f, err := os.Open(path)
	if err != nil {
		return h, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return h, err
	}
	defer dec.Close()

	line, err := bufio.NewReader(dec).ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// Latest returns the newest snapshot file for room in dir, or "" if none.
func Latest(dir, room string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, room+"-*.snap.zst"))
	if err != nil {
		return "", err
	}
	var keep []string
	for _, m := range matches {
		// "plaza-2" must not pick up "plaza-2b-..." style names.
		rest := strings.TrimPrefix(filepath.Base(m), room+"-")
		if len(rest) == len("0000000000000.snap.zst") {
			keep = append(keep, m)
		}
	}
	if len(keep) == 0 {
		return "", nil
	}
	sort.Strings(keep)
	return keep[len(keep)-1], nil
}
