package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap"
)

// MaxSnapshotSize bounds the size a client accepts in a Start message.
const MaxSnapshotSize = 512 << 20

// initialReserve caps what OnStart preallocates; the buffer grows with the
// chunks actually received.
const initialReserve = 1 << 20

type incoming struct {
	name     string
	size     int64
	total    int
	checksum string
	buf      bytes.Buffer
	received int
	failed   string
}

// Result is the outcome of a finished transfer. Reply is always set and
// should be sent back to the host.
type Result struct {
	Path          string
	Data          []byte
	ChecksumMatch bool
	Reply         *protocol.SaveFileReceived
}

// OK reports whether the data may be used.
func (r Result) OK() bool {
	return r.Reply != nil && r.Reply.Success
}

// Receiver is the client side of the channel. Game loop only.
type Receiver struct {
	dir    string
	active *incoming
	log    *zap.Logger
}

func NewReceiver(dir string, log *zap.Logger) *Receiver {
	return &Receiver{dir: dir, log: log}
}

// OnStart begins a transfer, discarding any partial one.
func (r *Receiver) OnStart(msg *protocol.SaveFileStart) error {
	if r.active != nil {
		r.log.Warn("收到新的存檔傳送，捨棄未完成的傳送", zap.String("name", r.active.name))
	}
	r.active = nil
	if msg.TotalChunks < 0 || msg.TotalSize < 0 || msg.TotalSize > MaxSnapshotSize {
		return fmt.Errorf("invalid save transfer header: size=%d chunks=%d", msg.TotalSize, msg.TotalChunks)
	}
	name, err := cleanName(msg.Name)
	if err != nil {
		return err
	}
	in := &incoming{
		name:     name,
		size:     msg.TotalSize,
		total:    msg.TotalChunks,
		checksum: msg.Checksum,
	}
	in.buf.Grow(int(min(msg.TotalSize, initialReserve)))
	r.active = in
	r.log.Info("開始接收世界存檔",
		zap.String("name", name),
		zap.Int64("bytes", msg.TotalSize),
		zap.Int("chunks", msg.TotalChunks))
	return nil
}

// OnChunk appends a chunk. Chunks must arrive in index order; a gap or
// reorder marks the transfer failed and the remaining chunks are ignored.
func (r *Receiver) OnChunk(msg *protocol.SaveFileChunk) error {
	in := r.active
	if in == nil {
		return errors.New("save chunk without transfer")
	}
	if in.failed != "" {
		return nil
	}
	switch {
	case msg.Index != in.received:
		in.failed = fmt.Sprintf("chunk out of order: got %d, want %d", msg.Index, in.received)
	case in.received >= in.total:
		in.failed = fmt.Sprintf("unexpected chunk %d beyond total %d", msg.Index, in.total)
	case int64(in.buf.Len()+len(msg.Data)) > in.size:
		in.failed = fmt.Sprintf("chunk %d overflows declared size %d", msg.Index, in.size)
	}
	if in.failed != "" {
		r.log.Warn("存檔分塊異常", zap.String("name", in.name), zap.String("reason", in.failed))
		return errors.New(in.failed)
	}
	in.buf.Write(msg.Data)
	in.received++
	return nil
}

// OnComplete validates and writes the assembled snapshot. The file is
// written atomically; on any failure the previous file is untouched.
func (r *Receiver) OnComplete(msg *protocol.SaveFileComplete) Result {
	in := r.active
	r.active = nil
	if in == nil {
		return failed(msg.Name, "no transfer in progress")
	}
	if in.failed != "" {
		return failed(in.name, in.failed)
	}
	if in.received != in.total {
		return failed(in.name, fmt.Sprintf("incomplete: %d of %d chunks", in.received, in.total))
	}
	if int64(in.buf.Len()) != in.size {
		return failed(in.name, fmt.Sprintf("size mismatch: got %d, want %d", in.buf.Len(), in.size))
	}

	data := in.buf.Bytes()
	path := filepath.Join(r.dir, in.name)
	if err := writeAtomic(path, data); err != nil {
		r.log.Error("寫入存檔失敗", zap.String("path", path), zap.Error(err))
		return failed(in.name, err.Error())
	}

	want := msg.Checksum
	if want == "" {
		want = in.checksum
	}
	got := Checksum(data)
	match := got == want && (in.checksum == "" || in.checksum == want)
	if !match {
		r.log.Warn("存檔校驗和不符，仍使用該存檔",
			zap.String("name", in.name),
			zap.String("want", want),
			zap.String("got", got))
	} else {
		r.log.Info("世界存檔接收完成", zap.String("path", path), zap.Int("bytes", len(data)))
	}
	return Result{
		Path:          path,
		Data:          data,
		ChecksumMatch: match,
		Reply: &protocol.SaveFileReceived{
			Name:          in.name,
			Success:       true,
			ChecksumMatch: match,
		},
	}
}

// Abort discards any partial transfer.
func (r *Receiver) Abort() {
	if r.active != nil {
		r.log.Debug("partial save transfer discarded", zap.String("name", r.active.name))
	}
	r.active = nil
}

// InProgress reports whether a transfer has started and not completed.
func (r *Receiver) InProgress() bool {
	return r.active != nil
}

func failed(name, reason string) Result {
	return Result{Reply: &protocol.SaveFileReceived{Name: name, Reason: reason}}
}

func cleanName(name string) (string, error) {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) || base == "" {
		return "", fmt.Errorf("invalid save name %q", name)
	}
	return base, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create save dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".recv-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename save file: %w", err)
	}
	return nil
}
