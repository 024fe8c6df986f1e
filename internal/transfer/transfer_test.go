package transfer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/coopmap/server/internal/config"
	"github.com/coopmap/server/internal/net/packet"
	"github.com/coopmap/server/internal/protocol"
	"go.uber.org/zap/zaptest"
)

type outbox struct {
	frames map[uint64][][]byte
}

func (o *outbox) SendTo(peerID uint64, data []byte) {
	if o.frames == nil {
		o.frames = make(map[uint64][][]byte)
	}
	o.frames[peerID] = append(o.frames[peerID], data)
}

type blobSource struct {
	data []byte
	err  error
}

func (b blobSource) SaveWorld() ([]byte, error) { return b.data, b.err }

func testBlob(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*31 + 7)
	}
	return b
}

// deliver feeds every captured frame for peer into the receiver and returns
// the final result.
func deliver(t *testing.T, recv *Receiver, frames [][]byte, mutate func(*protocol.SaveFileChunk)) (Result, bool) {
	t.Helper()
	var res Result
	done := false
	for _, f := range frames {
		r := packet.NewReader(f)
		switch r.Opcode() {
		case packet.OpSaveFileStart:
			m, err := protocol.DecodeSaveFileStart(r)
			if err != nil {
				t.Fatal(err)
			}
			if err := recv.OnStart(m); err != nil {
				t.Fatal(err)
			}
		case packet.OpSaveFileChunk:
			m, err := protocol.DecodeSaveFileChunk(r)
			if err != nil {
				t.Fatal(err)
			}
			if mutate != nil {
				mutate(m)
			}
			recv.OnChunk(m)
		case packet.OpSaveFileComplete:
			m, err := protocol.DecodeSaveFileComplete(r)
			if err != nil {
				t.Fatal(err)
			}
			res = recv.OnComplete(m)
			done = true
		default:
			t.Fatalf("unexpected opcode %d", r.Opcode())
		}
	}
	return res, done
}

func newPair(t *testing.T, blob []byte) (*Sender, *outbox, *Receiver, string) {
	t.Helper()
	out := &outbox{}
	cfg := config.TransferConfig{ChunkSize: 16, PaceEvery: 3, SaveName: "world.sav"}
	s := NewSender(cfg, out, blobSource{data: blob}, zaptest.NewLogger(t))
	dir := t.TempDir()
	return s, out, NewReceiver(dir, zaptest.NewLogger(t)), dir
}

func TestRoundTripManyChunks(t *testing.T) {
	blob := testBlob(200) // 13 chunks of 16 bytes
	s, out, recv, dir := newPair(t, blob)

	started, err := s.HandleRequest(7)
	if err != nil || !started {
		t.Fatalf("HandleRequest = %v, %v", started, err)
	}
	if again, _ := s.HandleRequest(7); again {
		t.Fatalf("second request while pending should be a no-op")
	}

	pumps := 0
	for s.Pending(7) {
		if n := s.Pump(); n > 3 {
			t.Fatalf("pump sent %d chunks, pace is 3", n)
		}
		pumps++
	}
	if pumps != 5 {
		t.Fatalf("pumps = %d, want 5", pumps)
	}
	if got := len(out.frames[7]); got != 1+13+1 {
		t.Fatalf("frames = %d, want start + 13 chunks + complete", got)
	}

	res, done := deliver(t, recv, out.frames[7], nil)
	if !done || !res.OK() || !res.ChecksumMatch {
		t.Fatalf("round trip failed: %+v", res.Reply)
	}
	if !bytes.Equal(res.Data, blob) {
		t.Fatalf("reassembled data differs")
	}
	onDisk, err := os.ReadFile(filepath.Join(dir, "world.sav"))
	if err != nil || !bytes.Equal(onDisk, blob) {
		t.Fatalf("file on disk differs: %v", err)
	}
}

func TestCorruptedByteDetected(t *testing.T) {
	blob := testBlob(160) // 10 chunks
	s, out, recv, _ := newPair(t, blob)
	s.HandleRequest(1)
	for s.Pending(1) {
		s.Pump()
	}

	res, _ := deliver(t, recv, out.frames[1], func(c *protocol.SaveFileChunk) {
		if c.Index == 4 {
			c.Data = append([]byte(nil), c.Data...)
			c.Data[3] ^= 0xff
		}
	})
	if !res.OK() {
		t.Fatalf("corrupted data should still be used: %+v", res.Reply)
	}
	if res.ChecksumMatch || res.Reply.ChecksumMatch {
		t.Fatalf("checksum mismatch not detected")
	}
	if Checksum(res.Data) == Checksum(blob) {
		t.Fatalf("corruption lost")
	}
}

func TestOutOfOrderChunkFailsAndKeepsPriorFile(t *testing.T) {
	blob := testBlob(64)
	s, out, recv, dir := newPair(t, blob)
	prior := filepath.Join(dir, "world.sav")
	if err := os.WriteFile(prior, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}
	s.HandleRequest(2)
	for s.Pending(2) {
		s.Pump()
	}

	frames := out.frames[2]
	frames[1], frames[2] = frames[2], frames[1]
	res, _ := deliver(t, recv, frames, nil)
	if res.OK() || res.Reply.Reason == "" {
		t.Fatalf("reordered stream accepted: %+v", res.Reply)
	}
	if b, _ := os.ReadFile(prior); string(b) != "old" {
		t.Fatalf("prior file overwritten: %q", b)
	}
}

func TestWriteFailureReported(t *testing.T) {
	blockedDir := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(blockedDir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	recv := NewReceiver(blockedDir, zaptest.NewLogger(t))
	data := []byte("hello")
	if err := recv.OnStart(&protocol.SaveFileStart{Name: "w.sav", TotalSize: 5, TotalChunks: 1, Checksum: Checksum(data)}); err != nil {
		t.Fatal(err)
	}
	if err := recv.OnChunk(&protocol.SaveFileChunk{Index: 0, Data: data}); err != nil {
		t.Fatal(err)
	}
	res := recv.OnComplete(&protocol.SaveFileComplete{Name: "w.sav", Checksum: Checksum(data)})
	if res.OK() || res.Reply.Reason == "" || res.Data != nil {
		t.Fatalf("write failure not reported: %+v", res)
	}
	if recv.InProgress() {
		t.Fatalf("failed transfer still in progress")
	}
}

func TestCancelAndSourceErrors(t *testing.T) {
	out := &outbox{}
	cfg := config.TransferConfig{ChunkSize: 4, PaceEvery: 1}
	s := NewSender(cfg, out, blobSource{data: testBlob(40)}, zaptest.NewLogger(t))
	s.HandleRequest(3)
	s.Pump()
	if !s.Cancel(3) || s.Cancel(3) {
		t.Fatalf("Cancel should succeed exactly once")
	}
	if n := s.Pump(); n != 0 {
		t.Fatalf("cancelled transfer still pumping")
	}

	bad := NewSender(cfg, out, blobSource{err: errors.New("disk full")}, zaptest.NewLogger(t))
	if ok, err := bad.HandleRequest(4); ok || err == nil {
		t.Fatalf("source error not returned")
	}
	if bad.Pending(4) {
		t.Fatalf("failed request left a pending transfer")
	}
}

func TestReceiverRejectsBadNames(t *testing.T) {
	recv := NewReceiver(t.TempDir(), zaptest.NewLogger(t))
	for _, name := range []string{"", "..", "/"} {
		if err := recv.OnStart(&protocol.SaveFileStart{Name: name}); err == nil {
			t.Fatalf("name %q accepted", name)
		}
	}
	if err := recv.OnStart(&protocol.SaveFileStart{Name: "../../etc/w.sav"}); err != nil {
		t.Fatal(err)
	}
	res := recv.OnComplete(&protocol.SaveFileComplete{Name: "w.sav", Checksum: Checksum(nil)})
	if !res.OK() || filepath.Base(res.Path) != "w.sav" || filepath.Dir(res.Path) != recv.dir {
		t.Fatalf("path escaped save dir: %q", res.Path)
	}
}

func TestReceiverDoesNotTrustDeclaredSize(t *testing.T) {
	recv := NewReceiver(t.TempDir(), zaptest.NewLogger(t))
	err := recv.OnStart(&protocol.SaveFileStart{Name: "big.sav", TotalSize: MaxSnapshotSize, TotalChunks: 1 << 16})
	if err != nil {
		t.Fatal(err)
	}
	if c := recv.active.buf.Cap(); c > 2*initialReserve {
		t.Fatalf("reserved %d bytes before any chunk arrived", c)
	}

	chunk := bytes.Repeat([]byte{7}, initialReserve)
	for i := 0; i < 3; i++ {
		if err := recv.OnChunk(&protocol.SaveFileChunk{Index: i, Data: chunk}); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
	}
	if n := recv.active.buf.Len(); n != 3*initialReserve {
		t.Fatalf("buffered %d bytes", n)
	}
}
