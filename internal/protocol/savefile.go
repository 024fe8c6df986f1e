package protocol

import "github.com/coopmap/server/internal/net/packet"

// SaveFileRequest asks the host for a world snapshot.
type SaveFileRequest struct {
	Reason string
}

func (m *SaveFileRequest) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSaveFileRequest)
	w.WriteS(m.Reason)
	return w.Bytes()
}

func DecodeSaveFileRequest(r *packet.Reader) (*SaveFileRequest, error) {
	m := &SaveFileRequest{Reason: r.ReadS()}
	return m, wrap("SaveFileRequest", r)
}

// SaveFileStart opens a transfer.
type SaveFileStart struct {
	Name        string
	TotalSize   int64
	TotalChunks int
	Checksum    string
}

func (m *SaveFileStart) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSaveFileStart)
	w.WriteS(m.Name)
	w.WriteQ(m.TotalSize)
	w.WriteD(int32(m.TotalChunks))
	w.WriteS(m.Checksum)
	return w.Bytes()
}

func DecodeSaveFileStart(r *packet.Reader) (*SaveFileStart, error) {
	m := &SaveFileStart{
		Name:        r.ReadS(),
		TotalSize:   r.ReadQ(),
		TotalChunks: int(r.ReadD()),
		Checksum:    r.ReadS(),
	}
	return m, wrap("SaveFileStart", r)
}

// SaveFileChunk carries one slice of the snapshot.
type SaveFileChunk struct {
	Index int
	Data  []byte
}

func (m *SaveFileChunk) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSaveFileChunk)
	w.WriteD(int32(m.Index))
	w.WriteBlob(m.Data)
	return w.Bytes()
}

func DecodeSaveFileChunk(r *packet.Reader) (*SaveFileChunk, error) {
	m := &SaveFileChunk{
		Index: int(r.ReadD()),
		Data:  r.ReadBlob(),
	}
	return m, wrap("SaveFileChunk", r)
}

// SaveFileComplete closes a transfer.
type SaveFileComplete struct {
	Name     string
	Checksum string
}

func (m *SaveFileComplete) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSaveFileComplete)
	w.WriteS(m.Name)
	w.WriteS(m.Checksum)
	return w.Bytes()
}

func DecodeSaveFileComplete(r *packet.Reader) (*SaveFileComplete, error) {
	m := &SaveFileComplete{
		Name:     r.ReadS(),
		Checksum: r.ReadS(),
	}
	return m, wrap("SaveFileComplete", r)
}

// SaveFileReceived is the client's verdict on a finished transfer.
type SaveFileReceived struct {
	Name          string
	Success       bool
	ChecksumMatch bool
	Reason        string
}

func (m *SaveFileReceived) Marshal() []byte {
	w := packet.NewWriterWithOpcode(packet.OpSaveFileReceived)
	w.WriteS(m.Name)
	w.WriteBool(m.Success)
	w.WriteBool(m.ChecksumMatch)
	w.WriteS(m.Reason)
	return w.Bytes()
}

func DecodeSaveFileReceived(r *packet.Reader) (*SaveFileReceived, error) {
	m := &SaveFileReceived{
		Name:          r.ReadS(),
		Success:       r.ReadBool(),
		ChecksumMatch: r.ReadBool(),
		Reason:        r.ReadS(),
	}
	return m, wrap("SaveFileReceived", r)
}
