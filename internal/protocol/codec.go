package protocol

import (
	"io"

	"github.com/libp2p/go-msgio"
)

// maxMessageSize bounds a single wire message. Inference requests carry
// chat histories and provider chunks are small, so 4 MiB is generous.
const maxMessageSize = 4 << 20

// MessageReader yields whole wire messages in arrival order.
type MessageReader interface {
	ReadMsg() ([]byte, error)
}

// MessageWriter writes one whole wire message per call. Writes block until
// the transport accepts the bytes, which is what gives the hub its
// backpressure on slow peers.
type MessageWriter interface {
	WriteMsg([]byte) error
}

type msgioReader struct {
	r msgio.Reader
}

func (m *msgioReader) ReadMsg() ([]byte, error) {
	buf, err := m.r.ReadMsg()
	if err != nil {
		return nil, err
	}
	// msgio reuses buffers from its pool; copy before release.
	out := make([]byte, len(buf))
	copy(out, buf)
	m.r.ReleaseMsg(buf)
	return out, nil
}

type msgioWriter struct {
	w msgio.Writer
}

func (m *msgioWriter) WriteMsg(b []byte) error {
	return m.w.WriteMsg(b)
}

// NewReader wraps a stream in a varint-length-delimited message reader.
func NewReader(r io.Reader) MessageReader {
	return &msgioReader{r: msgio.NewVarintReaderSize(r, maxMessageSize)}
}

// NewWriter wraps a stream in a varint-length-delimited message writer.
func NewWriter(w io.Writer) MessageWriter {
	return &msgioWriter{w: msgio.NewVarintWriter(w)}
}
