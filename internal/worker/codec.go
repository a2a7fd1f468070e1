package worker

import (
	"bufio"
	"io"
	"net/rpc"

	"github.com/vmihailenco/msgpack/v5"
)

// header precedes every message body on the wire. Requests leave Error
// empty.
type header struct {
	Method string `msgpack:"method"`
	Seq    uint64 `msgpack:"seq"`
	Error  string `msgpack:"error,omitempty"`
}

type msgpackCodec struct {
	rwc io.ReadWriteCloser
	dec *msgpack.Decoder
	enc *msgpack.Encoder
	buf *bufio.Writer
}

func newCodec(rwc io.ReadWriteCloser) *msgpackCodec {
	buf := bufio.NewWriter(rwc)

	return &msgpackCodec{
		rwc: rwc,
		dec: msgpack.NewDecoder(bufio.NewReader(rwc)),
		enc: msgpack.NewEncoder(buf),
		buf: buf,
	}
}

func (c *msgpackCodec) write(h header, body any) error {
	if err := c.enc.Encode(&h); err != nil {
		return err
	}
	if err := c.enc.Encode(body); err != nil {
		return err
	}

	return c.buf.Flush()
}

func (c *msgpackCodec) readBody(body any) error {
	if body == nil {
		return c.dec.Skip()
	}

	return c.dec.Decode(body)
}

func (c *msgpackCodec) Close() error { return c.rwc.Close() }

type clientCodec struct{ *msgpackCodec }

// NewClientCodec returns an rpc.ClientCodec that writes each call as a
// msgpack header map followed by the msgpack-encoded argument.
func NewClientCodec(rwc io.ReadWriteCloser) rpc.ClientCodec {
	return clientCodec{newCodec(rwc)}
}

func (c clientCodec) WriteRequest(r *rpc.Request, body any) error {
	return c.write(header{Method: r.ServiceMethod, Seq: r.Seq}, body)
}

func (c clientCodec) ReadResponseHeader(r *rpc.Response) error {
	var h header
	if err := c.dec.Decode(&h); err != nil {
		return err
	}

	r.ServiceMethod, r.Seq, r.Error = h.Method, h.Seq, h.Error

	return nil
}

func (c clientCodec) ReadResponseBody(body any) error { return c.readBody(body) }

type serverCodec struct{ *msgpackCodec }

// NewServerCodec is the engine side of NewClientCodec.
func NewServerCodec(rwc io.ReadWriteCloser) rpc.ServerCodec {
	return serverCodec{newCodec(rwc)}
}

func (c serverCodec) ReadRequestHeader(r *rpc.Request) error {
	var h header
	if err := c.dec.Decode(&h); err != nil {
		return err
	}

	r.ServiceMethod, r.Seq = h.Method, h.Seq

	return nil
}

func (c serverCodec) ReadRequestBody(body any) error { return c.readBody(body) }

func (c serverCodec) WriteResponse(r *rpc.Response, body any) error {
	if r.Error != "" {
		body = nil
	}

	return c.write(header{Method: r.ServiceMethod, Seq: r.Seq, Error: r.Error}, body)
}
