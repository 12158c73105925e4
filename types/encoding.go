package types

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// An Encoder writes dMint objects to an underlying stream.
type Encoder struct {
	w   io.Writer
	buf [1024]byte
	n   int
	err error
}

// Flush writes any pending data to the underlying stream. It returns the first
// error encountered by the Encoder.
func (e *Encoder) Flush() error {
	if e.err == nil && e.n > 0 {
		_, e.err = e.w.Write(e.buf[:e.n])
		e.n = 0
	}
	return e.err
}

// Write implements io.Writer.
func (e *Encoder) Write(p []byte) (int, error) {
	lenp := len(p)
	for e.err == nil && len(p) > 0 {
		if e.n == len(e.buf) {
			e.Flush()
		}
		c := copy(e.buf[e.n:], p)
		e.n += c
		p = p[c:]
	}
	return lenp, e.err
}

// WriteBool writes a bool value to the underlying stream.
func (e *Encoder) WriteBool(b bool) {
	var buf [1]byte
	if b {
		buf[0] = 1
	}
	e.Write(buf[:])
}

// WriteUint8 writes a uint8 value to the underlying stream.
func (e *Encoder) WriteUint8(u uint8) {
	e.Write([]byte{u})
}

// WriteUint32 writes a uint32 value to the underlying stream, little-endian.
func (e *Encoder) WriteUint32(u uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], u)
	e.Write(buf[:])
}

// WriteUint64 writes a uint64 value to the underlying stream, little-endian.
func (e *Encoder) WriteUint64(u uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], u)
	e.Write(buf[:])
}

// WriteTime writes a time.Time value to the underlying stream.
func (e *Encoder) WriteTime(t time.Time) {
	e.WriteUint64(uint64(t.Unix()))
}

// WriteBytes writes a length-prefixed []byte to the underlying stream.
func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUint64(uint64(len(b)))
	e.Write(b)
}

// WriteString writes a length-prefixed string to the underlying stream.
func (e *Encoder) WriteString(s string) {
	e.WriteBytes([]byte(s))
}

// Reset resets the Encoder to write to w. Any unflushed data, along with any
// error previously encountered, is discarded.
func (e *Encoder) Reset(w io.Writer) {
	e.w = w
	e.n = 0
	e.err = nil
}

// NewEncoder returns an Encoder that wraps the provided stream.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// An EncoderTo can encode itself to a stream via an Encoder.
type EncoderTo interface {
	EncodeTo(e *Encoder)
}

// EncodeSlice encodes a slice of objects that implement EncoderTo.
func EncodeSlice[T EncoderTo](e *Encoder, s []T) {
	e.WriteUint64(uint64(len(s)))
	for i := range s {
		s[i].EncodeTo(e)
	}
}

// A Decoder reads values from an underlying stream. Callers MUST check
// (*Decoder).Err before using any decoded values.
type Decoder struct {
	lr  io.LimitedReader
	buf [64]byte
	err error
}

// SetErr sets the Decoder's error if it has not already been set. SetErr should
// only be called from DecodeFrom methods.
func (d *Decoder) SetErr(err error) {
	if err != nil && d.err == nil {
		d.err = err
		d.buf = [len(d.buf)]byte{}
	}
}

// Err returns the first error encountered during decoding.
func (d *Decoder) Err() error { return d.err }

// Read implements the io.Reader interface. It always returns an error if fewer
// than len(p) bytes were read.
func (d *Decoder) Read(p []byte) (int, error) {
	n := 0
	for len(p[n:]) > 0 && d.err == nil {
		read, err := io.ReadFull(&d.lr, d.buf[:min(len(p[n:]), len(d.buf))])
		n += copy(p[n:], d.buf[:read])
		d.SetErr(err)
	}
	return n, d.err
}

// ReadBool reads a bool value from the underlying stream.
func (d *Decoder) ReadBool() bool {
	d.Read(d.buf[:1])
	switch d.buf[0] {
	case 0:
		return false
	case 1:
		return true
	default:
		d.SetErr(fmt.Errorf("invalid bool value (%v)", d.buf[0]))
		return false
	}
}

// ReadUint8 reads a uint8 value from the underlying stream.
func (d *Decoder) ReadUint8() uint8 {
	d.Read(d.buf[:1])
	return d.buf[0]
}

// ReadUint32 reads a little-endian uint32 value from the underlying stream.
func (d *Decoder) ReadUint32() uint32 {
	d.Read(d.buf[:4])
	return binary.LittleEndian.Uint32(d.buf[:4])
}

// ReadUint64 reads a little-endian uint64 value from the underlying stream.
func (d *Decoder) ReadUint64() uint64 {
	d.Read(d.buf[:8])
	return binary.LittleEndian.Uint64(d.buf[:8])
}

// ReadTime reads a time.Time from the underlying stream.
func (d *Decoder) ReadTime() time.Time {
	return time.Unix(int64(d.ReadUint64()), 0)
}

// ReadBytes reads a length-prefixed []byte from the underlying stream.
func (d *Decoder) ReadBytes() []byte {
	n := d.ReadUint64()
	if n > uint64(d.lr.N) {
		d.SetErr(fmt.Errorf("encoded object contains invalid length prefix (%v bytes > %v bytes left in stream)", n, d.lr.N))
		return nil
	}
	b := make([]byte, n)
	d.Read(b)
	return b
}

// ReadString reads a length-prefixed string from the underlying stream.
func (d *Decoder) ReadString() string {
	return string(d.ReadBytes())
}

// NewDecoder returns a Decoder that wraps the provided stream.
func NewDecoder(lr io.LimitedReader) *Decoder {
	return &Decoder{lr: lr}
}

// A DecoderFrom can decode itself from a stream via a Decoder.
type DecoderFrom interface {
	DecodeFrom(d *Decoder)
}

// DecodeSlice decodes a length-prefixed slice of type T, containing values read
// from the decoder.
func DecodeSlice[T any, DF interface {
	*T
	DecoderFrom
}](d *Decoder, s *[]T) {
	n := d.ReadUint64()
	if n > uint64(d.lr.N) {
		d.SetErr(fmt.Errorf("encoded object contains invalid length prefix (%v elems > %v bytes left in stream)", n, d.lr.N))
		return
	}
	*s = make([]T, n)
	for i := range *s {
		DF(&(*s)[i]).DecodeFrom(d)
		if d.Err() != nil {
			break
		}
	}
}

// NewBufDecoder returns a Decoder for the provided byte slice.
func NewBufDecoder(buf []byte) *Decoder {
	return NewDecoder(io.LimitedReader{
		R: bytes.NewReader(buf),
		N: int64(len(buf)),
	})
}

// EncodedLen returns the encoded length of v.
func EncodedLen(v EncoderTo) int {
	var c countWriter
	e := NewEncoder(&c)
	v.EncodeTo(e)
	e.Flush()
	return c.n
}

type countWriter struct{ n int }

func (c *countWriter) Write(p []byte) (int, error) {
	c.n += len(p)
	return len(p), nil
}

// implementations of EncoderTo/DecoderFrom for the fixed-size value types.

// EncodeTo implements EncoderTo.
func (h Hash256) EncodeTo(e *Encoder) { e.Write(h[:]) }

// DecodeFrom implements DecoderFrom.
func (h *Hash256) DecodeFrom(d *Decoder) { d.Read(h[:]) }

// EncodeTo implements EncoderTo.
func (a Address) EncodeTo(e *Encoder) { e.Write(a[:]) }

// DecodeFrom implements DecoderFrom.
func (a *Address) DecodeFrom(d *Decoder) { d.Read(a[:]) }

// EncodeTo implements EncoderTo.
func (pk PublicKey) EncodeTo(e *Encoder) { e.Write(pk[:]) }

// DecodeFrom implements DecoderFrom.
func (pk *PublicKey) DecodeFrom(d *Decoder) { d.Read(pk[:]) }

// EncodeTo implements EncoderTo.
func (s Signature) EncodeTo(e *Encoder) { e.WriteBytes(s) }

// DecodeFrom implements DecoderFrom.
func (s *Signature) DecodeFrom(d *Decoder) { *s = d.ReadBytes() }

// EncodeTo implements EncoderTo.
func (t TxID) EncodeTo(e *Encoder) { e.Write(t[:]) }

// DecodeFrom implements DecoderFrom.
func (t *TxID) DecodeFrom(d *Decoder) { d.Read(t[:]) }

// EncodeTo implements EncoderTo.
func (r Ref) EncodeTo(e *Encoder) {
	r.TxID.EncodeTo(e)
	e.WriteUint32(r.Vout)
}

// DecodeFrom implements DecoderFrom.
func (r *Ref) DecodeFrom(d *Decoder) {
	r.TxID.DecodeFrom(d)
	r.Vout = d.ReadUint32()
}

// EncodeTo implements EncoderTo.
func (t Target) EncodeTo(e *Encoder) {
	e.WriteUint8(uint8(t.Format))
	if t.Format == Full256 {
		b := t.full.Bytes32()
		e.Write(b[:])
	} else {
		e.WriteUint64(t.legacy)
	}
}

// DecodeFrom implements DecoderFrom.
func (t *Target) DecodeFrom(d *Decoder) {
	t.Format = TargetFormat(d.ReadUint8())
	if t.Format == Full256 {
		var b [32]byte
		d.Read(b[:])
		t.full.SetBytes(b[:])
	} else {
		t.legacy = d.ReadUint64()
	}
}

// EncodeTo implements EncoderTo.
func (n NonceCandidate) EncodeTo(e *Encoder) {
	e.WriteUint32(n.Hi)
	e.WriteUint32(n.Lo)
}

// DecodeFrom implements DecoderFrom.
func (n *NonceCandidate) DecodeFrom(d *Decoder) {
	n.Hi = d.ReadUint32()
	n.Lo = d.ReadUint32()
}

// EncodeTo implements EncoderTo.
func (cs ContractState) EncodeTo(e *Encoder) {
	e.WriteUint64(cs.Height)
	cs.ContractRef.EncodeTo(e)
	cs.TokenRef.EncodeTo(e)
	e.WriteUint64(cs.MaxHeight)
	e.WriteUint64(cs.Reward)
	cs.Target.EncodeTo(e)
	e.WriteUint8(uint8(cs.AlgoID))
	e.WriteUint32(cs.LastTime)
	e.WriteUint32(cs.TargetTime)
	cs.Location.EncodeTo(e)
	e.WriteString(cs.Message)
}

// DecodeFrom implements DecoderFrom.
func (cs *ContractState) DecodeFrom(d *Decoder) {
	cs.Height = d.ReadUint64()
	cs.ContractRef.DecodeFrom(d)
	cs.TokenRef.DecodeFrom(d)
	cs.MaxHeight = d.ReadUint64()
	cs.Reward = d.ReadUint64()
	cs.Target.DecodeFrom(d)
	cs.AlgoID = AlgoID(d.ReadUint8())
	cs.LastTime = d.ReadUint32()
	cs.TargetTime = d.ReadUint32()
	cs.Location.DecodeFrom(d)
	cs.Message = d.ReadString()
}

// EncodeTo implements EncoderTo.
func (w Work) EncodeTo(e *Encoder) {
	w.TxID.EncodeTo(e)
	w.ContractRef.EncodeTo(e)
	e.WriteBytes(w.InputScript)
	e.WriteBytes(w.OutputScript)
	w.Target.EncodeTo(e)
	e.WriteUint8(uint8(w.Algorithm))
}

// DecodeFrom implements DecoderFrom.
func (w *Work) DecodeFrom(d *Decoder) {
	w.TxID.DecodeFrom(d)
	w.ContractRef.DecodeFrom(d)
	w.InputScript = d.ReadBytes()
	w.OutputScript = d.ReadBytes()
	w.Target.DecodeFrom(d)
	w.Algorithm = AlgoID(d.ReadUint8())
}

// EncodeTo implements EncoderTo.
func (u UTXO) EncodeTo(e *Encoder) {
	u.TxID.EncodeTo(e)
	e.WriteUint32(u.Vout)
	e.WriteUint64(u.Value)
}

// DecodeFrom implements DecoderFrom.
func (u *UTXO) DecodeFrom(d *Decoder) {
	u.TxID.DecodeFrom(d)
	u.Vout = d.ReadUint32()
	u.Value = d.ReadUint64()
}

// EncodeTo implements EncoderTo.
func (s DaaState) EncodeTo(e *Encoder) {
	e.WriteUint64(s.Difficulty)
	e.WriteUint64(s.LastHeight)
	e.WriteUint32(s.LastTime)
	e.WriteUint64(uint64(len(s.BlockTimes)))
	for _, t := range s.BlockTimes {
		e.WriteUint32(t)
	}
	e.WriteUint64(uint64(len(s.Difficulties)))
	for _, v := range s.Difficulties {
		e.WriteUint64(v)
	}
	e.WriteUint32(s.AnchorTime)
	e.WriteUint64(s.AnchorHeight)
	e.WriteUint32(s.EpochStartTime)
	e.WriteUint64(s.EpochStartHeight)
}

// DecodeFrom implements DecoderFrom.
func (s *DaaState) DecodeFrom(d *Decoder) {
	s.Difficulty = d.ReadUint64()
	s.LastHeight = d.ReadUint64()
	s.LastTime = d.ReadUint32()
	if n := d.ReadUint64(); n > 0 {
		s.BlockTimes = make([]uint32, n)
		for i := range s.BlockTimes {
			s.BlockTimes[i] = d.ReadUint32()
		}
	}
	if n := d.ReadUint64(); n > 0 {
		s.Difficulties = make([]uint64, n)
		for i := range s.Difficulties {
			s.Difficulties[i] = d.ReadUint64()
		}
	}
	s.AnchorTime = d.ReadUint32()
	s.AnchorHeight = d.ReadUint64()
	s.EpochStartTime = d.ReadUint32()
	s.EpochStartHeight = d.ReadUint64()
}
