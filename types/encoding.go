package types

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/wire"
)

// ErrUnexpectedEnd is returned when a decoder runs out of input.
var ErrUnexpectedEnd = errors.New("unexpected end of input")

const maxScriptLen = 10_000

// Writer accumulates the canonical binary encoding of protocol artifacts.
// Integer widths and endianness are fixed per field: counts and indexes are
// big-endian, satoshi amounts and consensus fields little-endian.
type Writer struct {
	buf bytes.Buffer
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) WriteByte(b byte) {
	w.buf.WriteByte(b)
}

func (w *Writer) Write(b []byte) {
	w.buf.Write(b)
}

func (w *Writer) WriteBE32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteBE64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteLE32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteLE64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

func (w *Writer) WriteMagic(magic wire.BitcoinNet) {
	w.WriteLE32(uint32(magic))
}

func (w *Writer) WriteXOnlyKey(key *btcec.PublicKey) {
	w.buf.Write(schnorr.SerializePubKey(key))
}

func (w *Writer) WriteSignature(sig *schnorr.Signature) {
	w.buf.Write(sig.Serialize())
}

func (w *Writer) WriteVarInt(v uint64) {
	// vec write cannot fail
	_ = wire.WriteVarInt(&w.buf, 0, v)
}

func (w *Writer) WriteVarBytes(b []byte) {
	w.WriteVarInt(uint64(len(b)))
	w.buf.Write(b)
}

func (w *Writer) WriteOutPoint(op wire.OutPoint) {
	w.buf.Write(op.Hash[:])
	w.WriteLE32(op.Index)
}

func (w *Writer) WriteTxOut(txOut *wire.TxOut) {
	w.WriteLE64(uint64(txOut.Value))
	w.WriteVarBytes(txOut.PkScript)
}

func (w *Writer) WriteTx(tx *wire.MsgTx) {
	// vec write cannot fail
	_ = tx.Serialize(&w.buf)
}

// Reader is a consuming cursor over a byte slice. All Read methods advance the
// cursor and return ErrUnexpectedEnd when the input is exhausted.
type Reader struct {
	buf []byte
}

func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

func (r *Reader) Len() int {
	return len(r.buf)
}

func (r *Reader) Empty() bool {
	return len(r.buf) == 0
}

func (r *Reader) PeekByte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, ErrUnexpectedEnd
	}
	return r.buf[0], nil
}

func (r *Reader) ReadByte() (byte, error) {
	if len(r.buf) < 1 {
		return 0, ErrUnexpectedEnd
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if len(r.buf) < n {
		return nil, ErrUnexpectedEnd
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *Reader) ReadBE32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *Reader) ReadBE64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *Reader) ReadLE32() (uint32, error) {
	b, err := r.ReadBytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadLE64() (uint64, error) {
	b, err := r.ReadBytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadMagic() (wire.BitcoinNet, error) {
	v, err := r.ReadLE32()
	if err != nil {
		return 0, err
	}
	return wire.BitcoinNet(v), nil
}

func (r *Reader) ReadXOnlyKey() (*btcec.PublicKey, error) {
	b, err := r.ReadBytes(schnorr.PubKeyBytesLen)
	if err != nil {
		return nil, err
	}
	key, err := schnorr.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("invalid x-only public key: %w", err)
	}
	return key, nil
}

func (r *Reader) ReadSignature() (*schnorr.Signature, error) {
	b, err := r.ReadBytes(schnorr.SignatureSize)
	if err != nil {
		return nil, err
	}
	sig, err := schnorr.ParseSignature(b)
	if err != nil {
		return nil, fmt.Errorf("invalid schnorr signature: %w", err)
	}
	return sig, nil
}

func (r *Reader) ReadVarInt() (uint64, error) {
	br := bytes.NewReader(r.buf)
	v, err := wire.ReadVarInt(br, 0)
	if err != nil {
		return 0, ErrUnexpectedEnd
	}
	r.buf = r.buf[len(r.buf)-br.Len():]
	return v, nil
}

func (r *Reader) ReadVarBytes() ([]byte, error) {
	n, err := r.ReadVarInt()
	if err != nil {
		return nil, err
	}
	if n > maxScriptLen {
		return nil, fmt.Errorf("script too long: %d bytes", n)
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (r *Reader) ReadOutPoint() (wire.OutPoint, error) {
	var op wire.OutPoint
	hash, err := r.ReadBytes(32)
	if err != nil {
		return op, err
	}
	copy(op.Hash[:], hash)
	op.Index, err = r.ReadLE32()
	return op, err
}

func (r *Reader) ReadTxOut() (*wire.TxOut, error) {
	value, err := r.ReadLE64()
	if err != nil {
		return nil, err
	}
	script, err := r.ReadVarBytes()
	if err != nil {
		return nil, err
	}
	return &wire.TxOut{Value: int64(value), PkScript: script}, nil
}

func (r *Reader) ReadTx() (*wire.MsgTx, error) {
	br := bytes.NewReader(r.buf)
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(br); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	r.buf = r.buf[len(r.buf)-br.Len():]
	return tx, nil
}
