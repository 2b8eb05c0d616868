package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// 二進制編碼格式（所有整數使用 uvarint，字串為長度前綴）：
//
//	update      := magic(0xC1) count op*
//	op          := origin seq lamport blockID position(float64 bits) content deleted(1 byte)
//	stateVector := magic(0xC2) count (origin seq)*
//
// 設計考量：
//   - magic byte 讓更新與狀態向量無法互相混用
//   - 解碼採嚴格模式：任何截斷、超長或尾隨數據都是 ErrMalformedUpdate

const (
	magicUpdate      = 0xC1
	magicStateVector = 0xC2

	// maxStringLen 防禦性長度上限，避免惡意長度前綴造成大量分配
	maxStringLen = 1 << 20
	// maxOps 單筆更新的操作數上限
	maxOps = 1 << 16
)

// ErrMalformedUpdate 表示輸入不是合法的編碼更新或狀態向量。
var ErrMalformedUpdate = errors.New("malformed update")

// Update 一組待合併的操作。
type Update struct {
	Ops []Op
}

// EncodeUpdate 編碼更新。
func EncodeUpdate(u Update) []byte {
	buf := []byte{magicUpdate}
	buf = binary.AppendUvarint(buf, uint64(len(u.Ops)))
	for _, op := range u.Ops {
		buf = appendString(buf, op.Origin)
		buf = binary.AppendUvarint(buf, op.Seq)
		buf = binary.AppendUvarint(buf, op.Lamport)
		buf = appendString(buf, op.BlockID)
		buf = binary.AppendUvarint(buf, math.Float64bits(op.Position))
		buf = appendString(buf, op.Content)
		if op.Deleted {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	}
	return buf
}

// DecodeUpdate 嚴格解碼更新。
func DecodeUpdate(data []byte) (Update, error) {
	r := reader{buf: data}
	if magic, err := r.byte(); err != nil || magic != magicUpdate {
		return Update{}, fmt.Errorf("%w: bad magic", ErrMalformedUpdate)
	}

	count, err := r.uvarint()
	if err != nil || count > maxOps {
		return Update{}, fmt.Errorf("%w: op count", ErrMalformedUpdate)
	}

	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		op, err := r.op()
		if err != nil {
			return Update{}, err
		}
		ops = append(ops, op)
	}

	if !r.done() {
		return Update{}, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return Update{Ops: ops}, nil
}

// EncodeStateVector 編碼狀態向量（按來源排序，輸出確定性）。
func EncodeStateVector(sv map[string]uint64) []byte {
	origins := make([]string, 0, len(sv))
	for origin := range sv {
		origins = append(origins, origin)
	}
	sort.Strings(origins)

	buf := []byte{magicStateVector}
	buf = binary.AppendUvarint(buf, uint64(len(origins)))
	for _, origin := range origins {
		buf = appendString(buf, origin)
		buf = binary.AppendUvarint(buf, sv[origin])
	}
	return buf
}

// DecodeStateVector 嚴格解碼狀態向量。
func DecodeStateVector(data []byte) (map[string]uint64, error) {
	r := reader{buf: data}
	if magic, err := r.byte(); err != nil || magic != magicStateVector {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformedUpdate)
	}

	count, err := r.uvarint()
	if err != nil || count > maxOps {
		return nil, fmt.Errorf("%w: entry count", ErrMalformedUpdate)
	}

	sv := make(map[string]uint64, count)
	for i := uint64(0); i < count; i++ {
		origin, err := r.string()
		if err != nil {
			return nil, err
		}
		seq, err := r.uvarint()
		if err != nil {
			return nil, fmt.Errorf("%w: seq", ErrMalformedUpdate)
		}
		sv[origin] = seq
	}

	if !r.done() {
		return nil, fmt.Errorf("%w: trailing bytes", ErrMalformedUpdate)
	}
	return sv, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// reader 帶邊界檢查的順序解碼器
type reader struct {
	buf []byte
	pos int
}

func (r *reader) done() bool { return r.pos == len(r.buf) }

func (r *reader) byte() (byte, error) {
	if r.pos >= len(r.buf) {
		return 0, fmt.Errorf("%w: unexpected end", ErrMalformedUpdate)
	}
	b := r.buf[r.pos]
	r.pos++
	return b, nil
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf[r.pos:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint", ErrMalformedUpdate)
	}
	r.pos += n
	return v, nil
}

func (r *reader) string() (string, error) {
	n, err := r.uvarint()
	if err != nil || n > maxStringLen {
		return "", fmt.Errorf("%w: string length", ErrMalformedUpdate)
	}
	if r.pos+int(n) > len(r.buf) {
		return "", fmt.Errorf("%w: string truncated", ErrMalformedUpdate)
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

func (r *reader) op() (Op, error) {
	origin, err := r.string()
	if err != nil {
		return Op{}, err
	}
	seq, err := r.uvarint()
	if err != nil || seq == 0 {
		return Op{}, fmt.Errorf("%w: seq must be positive", ErrMalformedUpdate)
	}
	lamport, err := r.uvarint()
	if err != nil {
		return Op{}, err
	}
	blockID, err := r.string()
	if err != nil {
		return Op{}, err
	}
	posBits, err := r.uvarint()
	if err != nil {
		return Op{}, err
	}
	content, err := r.string()
	if err != nil {
		return Op{}, err
	}
	deleted, err := r.byte()
	if err != nil || deleted > 1 {
		return Op{}, fmt.Errorf("%w: deleted flag", ErrMalformedUpdate)
	}
	if origin == "" || blockID == "" {
		return Op{}, fmt.Errorf("%w: empty origin or blockID", ErrMalformedUpdate)
	}
	return Op{
		Origin:   origin,
		Seq:      seq,
		Lamport:  lamport,
		BlockID:  blockID,
		Position: math.Float64frombits(posBits),
		Content:  content,
		Deleted:  deleted == 1,
	}, nil
}
