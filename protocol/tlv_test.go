package protocol

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTLVAppend(t *testing.T) {
	buf := []byte{}
	buf = Append(buf, 'A', []byte{'A'})
	buf = Append(buf, 'b', []byte{'B', 'B'})
	assert.Equal(t, []byte{'a', 1, 'A', '2', 'B', 'B'}, buf)

	var c256 [256]byte
	for n := range c256 {
		c256[n] = 'c'
	}
	buf = Append(buf, 'C', c256[:])
	assert.Equal(t, 6+5+256, len(buf))
	assert.Equal(t, uint8('C'), buf[6])

	lit, body, rest, err := TakeAnyWary(buf)
	assert.NoError(t, err)
	assert.Equal(t, uint8('A'), lit)
	assert.Equal(t, []byte{'A'}, body)

	body2, rest, err := TakeWary('B', rest)
	assert.NoError(t, err)
	assert.Equal(t, []byte{'B', 'B'}, body2)

	body3, rest := Take('C', rest)
	assert.Equal(t, c256[:], body3)
	assert.Empty(t, rest)
}

func TestTakeWrongType(t *testing.T) {
	rec := Record('X', []byte("hello world"))
	_, _, err := TakeWary('Y', rec)
	assert.ErrorIs(t, err, ErrBadRecord)
	_, _, err = TakeWary('X', rec[:3])
	assert.ErrorIs(t, err, ErrIncomplete)
}

func TestTinyRecord(t *testing.T) {
	tiny := TinyRecord('X', []byte("12"))
	assert.Equal(t, "212", string(tiny))
	body, rest := Take('X', tiny)
	assert.Equal(t, "12", string(body))
	assert.Empty(t, rest)
}

func TestSplitPartial(t *testing.T) {
	one := Record('A', []byte("first record"))
	two := Record('B', []byte("second record"))
	var buf bytes.Buffer
	buf.Write(one)
	buf.Write(two[:4])

	recs, err := Split(&buf)
	assert.ErrorIs(t, err, ErrIncomplete)
	assert.Equal(t, Records{one}, recs)

	buf.Write(two[4:])
	recs, err = Split(&buf)
	assert.NoError(t, err)
	assert.Equal(t, Records{two}, recs)
	assert.Equal(t, 0, buf.Len())
}

type sliceFeedDrainer struct {
	data []byte
}

func (fd *sliceFeedDrainer) Drain(ctx context.Context, recs Records) error {
	for _, rec := range recs {
		fd.data = append(fd.data, rec...)
	}
	return nil
}

func (fd *sliceFeedDrainer) Feed(ctx context.Context) (recs Records, err error) {
	for i := 0; i < 3 && len(fd.data) > 0; i++ {
		recs = append(recs, fd.data[0:1])
		fd.data = fd.data[1:]
	}
	if len(fd.data) == 0 {
		err = io.EOF
	}
	return
}

func TestPump(t *testing.T) {
	ctx := context.Background()
	sfd := sliceFeedDrainer{data: []byte("Hello world")}
	assert.NoError(t, Relay(ctx, &sfd, &sfd))
	assert.NoError(t, Relay(ctx, &sfd, &sfd))
	assert.Equal(t, []byte("worldHello "), sfd.data)

	// the last batch comes with EOF and is still drained
	fro := sliceFeedDrainer{data: []byte("Hello world")}
	to := sliceFeedDrainer{}
	assert.Equal(t, io.EOF, Pump(ctx, &fro, &to))
	assert.Equal(t, []byte("Hello world"), to.data)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	fro = sliceFeedDrainer{data: []byte("Hello")}
	to = sliceFeedDrainer{}
	assert.NoError(t, Pump(cancelled, &fro, &to))
	assert.Empty(t, to.data)
}
