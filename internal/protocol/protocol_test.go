package protocol

import (
	"bufio"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		req  Request
	}{
		{"register", Request{Kind: ReqRegister, Target: 3, Data: "ariel | secret"}},
		{"login", Request{Kind: ReqLogin, Target: 7, Data: "1 secret"}},
		{"empty data", Request{Kind: ReqTerminate, Target: 12, Data: ""}},
		{"data with spaces", Request{Kind: ReqSendMessage, Target: 4, Data: "1 2 key | hello there world"}},
		{"data with pipe", Request{Kind: ReqCreateRoom, Target: 9, Data: "1 key | general chat"}},
		{"negative target", Request{Kind: ReqNone, Target: -1, Data: ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := tt.req.Encode()
			got, err := DecodeRequest(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.req, got)
		})
	}
}

func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		resp Response
	}{
		{"success", Response{Kind: RespSuccess, Target: 5, Data: "42"}},
		{"failure", Response{Kind: RespFailure, Target: 5, Data: "credential mismatch"}},
		{"message push", Response{Kind: RespMessageIn, Target: 8, Data: "2 1 | hi"}},
		{"join push", Response{Kind: RespJoinRoom, Target: 8, Data: "2 | general"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame := tt.resp.Encode()
			got, err := DecodeResponse(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.resp, got)
		})
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"empty", "", ErrBadFrame},
		{"missing start", "3 0 ( ariel | 1 ) ]", ErrBadFrame},
		{"missing end", "[ 3 0 ( ariel | 1 )", ErrBadFrame},
		{"missing data open", "[ 3 0 ariel ]", ErrBadPayload},
		{"missing data close", "[ 3 0 ( ariel ]", ErrBadPayload},
		{"kind out of range", "[ 99 0 ( x ) ]", ErrBadKind},
		{"negative kind", "[ -2 0 ( x ) ]", ErrBadKind},
		{"non-numeric kind", "[ abc 0 ( x ) ]", ErrBadKind},
		{"non-numeric target", "[ 3 zz ( x ) ]", ErrBadFrame},
		{"missing target", "[ 3 ( x ) ]", ErrBadFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v, want %v", err, tt.wantErr)
		})
	}
}

func TestDecodeResponseKindRange(t *testing.T) {
	// 8 is a valid request kind but out of range for responses.
	_, err := DecodeResponse("[ 8 0 ( x ) ]")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadKind)
}

func TestScanFramesConcatenated(t *testing.T) {
	a := Request{Kind: ReqLogin, Target: 1, Data: "1 key"}.Encode()
	b := Request{Kind: ReqSendMessage, Target: 1, Data: "1 2 key | hello"}.Encode()

	scanner := bufio.NewScanner(strings.NewReader(a + b))
	scanner.Split(ScanFrames)

	var frames []string
	for scanner.Scan() {
		frames = append(frames, scanner.Text())
	}
	require.NoError(t, scanner.Err())
	require.Len(t, frames, 2)
	assert.Equal(t, a, frames[0])
	assert.Equal(t, b, frames[1])
}

// chunkReader yields the underlying data a few bytes at a time so the
// scanner sees partial frames.
type chunkReader struct {
	data  string
	pos   int
	chunk int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	end := r.pos + r.chunk
	if end > len(r.data) {
		end = len(r.data)
	}
	n := copy(p, r.data[r.pos:end])
	r.pos += n
	return n, nil
}

func TestScanFramesPartialReads(t *testing.T) {
	want := Request{Kind: ReqRegister, Target: 3, Data: "ariel | 1"}.Encode()

	scanner := bufio.NewScanner(&chunkReader{data: want + want, chunk: 3})
	scanner.Split(ScanFrames)

	count := 0
	for scanner.Scan() {
		assert.Equal(t, want, scanner.Text())
		count++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, 2, count)
}

func TestValidateData(t *testing.T) {
	assert.NoError(t, ValidateData("1 2 key | hello ) there"))
	assert.NoError(t, ValidateData("ariel | ]key["))
	assert.ErrorIs(t, ValidateData("1 2 key | x ) ] y"), ErrUnframeable)
}

func TestScanFramesSkipsNoise(t *testing.T) {
	frame := Response{Kind: RespSuccess, Target: 2, Data: "ok"}.Encode()

	scanner := bufio.NewScanner(strings.NewReader("garbage" + frame + "trailing"))
	scanner.Split(ScanFrames)

	require.True(t, scanner.Scan())
	assert.Equal(t, frame, scanner.Text())
	assert.False(t, scanner.Scan())
	require.NoError(t, scanner.Err())
}
