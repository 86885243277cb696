package sink_test

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/replicatord/replicatord/encoding"
	"github.com/replicatord/replicatord/sink/iproto16"
)

const (
	positionSpace = 512
	ordersSpace   = 600
)

type fakeRequest struct {
	code uint64
	sync uint64
	body map[int]interface{}
}

func (r fakeRequest) space() uint64 {
	s, _ := encoding.AsUint64(r.body[iproto16.KeySpace])
	return s
}

func (r fakeRequest) tuple() []interface{} {
	t, _ := r.body[iproto16.KeyTuple].([]interface{})
	return t
}

// fakeTarantool speaks enough iproto 1.6 to exercise the writer. It keeps
// the position tuple between connections like a real server would.
type fakeTarantool struct {
	mu       sync.Mutex
	requests []fakeRequest
	position []interface{}
	reject   map[uint64]uint32 // space -> error code
	conns    []net.Conn
	dials    int
	refuse   bool
}

func newFakeTarantool() *fakeTarantool {
	return &fakeTarantool{reject: make(map[uint64]uint32)}
}

func (f *fakeTarantool) dial(ctx context.Context, network, address string) (net.Conn, error) {
	f.mu.Lock()
	f.dials++
	if f.refuse {
		f.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	f.conns = append(f.conns, server)
	f.mu.Unlock()

	go f.serve(server)
	return client, nil
}

// dropConnections closes every server side connection
func (f *fakeTarantool) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.conns {
		c.Close()
	}
	f.conns = nil
}

func (f *fakeTarantool) setPosition(tuple ...interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = tuple
}

func (f *fakeTarantool) refuseDials(refuse bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse = refuse
}

func (f *fakeTarantool) setReject(space uint64, code uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[space] = code
}

func (f *fakeTarantool) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

// requestsFor returns the recorded requests with the given code and space
func (f *fakeTarantool) requestsFor(code, space uint64) []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRequest
	for _, r := range f.requests {
		if r.code == code && r.space() == space {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTarantool) requestsWithCode(code uint64) []fakeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeRequest
	for _, r := range f.requests {
		if r.code == code {
			out = append(out, r)
		}
	}
	return out
}

func (f *fakeTarantool) serve(conn net.Conn) {
	defer conn.Close()

	greeting := make([]byte, iproto16.GreetingSize)
	for i := range greeting {
		greeting[i] = ' '
	}
	copy(greeting, "Tarantool 1.6.9 (Binary) 00000000-0000-0000-0000-000000000000")
	greeting[63] = '\n'
	copy(greeting[64:], base64.StdEncoding.EncodeToString(make([]byte, 32)))
	greeting[127] = '\n'
	if _, err := conn.Write(greeting); err != nil {
		return
	}

	r := bufio.NewReader(conn)
	for {
		var prefix [5]byte
		if _, err := io.ReadFull(r, prefix[:]); err != nil {
			return
		}
		payload := make([]byte, binary.BigEndian.Uint32(prefix[1:]))
		if _, err := io.ReadFull(r, payload); err != nil {
			return
		}

		dec := encoding.NewDecoder(payload)
		var header, body map[int]interface{}
		if err := dec.Decode(&header); err != nil {
			return
		}
		if err := dec.Decode(&body); err != nil {
			return
		}
		code, _ := encoding.AsUint64(header[iproto16.KeyCode])
		sync, _ := encoding.AsUint64(header[iproto16.KeySync])
		req := fakeRequest{code: code, sync: sync, body: body}

		if _, err := conn.Write(f.handle(req)); err != nil {
			return
		}
	}
}

func (f *fakeTarantool) handle(req fakeRequest) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	respHeader := map[int]interface{}{iproto16.KeyCode: 0, iproto16.KeySync: req.sync}
	var respBody map[int]interface{}

	if errCode, ok := f.reject[req.space()]; ok && req.code != iproto16.CodeSelect {
		respHeader[iproto16.KeyCode] = iproto16.ErrorFlag | errCode
		respBody = map[int]interface{}{iproto16.KeyError: "Duplicate key exists"}
		return frame(respHeader, respBody)
	}

	switch req.code {
	case iproto16.CodeSelect:
		data := []interface{}{}
		if req.space() == positionSpace && f.position != nil {
			data = append(data, f.position)
		}
		respBody = map[int]interface{}{iproto16.KeyData: data}
	case iproto16.CodeReplace:
		if req.space() == positionSpace {
			f.position = req.tuple()
		}
		respBody = map[int]interface{}{iproto16.KeyData: []interface{}{req.tuple()}}
	}
	return frame(respHeader, respBody)
}

func frame(header, body map[int]interface{}) []byte {
	payload, _ := encoding.Marshal(header)
	if body != nil {
		b, _ := encoding.Marshal(body)
		payload = append(payload, b...)
	}
	out := append([]byte{0xce}, binary.BigEndian.AppendUint32(nil, uint32(len(payload)))...)
	return append(out, payload...)
}
