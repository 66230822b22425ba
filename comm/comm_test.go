package comm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

type fakeConn struct {
	bytes.Buffer
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

func TestReadTerminatedStripsTerminator(t *testing.T) {
	r := bytes.NewBufferString("12.5\r\nnext")
	got, err := ReadLine(r, '\n')
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "12.5" {
		t.Errorf("expected 12.5, got %q", got)
	}
	if r.String() != "next" {
		t.Errorf("read past terminator, left %q", r.String())
	}
}

func TestReadTerminatedMissingTerminator(t *testing.T) {
	_, err := ReadLine(bytes.NewBufferString("abc"), '\r')
	if err != ErrTerminatorNotFound {
		t.Errorf("expected ErrTerminatorNotFound, got %v", err)
	}
}

func TestSendRecvOverTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		req, _ := ReadLine(c, '\r')
		fmt.Fprintf(c, "echo %s\r", req)
	}()

	rd := NewRemoteDevice(ln.Addr().String(), false, nil, nil)
	defer rd.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := rd.OpenSendRecv(ctx, []byte("PS?"))
	if err != nil {
		t.Fatal(err)
	}
	if string(resp) != "echo PS?" {
		t.Errorf("expected echo PS?, got %q", resp)
	}
}

func TestSendRecvTimesOutAndDrops(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		io.Copy(io.Discard, c) // never replies
	}()

	rd := NewRemoteDevice(ln.Addr().String(), false, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = rd.OpenSendRecv(ctx, []byte("PS?"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if rd.Conn != nil {
		t.Error("connection kept after timeout")
	}
}

type blockingConn struct {
	unblock chan struct{}
}

func (b *blockingConn) Read(p []byte) (int, error) {
	<-b.unblock
	return 0, io.EOF
}
func (b *blockingConn) Write(p []byte) (int, error) { return len(p), nil }
func (b *blockingConn) Close() error {
	close(b.unblock)
	return nil
}

func TestBoundedClosesConnWithoutDeadlines(t *testing.T) {
	conn := &blockingConn{unblock: make(chan struct{})}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := Bounded(ctx, conn, func() error {
		_, err := conn.Read(make([]byte, 1))
		return err
	})
	if err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestPoolReusesConnections(t *testing.T) {
	made := 0
	p := NewPool(2, 0, func() (io.ReadWriteCloser, error) {
		made++
		return &fakeConn{}, nil
	})
	ctx := context.Background()
	c1, _ := p.Get(ctx)
	p.Put(c1)
	c2, _ := p.Get(ctx)
	if c1 != c2 {
		t.Error("expected idle connection to be reused")
	}
	p.ReturnWithError(c2, fmt.Errorf("bad command: %w", ErrDeviceReply))
	if p.Size() != 1 || made != 1 {
		t.Errorf("expected one live connection, size=%d made=%d", p.Size(), made)
	}
	c3, _ := p.Get(ctx)
	p.ReturnWithError(c3, io.ErrUnexpectedEOF)
	if !c3.(*fakeConn).closed {
		t.Error("broken connection was not closed")
	}
	if p.Size() != 0 {
		t.Errorf("expected empty pool, size=%d", p.Size())
	}
}

func TestPoolGetHonorsContext(t *testing.T) {
	p := NewPool(1, 0, func() (io.ReadWriteCloser, error) { return &fakeConn{}, nil })
	c, _ := p.Get(context.Background())
	defer p.Put(c)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if _, err := p.Get(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}
