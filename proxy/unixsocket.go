// Copyright 2020 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package proxy relays a local UNIX-domain socket to a connection obtained
// from a dial function, for client libraries that can only be pointed at a
// socket path and cannot accept an already-established connection
// directly.
package proxy

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"cloud.google.com/go/cloudsqlconn/debug"
)

// relayBufferSize bounds how much of one side's stream is read before the
// relay writes it to the other side.
const relayBufferSize = 10 * 1024 * 1024

// DialFunc dials a fresh connection to relay a single accepted socket
// connection to, such as a cloudsqlconn.Dialer's Dial method bound to one
// instance.
type DialFunc func(ctx context.Context) (net.Conn, error)

// UnixSocketListener accepts connections on a local UNIX-domain socket and
// relays each, byte for byte, to a connection obtained from a DialFunc.
type UnixSocketListener struct {
	ln     *net.UnixListener
	path   string
	dial   DialFunc
	logger debug.ContextLogger

	wg     sync.WaitGroup
	closed chan struct{}
}

// Listen creates a UNIX-domain socket under dir (an os.MkdirTemp directory
// is created if dir is empty) and starts accepting connections, relaying
// each to a connection produced by dial. Call Addr to retrieve the socket
// path and Close to stop accepting and unlink the socket.
func Listen(ctx context.Context, dir string, dial DialFunc, logger debug.ContextLogger) (*UnixSocketListener, error) {
	if logger == nil {
		logger = debug.NullContextLogger{}
	}
	if dir == "" {
		var err error
		dir, err = os.MkdirTemp("", "cloudsqlconn-")
		if err != nil {
			return nil, err
		}
	}
	path := filepath.Join(dir, "db.sock")
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return nil, err
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return nil, err
	}
	u := &UnixSocketListener{
		ln:     ln,
		path:   path,
		dial:   dial,
		logger: logger,
		closed: make(chan struct{}),
	}
	go u.serve(ctx)
	return u, nil
}

// Addr returns the filesystem path of the UNIX-domain socket.
func (u *UnixSocketListener) Addr() string {
	return u.path
}

func (u *UnixSocketListener) serve(ctx context.Context) {
	for {
		conn, err := u.ln.AcceptUnix()
		if err != nil {
			select {
			case <-u.closed:
				return
			default:
				u.logger.Debugf(ctx, "unix socket relay: accept failed: %v", err)
				return
			}
		}
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.relay(ctx, conn)
		}()
	}
}

// relay dials a fresh remote connection for local and copies bytes between
// them in both directions until either side closes.
func (u *UnixSocketListener) relay(ctx context.Context, local *net.UnixConn) {
	defer local.Close()

	remote, err := u.dial(ctx)
	if err != nil {
		u.logger.Debugf(ctx, "unix socket relay: dial failed: %v", err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	cp := func(dst io.Writer, src io.Reader) {
		buf := make([]byte, relayBufferSize)
		_, _ = io.CopyBuffer(dst, src, buf)
		done <- struct{}{}
	}
	go cp(remote, local)
	go cp(local, remote)
	// The relay is done once one direction finishes -- the other side's
	// copy will observe the resulting closed connection and finish too.
	<-done
}

// Close stops accepting new connections, waits for in-flight relays to
// finish, and unlinks the socket file.
func (u *UnixSocketListener) Close() error {
	select {
	case <-u.closed:
		return nil
	default:
	}
	close(u.closed)
	err := u.ln.Close()
	u.wg.Wait()
	_ = os.Remove(u.path)
	return err
}
