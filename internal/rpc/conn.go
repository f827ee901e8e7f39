package rpc

import (
	"bufio"
	"encoding/json"
	"net"
	"sync"
)

// conn wraps one accepted socket connection. Responses and
// server-pushed events share the same framing stream (§4.1), so writes
// are serialized through writeMu.
type conn struct {
	net.Conn
	reader *bufio.Reader

	writeMu sync.Mutex
}

func newConn(nc net.Conn) *conn {
	return &conn{Conn: nc, reader: bufio.NewReader(nc)}
}

func (c *conn) readLine() ([]byte, error) {
	return c.reader.ReadBytes('\n')
}

func (c *conn) writeResponse(resp Response) error {
	return c.writeFrame(resp)
}

func (c *conn) writeEvent(ev Event) error {
	return c.writeFrame(ev)
}

func (c *conn) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.Conn.Write(data)
	return err
}
