// resp.go is a minimal RESP-2 frontend, built just far enough to drive the
// store end to end over a real net.Listener. A production deployment is
// expected to swap this for a full Redis-protocol frontend; Database's
// Get/Set/Del/MGet/MSet/MDel are what it would call into.
package db

import (
	"bufio"
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"net"

	"github.com/golang/glog"

	"github.com/vnodedb/dcdb/causal"
	"github.com/vnodedb/dcdb/vnode"
)

// Serve accepts connections on ln and handles each on its own goroutine
// until ln.Close() or the listener otherwise errors.
func (d *Database) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go d.serveConn(conn)
	}
}

func (d *Database) serveConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		args, err := readRESPArray(r)
		if err != nil {
			if err != io.EOF {
				glog.V(2).Infof("db: resp connection from %s closed: %v", conn.RemoteAddr(), err)
			}
			return
		}
		reply := d.dispatchRESP(context.Background(), args)
		if _, err := conn.Write(reply); err != nil {
			glog.Warningf("db: resp write to %s failed: %v", conn.RemoteAddr(), err)
			return
		}
	}
}

// readRESPArray reads one client request: a RESP array of bulk strings,
// `*<n>\r\n($<len>\r\n<bytes>\r\n)*n`.
func readRESPArray(r *bufio.Reader) ([][]byte, error) {
	line, err := readLine(r)
	if err != nil {
		return nil, err
	}
	if len(line) == 0 || line[0] != '*' {
		return nil, fmt.Errorf("db: protocol error: expected array, got %q", line)
	}
	n, err := parseInt(line[1:])
	if err != nil || n < 0 {
		return nil, fmt.Errorf("db: protocol error: bad array length %q", line)
	}
	args := make([][]byte, n)
	for i := 0; i < n; i++ {
		bulk, err := readLine(r)
		if err != nil {
			return nil, err
		}
		if len(bulk) == 0 || bulk[0] != '$' {
			return nil, fmt.Errorf("db: protocol error: expected bulk string, got %q", bulk)
		}
		blen, err := parseInt(bulk[1:])
		if err != nil || blen < 0 {
			return nil, fmt.Errorf("db: protocol error: bad bulk length %q", bulk)
		}
		buf := make([]byte, blen+2) // payload plus trailing CRLF
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args[i] = buf[:blen]
	}
	return args, nil
}

func readLine(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return []byte(trimCRLF(line)), nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func parseInt(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("empty integer")
	}
	neg := false
	i := 0
	if b[0] == '-' {
		neg = true
		i = 1
	}
	n := 0
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, fmt.Errorf("not a digit: %q", b)
		}
		n = n*10 + int(b[i]-'0')
	}
	if neg {
		n = -n
	}
	return n, nil
}

// dispatchRESP decodes one verb and runs it against d, returning the
// already-framed RESP reply.
func (d *Database) dispatchRESP(ctx context.Context, args [][]byte) []byte {
	if len(args) == 0 {
		return encodeRESPError(fmt.Errorf("db: empty command"))
	}
	verb := string(args[0])
	switch verb {
	case "GET":
		if len(args) != 2 {
			return encodeRESPError(fmt.Errorf("GET requires exactly one key"))
		}
		c, err := d.Get(ctx, args[1])
		return encodeRESPResult(c, err)

	case "MGET":
		keys := args[1:]
		containers, errs := d.MGet(ctx, keys)
		return encodeRESPMulti(containers, errs)

	case "SET":
		if len(args) != 3 && len(args) != 4 {
			return encodeRESPError(fmt.Errorf("SET requires key, value and an optional context"))
		}
		vv, err := decodeContext(optionalArg(args, 3))
		if err != nil {
			return encodeRESPError(err)
		}
		c, err := d.Set(ctx, args[1], args[2], true, vv)
		return encodeRESPResult(c, err)

	case "MSET":
		items, err := parseTriples(args[1:])
		if err != nil {
			return encodeRESPError(err)
		}
		containers, errs := d.MSet(ctx, items)
		return encodeRESPMulti(containers, errs)

	case "DEL":
		if len(args) != 2 && len(args) != 3 {
			return encodeRESPError(fmt.Errorf("DEL requires a key and an optional context"))
		}
		vv, err := decodeContext(optionalArg(args, 2))
		if err != nil {
			return encodeRESPError(err)
		}
		c, err := d.Del(ctx, args[1], vv)
		return encodeRESPResult(c, err)

	case "MDEL":
		items, err := parsePairs(args[1:])
		if err != nil {
			return encodeRESPError(err)
		}
		containers, errs := d.MDel(ctx, items)
		return encodeRESPMulti(containers, errs)

	default:
		return encodeRESPError(fmt.Errorf("db: unrecognized verb %q", verb))
	}
}

func optionalArg(args [][]byte, i int) []byte {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// parseTriples groups MSET's flat key/value/context... arguments into
// triples. A triple omits its context by passing an empty bulk string.
func parseTriples(rest [][]byte) ([]KVContext, error) {
	if len(rest)%3 != 0 {
		return nil, fmt.Errorf("MSET requires key/value/context triples")
	}
	out := make([]KVContext, 0, len(rest)/3)
	for i := 0; i < len(rest); i += 3 {
		vv, err := decodeContext(rest[i+2])
		if err != nil {
			return nil, err
		}
		out = append(out, KVContext{Key: rest[i], Value: rest[i+1], Context: vv})
	}
	return out, nil
}

// parsePairs groups MDEL's flat key/context... arguments into pairs.
func parsePairs(rest [][]byte) ([]KVContext, error) {
	if len(rest)%2 != 0 {
		return nil, fmt.Errorf("MDEL requires key/context pairs")
	}
	out := make([]KVContext, 0, len(rest)/2)
	for i := 0; i < len(rest); i += 2 {
		vv, err := decodeContext(rest[i+1])
		if err != nil {
			return nil, err
		}
		out = append(out, KVContext{Key: rest[i], Context: vv})
	}
	return out, nil
}

// decodeContext decodes a client-supplied causal context into a
// VersionVector. An empty/absent context is the empty VersionVector.
func decodeContext(raw []byte) (causal.VersionVector, error) {
	if len(raw) == 0 {
		return causal.NewVersionVector(), nil
	}
	var vv causal.VersionVector
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&vv); err != nil {
		return causal.VersionVector{}, fmt.Errorf("db: bad causal context: %w", err)
	}
	return vv, nil
}

// EncodeContext is the inverse of decodeContext, exported so a client in the
// same process (e.g. a test) can build the context bytes a real RESP client
// would send after reading dcc.VV.
func EncodeContext(vv causal.VersionVector) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&vv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// encodeContainer gob-encodes a Container for the wire. The container's
// exported fields each carry their own GobEncoder, so this is the default
// struct codec.
func encodeContainer(c vnode.Container) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&c); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeRESPResult(c vnode.Container, err error) []byte {
	if err != nil {
		return encodeRESPError(err)
	}
	raw, encErr := encodeContainer(c)
	if encErr != nil {
		return encodeRESPError(encErr)
	}
	return encodeRESPBulk(raw)
}

// encodeRESPMulti frames a multi-key reply as a RESP array of bulk strings,
// one per requested key, surfacing a per-key error as a RESP error element
// instead of failing the whole array.
func encodeRESPMulti(containers []vnode.Container, errs []error) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "*%d\r\n", len(containers))
	for i, c := range containers {
		if errs[i] != nil {
			buf.Write(encodeRESPError(errs[i]))
			continue
		}
		raw, err := encodeContainer(c)
		if err != nil {
			buf.Write(encodeRESPError(err))
			continue
		}
		buf.Write(encodeRESPBulk(raw))
	}
	return buf.Bytes()
}

func encodeRESPBulk(b []byte) []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "$%d\r\n", len(b))
	buf.Write(b)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func encodeRESPError(err error) []byte {
	msg := err.Error()
	// RESP error lines are single-line; a multi-line message would break
	// framing, so the message is cut at its first embedded newline.
	for i := 0; i < len(msg); i++ {
		if msg[i] == '\n' || msg[i] == '\r' {
			msg = msg[:i]
			break
		}
	}
	return []byte("-ERR " + msg + "\r\n")
}
