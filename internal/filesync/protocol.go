package filesync

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	syncerr "github.com/alexjbarnes/filesync/internal/errors"
)

// Command is a protocol opcode. Each one travels as a fixed token
// followed by a newline. The older token-only wire sent tokens without
// a terminator, so peers speaking it cannot interoperate with this one.
type Command int

const (
	CmdUnknown Command = iota
	CmdFetchDir
	CmdFetchFile
	CmdFetchName
	CmdFetchTime
	CmdPushDir
	CmdPushFile
	CmdSendOver
	CmdSyncOver
)

var commandTokens = map[Command]string{
	CmdFetchDir:  "<-fetch_info->",
	CmdFetchFile: "<-fetch_file->",
	CmdFetchName: "<-fetch_name->",
	CmdFetchTime: "<-fetch_time->",
	CmdPushDir:   "<-push_dir->",
	CmdPushFile:  "<-push_file->",
	CmdSendOver:  "<-send_over->",
	CmdSyncOver:  "<-sync_over->",
}

var tokenCommands = func() map[string]Command {
	m := make(map[string]Command, len(commandTokens))
	for c, tok := range commandTokens {
		m[tok] = c
	}
	return m
}()

// Token returns the wire token, or empty for CmdUnknown.
func (c Command) Token() string {
	return commandTokens[c]
}

func (c Command) String() string {
	if tok, ok := commandTokens[c]; ok {
		return tok
	}
	return "<unknown>"
}

// ParseCommand maps a received frame to its command.
func ParseCommand(frame string) (Command, bool) {
	c, ok := tokenCommands[frame]
	return c, ok
}

// frameDelim terminates every text frame. Raw file bytes and the sync
// time are not delimited.
const frameDelim = '\n'

// wireConn frames the protocol over a single stream. Tokens, manifest
// lines and names are newline-terminated, which departs from the bare
// tokens of the older wire; raw file bytes and the sync time are not
// terminated. Every read goes through the same buffered reader so text
// frames and raw bytes can be interleaved. When timeout is non-zero
// each operation gets a fresh deadline.
type wireConn struct {
	conn    net.Conn
	r       *bufio.Reader
	timeout time.Duration
}

func newWireConn(conn net.Conn, timeout time.Duration) *wireConn {
	return &wireConn{
		conn:    conn,
		r:       bufio.NewReader(conn),
		timeout: timeout,
	}
}

func (w *wireConn) deadline() {
	if w.timeout > 0 {
		_ = w.conn.SetDeadline(time.Now().Add(w.timeout))
	}
}

// Read implements io.Reader over the buffered stream.
func (w *wireConn) Read(p []byte) (int, error) {
	w.deadline()
	return w.r.Read(p)
}

// Write implements io.Writer over the raw stream.
func (w *wireConn) Write(p []byte) (int, error) {
	w.deadline()
	return w.conn.Write(p)
}

func (w *wireConn) Close() error {
	return w.conn.Close()
}

func (w *wireConn) writeLine(s string) error {
	if strings.IndexByte(s, frameDelim) >= 0 {
		return fmt.Errorf("%w: frame contains a newline: %q", syncerr.ErrProtocol, s)
	}

	if _, err := w.Write([]byte(s + string(frameDelim))); err != nil {
		return fmt.Errorf("%w: writing frame: %w", syncerr.ErrConnection, err)
	}

	return nil
}

func (w *wireConn) readLine() (string, error) {
	w.deadline()

	line, err := w.r.ReadString(frameDelim)
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return "", fmt.Errorf("%w: peer closed the stream: %w", syncerr.ErrConnection, err)
		}
		return "", fmt.Errorf("%w: reading frame: %w", syncerr.ErrConnection, err)
	}

	return strings.TrimSuffix(line, string(frameDelim)), nil
}

func (w *wireConn) sendCommand(c Command) error {
	tok := c.Token()
	if tok == "" {
		return fmt.Errorf("%w: cannot send %v", syncerr.ErrProtocol, c)
	}

	return w.writeLine(tok)
}

// readCommand reads one frame and requires it to be a known token.
func (w *wireConn) readCommand() (Command, error) {
	line, err := w.readLine()
	if err != nil {
		return CmdUnknown, err
	}

	c, ok := ParseCommand(line)
	if !ok {
		return CmdUnknown, fmt.Errorf("%w: unexpected frame %q", syncerr.ErrProtocol, truncate(line, 64))
	}

	return c, nil
}

// expect reads one frame and requires it to be want.
func (w *wireConn) expect(want Command) error {
	got, err := w.readCommand()
	if err != nil {
		return err
	}

	if got != want {
		return fmt.Errorf("%w: expected %v, got %v", syncerr.ErrProtocol, want, got)
	}

	return nil
}

// writeSyncTime sends the floor as 4 bytes, little-endian.
func (w *wireConn) writeSyncTime(t uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], t)

	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("%w: writing sync time: %w", syncerr.ErrConnection, err)
	}

	return nil
}

func (w *wireConn) readSyncTime() (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(w, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: reading sync time: %w", syncerr.ErrConnection, err)
	}

	return binary.LittleEndian.Uint32(buf[:]), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
