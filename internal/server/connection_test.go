package server

import (
	"bufio"
	"net"
	"testing"

	"github.com/aravinth/rkv/internal/protocol"
)

func TestConnection_CountsCommandsUntilHijack(t *testing.T) {
	client, srv := net.Pipe()
	defer client.Close()
	defer srv.Close()

	conn := NewConnection(7, srv, bufio.NewReader(srv), bufio.NewWriter(srv))

	go func() {
		client.Write(protocol.Command("PING"))
		client.Write(protocol.Command("REPLCONF", "capa", "psync2"))
		client.Write(protocol.Command("PSYNC", "?", "-1"))
	}()

	for i := 0; i < 3; i++ {
		if _, err := conn.ReadCommand(); err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
	}
	if conn.ID() != 7 || conn.Commands() != 3 {
		t.Errorf("expected id 7 with 3 commands, got id %d with %d", conn.ID(), conn.Commands())
	}

	raw, reader := conn.Hijack()
	if raw != srv || reader == nil || !conn.Hijacked() {
		t.Error("expected the hijack to hand over the socket and reader")
	}
}
