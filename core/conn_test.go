package core

import (
	"bufio"
	"io"
	"net"
	"testing"

	"flowproxy/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRequest() *models.Request {
	return &models.Request{
		Method: "GET", Scheme: "http", Host: "example.com", Port: 80,
		Path: "/", HTTPVersion: "HTTP/1.1",
		Headers: models.Headers{{Name: "Host", Value: "example.com"}},
	}
}

// upstreamPair returns a Conn and the peer end it talks to.
func upstreamPair(t *testing.T) (*Conn, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	c := newConn(a)
	c.Dest = Destination{Scheme: "http", Host: "example.com", Port: 80}
	return c, b
}

func drainRequest(peer net.Conn) {
	br := bufio.NewReader(peer)
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			return
		}
	}
}

func TestWriteRequestToClosedPeer(t *testing.T) {
	c, peer := upstreamPair(t)
	peer.Close()

	err := c.WriteRequest(testRequest())
	var de *DisconnectError
	require.ErrorAs(t, err, &de)
	assert.False(t, de.Received)
	assert.Equal(t, models.ErrorDisconnect, classify(err))
}

func TestReadResponseRecordsReceivedBytes(t *testing.T) {
	tests := []struct {
		name     string
		reply    string
		received bool
	}{
		{name: "closed before answering", reply: "", received: false},
		{name: "closed mid body", reply: "HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc", received: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, peer := upstreamPair(t)
			go func() {
				drainRequest(peer)
				if tt.reply != "" {
					io.WriteString(peer, tt.reply)
				}
				peer.Close()
			}()

			require.NoError(t, c.WriteRequest(testRequest()))
			_, _, err := c.ReadResponse("GET", 0)
			var de *DisconnectError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tt.received, de.Received)
		})
	}
}

func TestConnCountsBytes(t *testing.T) {
	c, peer := upstreamPair(t)
	go func() {
		drainRequest(peer)
		io.WriteString(peer, "HTTP/1.1 204 No Content\r\n\r\n")
	}()

	require.NoError(t, c.WriteRequest(testRequest()))
	resp, _, err := c.ReadResponse("GET", 0)
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	assert.Positive(t, c.BytesWritten())
	assert.Positive(t, c.BytesRead())
}
