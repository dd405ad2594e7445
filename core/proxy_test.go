package core

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"flowproxy/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProxyForwardsRequest(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, body, err := cl.get(pd.url("/p/202?size=10"))
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)
	assert.Len(t, body, 10)

	f := onlyFlow(t, tp.session)
	assert.Equal(t, "GET", f.Request.Method)
	assert.Equal(t, "http", f.Request.Scheme)
	assert.Equal(t, "/p/202?size=10", f.Request.Path)
	assert.Equal(t, models.FormAbsolute, f.Request.Form)
	require.NotNil(t, f.Response)
	assert.Equal(t, 202, f.Response.StatusCode)
	assert.Nil(t, f.Error)
	require.NotNil(t, f.ServerConn)
	assert.False(t, f.ServerConn.Reused)
	assert.Equal(t, []string{"GET /p/202?size=10"}, pd.Log())
}

func TestKeepAliveReuseAndSwitching(t *testing.T) {
	a := startStub(t, false)
	b := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	for i := 0; i < 2; i++ {
		resp, _, err := cl.get(a.url("/p/200"))
		require.NoError(t, err)
		require.Equal(t, 200, resp.StatusCode)
	}
	assert.Equal(t, 1, a.Conns(), "second request should reuse the upstream connection")
	assert.Equal(t, 0, tp.session.Events.Count(EventSwitching))

	resp, _, err := cl.get(b.url("/p/201"))
	require.NoError(t, err)
	require.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, 1, tp.session.Events.Count(EventSwitching))

	flows := tp.session.View.List()
	require.Len(t, flows, 3)
	assert.False(t, flows[0].Snapshot().ServerConn.Reused)
	assert.True(t, flows[1].Snapshot().ServerConn.Reused)
	assert.False(t, flows[2].Snapshot().ServerConn.Reused)
}

func TestPoolNotSharedAcrossClients(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	for i := 0; i < 2; i++ {
		cl := tp.dial(t)
		_, _, err := cl.get(pd.url("/p/200"))
		require.NoError(t, err)
	}
	assert.Equal(t, 2, pd.Conns())
}

func TestKillRequest(t *testing.T) {
	pd := startStub(t, false)
	var responses atomic.Int32
	ctrl := Funcs{
		Request:  func(*models.Flow) Verdict { return Kill() },
		Response: func(*models.Flow) Verdict { responses.Add(1); return Forward() },
	}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200"))
	require.Error(t, err)

	f := onlyFlow(t, tp.session)
	assert.True(t, f.Killed)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorKilled, f.Error.Kind)
	assert.Nil(t, f.Response)
	assert.Empty(t, pd.Log())
	assert.Equal(t, 0, pd.Conns())
	assert.Zero(t, responses.Load())
}

func TestKillResponse(t *testing.T) {
	pd := startStub(t, false)
	ctrl := Funcs{Response: func(*models.Flow) Verdict { return Kill() }}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200"))
	require.Error(t, err)

	f := onlyFlow(t, tp.session)
	assert.True(t, f.Killed)
	assert.Nil(t, f.Response)
	assert.Len(t, pd.Log(), 1)
}

func TestFakeResponse(t *testing.T) {
	pd := startStub(t, false)
	var responses atomic.Int32
	ctrl := Funcs{
		Request: func(*models.Flow) Verdict {
			resp := simpleResponse(http.StatusOK, "fake")
			resp.Headers.Add("header_response", "svalue")
			return ReplaceResponse(resp)
		},
		Response: func(*models.Flow) Verdict { responses.Add(1); return Forward() },
	}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	resp, body, err := cl.get(pd.url("/p/500"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "svalue", resp.Header.Get("header_response"))
	assert.Equal(t, "fake", string(body))
	assert.Empty(t, pd.Log())
	assert.Zero(t, responses.Load())
}

func TestReplaceRequestAndResponse(t *testing.T) {
	pd := startStub(t, false)
	ctrl := Funcs{
		Request: func(f *models.Flow) Verdict {
			req := f.Request.Clone()
			req.Path = "/p/203"
			req.Headers.Set("X-Rewritten", "1")
			return ReplaceRequest(req)
		},
		Response: func(f *models.Flow) Verdict {
			resp := f.Response.Clone()
			resp.Headers.Add("X-Intercepted", "yes")
			return ReplaceResponse(resp)
		},
	}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	resp, _, err := cl.get(pd.url("/p/200"))
	require.NoError(t, err)
	assert.Equal(t, 203, resp.StatusCode)
	assert.Equal(t, "yes", resp.Header.Get("X-Intercepted"))
	assert.Equal(t, []string{"GET /p/203"}, pd.Log())

	f := onlyFlow(t, tp.session)
	assert.Equal(t, "/p/203", f.Request.Path)
	assert.Equal(t, "yes", f.Response.Headers.Get("X-Intercepted"))
}

func TestResponseVisibleAtResponseCheckpoint(t *testing.T) {
	pd := startStub(t, false)
	seen := make(chan *models.Response, 1)
	ctrl := Funcs{Response: func(f *models.Flow) Verdict {
		seen <- f.Snapshot().Response
		return Forward()
	}}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	resp, _, err := cl.get(pd.url("/p/200?size=4"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	got := <-seen
	require.NotNil(t, got)
	assert.Equal(t, 200, got.StatusCode)
	assert.Len(t, got.Content, 4)
}

func TestControllerPanicKillsFlow(t *testing.T) {
	pd := startStub(t, false)
	ctrl := Funcs{Request: func(*models.Flow) Verdict { panic("boom") }}
	tp := startProxy(t, testOptions(), ctrl)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200"))
	require.Error(t, err)
	assert.True(t, onlyFlow(t, tp.session).Killed)
	assert.Empty(t, pd.Log())
}

func TestChannelControllerRendezvous(t *testing.T) {
	pd := startStub(t, false)
	cc := NewChannelController(0)
	tp := startProxy(t, testOptions(), cc)

	go func() {
		for cp := range cc.C {
			if cp.Phase == PhaseResponse {
				cp.Flow.Response.Headers.Add("X-Phase", "response")
			}
			cp.Reply(Forward())
			assert.ErrorIs(t, cp.Reply(Kill()), ErrAlreadyReplied)
		}
	}()
	t.Cleanup(func() { close(cc.C) })

	cl := tp.dial(t)
	resp, _, err := cl.get(pd.url("/p/200"))
	require.NoError(t, err)
	assert.Equal(t, "response", resp.Header.Get("X-Phase"))
}

func TestSlowControllerDoesNotStallOtherClients(t *testing.T) {
	pd := startStub(t, false)
	release := make(chan struct{})
	ctrl := Funcs{Request: func(f *models.Flow) Verdict {
		if strings.Contains(f.Request.Path, "slow") {
			<-release
		}
		return Forward()
	}}
	tp := startProxy(t, testOptions(), ctrl)

	slow := tp.dial(t)
	slow.send(fmt.Sprintf("GET %s HTTP/1.1\r\nHost: test\r\n\r\n", pd.url("/p/200?slow=1")))

	fast := tp.dial(t)
	resp, _, err := fast.get(pd.url("/p/204"))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)

	close(release)
	resp, _, err = slow.read("GET")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
}

func TestConnectFailure(t *testing.T) {
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, _, err := cl.get(fmt.Sprintf("http://127.0.0.1:%d/", freePort(t)))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	f := onlyFlow(t, tp.session)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorConnect, f.Error.Kind)
	assert.Nil(t, f.Response)
}

func TestInvalidPortIsConnectFailure(t *testing.T) {
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, _, err := cl.get("http://localhost:0")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	f := onlyFlow(t, tp.session)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorConnect, f.Error.Kind)
	assert.Contains(t, f.Error.Msg, "invalid port")
}

func TestMalformedRequests(t *testing.T) {
	cases := map[string]string{
		"invalid request line":   "GET\r\n\r\n",
		"invalid connect target": "CONNECT invalid HTTP/1.1\r\n\r\n",
		"invalid connect port":   "CONNECT example.com:123456 HTTP/1.1\r\n\r\n",
		"relative url":           "GET /p/200 HTTP/1.1\r\nHost: example.com\r\n\r\n",
		"bad header":             "GET http://example.com/ HTTP/1.1\r\nnocolon\r\n\r\n",
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			tp := startProxy(t, testOptions(), nil)
			cl := tp.dial(t)
			cl.send(raw)
			resp, body, err := cl.read("GET")
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), "Bad Request")
			assert.True(t, cl.closed())
			assert.Zero(t, tp.session.View.Len())
		})
	}
}

func TestLargeResponseBody(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, body, err := cl.get(pd.url("/p/200?size=51200"))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Len(t, body, 51200)
}

func TestChunkedAndUnframedResponses(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, body, err := cl.get(pd.url("/p/200?size=4500&chunked=1"))
	require.NoError(t, err)
	assert.Len(t, body, 4500)
	assert.Equal(t, int64(4500), resp.ContentLength)

	resp, body, err = cl.get(pd.url("/p/200?size=300&noframe=1"))
	require.NoError(t, err)
	assert.Len(t, body, 300)
	assert.Equal(t, int64(300), resp.ContentLength)

	// the unframed response used up its upstream connection
	_, _, err = cl.get(pd.url("/p/200"))
	require.NoError(t, err)
	assert.Equal(t, 2, pd.Conns())
}

func TestChunkedRequestBody(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	cl.send(fmt.Sprintf("POST %s HTTP/1.1\r\nHost: test\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n6\r\n world\r\n0\r\n\r\n", pd.url("/p/200")))
	resp, _, err := cl.read("POST")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	f := onlyFlow(t, tp.session)
	assert.Equal(t, "hello world", string(f.Request.Content))
	assert.Equal(t, "chunked", f.Request.Headers.Get("Transfer-Encoding"))
}

func TestResponseTimestamps(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200?size=1024&pause=50,1s"))
	require.NoError(t, err)

	f := onlyFlow(t, tp.session)
	d := f.Response.Duration()
	assert.GreaterOrEqual(t, d, time.Second)
	assert.Less(t, d, 1500*time.Millisecond)
}

func TestRequestTimestampsExcludeClientIdle(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	time.Sleep(300 * time.Millisecond)
	_, _, err := cl.get(pd.url("/p/304"))
	require.NoError(t, err)
	time.Sleep(300 * time.Millisecond)
	_, _, err = cl.get(pd.url("/p/304"))
	require.NoError(t, err)

	for _, f := range tp.session.View.List() {
		req := f.Snapshot().Request
		assert.False(t, req.TimestampEnd.Before(req.TimestampStart))
		assert.Less(t, req.Duration(), 100*time.Millisecond)
	}
}

func TestRequestTimestampsSpanSlowClient(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	cl.send(fmt.Sprintf("GET %s HTTP/1.1\r\n", pd.url("/p/304")))
	time.Sleep(200 * time.Millisecond)
	cl.send("\r\n")
	resp, _, err := cl.read("GET")
	require.NoError(t, err)
	assert.Equal(t, 304, resp.StatusCode)

	req := onlyFlow(t, tp.session).Request
	assert.GreaterOrEqual(t, req.Duration(), 200*time.Millisecond)
}

func TestConnectionClose(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, _, err := cl.get(pd.url("/p/200"), "Connection: close\r\n")
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.True(t, cl.closed())

	cl = tp.dial(t)
	cl.send(fmt.Sprintf("GET %s HTTP/1.0\r\n\r\n", pd.url("/p/200")))
	_, _, err = cl.read("GET")
	require.NoError(t, err)
	assert.True(t, cl.closed())
}

func TestUpstreamConnectionCloseIsHonoured(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, _, err := cl.get(pd.url("/p/200?close=1"))
	require.NoError(t, err)
	assert.True(t, resp.Close)
	assert.True(t, cl.closed())
}

func TestReconnectOnStaleUpstream(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200?dropidle=1"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	resp, _, err := cl.get(pd.url("/p/201"))
	require.NoError(t, err)
	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, 2, pd.Conns())
	assert.Equal(t, 1, tp.session.Events.Count(EventReconnect))

	flows := tp.session.View.List()
	require.Len(t, flows, 2)
	f := flows[1].Snapshot()
	assert.Nil(t, f.Error)
	assert.False(t, f.ServerConn.Reused)
}

func TestDisconnectOnFirstTry(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	_, _, err := cl.get(pd.url("/p/200?disconnect=1"))
	require.Error(t, err)

	f := onlyFlow(t, tp.session)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorDisconnect, f.Error.Kind)
	assert.Zero(t, tp.session.Events.Count(EventReconnect))
}

func TestBodySizeLimit(t *testing.T) {
	pd := startStub(t, false)
	opts := testOptions()
	opts.BodySizeLimit = 1024
	tp := startProxy(t, opts, nil)

	cl := tp.dial(t)
	cl.send(fmt.Sprintf("POST %s HTTP/1.1\r\nHost: test\r\nContent-Length: 2048\r\n\r\n%s", pd.url("/p/200"), strings.Repeat("a", 2048)))
	resp, _, err := cl.read("POST")
	require.NoError(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Zero(t, tp.session.View.Len())

	cl = tp.dial(t)
	resp, _, err = cl.get(pd.url("/p/200?size=4096"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	f := onlyFlow(t, tp.session)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorProtocol, f.Error.Kind)
}

func TestHTTPSInterception(t *testing.T) {
	pd := startStub(t, true)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	cl.send(fmt.Sprintf("CONNECT 127.0.0.1:%d HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n", pd.Port()))
	code, err := cl.readConnectReply()
	require.NoError(t, err)
	require.Equal(t, 200, code)

	tc := cl.startTLS("localhost")
	assert.Contains(t, tc.ConnectionState().PeerCertificates[0].DNSNames, "localhost")

	for i := 0; i < 2; i++ {
		cl.send("GET /p/200?size=5 HTTP/1.1\r\nHost: localhost\r\n\r\n")
		resp, body, err := cl.read("GET")
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
		assert.Len(t, body, 5)
	}
	assert.Equal(t, 1, pd.Conns())

	flows := tp.session.View.List()
	require.Len(t, flows, 2)
	f := flows[0].Snapshot()
	assert.Equal(t, "https", f.Request.Scheme)
	assert.Equal(t, pd.Port(), f.Request.Port)
	assert.True(t, f.ClientConn.TLSEstablished)
	assert.Equal(t, "localhost", f.ClientConn.SNI)
	assert.True(t, f.ServerConn.TLSEstablished)
	require.NotNil(t, f.ServerConn.Cert)
	assert.Equal(t, 1, tp.session.Certs.Len())
}

func TestUpstreamTLSError(t *testing.T) {
	pd := startStub(t, false)
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	cl.send(fmt.Sprintf("CONNECT 127.0.0.1:%d HTTP/1.1\r\n\r\n", pd.Port()))
	code, err := cl.readConnectReply()
	require.NoError(t, err)
	require.Equal(t, 200, code)
	cl.startTLS("127.0.0.1")

	cl.send("GET /p/200 HTTP/1.1\r\nHost: 127.0.0.1\r\n\r\n")
	resp, _, err := cl.read("GET")
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f := onlyFlow(t, tp.session)
	require.NotNil(t, f.Error)
	assert.Equal(t, models.ErrorTLS, f.Error.Kind)
}

func TestErrAppReportsPanicType(t *testing.T) {
	tp := startProxy(t, testOptions(), nil)

	cl := tp.dial(t)
	resp, body, err := cl.get("http://errapp/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), "DiagnosticError")
	assert.Zero(t, tp.session.View.Len())
}

func TestMountedApp(t *testing.T) {
	tp := startProxy(t, testOptions(), nil)
	tp.session.MountApp("status.proxy", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-App", "1")
		fmt.Fprint(w, "ok")
	}))

	cl := tp.dial(t)
	resp, body, err := cl.get("http://status.proxy/")
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get("X-App"))
	assert.Equal(t, "ok", string(body))
}

func TestReverseMode(t *testing.T) {
	pd := startStub(t, false)
	opts := testOptions()
	opts.Mode = ModeReverse
	dest, err := ParseReverseTarget(fmt.Sprintf("http://127.0.0.1:%d", pd.Port()))
	require.NoError(t, err)
	opts.ReverseTarget = dest
	tp := startProxy(t, opts, nil)

	cl := tp.dial(t)
	cl.send("GET /p/202 HTTP/1.1\r\nHost: anything.example\r\n\r\n")
	resp, _, err := cl.read("GET")
	require.NoError(t, err)
	assert.Equal(t, 202, resp.StatusCode)

	f := onlyFlow(t, tp.session)
	assert.Equal(t, "127.0.0.1", f.Request.Host)
	assert.Equal(t, models.FormRelative, f.Request.Form)
}

func TestTransparentMode(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		pd := startStub(t, false)
		opts := testOptions()
		opts.Mode = ModeTransparent
		opts.Resolver = StaticResolver{Host: "127.0.0.1", Port: pd.Port()}
		tp := startProxy(t, opts, nil)

		cl := tp.dial(t)
		cl.send("GET /p/201 HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, _, err := cl.read("GET")
		require.NoError(t, err)
		assert.Equal(t, 201, resp.StatusCode)
		assert.Equal(t, "http", onlyFlow(t, tp.session).Request.Scheme)
	})
	t.Run("tls", func(t *testing.T) {
		pd := startStub(t, true)
		opts := testOptions()
		opts.Mode = ModeTransparent
		opts.Resolver = StaticResolver{Host: "127.0.0.1", Port: pd.Port()}
		tp := startProxy(t, opts, nil)

		cl := tp.dial(t)
		cl.startTLS("example.com")
		cl.send("GET /p/203 HTTP/1.1\r\nHost: example.com\r\n\r\n")
		resp, _, err := cl.read("GET")
		require.NoError(t, err)
		assert.Equal(t, 203, resp.StatusCode)

		f := onlyFlow(t, tp.session)
		assert.Equal(t, "https", f.Request.Scheme)
		assert.Equal(t, "example.com", f.ClientConn.SNI)
	})
	t.Run("resolver failure", func(t *testing.T) {
		opts := testOptions()
		opts.Mode = ModeTransparent
		opts.Resolver = ResolverFunc(func(net.Conn) (string, int, error) {
			return "", 0, fmt.Errorf("no redirect")
		})
		tp := startProxy(t, opts, nil)
		cl := tp.dial(t)
		assert.True(t, cl.closed())
	})
}

func TestServerCloseDropsClients(t *testing.T) {
	tp := startProxy(t, testOptions(), nil)
	cl := tp.dial(t)
	// give the accept loop a moment to register the client
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, tp.srv.Close())
	assert.True(t, cl.closed())
	assert.ErrorIs(t, tp.srv.Serve(), ErrServerClosed)
}
