package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/matryer/is"
	"github.com/rs/zerolog"

	"github.com/shaunagostinho/kiwi/internal/kiwi"
)

type fakeSource struct {
	mu   sync.Mutex
	n    int
	fail bool
}

func (f *fakeSource) ReadSensors(context.Context) (kiwi.Reading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	if f.fail {
		return kiwi.Reading{}, errors.New("no reply")
	}
	return kiwi.Reading{
		Time:        time.Unix(1700000000+int64(f.n), 0),
		Temperature: 20 + float64(f.n),
		Pressure:    101.3,
		Battery:     3.05,
	}, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	on      bool
	records []kiwi.Reading
}

func (r *fakeRecorder) Record(rd kiwi.Reading) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.on {
		r.records = append(r.records, rd)
	}
}
func (r *fakeRecorder) SetEnabled(on bool) { r.mu.Lock(); r.on = on; r.mu.Unlock() }
func (r *fakeRecorder) IsEnabled() bool { r.mu.Lock(); defer r.mu.Unlock(); return r.on }
func (r *fakeRecorder) Close() {}

func newTestServer(src Source, rec Recorder) (*Server, *httptest.Server) {
	web := fstest.MapFS{"index.html": {Data: []byte("<html>kiwi</html>")}}
	s := New(Config{Poll: time.Millisecond}, src, Info{Name: "demo", ID: "E1", Version: 1, Schema: "light"}, web, rec, zerolog.Nop())
	return s, httptest.NewServer(s.Handler())
}

func readFrame(is *is.I, conn *websocket.Conn) Frame {
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	is.NoErr(err)
	var f Frame
	is.NoErr(json.Unmarshal(data, &f))
	return f
}

func waitClients(s *Server, n int) {
	for i := 0; i < 200; i++ {
		s.clientsMu.RLock()
		got := len(s.clients)
		s.clientsMu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestBroadcastReadings(t *testing.T) {
	is := is.New(t)

	rec := &fakeRecorder{on: true}
	s, ts := newTestServer(&fakeSource{}, rec)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	is.NoErr(err)
	defer conn.Close()

	hello := readFrame(is, conn)
	is.Equal(hello.Info.ID, "E1")
	is.True(hello.Reading == nil)
	is.True(hello.Recording)

	waitClients(s, 1)
	s.Poll(context.Background())

	f := readFrame(is, conn)
	is.True(f.Reading != nil)
	is.Equal(f.Reading.Temperature, 21.0)
	is.Equal(len(rec.records), 1)
}

func TestPollFailureIsBroadcast(t *testing.T) {
	is := is.New(t)

	src := &fakeSource{fail: true}
	s, ts := newTestServer(src, nil)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	is.NoErr(err)
	defer conn.Close()
	readFrame(is, conn)

	waitClients(s, 1)
	s.Poll(context.Background())
	f := readFrame(is, conn)
	is.Equal(f.Error, "no reply")
	is.True(f.Reading == nil)

	resp, err := http.Get(ts.URL + "/api/status")
	is.NoErr(err)
	defer resp.Body.Close()
	var st status
	is.NoErr(json.NewDecoder(resp.Body).Decode(&st))
	is.Equal(st.Polls, 1)
	is.Equal(st.Failures, 1)
	is.Equal(st.LastError, "no reply")
}

func TestRecordToggle(t *testing.T) {
	is := is.New(t)

	rec := &fakeRecorder{}
	_, ts := newTestServer(&fakeSource{}, rec)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/record/on", "application/json", nil)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
	is.True(rec.IsEnabled())

	resp, err = http.Post(ts.URL+"/api/record/maybe", "application/json", nil)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusBadRequest)

	resp, err = http.Get(ts.URL + "/index.html")
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusOK)
}

func TestRecordUnavailable(t *testing.T) {
	is := is.New(t)

	_, ts := newTestServer(&fakeSource{}, nil)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/record/on", "application/json", nil)
	is.NoErr(err)
	resp.Body.Close()
	is.Equal(resp.StatusCode, http.StatusNotImplemented)
}

func TestRunStopsOnCancel(t *testing.T) {
	is := is.New(t)

	src := &fakeSource{}
	s := New(Config{ListenAddr: "127.0.0.1:0", Poll: 5 * time.Millisecond}, src, Info{}, nil, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		is.NoErr(err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	src.mu.Lock()
	defer src.mu.Unlock()
	is.True(src.n > 0)
}
